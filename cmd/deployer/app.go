package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/k11v/deployer/internal/amqputil"
	"github.com/k11v/deployer/internal/deploy"
	"github.com/k11v/deployer/internal/deploy/deployamqp"
	"github.com/k11v/deployer/internal/deploy/deployfs"
	"github.com/k11v/deployer/internal/deploy/deploypg"
	"github.com/k11v/deployer/internal/deploy/deployredis"
	"github.com/k11v/deployer/internal/postgresutil"
	"github.com/k11v/deployer/internal/redisutil"
)

const (
	webTriggerPrefix = "deploy"
	apkTriggerPrefix = "apk-build"

	// lockMargin is added to a configured timeout when no lock TTL is configured.
	lockMargin = 5 * time.Minute
)

func newLogger(cfg *config) *slog.Logger {
	if cfg.Development {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, nil))
}

// app holds the connections shared by the commands.
type app struct {
	log      *slog.Logger
	pool     *pgxpool.Pool
	redis    *redis.Client
	sink     *deploy.FileRecoverySink
	db       deploy.Database
	locker   deploy.Locker
	profiles []*deploy.Profile
	git      deploy.GitInfo
	events   deploy.Publisher
}

func openApp(ctx context.Context, cfg *config, log *slog.Logger) (*app, error) {
	pool, err := postgresutil.NewPool(ctx, &cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}

	rdb, err := redisutil.NewClient(ctx, &cfg.Redis)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("redis: %w", err)
	}

	profiles, err := newProfiles(cfg, log)
	if err != nil {
		pool.Close()
		_ = rdb.Close()
		return nil, err
	}

	sink := deploy.NewFileRecoverySink(cfg.recoveryLogFile())

	a := &app{
		log:      log,
		pool:     pool,
		redis:    rdb,
		sink:     sink,
		db:       deploy.NewRetryDatabase(deploypg.NewDatabase(pool), sink, log),
		locker:   deployredis.NewLocker(rdb),
		profiles: profiles,
		git:      &deploy.GitCommand{Dir: cfg.gitDir()},
	}
	if cfg.AMQP.ConnectionString != "" {
		a.events = deployamqp.NewPublisher(amqputil.NewClient(&cfg.AMQP))
	}
	return a, nil
}

func (a *app) close() {
	a.pool.Close()
	if err := a.redis.Close(); err != nil {
		a.log.Error("didn't close redis", "error", err)
	}
	if err := a.sink.Close(); err != nil {
		a.log.Error("didn't close recovery log", "error", err)
	}
}

func newProfiles(cfg *config, log *slog.Logger) ([]*deploy.Profile, error) {
	var validator deploy.Validator
	if cfg.Web.ValidateURL != "" {
		validator = &deploy.HTTPValidator{URL: cfg.Web.ValidateURL}
	}

	web := deploy.NewWebDeployProfile(deployfs.NewTrigger(cfg.triggerDir(), webTriggerPrefix, log), validator)
	applyLimits(web, cfg.Web.Timeout, cfg.Web.LockTTL)
	web.PollInterval = cfg.PollInterval
	web.NudgeEvery = cfg.NudgeEvery

	apk := deploy.NewAPKBuildProfile(deployfs.NewTrigger(cfg.triggerDir(), apkTriggerPrefix, log))
	applyLimits(apk, cfg.APK.Timeout, cfg.APK.LockTTL)
	apk.PollInterval = cfg.PollInterval
	apk.NudgeEvery = cfg.NudgeEvery

	profiles := []*deploy.Profile{web, apk}
	var errs []error
	for _, p := range profiles {
		errs = append(errs, p.Validate())
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return profiles, nil
}

// applyLimits overrides the profile's timeout and lock TTL where configured.
func applyLimits(p *deploy.Profile, timeout, lockTTL time.Duration) {
	if timeout > 0 {
		p.Timeout = timeout
		if lockTTL <= 0 && p.LockTTL <= timeout {
			p.LockTTL = timeout + lockMargin
		}
	}
	if lockTTL > 0 {
		p.LockTTL = lockTTL
	}
}
