package main

import (
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/k11v/deployer/internal/amqputil"
	"github.com/k11v/deployer/internal/artifact"
	"github.com/k11v/deployer/internal/postgresutil"
	"github.com/k11v/deployer/internal/redisutil"
	"github.com/k11v/deployer/internal/server"
)

// config holds the application configuration.
type config struct {
	Development bool                `env:"DEPLOYER_DEVELOPMENT"`
	Postgres    postgresutil.Config `envPrefix:"DEPLOYER_POSTGRES_"`
	Redis       redisutil.Config    `envPrefix:"DEPLOYER_REDIS_"`
	AMQP        amqputil.Config     `envPrefix:"DEPLOYER_AMQP_"`
	Server      server.Config       `envPrefix:"DEPLOYER_SERVER_"`
	Artifact    artifact.Config     `envPrefix:"DEPLOYER_ARTIFACT_"`
	Web         webConfig           `envPrefix:"DEPLOYER_WEB_"`
	APK         apkConfig           `envPrefix:"DEPLOYER_APK_"`
	Reconcile   reconcileConfig     `envPrefix:"DEPLOYER_RECONCILE_"`

	TriggerDir      string        `env:"DEPLOYER_TRIGGER_DIR"`       // default: "/project"
	GitDir          string        `env:"DEPLOYER_GIT_DIR"`           // default: "/project"
	RecoveryLogFile string        `env:"DEPLOYER_RECOVERY_LOG_FILE"` // default: "<trigger dir>/deploy-status-update-failures.log"
	PollInterval    time.Duration `env:"DEPLOYER_POLL_INTERVAL"`     // default: 2s
	NudgeEvery      int           `env:"DEPLOYER_NUDGE_EVERY"`       // default: 30 poll cycles
}

type webConfig struct {
	Timeout     time.Duration `env:"TIMEOUT"`      // default: 15m
	LockTTL     time.Duration `env:"LOCK_TTL"`     // default: 20m
	ValidateURL string        `env:"VALIDATE_URL"` // optional, validation is skipped without it
}

type apkConfig struct {
	Timeout time.Duration `env:"TIMEOUT"`  // default: 60m
	LockTTL time.Duration `env:"LOCK_TTL"` // default: 65m
}

type reconcileConfig struct {
	Schedule   string        `env:"SCHEDULE"`    // default: "@every 5m"
	StaleAfter time.Duration `env:"STALE_AFTER"` // default: 1m
}

func (c *reconcileConfig) schedule() string {
	if c.Schedule == "" {
		return "@every 5m"
	}
	return c.Schedule
}

func (c *config) triggerDir() string {
	if c.TriggerDir == "" {
		return "/project"
	}
	return c.TriggerDir
}

func (c *config) gitDir() string {
	if c.GitDir == "" {
		return "/project"
	}
	return c.GitDir
}

func (c *config) recoveryLogFile() string {
	if c.RecoveryLogFile == "" {
		return filepath.Join(c.triggerDir(), "deploy-status-update-failures.log")
	}
	return c.RecoveryLogFile
}

// parseConfig parses the application configuration from the environment variables.
func parseConfig(environ []string) (*config, error) {
	var cfg config

	err := env.ParseWithOptions(&cfg, env.Options{
		Environment: env.ToMap(environ),
	})
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}
