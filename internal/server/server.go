// Package server exposes deployments over HTTP to the admin dashboard.
package server

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/k11v/deployer/internal/deploy"
)

// Starter starts attempts. It is implemented by *deploy.Orchestrator.
type Starter interface {
	Start(ctx context.Context, kind deploy.Kind, initiator deploy.Initiator) (*deploy.Attempt, error)
}

// Service answers queries about attempts. It is implemented by *deploy.Service.
type Service interface {
	GetStatus(ctx context.Context, id uuid.UUID) (*deploy.Attempt, error)
	GetLogs(ctx context.Context, id uuid.UUID, sinceID int64) ([]*deploy.LogEntry, error)
	ListHistory(ctx context.Context, kind deploy.Kind, page, pageSize int) (*deploy.History, error)
	Cancel(ctx context.Context, id uuid.UUID) (*deploy.Attempt, error)
	OpenArtifact(ctx context.Context, id uuid.UUID) (*deploy.ArtifactFile, error)
}

// Check reports whether a dependency is reachable.
type Check func(ctx context.Context) error

type Params struct {
	Starter  Starter             // required
	Service  Service             // required
	Gatherer prometheus.Gatherer // optional, /metrics is not served without it
	Checks   map[string]Check    // optional, run by /health
	Log      *slog.Logger        // default: slog.Default()
}

// New returns a new HTTP server.
// It should be started with http.Server's ListenAndServe.
func New(cfg *Config, params *Params) *http.Server {
	addr := net.JoinHostPort(cfg.host(), strconv.Itoa(cfg.port()))

	log := params.Log
	if log == nil {
		log = slog.Default()
	}
	subLogger := log.With("component", "server")
	subLogLogger := slog.NewLogLogger(subLogger.Handler(), slog.LevelError)

	p := *params
	p.Log = subLogger
	h := NewHandler(&p)

	return &http.Server{
		Addr:              addr,
		ErrorLog:          subLogLogger,
		Handler:           h,
		ReadHeaderTimeout: cfg.readHeaderTimeout(),
	}
}

func closeWithLog(log *slog.Logger, c io.Closer) {
	if err := c.Close(); err != nil {
		log.Error("didn't close", "error", err)
	}
}
