package deploytest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Agent plays the deploy agent on the other side of a deployfs.Trigger.
type Agent struct {
	Dir    string
	Prefix string
}

// WaitTrigger waits until a trigger file appears and returns the attempt id it names.
func (a *Agent) WaitTrigger(ctx context.Context) (uuid.UUID, error) {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		content, err := os.ReadFile(filepath.Join(a.Dir, a.Prefix+".trigger"))
		if err == nil {
			id, parseErr := uuid.Parse(strings.TrimSpace(string(content)))
			if parseErr == nil {
				return id, nil
			}
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return uuid.UUID{}, fmt.Errorf("wait trigger: %w", ctx.Err())
		}
	}
}

// Log appends lines to the log of the attempt with id.
func (a *Agent) Log(id uuid.UUID, lines ...string) error {
	f, err := os.OpenFile(a.path(id, "log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	for _, line := range lines {
		if _, err = fmt.Fprintln(f, line); err != nil {
			_ = f.Close()
			return err
		}
	}
	return f.Close()
}

// Finish writes the status file of the attempt with id, e.g. "SUCCESS" or "FAILED".
func (a *Agent) Finish(id uuid.UUID, status string) error {
	return os.WriteFile(a.path(id, "status"), []byte(status+"\n"), 0o644)
}

// Cancelled reports whether cancellation was requested for the attempt with id.
func (a *Agent) Cancelled(id uuid.UUID) bool {
	_, err := os.Stat(a.path(id, "cancel"))
	return err == nil
}

func (a *Agent) path(id uuid.UUID, ext string) string {
	return filepath.Join(a.Dir, fmt.Sprintf("%s-%s.%s", a.Prefix, id, ext))
}
