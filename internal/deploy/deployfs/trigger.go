// Package deployfs implements deploy.Trigger with files in a directory
// shared with the deploy agent.
//
// For an attempt with id ID and a trigger with prefix P, the files are:
//
//	P.trigger       written by us, contains ID; the agent picks it up and starts the build
//	P-ID.log        appended by the agent while the build runs
//	P-ID.status     written by the agent when the build ends, SUCCESS or FAILED
//	P-ID.cancel     written by us to ask for cancellation, contains CANCEL
package deployfs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/k11v/deployer/internal/deploy"
)

// maxReadSize bounds how much of the log a single Poll reads.
const maxReadSize = 1 << 20

var _ deploy.Trigger = (*Trigger)(nil)

type Trigger struct {
	dir    string
	prefix string
	log    *slog.Logger

	mu    sync.Mutex
	tails map[uuid.UUID]*tail
}

// tail is the read position in a log file.
type tail struct {
	offset  int64
	partial []byte // bytes after the last newline
}

// NewTrigger returns a Trigger that uses files named after prefix in dir.
func NewTrigger(dir, prefix string, log *slog.Logger) *Trigger {
	if log == nil {
		log = slog.Default()
	}
	return &Trigger{
		dir:    dir,
		prefix: prefix,
		log:    log.With("component", "trigger", "prefix", prefix),
		tails:  make(map[uuid.UUID]*tail),
	}
}

func (t *Trigger) triggerPath() string {
	return filepath.Join(t.dir, t.prefix+".trigger")
}

func (t *Trigger) path(id uuid.UUID, ext string) string {
	return filepath.Join(t.dir, fmt.Sprintf("%s-%s.%s", t.prefix, id, ext))
}

// Start implements deploy.Trigger.
func (t *Trigger) Start(_ context.Context, attemptID uuid.UUID) error {
	if err := os.MkdirAll(t.dir, 0o755); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	t.mu.Lock()
	t.tails[attemptID] = &tail{}
	t.mu.Unlock()

	if err := writeFileAtomic(t.triggerPath(), []byte(attemptID.String())); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	return nil
}

// Poll implements deploy.Trigger.
func (t *Trigger) Poll(_ context.Context, attemptID uuid.UUID) (*deploy.PollResult, error) {
	res := &deploy.PollResult{}

	// The status is read before the log so that a log written completely
	// before the status file is read completely in the same Poll.
	statusContent, err := os.ReadFile(t.path(attemptID, "status"))
	switch {
	case err == nil:
		res.StatusContent = strings.TrimSpace(string(statusContent))
		switch {
		case strings.Contains(res.StatusContent, "SUCCESS"):
			res.Status = deploy.TriggerSucceeded
		case strings.Contains(res.StatusContent, "FAILED"):
			res.Status = deploy.TriggerFailed
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return nil, fmt.Errorf("poll: %w", err)
	}

	lines, more, err := t.readLines(attemptID, res.Status != deploy.TriggerRunning)
	if err != nil {
		return nil, fmt.Errorf("poll: %w", err)
	}
	res.Lines = lines
	if more {
		// The status is reported once the whole log has been read.
		res.Status = deploy.TriggerRunning
	}

	return res, nil
}

// readLines returns the complete lines appended since the previous call
// and whether more is left to read.
// If flush is true, a trailing line without a newline is returned too.
func (t *Trigger) readLines(attemptID uuid.UUID, flush bool) (lines []string, more bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tl, ok := t.tails[attemptID]
	if !ok {
		tl = &tail{}
		t.tails[attemptID] = tl
	}

	f, err := os.Open(t.path(attemptID, "log"))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer func() {
		_ = f.Close()
	}()

	info, err := f.Stat()
	if err != nil {
		return nil, false, err
	}
	if info.Size() < tl.offset {
		// Truncated or replaced, start over.
		t.log.Warn("log file shrank", "attempt_id", attemptID, "size", info.Size(), "offset", tl.offset)
		tl.offset, tl.partial = 0, nil
	}

	buf := make([]byte, min(info.Size()-tl.offset, maxReadSize))
	n, err := f.ReadAt(buf, tl.offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, false, err
	}
	buf = buf[:n]
	tl.offset += int64(n)
	more = tl.offset < info.Size()

	data := append(tl.partial, buf...)
	tl.partial = nil

	cut := bytes.LastIndexByte(data, '\n')
	switch {
	case flush && !more:
		cut = len(data)
	case cut < 0 && len(data) >= maxReadSize:
		// A single line longer than a whole read is passed on in pieces,
		// each ending on a character boundary.
		cut = runeBoundary(data)
		tl.partial = bytes.Clone(data[cut:])
	case cut < 0:
		tl.partial = data
		return nil, more, nil
	default:
		tl.partial = bytes.Clone(data[cut+1:])
	}

	return splitLines(data[:cut]), more, nil
}

// runeBoundary returns the length of data without a trailing incomplete UTF-8 sequence.
func runeBoundary(data []byte) int {
	for i := len(data) - 1; i >= 0 && i >= len(data)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(data[i]) {
			continue
		}
		if utf8.FullRune(data[i:]) {
			return len(data)
		}
		return i
	}
	return len(data)
}

// splitLines splits data into non-blank lines.
// Invalid UTF-8 is replaced with U+FFFD and NUL bytes are dropped.
func splitLines(data []byte) []string {
	var lines []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimRight(line, "\r")
		line = strings.ToValidUTF8(strings.ReplaceAll(line, "\x00", ""), "\uFFFD")
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}

// CancelRequested implements deploy.Trigger.
func (t *Trigger) CancelRequested(_ context.Context, attemptID uuid.UUID) (bool, error) {
	_, err := os.Stat(t.path(attemptID, "cancel"))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("cancel requested: %w", err)
	}
}

// Cancel implements deploy.Trigger.
func (t *Trigger) Cancel(_ context.Context, attemptID uuid.UUID) error {
	if err := os.MkdirAll(t.dir, 0o755); err != nil {
		return fmt.Errorf("cancel: %w", err)
	}
	if err := writeFileAtomic(t.path(attemptID, "cancel"), []byte("CANCEL")); err != nil {
		return fmt.Errorf("cancel: %w", err)
	}
	return nil
}

// Cleanup implements deploy.Trigger.
// The trigger file is kept if it already names another attempt.
func (t *Trigger) Cleanup(_ context.Context, attemptID uuid.UUID) {
	t.mu.Lock()
	delete(t.tails, attemptID)
	t.mu.Unlock()

	var errs []error

	content, err := os.ReadFile(t.triggerPath())
	switch {
	case err == nil:
		if strings.TrimSpace(string(content)) == attemptID.String() {
			errs = append(errs, remove(t.triggerPath()))
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		errs = append(errs, err)
	}

	for _, ext := range []string{"status", "log", "cancel"} {
		errs = append(errs, remove(t.path(attemptID, ext)))
	}

	if err = errors.Join(errs...); err != nil {
		t.log.Warn("didn't clean up", "attempt_id", attemptID, "error", err)
	}
}

func remove(name string) error {
	err := os.Remove(name)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// writeFileAtomic writes data to a temporary file next to name and renames it,
// so that the agent never sees a partially written file.
func writeFileAtomic(name string, data []byte) error {
	f, err := os.CreateTemp(filepath.Dir(name), "."+filepath.Base(name)+".*")
	if err != nil {
		return err
	}
	tmp := f.Name()

	_, err = f.Write(data)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Chmod(tmp, 0o644)
	}
	if err == nil {
		err = os.Rename(tmp, name)
	}
	if err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
