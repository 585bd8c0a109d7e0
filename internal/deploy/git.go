package deploy

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// GitInfo reports which revision the executor is about to build.
type GitInfo interface {
	Head(ctx context.Context) (branch, commit string, err error)
}

// GitCommand reads HEAD of the repository in Dir with the git binary.
type GitCommand struct {
	Dir string // default: "/project"
}

// Head implements GitInfo.
func (g *GitCommand) Head(ctx context.Context) (branch, commit string, err error) {
	branch, branchErr := g.revParse(ctx, "--abbrev-ref", "HEAD")
	commit, commitErr := g.revParse(ctx, "HEAD")
	if err = errors.Join(branchErr, commitErr); err != nil {
		return branch, commit, fmt.Errorf("git head: %w", err)
	}
	return branch, commit, nil
}

func (g *GitCommand) revParse(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", append([]string{"rev-parse"}, args...)...)
	cmd.Dir = g.dir()

	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
			return "", fmt.Errorf("rev-parse %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("rev-parse %s: %w", strings.Join(args, " "), err)
	}
	return strings.TrimSpace(string(out)), nil
}

func (g *GitCommand) dir() string {
	if g.Dir == "" {
		return "/project"
	}
	return g.Dir
}

const unknownRevision = "unknown"

func shortCommit(commit string) string {
	if len(commit) > 7 {
		return commit[:7]
	}
	return commit
}
