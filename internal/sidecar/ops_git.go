package sidecar

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/devmux/devmux/internal/common/logger"
)

// GitRunner executes git operations in the workspace directory. Operations
// run the git CLI directly; the workspace container is expected to have git
// installed (it is part of the base image).
type GitRunner struct {
	workDir string
	logger  *logger.Logger
}

func NewGitRunner(workDir string, log *logger.Logger) *GitRunner {
	return &GitRunner{
		workDir: workDir,
		logger:  log.WithFields(zap.String("component", "git")),
	}
}

// GitFileStatus is one changed file in a status report.
type GitFileStatus struct {
	Path   string `json:"path"`
	Status string `json:"status"`
	Staged bool   `json:"staged"`
}

// GitStatusData is the git:status response body.
type GitStatusData struct {
	Branch string          `json:"branch"`
	Ahead  int             `json:"ahead"`
	Behind int             `json:"behind"`
	Files  []GitFileStatus `json:"files"`
	Clean  bool            `json:"clean"`
}

// GitDiffData is the git:diff response body.
type GitDiffData struct {
	Diff string `json:"diff"`
}

// GitCommitData is the git:commit response body.
type GitCommitData struct {
	Sha string `json:"sha"`
}

// run executes a git command in the workspace directory and returns stdout.
// On failure the error carries the trimmed stderr.
func (g *GitRunner) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.workDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	g.logger.Debug("executing git command", zap.Strings("args", args))

	if err := cmd.Run(); err != nil {
		return stdout.String(), fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// Status reports the current branch, ahead/behind counts against the
// upstream, and the changed file list.
func (g *GitRunner) Status(ctx context.Context) (*GitStatusData, error) {
	branch, err := g.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("not a git repository: %w", err)
	}

	data := &GitStatusData{
		Branch: strings.TrimSpace(branch),
		Files:  []GitFileStatus{},
	}

	// Ahead/behind only makes sense with an upstream; a branch without one
	// reports 0/0.
	if out, err := g.run(ctx, "rev-list", "--left-right", "--count", "HEAD...@{upstream}"); err == nil {
		parts := strings.Fields(out)
		if len(parts) == 2 {
			data.Ahead, _ = strconv.Atoi(parts[0])
			data.Behind, _ = strconv.Atoi(parts[1])
		}
	}

	out, err := g.run(ctx, "status", "--porcelain", "--untracked-files=all")
	if err != nil {
		return nil, err
	}
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 3 {
			continue
		}
		if f, ok := parsePorcelainLine(line); ok {
			data.Files = append(data.Files, f)
		}
	}
	data.Clean = len(data.Files) == 0

	return data, nil
}

// parsePorcelainLine parses one "XY path" line of git status --porcelain.
// X is the index (staged) status, Y the working tree status; worktree
// changes win because they reflect the current state of the file.
func parsePorcelainLine(line string) (GitFileStatus, bool) {
	index := line[0]
	worktree := line[1]
	path := strings.TrimSpace(line[3:])

	f := GitFileStatus{Path: path}
	switch {
	case index == '?' && worktree == '?':
		f.Status = "untracked"
	case worktree == 'D':
		f.Status = "deleted"
	case index == 'D':
		f.Status = "deleted"
		f.Staged = true
	case worktree == 'M':
		f.Status = "modified"
	case index == 'M':
		f.Status = "modified"
		f.Staged = true
	case index == 'A':
		f.Status = "added"
		f.Staged = true
	case index == 'R':
		f.Status = "renamed"
		f.Staged = true
		// Renamed entries have the form "old -> new".
		if idx := strings.Index(path, " -> "); idx != -1 {
			f.Path = path[idx+4:]
		}
	default:
		return f, false
	}
	return f, true
}

// Diff returns the diff for the whole tree or a single path. Staged selects
// the index diff instead of the working tree diff.
func (g *GitRunner) Diff(ctx context.Context, path string, staged bool) (*GitDiffData, error) {
	args := []string{"diff"}
	if staged {
		args = append(args, "--cached")
	}
	if path != "" {
		args = append(args, "--", path)
	}
	out, err := g.run(ctx, args...)
	if err != nil {
		return nil, err
	}
	return &GitDiffData{Diff: out}, nil
}

// Stage adds the given paths to the index. An empty path list stages
// everything.
func (g *GitRunner) Stage(ctx context.Context, paths []string) error {
	args := []string{"add"}
	if len(paths) == 0 {
		args = append(args, "-A")
	} else {
		args = append(append(args, "--"), paths...)
	}
	_, err := g.run(ctx, args...)
	return err
}

// Unstage removes the given paths from the index. An empty path list
// unstages everything.
func (g *GitRunner) Unstage(ctx context.Context, paths []string) error {
	args := []string{"reset", "HEAD"}
	if len(paths) > 0 {
		args = append(append(args, "--"), paths...)
	}
	_, err := g.run(ctx, args...)
	return err
}

// Commit records the staged changes and returns the new commit sha.
func (g *GitRunner) Commit(ctx context.Context, message string) (*GitCommitData, error) {
	if strings.TrimSpace(message) == "" {
		return nil, fmt.Errorf("commit message is required")
	}
	if _, err := g.run(ctx, "commit", "-m", message); err != nil {
		return nil, err
	}
	sha, err := g.run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return nil, err
	}
	return &GitCommitData{Sha: strings.TrimSpace(sha)}, nil
}

// Discard reverts working tree changes to the given paths. Refuses an empty
// path list so a malformed request cannot wipe the whole tree.
func (g *GitRunner) Discard(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return fmt.Errorf("no paths specified")
	}
	_, err := g.run(ctx, append([]string{"checkout", "--"}, paths...)...)
	return err
}
