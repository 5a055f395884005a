package gitops

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/modrelay/teamsync/internal/gitexec"
)

// WorkTreeStatus is the structured view of a working copy.
type WorkTreeStatus struct {
	Branch    string
	Modified  []string
	Added     []string
	Deleted   []string
	Renamed   []string
	Untracked []string
	Last      *CommitInfo
}

// Clean reports whether the worktree has no pending changes.
func (s *WorkTreeStatus) Clean() bool {
	return len(s.Modified)+len(s.Added)+len(s.Deleted)+len(s.Renamed)+len(s.Untracked) == 0
}

// CommitInfo describes the latest commit.
type CommitInfo struct {
	Hash    string
	Author  string
	Email   string
	Time    time.Time
	Message string
}

// Status returns the current branch, a structured diff of pending paths and
// the latest commit's metadata.
func (g *Repos) Status(ctx context.Context, dir string) (*WorkTreeStatus, error) {
	branch, err := g.CurrentBranch(ctx, dir)
	if err != nil {
		return nil, err
	}

	res, err := g.runner.Run(ctx, gitexec.Options{Dir: dir}, "status", "--porcelain")
	if err != nil {
		return nil, err
	}

	status := &WorkTreeStatus{Branch: branch}
	parsePorcelain(res.Stdout, status)

	last, err := g.lastCommit(ctx, dir)
	if err == nil {
		status.Last = last
	}

	return status, nil
}

// parsePorcelain fills the path buckets from `git status --porcelain` output.
func parsePorcelain(out string, status *WorkTreeStatus) {
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		code, path := line[:2], strings.TrimSpace(line[3:])
		switch {
		case code == "??":
			status.Untracked = append(status.Untracked, path)
		case strings.ContainsRune(code, 'R'):
			// Renames report "old -> new"; keep the new path.
			if _, after, ok := strings.Cut(path, " -> "); ok {
				path = after
			}
			status.Renamed = append(status.Renamed, path)
		case strings.ContainsRune(code, 'A'):
			status.Added = append(status.Added, path)
		case strings.ContainsRune(code, 'D'):
			status.Deleted = append(status.Deleted, path)
		default:
			status.Modified = append(status.Modified, path)
		}
	}
}

func (g *Repos) lastCommit(ctx context.Context, dir string) (*CommitInfo, error) {
	res, err := g.runner.Run(ctx, gitexec.Options{Dir: dir},
		"log", "-1", "--format=%H%x1f%an%x1f%ae%x1f%ct%x1f%s")
	if err != nil {
		return nil, err
	}

	fields := strings.Split(strings.TrimSpace(res.Stdout), "\x1f")
	if len(fields) != 5 {
		return nil, nil
	}

	info := &CommitInfo{
		Hash:    fields[0],
		Author:  fields[1],
		Email:   fields[2],
		Message: fields[4],
	}
	if ts, err := strconv.ParseInt(fields[3], 10, 64); err == nil {
		info.Time = time.Unix(ts, 0)
	}
	return info, nil
}
