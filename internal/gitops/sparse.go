package gitops

import (
	"context"
	"fmt"
	"strings"

	"github.com/modrelay/teamsync/internal/gitexec"
)

// SparseSet enables cone-mode sparse checkout and replaces the pattern set.
func (g *Repos) SparseSet(ctx context.Context, dir string, patterns []string) error {
	if err := validateSparsePatterns(patterns); err != nil {
		return err
	}
	args := append([]string{"sparse-checkout", "set", "--cone"}, patterns...)
	_, err := g.runner.Run(ctx, gitexec.Options{Dir: dir}, args...)
	return err
}

// SparseAdd adds patterns to an existing sparse checkout.
func (g *Repos) SparseAdd(ctx context.Context, dir string, patterns []string) error {
	if err := validateSparsePatterns(patterns); err != nil {
		return err
	}
	args := append([]string{"sparse-checkout", "add"}, patterns...)
	_, err := g.runner.Run(ctx, gitexec.Options{Dir: dir}, args...)
	return err
}

// SparseDisable re-materializes the full tree.
func (g *Repos) SparseDisable(ctx context.Context, dir string) error {
	_, err := g.runner.Run(ctx, gitexec.Options{Dir: dir}, "sparse-checkout", "disable")
	return err
}

// validateSparsePatterns rejects pattern sets that would silently include the
// entire tree, defeating the point of a sparse checkout.
func validateSparsePatterns(patterns []string) error {
	if len(patterns) == 0 {
		return fmt.Errorf("sparse checkout requires at least one pattern")
	}
	for _, p := range patterns {
		clean := strings.TrimSpace(p)
		if clean == "" {
			return fmt.Errorf("empty sparse checkout pattern")
		}
		switch strings.Trim(clean, "/") {
		case "", "*", "**":
			return fmt.Errorf("sparse checkout pattern %q matches the entire tree", p)
		}
	}
	return nil
}
