// Package gitops resolves the state of stack repositories without cloning
// them. sync --show-git compares the remote HEAD against the last synced
// commit in the journal.
package gitops

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/storage/memory"
)

var (
	// ErrBranchNotFound is returned when the remote has no such branch.
	ErrBranchNotFound = errors.New("branch not found on remote")
)

// Resolver looks up remote HEADs for stack repositories.
type Resolver struct {
	timeout time.Duration
}

// NewResolver creates a Resolver. The timeout bounds each ls-remote.
func NewResolver(timeout time.Duration) *Resolver {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &Resolver{timeout: timeout}
}

// Head returns the commit SHA the branch points at on the remote, using an
// in-memory remote listing (no clone, no filesystem).
func (r *Resolver) Head(ctx context.Context, repoURL, branch string) (string, error) {
	remote := git.NewRemote(memory.NewStorage(), &config.RemoteConfig{
		Name: "origin",
		URLs: []string{repoURL},
	})

	listCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	refs, err := remote.ListContext(listCtx, &git.ListOptions{})
	if err != nil {
		return "", fmt.Errorf("ls-remote %s: %w", repoURL, err)
	}

	want := plumbing.NewBranchReferenceName(branch)
	for _, ref := range refs {
		if ref.Type() == plumbing.SymbolicReference {
			continue
		}
		if ref.Name() == want {
			return ref.Hash().String(), nil
		}
	}
	return "", fmt.Errorf("%w: %s on %s", ErrBranchNotFound, branch, repoURL)
}
