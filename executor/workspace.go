package executor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/run-ci/conductor/pipeline"
	"github.com/run-ci/conductor/secrets"
	log "github.com/sirupsen/logrus"
)

// Workspace lays out the per-run directories under Root:
//
//	<Root>/work/<run-id>   checked out sources
//	<Root>/logs/<run-id>   step output
type Workspace struct {
	Root    string
	Secrets secrets.Resolver
}

// WorkDir is the checkout directory for a run.
func (w *Workspace) WorkDir(runID string) string {
	return filepath.Join(w.Root, "work", runID)
}

// LogDir is the step log directory for a run.
func (w *Workspace) LogDir(runID string) string {
	return filepath.Join(w.Root, "logs", runID)
}

// Prepare creates the run's directories and checks out the root at branch,
// moving to commit when one is given. A root without a URL gets an empty
// work tree.
func (w *Workspace) Prepare(ctx context.Context, runID string, root *pipeline.VcsRoot, branch, commit string) (string, error) {
	dir := w.WorkDir(runID)
	if err := os.MkdirAll(w.LogDir(runID), 0755); err != nil {
		return "", err
	}

	if root == nil || root.URL == "" {
		return dir, os.MkdirAll(dir, 0755)
	}

	if branch == "" {
		branch = root.Branch
	}

	logger := logger.WithFields(log.Fields{
		"run_id": runID,
		"url":    root.URL,
		"branch": branch,
		"commit": commit,
	})

	opts := &git.CloneOptions{
		URL:           root.URL,
		ReferenceName: refName(branch),
		SingleBranch:  true,
	}
	if commit == "" {
		opts.Depth = 1
	}

	if root.Auth.Username != "" {
		pass, err := w.resolve(ctx, root.Auth.Password)
		if err != nil {
			return "", fmt.Errorf("credentials for %s: %w", root.Name, err)
		}
		opts.Auth = &githttp.BasicAuth{Username: root.Auth.Username, Password: pass}
	}

	logger.Debug("cloning")

	repo, err := git.PlainCloneContext(ctx, dir, false, opts)
	if err != nil {
		logger.WithError(err).Debug("unable to clone")
		return "", fmt.Errorf("cloning %s: %w", root.URL, err)
	}

	if commit != "" {
		wt, err := repo.Worktree()
		if err != nil {
			return "", err
		}

		err = wt.Checkout(&git.CheckoutOptions{Hash: plumbing.NewHash(commit), Force: true})
		if err != nil {
			logger.WithError(err).Debug("unable to check out commit")
			return "", fmt.Errorf("checking out %s: %w", commit, err)
		}
	}

	return dir, nil
}

// Cleanup removes the run's work tree. Logs are kept.
func (w *Workspace) Cleanup(runID string) error {
	return os.RemoveAll(w.WorkDir(runID))
}

func (w *Workspace) resolve(ctx context.Context, handle string) (string, error) {
	if w.Secrets == nil {
		return handle, nil
	}

	return w.Secrets.Resolve(ctx, handle)
}

// refName turns a branch as seen in events ("main", "refs/heads/main",
// "refs/tags/v1") into a full reference name.
func refName(branch string) plumbing.ReferenceName {
	if strings.HasPrefix(branch, "refs/") {
		return plumbing.ReferenceName(branch)
	}

	return plumbing.NewBranchReferenceName(branch)
}
