package reporter

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/go-github/github"
	log "github.com/sirupsen/logrus"
)

// GitHub posts commit statuses through the GitHub API.
type GitHub struct {
	client *github.Client
	owner  string
	repo   string
}

// NewGitHub returns a publisher for owner/repo. An empty baseURL means
// github.com; anything else is treated as a GitHub Enterprise API root.
func NewGitHub(baseURL, owner, repo, username, token string) (*GitHub, error) {
	if owner == "" || repo == "" {
		return nil, fmt.Errorf("github publisher needs an owner and a repo")
	}

	transport := &github.BasicAuthTransport{Username: username, Password: token}

	client := github.NewClient(transport.Client())
	if baseURL != "" {
		var err error
		base := strings.TrimRight(baseURL, "/") + "/"
		client, err = github.NewEnterpriseClient(base, base, transport.Client())
		if err != nil {
			return nil, err
		}
	}

	return &GitHub{client: client, owner: owner, repo: repo}, nil
}

// Publish implements StatusPublisher.
func (g *GitHub) Publish(ctx context.Context, s Status) error {
	status := &github.RepoStatus{
		State:       github.String(string(s.State)),
		Description: github.String(s.Description),
		Context:     github.String("conductor/" + s.Key),
	}
	if s.URL != "" {
		status.TargetURL = github.String(s.URL)
	}

	logger.WithFields(log.Fields{
		"owner":  g.owner,
		"repo":   g.repo,
		"commit": s.Commit,
	}).Debug("posting github commit status")

	_, _, err := g.client.Repositories.CreateStatus(ctx, g.owner, g.repo, s.Commit, status)
	return err
}
