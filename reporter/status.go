package reporter

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/avast/retry-go/v4"
	"github.com/run-ci/conductor/pipeline"
	"github.com/run-ci/conductor/secrets"
	"github.com/run-ci/conductor/store"
	log "github.com/sirupsen/logrus"
)

var logger *log.Entry

func init() {
	logger = log.WithFields(log.Fields{
		"package": "reporter",
	})
}

// State is a commit status as code hosts understand it.
type State string

const (
	StatePending State = "pending"
	StateSuccess State = "success"
	StateFailure State = "failure"
)

// StateOf maps a run status onto a commit status. Timeouts are failures.
func StateOf(s store.Status) State {
	switch s {
	case store.StatusSucceeded:
		return StateSuccess
	case store.StatusFailed, store.StatusTimedOut:
		return StateFailure
	}

	return StatePending
}

// Status is what gets posted against a commit.
type Status struct {
	State       State
	Key         string
	Name        string
	Description string
	URL         string
	Commit      string
}

// StatusFor builds the status of a run of def. baseURL is where the API
// serving the run lives; it may be empty.
func StatusFor(r store.Run, def *pipeline.Definition, baseURL string) Status {
	s := Status{
		State:  StateOf(r.Status),
		Key:    def.Name,
		Name:   fmt.Sprintf("%s #%d", def.DisplayName, r.Number),
		Commit: r.Commit,
	}
	if baseURL != "" {
		s.URL = fmt.Sprintf("%s/runs/%s", baseURL, r.ID)
	}

	switch r.Status {
	case store.StatusPending:
		s.Description = "queued"
	case store.StatusRunning:
		s.Description = "running on " + r.Agent
	case store.StatusSucceeded:
		s.Description = "succeeded"
	case store.StatusTimedOut:
		s.Description = "timed out"
	case store.StatusFailed:
		s.Description = "failed"
		if r.Error != "" {
			s.Description += ": " + r.Error
		}
	}
	s.Description = truncate(s.Description, 140)

	return s
}

// truncate shortens s to at most n runes, marking the cut with "...".
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}

	r := []rune(s)
	return string(r[:n-3]) + "..."
}

// StatusPublisher posts commit statuses to a code host.
type StatusPublisher interface {
	Publish(ctx context.Context, s Status) error
}

// NewPublisher builds the publisher a pipeline asks for. Credential handles
// in the spec are resolved through r. A nil spec logs statuses only.
func NewPublisher(ctx context.Context, spec *pipeline.PublisherSpec, r secrets.Resolver) (StatusPublisher, error) {
	if spec == nil {
		return LogPublisher{}, nil
	}

	password, err := r.Resolve(ctx, spec.Password)
	if err != nil {
		return nil, fmt.Errorf("status publisher credentials: %w", err)
	}

	switch spec.Type {
	case "bitbucketServer":
		return NewBitbucketServer(spec.URL, spec.Username, password), nil
	case "github":
		return NewGitHub(spec.URL, spec.Owner, spec.Repo, spec.Username, password)
	case "log", "":
		return LogPublisher{}, nil
	}

	return nil, fmt.Errorf("unknown status publisher %q", spec.Type)
}

// Retrying retries a publisher with a fixed back-off.
type Retrying struct {
	Publisher StatusPublisher
	Attempts  uint
	Delay     time.Duration
}

// Publish implements StatusPublisher.
func (r Retrying) Publish(ctx context.Context, s Status) error {
	logger := logger.WithFields(log.Fields{
		"key":    s.Key,
		"commit": s.Commit,
		"state":  s.State,
	})

	attempts := r.Attempts
	if attempts == 0 {
		attempts = 1
	}

	return retry.Do(
		func() error {
			return r.Publisher.Publish(ctx, s)
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(r.Delay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.WithError(err).Debugf("publish attempt %d failed", n+1)
		}),
	)
}

// Notify publishes s and logs failures. A status that can't be posted
// never changes the outcome of a run.
func Notify(ctx context.Context, p StatusPublisher, s Status) {
	logger := logger.WithFields(log.Fields{
		"key":    s.Key,
		"commit": s.Commit,
		"state":  s.State,
	})

	if s.Commit == "" {
		logger.Debug("no commit to attach status to, skipping")
		return
	}

	if err := p.Publish(ctx, s); err != nil {
		logger.WithError(err).Warn("unable to publish commit status")
		return
	}

	logger.Debug("published commit status")
}

// LogPublisher writes statuses to the service log.
type LogPublisher struct{}

// Publish implements StatusPublisher.
func (LogPublisher) Publish(_ context.Context, s Status) error {
	logger.WithFields(log.Fields{
		"key":         s.Key,
		"name":        s.Name,
		"commit":      s.Commit,
		"state":       s.State,
		"description": s.Description,
		"url":         s.URL,
	}).Info("commit status")

	return nil
}
