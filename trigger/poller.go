package trigger

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/storage/memory"
	"github.com/run-ci/conductor/pipeline"
	"github.com/run-ci/conductor/secrets"
	log "github.com/sirupsen/logrus"
)

// RefLister lists the refs of a root's remote as name to commit hash.
type RefLister interface {
	ListRefs(ctx context.Context, root *pipeline.VcsRoot) (map[string]string, error)
}

// GitLister lists remote refs with go-git, without cloning.
type GitLister struct {
	Secrets secrets.Resolver
}

const peeledSuffix = "^{}"

// ListRefs implements RefLister. Annotated tags are reported with the
// commit they point to.
func (g GitLister) ListRefs(ctx context.Context, root *pipeline.VcsRoot) (map[string]string, error) {
	remote := git.NewRemote(memory.NewStorage(), &config.RemoteConfig{
		Name: "origin",
		URLs: []string{root.URL},
	})

	opts := &git.ListOptions{PeelingOption: git.AppendPeeled}
	if root.Auth.Username != "" {
		pass := root.Auth.Password
		if g.Secrets != nil {
			var err error
			pass, err = g.Secrets.Resolve(ctx, pass)
			if err != nil {
				return nil, fmt.Errorf("credentials for %s: %w", root.Name, err)
			}
		}
		opts.Auth = &githttp.BasicAuth{Username: root.Auth.Username, Password: pass}
	}

	refs, err := remote.ListContext(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", root.URL, err)
	}

	out := map[string]string{}
	peeled := map[string]string{}
	for _, ref := range refs {
		if ref.Type() != plumbing.HashReference {
			continue
		}

		name := ref.Name().String()
		if strings.HasSuffix(name, peeledSuffix) {
			peeled[strings.TrimSuffix(name, peeledSuffix)] = ref.Hash().String()
			continue
		}
		out[name] = ref.Hash().String()
	}
	for name, hash := range peeled {
		out[name] = hash
	}

	return out, nil
}

// Poller watches roots for new and moved refs and emits vcs events for
// them. The first poll of a root only records what is there.
type Poller struct {
	Roots    []*pipeline.VcsRoot
	Lister   RefLister
	Interval time.Duration
	Events   chan<- Event

	mu   sync.Mutex
	seen map[string]map[string]string
}

// Poll lists every root once and returns the events for refs that are new
// or moved since the last poll.
func (p *Poller) Poll(ctx context.Context) []Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.seen == nil {
		p.seen = map[string]map[string]string{}
	}

	var events []Event
	for _, root := range p.Roots {
		if root.URL == "" {
			continue
		}

		logger := logger.WithFields(log.Fields{
			"root": root.Name,
			"url":  root.URL,
		})

		refs, err := p.Lister.ListRefs(ctx, root)
		if err != nil {
			logger.WithError(err).Warn("unable to list refs")
			continue
		}

		current := map[string]string{}
		for name, hash := range refs {
			if rootWatches(root, name) {
				current[name] = hash
			}
		}

		prev, polled := p.seen[root.Name]
		p.seen[root.Name] = current
		if !polled {
			logger.WithField("refs", len(current)).Debug("recorded baseline")
			continue
		}

		var changed []Event
		for name, hash := range current {
			if prev[name] == hash {
				continue
			}

			changed = append(changed, Event{
				Kind:   KindVCS,
				Root:   root.Name,
				Branch: name,
				Commit: hash,
				Time:   time.Now(),
			})
		}
		sort.Slice(changed, func(i, j int) bool {
			return changed[i].Branch < changed[j].Branch
		})

		logger.WithField("changed", len(changed)).Debug("polled")
		events = append(events, changed...)
	}

	return events
}

// Run polls every Interval until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	interval := p.Interval
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		for _, ev := range p.Poll(ctx) {
			select {
			case p.Events <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
