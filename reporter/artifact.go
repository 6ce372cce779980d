package reporter

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/run-ci/conductor/pipeline"
	"github.com/run-ci/conductor/store"
	log "github.com/sirupsen/logrus"
)

// Store is where published artifacts go. Keys are slash separated and
// scoped by run.
type Store interface {
	// Put stores the reader's content under key for the run.
	Put(ctx context.Context, runID, key string, r io.Reader) error
	// Get opens a stored artifact. The caller closes it.
	Get(ctx context.Context, runID, key string) (io.ReadCloser, error)
}

// Stager matches a run's work tree against artifact rules. Files for rules
// with a destination are published to Store; files for rules without one
// are copied under Internal and only recorded on the run.
type Stager struct {
	Store    Store
	Internal string
}

// Stage walks workdir and stages every file matching rules. The returned
// artifacts are sorted by path.
func (s *Stager) Stage(ctx context.Context, runID, workdir string, rules []pipeline.ArtifactRule) ([]store.Artifact, error) {
	logger := logger.WithFields(log.Fields{
		"run_id":  runID,
		"workdir": workdir,
	})

	if len(rules) == 0 {
		return nil, nil
	}

	var staged []store.Artifact
	err := filepath.WalkDir(workdir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(workdir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		for _, rule := range rules {
			if !rule.Match(rel) {
				continue
			}

			a, err := s.stageFile(ctx, runID, p, rule.Target(rel), rule.Publish())
			if err != nil {
				return fmt.Errorf("staging %s: %w", rel, err)
			}

			logger.WithFields(log.Fields{
				"source":    rel,
				"target":    a.Path,
				"published": a.Published,
			}).Debug("staged artifact")

			staged = append(staged, a)
		}

		return nil
	})
	if err != nil {
		logger.WithError(err).Debug("unable to stage artifacts")
		return staged, err
	}

	sort.Slice(staged, func(i, j int) bool {
		return staged[i].Path < staged[j].Path
	})

	return staged, nil
}

func (s *Stager) stageFile(ctx context.Context, runID, src, target string, publish bool) (store.Artifact, error) {
	f, err := os.Open(src)
	if err != nil {
		return store.Artifact{}, err
	}
	defer f.Close()

	h := sha256.New()
	counter := &countingReader{r: io.TeeReader(f, h)}

	if publish {
		if s.Store == nil {
			return store.Artifact{}, fmt.Errorf("no artifact store configured")
		}
		err = s.Store.Put(ctx, runID, target, counter)
	} else {
		err = copyTo(filepath.Join(s.Internal, runID, filepath.FromSlash(target)), counter)
	}
	if err != nil {
		return store.Artifact{}, err
	}

	return store.Artifact{
		Path:      target,
		Size:      counter.n,
		Checksum:  hex.EncodeToString(h.Sum(nil)),
		Published: publish,
	}, nil
}

// TotalSize sums the size of every staged artifact.
func TotalSize(artifacts []store.Artifact) int64 {
	var n int64
	for _, a := range artifacts {
		n += a.Size
	}

	return n
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func copyTo(dst string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}

	f, err := os.Create(dst)
	if err != nil {
		return err
	}

	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}

	return f.Close()
}
