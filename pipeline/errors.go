package pipeline

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnresolved is wrapped by errors about parameter references that
	// can't be resolved.
	ErrUnresolved = errors.New("unresolved parameter reference")
	// ErrUnknownOp is returned when a predicate names an operation that
	// doesn't exist.
	ErrUnknownOp = errors.New("unknown predicate operation")
)

// ConfigurationError is a problem with the settings or with a pipeline's
// parameters that makes a run impossible. It is raised before a run is
// admitted and is never retried.
type ConfigurationError struct {
	// Path locates the problem, e.g. "pipelines[0].steps[2]".
	Path     string
	Problems []string
}

func (e *ConfigurationError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("configuration error: %s", strings.Join(e.Problems, "; "))
	}

	return fmt.Sprintf("configuration error in %s: %s", e.Path, strings.Join(e.Problems, "; "))
}

// problems accumulates configuration problems while loading.
type problems struct {
	list []string
}

func (p *problems) add(path, format string, args ...any) {
	p.list = append(p.list, path+": "+fmt.Sprintf(format, args...))
}

func (p *problems) err() error {
	if len(p.list) == 0 {
		return nil
	}

	return &ConfigurationError{Problems: p.list}
}
