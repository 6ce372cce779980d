package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"unicode"

	log "github.com/sirupsen/logrus"
)

var logger *log.Entry

func init() {
	logger = log.WithFields(log.Fields{
		"package": "secrets",
	})
}

// HandlePrefix marks a setting value as a credential handle rather than a
// literal, e.g. "credentialsJSON:stashPassword".
const HandlePrefix = "credentialsJSON:"

// ErrNotFound is returned when a handle doesn't resolve to a secret.
var ErrNotFound = errors.New("secret not found")

// Resolver turns credential handles into secret values.
type Resolver interface {
	// Resolve returns the secret a handle refers to. Values that aren't
	// handles are returned as they are.
	Resolve(ctx context.Context, value string) (string, error)
}

// IsHandle reports whether value is a credential handle.
func IsHandle(value string) bool {
	return strings.HasPrefix(value, HandlePrefix)
}

// HandleName returns the name part of a handle.
func HandleName(value string) string {
	return strings.TrimPrefix(value, HandlePrefix)
}

// ResolveAll resolves every handle among the map's values and returns a new
// map.
func ResolveAll(ctx context.Context, r Resolver, values map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(values))
	for k, v := range values {
		resolved, err := r.Resolve(ctx, v)
		if err != nil {
			return nil, fmt.Errorf("param %s: %w", k, err)
		}
		out[k] = resolved
	}

	return out, nil
}

// Env resolves handles from environment variables. The handle
// "credentialsJSON:stashPassword" reads <Prefix>STASHPASSWORD.
type Env struct {
	Prefix string
	Lookup func(string) (string, bool)
}

// NewEnv returns an Env resolver reading the process environment.
func NewEnv(prefix string) *Env {
	return &Env{Prefix: prefix, Lookup: os.LookupEnv}
}

// Resolve implements Resolver.
func (e *Env) Resolve(_ context.Context, value string) (string, error) {
	if !IsHandle(value) {
		return value, nil
	}

	key := e.Prefix + envName(HandleName(value))
	v, ok := e.Lookup(key)
	if !ok {
		logger.WithField("key", key).Debug("secret not in environment")
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}

	return v, nil
}

func envName(name string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return unicode.ToUpper(r)
		}
		return '_'
	}, name)
}
