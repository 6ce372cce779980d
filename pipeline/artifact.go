package pipeline

import (
	"fmt"
	"path"
	"strings"

	"github.com/gobwas/glob"
)

// ArtifactRule maps files matching Source to Dest in the artifact store. An
// empty Dest stages the matches without publishing them.
type ArtifactRule struct {
	Source string
	Dest   string

	prefix string
	globs  []glob.Glob
}

// ParseArtifactRules parses newline separated "<glob> => <dest>" rules.
// A line without "=>" publishes to the store root.
func ParseArtifactRules(spec string) ([]ArtifactRule, error) {
	var rules []ArtifactRule
	for i, line := range strings.Split(spec, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		r, err := ParseArtifactRule(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", i+1, err)
		}
		rules = append(rules, r)
	}

	return rules, nil
}

// ParseArtifactRule parses a single rule line.
func ParseArtifactRule(line string) (ArtifactRule, error) {
	src, dst := line, "/"
	if idx := strings.Index(line, "=>"); idx >= 0 {
		src = strings.TrimSpace(line[:idx])
		dst = strings.TrimSpace(line[idx+2:])
	}

	src = strings.TrimPrefix(path.Clean("/"+strings.TrimSpace(src)), "/")
	if src == "" || src == "." {
		return ArtifactRule{}, fmt.Errorf("rule %q has no source", line)
	}

	r := ArtifactRule{Source: src, Dest: dst}

	patterns := []string{src}
	// "**/x" also matches "x" at the top of the tree
	if strings.HasPrefix(src, "**/") {
		patterns = append(patterns, strings.TrimPrefix(src, "**/"))
	}
	for _, p := range patterns {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return ArtifactRule{}, fmt.Errorf("bad source pattern %q: %w", src, err)
		}
		r.globs = append(r.globs, g)
	}

	r.prefix = staticPrefix(src)

	return r, nil
}

// Publish reports whether matches are published to the store.
func (r ArtifactRule) Publish() bool {
	return r.Dest != ""
}

// Match reports whether the slash separated relative path matches the rule.
func (r ArtifactRule) Match(rel string) bool {
	for _, g := range r.globs {
		if g.Match(rel) {
			return true
		}
	}

	return false
}

// Target returns the destination key for a matched relative path. The
// directories in the rule's wildcard-free prefix are dropped and the rest
// of the path is kept under Dest.
func (r ArtifactRule) Target(rel string) string {
	kept := strings.TrimPrefix(rel, r.prefix)
	dest := strings.Trim(r.Dest, "/")

	return strings.TrimPrefix(path.Join(dest, kept), "/")
}

func (r ArtifactRule) String() string {
	return r.Source + " => " + r.Dest
}

// staticPrefix returns the leading directories of pattern that contain no
// wildcard, with a trailing slash. A plain file path keeps only its base
// name.
func staticPrefix(pattern string) string {
	parts := strings.Split(pattern, "/")
	var static []string
	for _, p := range parts[:len(parts)-1] {
		if strings.ContainsAny(p, "*?[{") {
			break
		}
		static = append(static, p)
	}

	if len(static) == 0 {
		return ""
	}

	return strings.Join(static, "/") + "/"
}
