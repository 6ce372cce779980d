package pipeline

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"
)

// FilterRule is one "+:" or "-:" line of a branch filter.
type FilterRule struct {
	Include bool
	Pattern string

	g glob.Glob
}

// BranchFilter is an ordered list of include/exclude glob rules. The last
// rule matching a branch decides; a branch no rule matches is excluded.
type BranchFilter struct {
	Rules []FilterRule
}

// AllBranches admits every branch.
var AllBranches = BranchFilter{Rules: []FilterRule{mustRule(true, "*")}}

func mustRule(include bool, pattern string) FilterRule {
	r, err := newRule(include, pattern)
	if err != nil {
		panic(err)
	}

	return r
}

func newRule(include bool, pattern string) (FilterRule, error) {
	// No separators: "*" spans path segments so "+:*" covers refs/heads/main.
	g, err := glob.Compile(pattern)
	if err != nil {
		return FilterRule{}, err
	}

	return FilterRule{Include: include, Pattern: pattern, g: g}, nil
}

// ParseBranchFilter parses newline separated "+:<glob>" / "-:<glob>" lines.
// Blank lines are ignored.
func ParseBranchFilter(spec string) (BranchFilter, error) {
	return ParseBranchFilterLines(strings.Split(spec, "\n"))
}

// ParseBranchFilterLines is ParseBranchFilter for pre-split lines.
func ParseBranchFilterLines(lines []string) (BranchFilter, error) {
	var f BranchFilter
	for i, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		var include bool
		switch {
		case strings.HasPrefix(line, "+:"):
			include = true
		case strings.HasPrefix(line, "-:"):
			include = false
		default:
			return BranchFilter{}, fmt.Errorf("line %d: %q must start with +: or -:", i+1, line)
		}

		pattern := strings.TrimSpace(line[2:])
		if pattern == "" {
			return BranchFilter{}, fmt.Errorf("line %d: empty pattern", i+1)
		}

		r, err := newRule(include, pattern)
		if err != nil {
			return BranchFilter{}, fmt.Errorf("line %d: bad pattern %q: %w", i+1, pattern, err)
		}

		f.Rules = append(f.Rules, r)
	}

	return f, nil
}

// Empty reports whether the filter has no rules.
func (f BranchFilter) Empty() bool {
	return len(f.Rules) == 0
}

// Match reports whether the branch is admitted by the filter.
func (f BranchFilter) Match(branch string) bool {
	admitted := false
	for _, r := range f.Rules {
		if r.g.Match(branch) {
			admitted = r.Include
		}
	}

	return admitted
}

// String renders the filter back in its line format.
func (f BranchFilter) String() string {
	lines := make([]string, 0, len(f.Rules))
	for _, r := range f.Rules {
		prefix := "-:"
		if r.Include {
			prefix = "+:"
		}
		lines = append(lines, prefix+r.Pattern)
	}

	return strings.Join(lines, "\n")
}
