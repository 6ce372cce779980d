package pipeline

import (
	"fmt"
	"os"
	"sort"
	"strings"
)

// Scope is the set of parameters visible to a run. Names starting with
// "env." resolve against the environment; everything else against Values.
type Scope struct {
	Env    func(string) (string, bool)
	Values map[string]string
}

// NewScope returns a scope reading the process environment and seeded with
// the given layers. Later layers override earlier ones.
func NewScope(layers ...map[string]string) *Scope {
	s := &Scope{
		Env:    os.LookupEnv,
		Values: map[string]string{},
	}
	for _, l := range layers {
		for k, v := range l {
			s.Values[k] = v
		}
	}

	return s
}

// Lookup implements Lookup.
func (s *Scope) Lookup(name string) (string, bool) {
	if strings.HasPrefix(name, "env.") {
		if s.Env == nil {
			return "", false
		}
		return s.Env(strings.TrimPrefix(name, "env."))
	}

	v, ok := s.Values[name]
	return v, ok
}

// Set sets a non-environment parameter.
func (s *Scope) Set(name, value string) {
	s.Values[name] = value
}

// All returns a copy of the non-environment parameters.
func (s *Scope) All() map[string]string {
	out := make(map[string]string, len(s.Values))
	for k, v := range s.Values {
		out[k] = v
	}

	return out
}

// References returns the parameter names referenced as %name% in s, in
// order of appearance. "%%" is an escaped percent sign.
func References(s string) []string {
	var refs []string
	for i := 0; i < len(s); i++ {
		if s[i] != '%' {
			continue
		}

		end := strings.IndexByte(s[i+1:], '%')
		if end < 0 {
			break
		}

		name := s[i+1 : i+1+end]
		if strings.ContainsAny(name, " \t\n") {
			continue
		}
		if name != "" {
			refs = append(refs, name)
		}
		i += end + 1
	}

	return refs
}

// Expand replaces every %name% reference in s. Unresolved references are
// collected into a single error wrapping ErrUnresolved.
func Expand(s string, l Lookup) (string, error) {
	if !strings.Contains(s, "%") {
		return s, nil
	}

	var b strings.Builder
	var missing []string
	for i := 0; i < len(s); i++ {
		if s[i] != '%' {
			b.WriteByte(s[i])
			continue
		}

		end := strings.IndexByte(s[i+1:], '%')
		if end < 0 {
			b.WriteString(s[i:])
			break
		}

		name := s[i+1 : i+1+end]
		switch {
		case name == "":
			b.WriteByte('%')
		case strings.ContainsAny(name, " \t\n"):
			// not a reference, e.g. "100% sure %"
			b.WriteByte('%')
			continue
		default:
			v, ok := l.Lookup(name)
			if !ok {
				missing = append(missing, name)
			}
			b.WriteString(v)
		}
		i += end + 1
	}

	if len(missing) > 0 {
		return "", fmt.Errorf("%w: %s", ErrUnresolved, strings.Join(missing, ", "))
	}

	return b.String(), nil
}

// StepParam is the parameter name under which a step's result field is
// published to later steps.
func StepParam(step, field string) string {
	return "step." + step + "." + field
}

// StepFields are the per-step result fields later steps can reference.
var StepFields = []string{"exitCode", "output"}

// CheckParams verifies that every reference in the definition's steps can be
// resolved by l, or refers to a result of an earlier step. The returned
// error is a *ConfigurationError listing each unresolved reference.
func (d *Definition) CheckParams(l Lookup) error {
	var probs []string
	earlier := map[string]bool{}

	for i, st := range d.Steps {
		for _, field := range st.templates() {
			for _, ref := range References(field) {
				if strings.HasPrefix(ref, "step.") {
					if !earlierStepRef(ref, earlier) {
						probs = append(probs, fmt.Sprintf("steps[%d] %q: %%%s%% does not name an earlier step result", i, st.Name, ref))
					}
					continue
				}

				if _, ok := l.Lookup(ref); !ok {
					probs = append(probs, fmt.Sprintf("steps[%d] %q: %%%s%% is not defined", i, st.Name, ref))
				}
			}
		}
		earlier[st.Name] = true
	}

	if len(probs) == 0 {
		return nil
	}

	sort.Strings(probs)
	logger.WithField("pipeline", d.Name).
		Debugf("%d unresolved parameter references", len(probs))

	return &ConfigurationError{
		Path:     "pipeline " + d.Name,
		Problems: dedupe(probs),
	}
}

func earlierStepRef(ref string, earlier map[string]bool) bool {
	rest := strings.TrimPrefix(ref, "step.")
	for _, field := range StepFields {
		if strings.HasSuffix(rest, "."+field) {
			return earlier[strings.TrimSuffix(rest, "."+field)]
		}
	}

	return false
}

func dedupe(in []string) []string {
	out := in[:0]
	for i, s := range in {
		if i > 0 && in[i-1] == s {
			continue
		}
		out = append(out, s)
	}

	return out
}

// templates returns every step field that may contain references.
func (st Step) templates() []string {
	fields := []string{st.Tool, st.Tasks, st.ToolHome, st.Args, st.Script, st.Image}
	keys := make([]string, 0, len(st.Env))
	for k := range st.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fields = append(fields, st.Env[k])
	}

	return fields
}
