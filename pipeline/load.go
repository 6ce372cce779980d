package pipeline

import (
	"fmt"
	"io/ioutil"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
	yaml "gopkg.in/yaml.v2"
)

// The raw* types mirror the settings file. They are converted into the
// exported model by Parse and never escape this package.
type rawConfig struct {
	Params    map[string]string `yaml:"params"`
	Roots     []rawRoot         `yaml:"roots"`
	Agents    []rawAgent        `yaml:"agents"`
	Pipelines []rawPipeline     `yaml:"pipelines"`
}

type rawRoot struct {
	Name              string `yaml:"name"`
	URL               string `yaml:"url"`
	Branch            string `yaml:"branch"`
	BranchSpec        string `yaml:"branchSpec"`
	UseTagsAsBranches bool   `yaml:"useTagsAsBranches"`
	Auth              struct {
		Username string `yaml:"username"`
		Password string `yaml:"password"`
	} `yaml:"auth"`
}

type rawAgent struct {
	Name   string            `yaml:"name"`
	Runner string            `yaml:"runner"`
	Image  string            `yaml:"image"`
	Params map[string]string `yaml:"params"`
}

type rawPredicate struct {
	Param string `yaml:"param"`
	Op    string `yaml:"op"`
	Value string `yaml:"value"`
	Unit  string `yaml:"unit"`
}

type rawStep struct {
	Name         string            `yaml:"name"`
	Kind         string            `yaml:"kind"`
	Tool         string            `yaml:"tool"`
	Tasks        string            `yaml:"tasks"`
	ToolHome     string            `yaml:"toolHome"`
	Args         string            `yaml:"args"`
	Script       string            `yaml:"script"`
	Image        string            `yaml:"image"`
	Env          map[string]string `yaml:"env"`
	Conditions   []rawPredicate    `yaml:"conditions"`
	AllowFailure bool              `yaml:"allowFailure"`
}

type rawTrigger struct {
	Kind           string     `yaml:"kind"`
	BranchFilter   stringList `yaml:"branchFilter"`
	Upstream       string     `yaml:"upstream"`
	SuccessfulOnly bool       `yaml:"successfulOnly"`
	Schedule       string     `yaml:"schedule"`
	Branch         string     `yaml:"branch"`
}

type rawMetric struct {
	Metric             string `yaml:"metric"`
	Units              string `yaml:"units"`
	Comparison         string `yaml:"comparison"`
	Threshold          string `yaml:"threshold"`
	StopBuildOnFailure bool   `yaml:"stopBuildOnFailure"`
}

type rawPipeline struct {
	Name          string            `yaml:"name"`
	DisplayName   string            `yaml:"displayName"`
	Root          string            `yaml:"root"`
	Params        map[string]string `yaml:"params"`
	ArtifactRules string            `yaml:"artifactRules"`
	Steps         []rawStep         `yaml:"steps"`
	Triggers      []rawTrigger      `yaml:"triggers"`
	Failure       struct {
		ExecutionTimeoutMin int         `yaml:"executionTimeoutMin"`
		Metrics             []rawMetric `yaml:"metrics"`
	} `yaml:"failureConditions"`
	Requirements    []rawPredicate `yaml:"requirements"`
	StatusPublisher *struct {
		Type     string `yaml:"type"`
		URL      string `yaml:"url"`
		Username string `yaml:"username"`
		Password string `yaml:"password"`
		Owner    string `yaml:"owner"`
		Repo     string `yaml:"repo"`
	} `yaml:"statusPublisher"`
	Docker *struct {
		Registry string `yaml:"registry"`
		Username string `yaml:"username"`
		Password string `yaml:"password"`
	} `yaml:"docker"`
}

// stringList accepts either a single (possibly multi-line) string or a list.
type stringList []string

func (s *stringList) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var single string
	if err := unmarshal(&single); err == nil {
		*s = strings.Split(single, "\n")
		return nil
	}

	var list []string
	if err := unmarshal(&list); err != nil {
		return fmt.Errorf("expected a string or a list of strings: %w", err)
	}
	*s = list

	return nil
}

// Load reads and parses the settings file at path.
func Load(path string) (*Config, error) {
	logger := logger.WithField("path", path)
	logger.Debug("loading settings")

	buf, err := ioutil.ReadFile(path)
	if err != nil {
		logger.WithError(err).Debug("unable to read settings")
		return nil, err
	}

	return Parse(buf)
}

// Parse parses settings YAML into an immutable Config. Every problem found
// is reported at once in a *ConfigurationError.
func Parse(buf []byte) (*Config, error) {
	var raw rawConfig
	if err := yaml.UnmarshalStrict(buf, &raw); err != nil {
		return nil, &ConfigurationError{Problems: []string{err.Error()}}
	}

	var probs problems
	cfg := &Config{
		Params: map[string]string{},
		Roots:  map[string]*VcsRoot{},
	}

	for k, v := range raw.Params {
		cfg.Params[k] = v
	}

	for i, rr := range raw.Roots {
		path := fmt.Sprintf("roots[%d]", i)
		root, ok := parseRoot(path, rr, &probs)
		if !ok {
			continue
		}
		if _, dup := cfg.Roots[root.Name]; dup {
			probs.add(path, "duplicate root %q", root.Name)
			continue
		}
		cfg.Roots[root.Name] = root
	}

	agentNames := map[string]bool{}
	for i, ra := range raw.Agents {
		path := fmt.Sprintf("agents[%d]", i)
		if ra.Name == "" {
			probs.add(path, "missing name")
			continue
		}
		if agentNames[ra.Name] {
			probs.add(path, "duplicate agent %q", ra.Name)
			continue
		}
		agentNames[ra.Name] = true

		runner := ra.Runner
		if runner == "" {
			runner = "shell"
		}
		if runner != "shell" && runner != "docker" {
			probs.add(path, "unknown runner %q", runner)
		}

		cfg.Agents = append(cfg.Agents, AgentSpec{
			Name:   ra.Name,
			Runner: runner,
			Image:  ra.Image,
			Params: ra.Params,
		})
	}

	names := map[string]bool{}
	for _, rp := range raw.Pipelines {
		names[rp.Name] = true
	}

	seen := map[string]bool{}
	for i, rp := range raw.Pipelines {
		path := fmt.Sprintf("pipelines[%d]", i)
		if rp.Name == "" {
			probs.add(path, "missing name")
			continue
		}
		if seen[rp.Name] {
			probs.add(path, "duplicate pipeline %q", rp.Name)
			continue
		}
		seen[rp.Name] = true

		def := parsePipeline(path, rp, cfg.Roots, names, &probs)
		cfg.Pipelines = append(cfg.Pipelines, def)
	}

	if err := probs.err(); err != nil {
		logger.WithError(err).Debug("settings rejected")
		return nil, err
	}

	logger.WithFields(log.Fields{
		"roots":     len(cfg.Roots),
		"agents":    len(cfg.Agents),
		"pipelines": len(cfg.Pipelines),
	}).Debug("settings loaded")

	return cfg, nil
}

func parseRoot(path string, rr rawRoot, probs *problems) (*VcsRoot, bool) {
	if rr.Name == "" {
		probs.add(path, "missing name")
		return nil, false
	}

	spec := rr.BranchSpec
	if strings.TrimSpace(spec) == "" {
		spec = "+:*"
	}

	filter, err := ParseBranchFilter(spec)
	if err != nil {
		probs.add(path+".branchSpec", "%v", err)
		return nil, false
	}

	branch := rr.Branch
	if branch == "" {
		branch = "refs/heads/main"
	}

	return &VcsRoot{
		Name:              rr.Name,
		URL:               rr.URL,
		Branch:            branch,
		BranchSpec:        filter,
		UseTagsAsBranches: rr.UseTagsAsBranches,
		Auth: Auth{
			Username: rr.Auth.Username,
			Password: rr.Auth.Password,
		},
	}, true
}

func parsePredicates(path string, raws []rawPredicate, probs *problems) []Predicate {
	var preds []Predicate
	for i, rp := range raws {
		p, err := NewPredicate(rp.Param, Op(rp.Op), rp.Value, Unit(rp.Unit))
		if err != nil {
			probs.add(fmt.Sprintf("%s[%d]", path, i), "%v", err)
			continue
		}
		preds = append(preds, p)
	}

	return preds
}

func parsePipeline(path string, rp rawPipeline, roots map[string]*VcsRoot, names map[string]bool, probs *problems) *Definition {
	def := &Definition{
		Name:        rp.Name,
		DisplayName: rp.DisplayName,
		Params:      rp.Params,
	}
	if def.DisplayName == "" {
		def.DisplayName = def.Name
	}

	if rp.Root != "" {
		root, ok := roots[rp.Root]
		if !ok {
			probs.add(path+".root", "unknown root %q", rp.Root)
		}
		def.Root = root
	}
	if def.Root == nil {
		def.Root = &VcsRoot{Name: rp.Name, Branch: "refs/heads/main", BranchSpec: AllBranches}
	}

	rules, err := ParseArtifactRules(rp.ArtifactRules)
	if err != nil {
		probs.add(path+".artifactRules", "%v", err)
	}
	def.ArtifactRules = rules

	stepNames := map[string]bool{}
	for i, rs := range rp.Steps {
		spath := fmt.Sprintf("%s.steps[%d]", path, i)
		st := Step{
			Name:         rs.Name,
			Kind:         StepKind(rs.Kind),
			Tool:         rs.Tool,
			Tasks:        rs.Tasks,
			ToolHome:     rs.ToolHome,
			Args:         rs.Args,
			Script:       rs.Script,
			Image:        rs.Image,
			Env:          rs.Env,
			AllowFailure: rs.AllowFailure,
		}

		if st.Name == "" {
			st.Name = fmt.Sprintf("step-%d", i+1)
		}
		if stepNames[st.Name] {
			probs.add(spath, "duplicate step name %q", st.Name)
		}
		stepNames[st.Name] = true

		if st.Kind == "" {
			st.Kind = StepScript
		}
		switch st.Kind {
		case StepScript:
			if strings.TrimSpace(st.Script) == "" {
				probs.add(spath, "script step needs a script")
			}
		case StepBuild, StepTest, StepAnalysis, StepPublish:
			if st.Tool == "" && st.Script == "" {
				probs.add(spath, "%s step needs a tool or a script", st.Kind)
			}
		default:
			probs.add(spath, "unknown step kind %q", st.Kind)
		}

		st.Conditions = parsePredicates(spath+".conditions", rs.Conditions, probs)
		def.Steps = append(def.Steps, st)
	}

	for i, rt := range rp.Triggers {
		tpath := fmt.Sprintf("%s.triggers[%d]", path, i)
		t := Trigger{
			Kind:           TriggerKind(rt.Kind),
			Upstream:       rt.Upstream,
			SuccessfulOnly: rt.SuccessfulOnly,
			Schedule:       rt.Schedule,
			Branch:         rt.Branch,
			Filter:         AllBranches,
		}

		if len(rt.BranchFilter) > 0 {
			f, err := ParseBranchFilterLines(rt.BranchFilter)
			if err != nil {
				probs.add(tpath+".branchFilter", "%v", err)
			} else if !f.Empty() {
				t.Filter = f
			}
		}

		switch t.Kind {
		case TriggerVCS:
		case TriggerUpstream:
			if !names[t.Upstream] {
				probs.add(tpath, "unknown upstream pipeline %q", t.Upstream)
			}
			if t.Upstream == rp.Name {
				probs.add(tpath, "pipeline can't trigger itself")
			}
		case TriggerSchedule:
			if _, err := cron.ParseStandard(t.Schedule); err != nil {
				probs.add(tpath, "bad schedule %q: %v", t.Schedule, err)
			}
			if t.Branch == "" {
				t.Branch = def.Root.Branch
			}
		default:
			probs.add(tpath, "unknown trigger kind %q", rt.Kind)
		}

		def.Triggers = append(def.Triggers, t)
	}

	if rp.Failure.ExecutionTimeoutMin < 0 {
		probs.add(path+".failureConditions", "negative executionTimeoutMin")
	}
	def.Failure.ExecutionTimeout = time.Duration(rp.Failure.ExecutionTimeoutMin) * time.Minute

	for i, rm := range rp.Failure.Metrics {
		fc, err := NewFailureCondition(rm.Metric, Unit(rm.Units), Op(rm.Comparison), rm.Threshold, rm.StopBuildOnFailure)
		if err != nil {
			probs.add(fmt.Sprintf("%s.failureConditions.metrics[%d]", path, i), "%v", err)
			continue
		}
		def.Failure.Metrics = append(def.Failure.Metrics, fc)
	}

	def.Requirements = parsePredicates(path+".requirements", rp.Requirements, probs)

	if sp := rp.StatusPublisher; sp != nil {
		switch sp.Type {
		case "bitbucketServer", "github", "log":
		default:
			probs.add(path+".statusPublisher", "unknown publisher type %q", sp.Type)
		}
		def.StatusPublisher = &PublisherSpec{
			Type:     sp.Type,
			URL:      sp.URL,
			Username: sp.Username,
			Password: sp.Password,
			Owner:    sp.Owner,
			Repo:     sp.Repo,
		}
	}

	if d := rp.Docker; d != nil {
		def.Docker = &DockerLogin{
			Registry: d.Registry,
			Username: d.Username,
			Password: d.Password,
		}
	}

	return def
}
