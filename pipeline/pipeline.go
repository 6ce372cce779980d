package pipeline

import (
	"time"

	log "github.com/sirupsen/logrus"
)

var logger *log.Entry

func init() {
	logger = log.WithFields(log.Fields{
		"package": "pipeline",
	})
}

// StepKind is the kind of invocation a Step performs.
type StepKind string

const (
	StepBuild    StepKind = "build"
	StepTest     StepKind = "test"
	StepAnalysis StepKind = "analysis"
	StepPublish  StepKind = "publish"
	StepScript   StepKind = "script"
)

// TriggerKind is the kind of event a Trigger reacts to.
type TriggerKind string

const (
	TriggerVCS      TriggerKind = "vcs"
	TriggerUpstream TriggerKind = "upstream"
	TriggerSchedule TriggerKind = "schedule"
)

// Config is the immutable result of loading a settings file. Nothing in it
// changes after Load returns; it is handed to the components that need it.
type Config struct {
	Params    map[string]string
	Roots     map[string]*VcsRoot
	Agents    []AgentSpec
	Pipelines []*Definition
}

// Pipeline returns the definition with the given name.
func (c *Config) Pipeline(name string) (*Definition, bool) {
	for _, p := range c.Pipelines {
		if p.Name == name {
			return p, true
		}
	}

	return nil, false
}

// VcsRoot is a source repository that pipelines check out.
type VcsRoot struct {
	Name              string
	URL               string
	Branch            string
	BranchSpec        BranchFilter
	UseTagsAsBranches bool
	Auth              Auth
}

// Auth holds the username and a credential handle for a remote. The handle
// is opaque here and resolved by the secrets package.
type Auth struct {
	Username string
	Password string
}

// AgentSpec declares an execution agent.
type AgentSpec struct {
	Name   string
	Runner string
	Image  string
	Params map[string]string
}

// Definition is a pipeline: an ordered list of steps with the triggers that
// start it and the conditions that fail it.
type Definition struct {
	Name          string
	DisplayName   string
	Root          *VcsRoot
	Steps         []Step
	Triggers      []Trigger
	Failure       FailureConditions
	ArtifactRules []ArtifactRule
	Requirements  []Predicate
	Params        map[string]string

	StatusPublisher *PublisherSpec
	Docker          *DockerLogin
}

// Step is one invocation inside a pipeline.
type Step struct {
	Name         string
	Kind         StepKind
	Tool         string
	Tasks        string
	ToolHome     string
	Args         string
	Script       string
	Image        string
	Env          map[string]string
	Conditions   []Predicate
	AllowFailure bool
}

// Trigger is a rule deciding when a new run of a pipeline starts.
type Trigger struct {
	Kind   TriggerKind
	Filter BranchFilter

	// upstream triggers
	Upstream       string
	SuccessfulOnly bool

	// schedule triggers
	Schedule string
	Branch   string
}

// FailureConditions groups the execution timeout with the metric checks
// applied once all steps are done.
type FailureConditions struct {
	ExecutionTimeout time.Duration
	Metrics          []FailureCondition
}

// PublisherSpec configures where commit statuses for a pipeline go.
type PublisherSpec struct {
	Type     string
	URL      string
	Username string
	Password string
	Owner    string
	Repo     string
}

// DockerLogin is the registry a pipeline's container steps log into.
type DockerLogin struct {
	Registry string
	Username string
	Password string
}
