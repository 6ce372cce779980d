package pipeline

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testScope() *Scope {
	s := NewScope(
		map[string]string{"system.SONAR_URL": "https://sonar", "build.branch": "refs/heads/dev"},
		map[string]string{"build.branch": "refs/heads/main", "agent.name": "linux-1"},
	)
	s.Env = func(name string) (string, bool) {
		if name == "JDK_HOME" {
			return "/opt/jdk", true
		}
		return "", false
	}

	return s
}

func TestExpand(t *testing.T) {
	s := testScope()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"no references", "gradle build", "gradle build"},
		{"env", "%env.JDK_HOME%/bin", "/opt/jdk/bin"},
		{"system", "-Dsonar.host.url=%system.SONAR_URL%", "-Dsonar.host.url=https://sonar"},
		{"later layer wins", "%build.branch%-%agent.name%", "refs/heads/main-linux-1"},
		{"escaped percent", "100%% done", "100% done"},
		{"whitespace span is literal", "50% off %agent.name%", "50% off linux-1"},
		{"trailing percent", "ratio 5%", "ratio 5%"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Expand(tt.in, s)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExpandUnresolved(t *testing.T) {
	_, err := Expand("-PmavenUser=%env.NEXUS_USER% -Px=%system.NOPE%", testScope())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnresolved))
	assert.Contains(t, err.Error(), "env.NEXUS_USER")
	assert.Contains(t, err.Error(), "system.NOPE")
}

func TestReferences(t *testing.T) {
	refs := References("%a% 10% of %b% and %% then %c%")
	assert.Equal(t, []string{"a", "b", "c"}, refs)
}

func TestCheckParams(t *testing.T) {
	def := &Definition{
		Name: "build",
		Steps: []Step{
			{Name: "compile", Kind: StepScript, Script: "make JDK=%env.JDK_HOME%"},
			{Name: "report", Kind: StepScript, Script: "cat %step.compile.output% %step.upload.output%"},
			{Name: "upload", Kind: StepScript, Script: "upload %system.MISSING%", Env: map[string]string{"TOKEN": "%env.TOKEN%"}},
		},
	}

	err := def.CheckParams(testScope())
	require.Error(t, err)

	var cerr *ConfigurationError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, "pipeline build", cerr.Path)
	assert.Len(t, cerr.Problems, 3)
	assert.Contains(t, err.Error(), "step.upload.output")
	assert.Contains(t, err.Error(), "system.MISSING")
	assert.Contains(t, err.Error(), "env.TOKEN")
}

func TestCheckParamsResolved(t *testing.T) {
	def := &Definition{
		Name: "build",
		Steps: []Step{
			{Name: "compile", Kind: StepBuild, Tool: "gradle", ToolHome: "%env.JDK_HOME%"},
			{Name: "check", Kind: StepScript, Script: "test %step.compile.exitCode% = 0"},
		},
	}

	assert.NoError(t, def.CheckParams(testScope()))
}
