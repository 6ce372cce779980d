package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/run-ci/conductor/pipeline"
	"github.com/run-ci/conductor/store"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	mu    sync.Mutex
	calls []Invocation
	codes map[string]int
}

func (f *fakeRunner) Run(ctx context.Context, inv Invocation, out io.Writer) (int, error) {
	f.mu.Lock()
	f.calls = append(f.calls, inv)
	f.mu.Unlock()

	fmt.Fprintf(out, "running %v\n", inv.Argv)
	return f.codes[inv.Argv[len(inv.Argv)-1]], nil
}

func testRunContext(t *testing.T) *RunContext {
	dir := t.TempDir()
	params := pipeline.NewScope(map[string]string{
		"build.branch":     "refs/heads/main",
		"build.number":     "7",
		"agent.name":       "linux-1",
		"system.SONAR_URL": "https://sonar",
	})
	params.Env = func(name string) (string, bool) {
		if name == "JDK_HOME" {
			return "/opt/jdk", true
		}
		return "", false
	}

	return &RunContext{
		RunID:   "run-1",
		Workdir: filepath.Join(dir, "work"),
		LogDir:  filepath.Join(dir, "logs"),
		Params:  params,
	}
}

func TestRunToolStep(t *testing.T) {
	runner := &fakeRunner{}
	rc := testRunContext(t)

	step := pipeline.Step{
		Name:     "build and test",
		Kind:     pipeline.StepBuild,
		Tool:     "./gradlew",
		Tasks:    "clean build",
		ToolHome: "%env.JDK_HOME%",
		Args:     `-Pbranch=%build.branch%-%agent.name% "-Dmsg=two words"`,
		Env:      map[string]string{"SONAR": "%system.SONAR_URL%"},
	}

	res := New(runner).Run(context.Background(), 0, step, rc)
	require.NoError(t, res.Err)
	assert.Equal(t, store.StepSucceeded, res.Status)
	assert.False(t, res.Failed())

	require.Len(t, runner.calls, 1)
	inv := runner.calls[0]
	assert.Equal(t, []string{"./gradlew", "clean", "build", "-Pbranch=refs/heads/main-linux-1", "-Dmsg=two words"}, inv.Argv)
	assert.Equal(t, "/opt/jdk", inv.ToolHome)
	assert.Equal(t, rc.Workdir, inv.Dir)
	assert.Contains(t, inv.Env, "SONAR=https://sonar")
	assert.Contains(t, inv.Env, "TOOL_HOME=/opt/jdk")
	assert.Contains(t, inv.Env, "BUILD_NUMBER=7")

	assert.Equal(t, filepath.Join(rc.LogDir, "00-build-and-test.log"), res.OutputRef)
	buf, err := os.ReadFile(res.OutputRef)
	require.NoError(t, err)
	assert.Contains(t, string(buf), "running [./gradlew")

	code, ok := rc.Params.Lookup("step.build and test.exitCode")
	require.True(t, ok)
	assert.Equal(t, "0", code)
	output, _ := rc.Params.Lookup("step.build and test.output")
	assert.Equal(t, res.OutputRef, output)
}

func TestRunScriptStep(t *testing.T) {
	runner := &fakeRunner{}
	rc := testRunContext(t)

	res := New(runner).Run(context.Background(), 0, pipeline.Step{
		Name:   "report",
		Kind:   pipeline.StepScript,
		Script: "echo %build.number% is 100%% done",
	}, rc)
	require.NoError(t, res.Err)

	require.Len(t, runner.calls, 1)
	assert.Equal(t, []string{"sh", "-c", "echo 7 is 100% done"}, runner.calls[0].Argv)
}

func TestRunKeepsResolvedValuesOutOfLog(t *testing.T) {
	hook := logtest.NewGlobal()
	defer hook.Reset()

	runner := &fakeRunner{}
	rc := testRunContext(t)
	rc.Params.Set("system.SONAR_TOKEN", "s3cr3t-token")

	res := New(runner).Run(context.Background(), 0, pipeline.Step{
		Name:  "analyze",
		Kind:  pipeline.StepTest,
		Tool:  "./gradlew",
		Tasks: "sonar",
		Args:  "-Dsonar.token=%system.SONAR_TOKEN%",
	}, rc)
	require.NoError(t, res.Err)

	require.Len(t, runner.calls, 1)
	assert.Contains(t, runner.calls[0].Argv, "-Dsonar.token=s3cr3t-token")

	require.NotEmpty(t, hook.AllEntries())
	for _, entry := range hook.AllEntries() {
		line, err := entry.String()
		require.NoError(t, err)
		assert.NotContains(t, line, "s3cr3t-token")
	}
}

func TestRunLogNamesAreDistinct(t *testing.T) {
	runner := &fakeRunner{}
	rc := testRunContext(t)
	e := New(runner)

	first := e.Run(context.Background(), 0, pipeline.Step{Name: "Build", Kind: pipeline.StepScript, Script: "true"}, rc)
	second := e.Run(context.Background(), 1, pipeline.Step{Name: "build", Kind: pipeline.StepScript, Script: "false"}, rc)
	require.NoError(t, first.Err)
	require.NoError(t, second.Err)

	assert.Equal(t, filepath.Join(rc.LogDir, "00-build.log"), first.OutputRef)
	assert.Equal(t, filepath.Join(rc.LogDir, "01-build.log"), second.OutputRef)

	buf, err := os.ReadFile(first.OutputRef)
	require.NoError(t, err)
	assert.Contains(t, string(buf), "running [sh -c true]")
}

func TestRunSkipsOnCondition(t *testing.T) {
	runner := &fakeRunner{}
	rc := testRunContext(t)
	rc.Params.Set("build.branch", "refs/heads/feature/x")

	res := New(runner).Run(context.Background(), 0, pipeline.Step{
		Name:       "publish",
		Kind:       pipeline.StepPublish,
		Tool:       "./gradlew",
		Tasks:      "publish",
		Conditions: []pipeline.Predicate{pipeline.MustPredicate("build.branch", pipeline.OpMatches, "(refs/tags/.*|refs/heads/main)")},
	}, rc)

	assert.Equal(t, store.StepSkipped, res.Status)
	assert.False(t, res.Failed())
	assert.Empty(t, runner.calls)
}

func TestRunExitCodes(t *testing.T) {
	tests := []struct {
		name         string
		allowFailure bool
		code         int
		want         store.StepStatus
	}{
		{"success", false, 0, store.StepSucceeded},
		{"failure", false, 2, store.StepFailed},
		{"allowed failure", true, 2, store.StepFailedAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{codes: map[string]int{"check": tt.code}}
			rc := testRunContext(t)

			res := New(runner).Run(context.Background(), 0, pipeline.Step{
				Name:         "check",
				Kind:         pipeline.StepTest,
				Tool:         "make",
				Tasks:        "check",
				AllowFailure: tt.allowFailure,
			}, rc)

			assert.Equal(t, tt.want, res.Status)
			assert.Equal(t, tt.code, res.ExitCode)
			assert.Equal(t, tt.want == store.StepFailed, res.Failed())

			code, _ := rc.Params.Lookup("step.check.exitCode")
			assert.Equal(t, fmt.Sprint(tt.code), code)
		})
	}
}

func TestRunUnresolvedParam(t *testing.T) {
	runner := &fakeRunner{}
	rc := testRunContext(t)

	res := New(runner).Run(context.Background(), 0, pipeline.Step{
		Name: "publish",
		Kind: pipeline.StepPublish,
		Tool: "./gradlew",
		Args: "-PmavenUser=%env.NEXUS_USER%",
	}, rc)

	assert.Equal(t, store.StepFailed, res.Status)
	assert.True(t, errors.Is(res.Err, pipeline.ErrUnresolved))
	assert.Empty(t, runner.calls)
}

func TestPrepareNoCommand(t *testing.T) {
	_, err := Prepare(pipeline.Step{Name: "empty", Kind: pipeline.StepBuild}, testRunContext(t))
	assert.True(t, errors.Is(err, ErrNoCommand))
}

func TestPrepareStepImage(t *testing.T) {
	rc := testRunContext(t)
	rc.Image = "alpine:3"

	inv, err := Prepare(pipeline.Step{Name: "s", Kind: pipeline.StepScript, Script: "true"}, rc)
	require.NoError(t, err)
	assert.Equal(t, "alpine:3", inv.Image)

	inv, err = Prepare(pipeline.Step{Name: "s", Kind: pipeline.StepScript, Script: "true", Image: "eclipse-temurin:17"}, rc)
	require.NoError(t, err)
	assert.Equal(t, "eclipse-temurin:17", inv.Image)
}

func requireShell(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("no sh on this host")
	}
}

func TestShellRunner(t *testing.T) {
	requireShell(t)

	var out bytes.Buffer
	code, err := ShellRunner{}.Run(context.Background(), Invocation{
		Argv: []string{"sh", "-c", "echo $GREETING; exit 3"},
		Env:  []string{"GREETING=hello"},
		Dir:  t.TempDir(),
	}, &out)

	require.NoError(t, err)
	assert.Equal(t, 3, code)
	assert.Equal(t, "hello\n", out.String())
}

func TestShellRunnerToolHome(t *testing.T) {
	requireShell(t)

	var out bytes.Buffer
	_, err := ShellRunner{}.Run(context.Background(), Invocation{
		Argv:     []string{"sh", "-c", "echo $PATH"},
		Dir:      t.TempDir(),
		ToolHome: "/opt/jdk",
	}, &out)

	require.NoError(t, err)
	assert.Contains(t, out.String(), "/opt/jdk/bin:")
}

func TestShellRunnerCancel(t *testing.T) {
	requireShell(t)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	code, err := ShellRunner{WaitDelay: time.Second}.Run(ctx, Invocation{
		Argv: []string{"sh", "-c", "sleep 30"},
		Dir:  t.TempDir(),
	}, io.Discard)

	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, -1, code)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestShellRunnerMissingBinary(t *testing.T) {
	code, err := ShellRunner{}.Run(context.Background(), Invocation{
		Argv: []string{"definitely-not-a-real-binary-xyz"},
		Dir:  t.TempDir(),
	}, io.Discard)

	assert.Error(t, err)
	assert.Equal(t, -1, code)
}

func TestWorkspacePrepareWithoutURL(t *testing.T) {
	ws := &Workspace{Root: t.TempDir()}

	dir, err := ws.Prepare(context.Background(), "run-1", &pipeline.VcsRoot{Name: "local"}, "", "")
	require.NoError(t, err)
	assert.Equal(t, ws.WorkDir("run-1"), dir)
	assert.DirExists(t, dir)
	assert.DirExists(t, ws.LogDir("run-1"))

	require.NoError(t, ws.Cleanup("run-1"))
	assert.NoDirExists(t, dir)
	assert.DirExists(t, ws.LogDir("run-1"))
}

func TestRefName(t *testing.T) {
	assert.Equal(t, "refs/heads/main", refName("main").String())
	assert.Equal(t, "refs/tags/v1", refName("refs/tags/v1").String())
	assert.Equal(t, "refs/heads/release/2", refName("refs/heads/release/2").String())
}
