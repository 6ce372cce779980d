package store

import (
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunAdvanceForwardOnly(t *testing.T) {
	r := NewRun("build", []string{"a", "b", "c"})

	require.NoError(t, r.Advance(0))
	require.NoError(t, r.Advance(2))

	err := r.Advance(1)
	assert.True(t, errors.Is(err, ErrCursorBackwards))
	assert.Equal(t, 2, r.Cursor)
}

func TestRunFinishOnce(t *testing.T) {
	r := NewRun("build", []string{"a", "b"})
	r.SetStart()
	r.Steps[0].Status = StepSucceeded

	require.NoError(t, r.Finish(StatusTimedOut, errors.New("execution timeout exceeded")))
	assert.Equal(t, StatusTimedOut, r.Status)
	assert.Equal(t, StepNotRun, r.Steps[1].Status)
	assert.Equal(t, "execution timeout exceeded", r.Error)
	assert.NotNil(t, r.End)

	err := r.Finish(StatusFailed, nil)
	assert.True(t, errors.Is(err, ErrRunTerminal))
	assert.Equal(t, StatusTimedOut, r.Status)

	assert.True(t, errors.Is(r.Advance(1), ErrRunTerminal))
}

func TestRunFinishNeedsTerminalStatus(t *testing.T) {
	r := NewRun("build", nil)
	assert.Error(t, r.Finish(StatusRunning, nil))
	assert.Equal(t, StatusPending, r.Status)
}

func testRunStore(t *testing.T, st RunStore) {
	first := NewRun("build", []string{"compile"})
	first.Branch = "refs/heads/main"
	require.NoError(t, st.CreateRun(first))
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, 1, first.Number)

	second := NewRun("build", []string{"compile"})
	require.NoError(t, st.CreateRun(second))
	assert.Equal(t, 2, second.Number)

	other := NewRun("deploy", nil)
	require.NoError(t, st.CreateRun(other))
	assert.Equal(t, 1, other.Number)

	first.Status = StatusRunning
	first.Agent = "linux-1"
	first.SetStart()
	first.Steps[0].Status = StepSucceeded
	first.Artifacts = []Artifact{{Path: "ratings.jar", Size: 10, Checksum: "abc", Published: true}}
	require.NoError(t, first.Finish(StatusSucceeded, nil))
	require.NoError(t, st.UpdateRun(first))

	got, err := st.GetRun(first.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, got.Status)
	assert.Equal(t, "linux-1", got.Agent)
	assert.Equal(t, "refs/heads/main", got.Branch)
	require.Len(t, got.Steps, 1)
	assert.Equal(t, StepSucceeded, got.Steps[0].Status)
	require.Len(t, got.Artifacts, 1)
	assert.Equal(t, "ratings.jar", got.Artifacts[0].Path)

	runs, err := st.GetRuns("build")
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, 2, runs[0].Number)
	assert.Equal(t, 1, runs[1].Number)

	_, err = st.GetRun("nope")
	assert.Equal(t, ErrRunNotFound, err)

	missing := NewRun("build", nil)
	missing.ID = "missing"
	assert.Equal(t, ErrRunNotFound, st.UpdateRun(missing))
}

// testConcurrentNumbers creates runs of one pipeline from many goroutines
// and checks every run got its own number.
func testConcurrentNumbers(t *testing.T, st RunStore) {
	const n = 20

	numbers := make(chan int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			r := NewRun("nightly", nil)
			if assert.NoError(t, st.CreateRun(r)) {
				numbers <- r.Number
			}
		}()
	}
	wg.Wait()
	close(numbers)

	seen := map[int]bool{}
	for num := range numbers {
		assert.False(t, seen[num], "run number %d assigned twice", num)
		seen[num] = true
	}
	assert.Len(t, seen, n)
	for i := 1; i <= n; i++ {
		assert.True(t, seen[i], "run number %d never assigned", i)
	}
}

func TestMemory(t *testing.T) {
	testRunStore(t, NewMemory())
	testConcurrentNumbers(t, NewMemory())
}

func TestMemoryReturnsCopies(t *testing.T) {
	st := NewMemory()
	r := NewRun("build", []string{"a"})
	require.NoError(t, st.CreateRun(r))

	got, err := st.GetRun(r.ID)
	require.NoError(t, err)
	got.Steps[0].Status = StepFailed

	again, err := st.GetRun(r.ID)
	require.NoError(t, err)
	assert.Equal(t, StepPending, again.Steps[0].Status)
}

// TestPostgres runs against a real database when CONDUCTOR_TEST_POSTGRES
// holds a connection string.
func TestPostgres(t *testing.T) {
	connstr := os.Getenv("CONDUCTOR_TEST_POSTGRES")
	if connstr == "" {
		t.Skip("CONDUCTOR_TEST_POSTGRES not set")
	}

	st, err := NewPostgres(connstr)
	require.NoError(t, err)
	defer st.Close()

	require.NoError(t, st.Migrate())
	_, err = st.db.Exec(`TRUNCATE runs, pipeline_counters CASCADE`)
	require.NoError(t, err)

	testRunStore(t, st)
	testConcurrentNumbers(t, st)
}
