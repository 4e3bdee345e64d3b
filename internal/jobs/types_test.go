package jobs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateTerminal(t *testing.T) {
	terminal := []State{StateCompleted, StateFailed, StateTimedOut, StateCancelled}
	for _, s := range terminal {
		assert.True(t, s.Terminal(), "expected %s to be terminal", s)
	}

	nonTerminal := []State{StateCreated, StateQueued, StateCloning, StateGitRefreshing, StateIndexing, StateRunning}
	for _, s := range nonTerminal {
		assert.False(t, s.Terminal(), "expected %s to not be terminal", s)
	}
}

func TestNewJobDefaults(t *testing.T) {
	j := NewJob("alice", "do something", "repo1", NewJobOptions(0, nil, nil))

	assert.NotEmpty(t, j.ID)
	assert.Equal(t, StateCreated, j.State)
	assert.Equal(t, GitSkipped, j.GitStatus)
	assert.Equal(t, IndexSkipped, j.IndexStatus)
	assert.True(t, j.Options.GitAware)
	assert.True(t, j.Options.IndexAware)
	assert.False(t, j.CreatedAt.IsZero())
}

func TestNewJobOptionsOverrides(t *testing.T) {
	gitAware := false
	indexAware := false
	opts := NewJobOptions(60, &gitAware, &indexAware)

	assert.Equal(t, 60, opts.TimeoutSeconds)
	assert.False(t, opts.GitAware)
	assert.False(t, opts.IndexAware)
}

func TestJobToSnapshotCopiesExitCode(t *testing.T) {
	j := NewJob("alice", "p", "r", NewJobOptions(0, nil, nil))
	ec := 7
	j.ExitCode = &ec

	snap := j.ToSnapshot()
	require.NotNil(t, snap.ExitCode)
	assert.Equal(t, 7, *snap.ExitCode)

	// mutating the job's pointer must not change the already-taken snapshot
	ec2 := 9
	j.ExitCode = &ec2
	assert.Equal(t, 7, *snap.ExitCode)
}
