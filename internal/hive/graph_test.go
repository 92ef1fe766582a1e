package hive

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aosanya/HiveCortex/internal/team"
)

func task(id string, timeout time.Duration, deps ...string) *team.Task {
	return &team.Task{ID: id, Description: id, Timeout: timeout, Dependencies: deps}
}

func TestTaskGraphBatches(t *testing.T) {
	g, err := NewTaskGraph([]*team.Task{
		task("a", time.Minute),
		task("b", 2*time.Minute),
		task("c", 30*time.Second, "a", "b"),
		task("d", time.Minute, "c"),
		task("e", 5*time.Minute, "c"),
	})
	require.NoError(t, err)

	batches := g.Batches()
	require.Len(t, batches, 3)
	assert.Equal(t, []string{"a", "b"}, batches[0].TaskIDs)
	assert.Equal(t, []string{"c"}, batches[1].TaskIDs)
	assert.Equal(t, []string{"d", "e"}, batches[2].TaskIDs)

	// Batch estimate is the max task timeout within the batch.
	assert.Equal(t, 2*time.Minute, batches[0].EstimatedDuration)
	assert.Equal(t, 5*time.Minute, batches[2].EstimatedDuration)
}

func TestTaskGraphRejectsCycle(t *testing.T) {
	_, err := NewTaskGraph([]*team.Task{
		task("a", 0, "b"),
		task("b", 0, "a"),
	})
	assert.Error(t, err)
}

func TestTaskGraphRejectsUnknownDependency(t *testing.T) {
	_, err := NewTaskGraph([]*team.Task{task("a", 0, "ghost")})
	assert.Error(t, err)
}

func TestTaskGraphReady(t *testing.T) {
	g, err := NewTaskGraph([]*team.Task{
		task("a", 0),
		task("b", 0, "a"),
		task("c", 0, "a"),
		task("d", 0, "b", "c"),
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"a"}, g.Ready(map[string]bool{}))
	assert.Equal(t, []string{"b", "c"}, g.Ready(map[string]bool{"a": true}))
	assert.Equal(t, []string{"d"}, g.Ready(map[string]bool{"a": true, "b": true, "c": true}))
}

func TestTransitiveDependents(t *testing.T) {
	g, err := NewTaskGraph([]*team.Task{
		task("a", 0),
		task("b", 0, "a"),
		task("c", 0, "b"),
		task("d", 0),
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"b", "c"}, g.TransitiveDependents("a"))
	assert.Empty(t, g.TransitiveDependents("d"))
}
