package hive

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecomposeDevelopmentPlan(t *testing.T) {
	d := NewDecomposer(16, time.Minute)
	obj := &Objective{ID: "obj-1", Description: "build a payment service", Strategy: StrategyDevelopment}

	tasks := d.Decompose(obj)
	require.Len(t, tasks, 4)
	assert.Equal(t, "architect", tasks[0].Type)
	assert.Equal(t, "coder", tasks[1].Type)
	assert.Equal(t, []string{"obj-1-step-0"}, tasks[1].Dependencies)
	assert.Equal(t, []string{"obj-1-step-1"}, tasks[2].Dependencies)
	assert.Equal(t, []string{"obj-1-step-1"}, tasks[3].Dependencies)
}

func TestDecomposeAutoDetectsDomain(t *testing.T) {
	d := NewDecomposer(16, time.Minute)

	tests := []struct {
		description string
		wantSteps   int
		wantFirst   string
	}{
		{"implement the billing api", 4, "design"},
		{"analyze the latency metrics", 3, "gather data"},
		{"research vector databases", 3, "survey existing work"},
		{"just get this done somehow", 3, "analysis"},
	}

	for _, tt := range tests {
		obj := &Objective{ID: "obj-x", Description: tt.description, Strategy: StrategyAuto}
		tasks := d.Decompose(obj)
		require.Len(t, tasks, tt.wantSteps, tt.description)
		assert.Equal(t, tt.wantFirst, tasks[0].Metadata["step"], tt.description)
	}
}

func TestDecomposeCacheHitRewritesIDs(t *testing.T) {
	d := NewDecomposer(16, time.Minute)

	first := d.Decompose(&Objective{ID: "obj-1", Description: "build the api", Strategy: StrategyDevelopment})
	second := d.Decompose(&Objective{ID: "obj-2", Description: "build the api", Strategy: StrategyDevelopment})

	require.Len(t, second, len(first))
	for i := range second {
		assert.Equal(t, "obj-2", second[i].GoalID)
		assert.Contains(t, second[i].ID, "obj-2-step-")
		for _, dep := range second[i].Dependencies {
			assert.Contains(t, dep, "obj-2-step-")
		}
	}
}

func TestDecomposeCacheInvalidate(t *testing.T) {
	d := NewDecomposer(16, time.Minute)
	obj := &Objective{ID: "obj-1", Description: "build the api", Strategy: StrategyDevelopment}

	d.Decompose(obj)
	d.Invalidate(obj.Description, obj.Strategy)
	_, ok := d.cache.Get(cacheKey(obj.Description, obj.Strategy))
	assert.False(t, ok)
}

func TestDecomposeResultsAreIndependentCopies(t *testing.T) {
	d := NewDecomposer(16, time.Minute)
	obj := &Objective{ID: "obj-1", Description: "build the api", Strategy: StrategyDevelopment}

	first := d.Decompose(obj)
	first[0].Metadata["mutated"] = "yes"
	first[0].Status = "assigned"

	second := d.Decompose(obj)
	assert.NotContains(t, second[0].Metadata, "mutated")
	assert.NotEqual(t, "assigned", string(second[0].Status))
}
