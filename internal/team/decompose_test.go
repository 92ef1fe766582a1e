package team

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoalComplexity(t *testing.T) {
	tests := []struct {
		name string
		goal *Goal
		min  float64
		max  float64
	}{
		{
			name: "empty description",
			goal: &Goal{Description: ""},
			min:  0, max: 0,
		},
		{
			name: "single verb",
			goal: &Goal{Description: "implement the login page"},
			min:  0.15, max: 0.15,
		},
		{
			name: "constraints and subgoals add",
			goal: &Goal{
				Description: "implement the system",
				Constraints: []string{"a", "b"},
				SubGoals:    []*Goal{{}, {}},
			},
			min: 0.45, max: 0.45,
		},
		{
			name: "clamped at one",
			goal: &Goal{Description: "analyze research design implement optimize integrate coordinate synthesize analyze design"},
			min:  1, max: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := GoalComplexity(tt.goal)
			assert.GreaterOrEqual(t, got, tt.min)
			assert.LessOrEqual(t, got, tt.max)
		})
	}
}

func TestRequiredCapabilities(t *testing.T) {
	tests := []struct {
		description string
		want        []string
	}{
		{"write code for the service", []string{"programming"}},
		{"build the ui", []string{"frontend_development", "ui_design"}},
		{"test the release", []string{"quality_assurance", "testing"}},
		{"nothing matches here", nil},
	}

	for _, tt := range tests {
		got := RequiredCapabilities(tt.description)
		if !reflect.DeepEqual(got, tt.want) && !(len(got) == 0 && len(tt.want) == 0) {
			t.Errorf("RequiredCapabilities(%q) = %v, want %v", tt.description, got, tt.want)
		}
	}
}

func TestDecomposeComplexGoalIntoPhases(t *testing.T) {
	goal := &Goal{
		ID:          "goal-1",
		Description: "analyze requirements, design the architecture, implement the platform, optimize and integrate the modules",
		Constraints: []string{"budget"},
	}
	require.Greater(t, GoalComplexity(goal), 0.7)

	tasks := Decompose(goal)
	require.Len(t, tasks, 4)

	// Each phase depends on the previous.
	assert.Empty(t, tasks[0].Dependencies)
	for i := 1; i < len(tasks); i++ {
		require.Len(t, tasks[i].Dependencies, 1)
		assert.Equal(t, tasks[i-1].ID, tasks[i].Dependencies[0])
	}
	assert.Equal(t, "research", tasks[0].Metadata["phase"])
	assert.Equal(t, "test", tasks[3].Metadata["phase"])
}

func TestDecomposeSimpleGoalIntoConcerns(t *testing.T) {
	goal := &Goal{ID: "goal-1", Description: "build the api and the ui with docs"}
	tasks := Decompose(goal)

	names := make(map[string]bool)
	for _, task := range tasks {
		names[task.Metadata["concern"]] = true
		assert.Equal(t, "goal-1", task.GoalID)
		assert.Empty(t, task.Dependencies)
	}
	assert.True(t, names["ui"])
	assert.True(t, names["backend"])
	assert.True(t, names["documentation"])
}

func TestDecomposeEmptyDescriptionYieldsSingleTask(t *testing.T) {
	goal := &Goal{ID: "goal-1", Description: ""}
	tasks := Decompose(goal)
	require.Len(t, tasks, 1)
	assert.Equal(t, "goal-1-task-0", tasks[0].ID)
	assert.Equal(t, "goal-1", tasks[0].GoalID)
}

func TestDecomposeIdempotent(t *testing.T) {
	goal := &Goal{ID: "goal-1", Description: "implement the backend api"}
	first := Decompose(goal)
	second := Decompose(goal)

	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].ID, second[i].ID)
		assert.Equal(t, first[i].Description, second[i].Description)
		assert.Equal(t, first[i].RequiredCapabilities, second[i].RequiredCapabilities)
	}
}
