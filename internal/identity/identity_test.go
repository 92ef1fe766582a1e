package identity

import (
	"strings"
	"testing"
)

func TestAgentIDKey(t *testing.T) {
	id := AgentID{Namespace: "hive", ID: "queen"}
	if got := id.Key(); got != "hive:queen" {
		t.Errorf("Key() = %q, want %q", got, "hive:queen")
	}
}

func TestParseAgentKey(t *testing.T) {
	tests := []struct {
		key     string
		want    AgentID
		wantErr bool
	}{
		{"hive:queen", AgentID{Namespace: "hive", ID: "queen"}, false},
		{"team:a:b", AgentID{Namespace: "team", ID: "a:b"}, false},
		{"noseparator", AgentID{}, true},
		{":leading", AgentID{}, true},
		{"trailing:", AgentID{}, true},
		{"", AgentID{}, true},
	}

	for _, tt := range tests {
		got, err := ParseAgentKey(tt.key)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseAgentKey(%q) expected error", tt.key)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseAgentKey(%q) unexpected error: %v", tt.key, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseAgentKey(%q) = %+v, want %+v", tt.key, got, tt.want)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	id := NewAgentID("swarm")
	parsed, err := ParseAgentKey(id.Key())
	if err != nil {
		t.Fatalf("round trip failed: %v", err)
	}
	if parsed != id {
		t.Errorf("round trip = %+v, want %+v", parsed, id)
	}
}

func TestGeneratorsArePrefixedAndUnique(t *testing.T) {
	generators := map[string]func() string{
		"msg-":   NewMessageID,
		"task-":  NewTaskID,
		"goal-":  NewGoalID,
		"team-":  NewTeamID,
		"wf-":    NewWorkflowID,
		"inst-":  NewInstanceID,
		"snap-":  NewSnapshotID,
		"evt-":   NewEventID,
		"htask-": NewHumanTaskID,
		"prop-":  NewProposalID,
	}

	for prefix, gen := range generators {
		a, b := gen(), gen()
		if !strings.HasPrefix(a, prefix) {
			t.Errorf("generated id %q missing prefix %q", a, prefix)
		}
		if a == b {
			t.Errorf("generator %q produced duplicate ids", prefix)
		}
	}
}
