package workflow

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/aosanya/HiveCortex/internal/store"
)

// definitionSchema is the JSON schema raw workflow definitions are checked
// against before structural validation
const definitionSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["name", "nodes", "edges"],
  "properties": {
    "id": {"type": "string"},
    "name": {"type": "string", "minLength": 1},
    "version": {"type": "string"},
    "variables": {"type": "object"},
    "nodes": {
      "type": "array",
      "minItems": 2,
      "items": {
        "type": "object",
        "required": ["id", "type"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "type": {
            "type": "string",
            "enum": ["start", "end", "task", "decision", "parallel", "loop",
                     "humanTask", "timer", "event", "subworkflow",
                     "transform", "aggregate", "custom"]
          },
          "name": {"type": "string"}
        }
      }
    },
    "edges": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["from", "to"],
        "properties": {
          "from": {"type": "string", "minLength": 1},
          "to": {"type": "string", "minLength": 1},
          "default": {"type": "boolean"}
        }
      }
    }
  }
}`

// ParseDefinition validates raw JSON against the schema and decodes it
func ParseDefinition(raw []byte) (*store.WorkflowDefinition, error) {
	result, err := gojsonschema.Validate(gojsonschema.NewStringLoader(definitionSchema), gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}
	if !result.Valid() {
		var msgs []string
		for _, desc := range result.Errors() {
			msgs = append(msgs, desc.String())
		}
		return nil, fmt.Errorf("invalid workflow definition: %s", strings.Join(msgs, "; "))
	}

	var defn store.WorkflowDefinition
	if err := json.Unmarshal(raw, &defn); err != nil {
		return nil, fmt.Errorf("failed to decode definition: %w", err)
	}
	if err := ValidateDefinition(&defn); err != nil {
		return nil, err
	}
	return &defn, nil
}

// ValidateDefinition checks the structural rules: unique node ids, exactly
// one start node, at least one end node, edges referencing known nodes, a
// fully reachable graph, and acyclicity outside loop bodies.
func ValidateDefinition(defn *store.WorkflowDefinition) error {
	if len(defn.Nodes) == 0 {
		return fmt.Errorf("definition has no nodes")
	}

	ids := make(map[string]*store.Node, len(defn.Nodes))
	var startID string
	endCount := 0
	for i := range defn.Nodes {
		n := &defn.Nodes[i]
		if n.ID == "" {
			return fmt.Errorf("node %d has no id", i)
		}
		if _, dup := ids[n.ID]; dup {
			return fmt.Errorf("duplicate node id %q", n.ID)
		}
		ids[n.ID] = n

		switch n.Type {
		case store.NodeTypeStart:
			if startID != "" {
				return fmt.Errorf("multiple start nodes: %q and %q", startID, n.ID)
			}
			startID = n.ID
		case store.NodeTypeEnd:
			endCount++
		case store.NodeTypeLoop:
			if n.Loop == nil || n.Loop.Body == "" {
				return fmt.Errorf("loop node %q has no body", n.ID)
			}
		case store.NodeTypeTask:
			if n.Task == nil || n.Task.Target == "" {
				return fmt.Errorf("task node %q has no target", n.ID)
			}
		case store.NodeTypeHumanTask:
			if n.HumanTask == nil || n.HumanTask.Prompt == "" {
				return fmt.Errorf("humanTask node %q has no prompt", n.ID)
			}
		case store.NodeTypeTimer:
			if n.Timer == nil || n.Timer.DelayMs < 0 {
				return fmt.Errorf("timer node %q has no delay", n.ID)
			}
		case store.NodeTypeEvent:
			if n.Event == nil || n.Event.EventType == "" {
				return fmt.Errorf("event node %q has no event type", n.ID)
			}
		case store.NodeTypeSubworkflow:
			if n.Subworkflow == nil || n.Subworkflow.WorkflowID == "" {
				return fmt.Errorf("subworkflow node %q references no workflow", n.ID)
			}
		case store.NodeTypeTransform:
			if n.Transform == nil || n.Transform.Handler == "" {
				return fmt.Errorf("transform node %q has no handler", n.ID)
			}
		case store.NodeTypeAggregate:
			if n.Aggregate == nil || len(n.Aggregate.Inputs) == 0 {
				return fmt.Errorf("aggregate node %q has no inputs", n.ID)
			}
		case store.NodeTypeCustom:
			if n.Custom == nil || n.Custom.Handler == "" {
				return fmt.Errorf("custom node %q has no handler", n.ID)
			}
		case store.NodeTypeDecision, store.NodeTypeParallel:
			// Edge-driven; nothing to check on the node itself.
		default:
			return fmt.Errorf("node %q has unknown type %q", n.ID, n.Type)
		}
	}
	if startID == "" {
		return fmt.Errorf("definition has no start node")
	}
	if endCount == 0 {
		return fmt.Errorf("definition has no end node")
	}

	adjacency := make(map[string][]string)
	for _, e := range defn.Edges {
		if _, ok := ids[e.From]; !ok {
			return fmt.Errorf("edge references unknown node %q", e.From)
		}
		if _, ok := ids[e.To]; !ok {
			return fmt.Errorf("edge references unknown node %q", e.To)
		}
		adjacency[e.From] = append(adjacency[e.From], e.To)
	}

	if out := adjacency[startID]; len(out) != 1 {
		return fmt.Errorf("start node must have exactly one outgoing edge, has %d", len(out))
	}

	// Reachability from start.
	reached := make(map[string]bool)
	queue := []string{startID}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if reached[cur] {
			continue
		}
		reached[cur] = true
		queue = append(queue, adjacency[cur]...)
		if n := ids[cur]; n.Type == store.NodeTypeLoop {
			queue = append(queue, n.Loop.Body)
		}
	}
	for id := range ids {
		if !reached[id] {
			return fmt.Errorf("node %q is unreachable from start", id)
		}
	}

	// Acyclicity, ignoring edges that re-enter a loop guard (the body's
	// return edge is the one permitted cycle).
	loopGuards := make(map[string]bool)
	for _, n := range defn.Nodes {
		if n.Type == store.NodeTypeLoop {
			loopGuards[n.ID] = true
		}
	}
	color := make(map[string]int) // 0 white, 1 gray, 2 black
	var visit func(string) error
	visit = func(id string) error {
		color[id] = 1
		for _, next := range adjacency[id] {
			if loopGuards[next] {
				continue
			}
			switch color[next] {
			case 0:
				if err := visit(next); err != nil {
					return err
				}
			case 1:
				return fmt.Errorf("cycle detected through node %q", next)
			}
		}
		color[id] = 2
		return nil
	}
	for id := range ids {
		if color[id] == 0 {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}
