package workflow

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/aosanya/HiveCortex/internal/store"
)

// ConditionFunc is a registered, side-effect-free condition handler
type ConditionFunc func(env *ConditionEnv) (bool, error)

// ConditionEnv is the read-only evaluation environment for conditions:
// the instance context plus the triggering event payload, if any
type ConditionEnv struct {
	// Context is the instance context
	Context *store.InstanceContext

	// Event is the payload of the triggering event, if any
	Event map[string]interface{}
}

// Resolve looks up a dotted path in the environment. Roots: inputs,
// variables, outputs, nodes (per-node outputs), event.
func (e *ConditionEnv) Resolve(path string) (interface{}, bool) {
	parts := strings.Split(path, ".")
	if len(parts) == 0 {
		return nil, false
	}

	var root interface{}
	switch parts[0] {
	case "inputs":
		root = e.Context.Inputs
	case "variables":
		root = e.Context.Variables
	case "outputs":
		root = e.Context.Outputs
	case "nodes":
		root = e.Context.NodeOutputs
	case "event":
		root = e.Event
	default:
		// Bare names resolve against variables first, then inputs.
		if v, ok := e.Context.Variables[parts[0]]; ok {
			root = v
		} else if v, ok := e.Context.Inputs[parts[0]]; ok {
			root = v
		} else {
			return nil, false
		}
		parts = parts[1:]
		return descend(root, parts)
	}
	return descend(root, parts[1:])
}

// descend walks map keys along the remaining path segments
func descend(v interface{}, parts []string) (interface{}, bool) {
	for _, part := range parts {
		m, ok := v.(map[string]interface{})
		if !ok {
			return nil, false
		}
		v, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return v, true
}

// expressionRe parses the bounded "left op right" expression form
var expressionRe = regexp.MustCompile(`^\s*(\S+)\s+(==|!=|>=|<=|>|<|contains|startsWith|endsWith|matches)\s+(.+?)\s*$`)

// EvaluateCondition evaluates an edge condition against the environment.
// Conditions must be side-effect free; there is no arbitrary code execution,
// only the comparison forms and registered handlers.
func EvaluateCondition(cond *store.Condition, env *ConditionEnv, handlers map[string]ConditionFunc) (bool, error) {
	if cond == nil {
		return true, nil
	}
	switch cond.Kind {
	case store.ConditionComparison:
		left, _ := env.Resolve(cond.Left)
		return compare(left, cond.Op, cond.Right)

	case store.ConditionExpression:
		m := expressionRe.FindStringSubmatch(cond.Expression)
		if m == nil {
			return false, fmt.Errorf("unparseable expression: %q", cond.Expression)
		}
		left, ok := env.Resolve(m[1])
		if !ok {
			left = parseLiteral(m[1], env)
		}
		right := parseLiteral(m[3], env)
		return compare(left, m[2], right)

	case store.ConditionFunction:
		fn, ok := handlers[cond.Handler]
		if !ok {
			return false, fmt.Errorf("%w: condition %q", ErrUnknownHandler, cond.Handler)
		}
		return fn(env)

	default:
		return false, fmt.Errorf("unknown condition kind %q", cond.Kind)
	}
}

// parseLiteral interprets the right-hand side of an expression: quoted
// strings, booleans, numbers, or a context path
func parseLiteral(s string, env *ConditionEnv) interface{} {
	if len(s) >= 2 && (s[0] == '\'' || s[0] == '"') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	switch s {
	case "true":
		return true
	case "false":
		return false
	case "null", "nil":
		return nil
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return n
	}
	if v, ok := env.Resolve(s); ok {
		return v
	}
	return s
}

// compare applies one comparison operator
func compare(left interface{}, op string, right interface{}) (bool, error) {
	switch op {
	case "==":
		return looseEqual(left, right), nil
	case "!=":
		return !looseEqual(left, right), nil
	case ">", "<", ">=", "<=":
		l, lok := toFloat(left)
		r, rok := toFloat(right)
		if !lok || !rok {
			return false, fmt.Errorf("non-numeric operands for %s", op)
		}
		switch op {
		case ">":
			return l > r, nil
		case "<":
			return l < r, nil
		case ">=":
			return l >= r, nil
		default:
			return l <= r, nil
		}
	case "contains":
		return strings.Contains(toString(left), toString(right)), nil
	case "startsWith":
		return strings.HasPrefix(toString(left), toString(right)), nil
	case "endsWith":
		return strings.HasSuffix(toString(left), toString(right)), nil
	case "matches":
		re, err := regexp.Compile(toString(right))
		if err != nil {
			return false, fmt.Errorf("invalid pattern: %w", err)
		}
		return re.MatchString(toString(left)), nil
	default:
		return false, fmt.Errorf("unknown operator %q", op)
	}
}

// looseEqual compares across the numeric types JSON decoding produces
func looseEqual(a, b interface{}) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	return toString(a) == toString(b)
}

// toFloat coerces numeric representations to float64
func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// toString renders a value for string comparison
func toString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", s)
	}
}
