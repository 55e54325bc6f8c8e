package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

type condition struct {
	key    string
	negate bool
}

func parseCondition(expr string) (*condition, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, nil
	}
	c := &condition{}
	if strings.HasPrefix(expr, "!") {
		c.negate = true
		expr = strings.TrimSpace(expr[1:])
	}
	key, ok := strings.CutPrefix(expr, "vars.")
	if !ok || strings.TrimSpace(key) == "" {
		return nil, fmt.Errorf("condition %q must be vars.<key> or !vars.<key>", expr)
	}
	c.key = strings.TrimSpace(key)
	return c, nil
}

// holds reports whether the job guarded by c should run.
func (c *condition) holds(ec *ExecutionContext) bool {
	if c == nil {
		return true
	}
	return truthy(ec.Vars[c.key]) != c.negate
}

func truthy(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return false
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return false
	}
}
