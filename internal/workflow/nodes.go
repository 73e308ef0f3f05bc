package workflow

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Node kinds. The set is closed: validation rejects anything else.
const (
	KindTrigger      = "trigger"
	KindAI           = "ai"
	KindHTTP         = "http"
	KindBrowser      = "browser"
	KindCode         = "code"
	KindHuman        = "human"
	KindCondition    = "condition"
	KindLoop         = "loop"
	KindTransform    = "transform"
	KindNotification = "notification"
)

var nodeKinds = map[string]bool{
	KindTrigger: true, KindAI: true, KindHTTP: true, KindBrowser: true,
	KindCode: true, KindHuman: true, KindCondition: true, KindLoop: true,
	KindTransform: true, KindNotification: true,
}

type Node struct {
	ID     string          `json:"id"`
	Kind   string          `json:"kind"`
	Name   string          `json:"name,omitempty"`
	Config json.RawMessage `json:"config,omitempty"`
}

// Edge connects two nodes. An empty condition is unconditional; a
// non-empty one is evaluated against the run context.
type Edge struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Condition string `json:"condition,omitempty"`
}

// Per-kind configs. Unknown JSON fields are ignored so older
// definitions keep loading.

type AIConfig struct {
	Prompt    string `json:"prompt"`
	OutputKey string `json:"output_key,omitempty"`
}

type HTTPConfig struct {
	Method         string            `json:"method,omitempty"`
	URL            string            `json:"url"`
	Headers        map[string]string `json:"headers,omitempty"`
	Body           map[string]any    `json:"body,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
	OutputKey      string            `json:"output_key,omitempty"`
}

type BrowserConfig struct {
	URL       string `json:"url"`
	Script    string `json:"script,omitempty"`
	OutputKey string `json:"output_key,omitempty"`
}

type CodeConfig struct {
	Language  string `json:"language"`
	Source    string `json:"source"`
	OutputKey string `json:"output_key,omitempty"`
}

type HumanConfig struct {
	Title        string `json:"title"`
	Instructions string `json:"instructions,omitempty"`
	ExpireHours  int    `json:"expire_hours,omitempty"`
}

type LoopConfig struct {
	MaxIterations int `json:"max_iterations"`
}

type TransformConfig struct {
	Set  map[string]any    `json:"set,omitempty"`
	Copy map[string]string `json:"copy,omitempty"`
}

type NotificationConfig struct {
	Title    string   `json:"title"`
	Body     string   `json:"body,omitempty"`
	Channels []string `json:"channels,omitempty"`
}

// ParseGraph decodes and validates a node/edge pair. A valid graph has
// exactly one trigger node, unique node ids, known kinds with
// well-formed per-kind config, and edges that reference existing nodes.
func ParseGraph(nodesJSON, edgesJSON string) ([]Node, []Edge, error) {
	var nodes []Node
	if err := json.Unmarshal([]byte(nodesJSON), &nodes); err != nil {
		return nil, nil, fmt.Errorf("parse nodes: %w", err)
	}
	var edges []Edge
	if err := json.Unmarshal([]byte(edgesJSON), &edges); err != nil {
		return nil, nil, fmt.Errorf("parse edges: %w", err)
	}
	if err := ValidateGraph(nodes, edges); err != nil {
		return nil, nil, err
	}
	return nodes, edges, nil
}

func ValidateGraph(nodes []Node, edges []Edge) error {
	if len(nodes) == 0 {
		return fmt.Errorf("workflow has no nodes")
	}
	seen := map[string]bool{}
	triggers := 0
	for _, n := range nodes {
		if n.ID == "" {
			return fmt.Errorf("node without id")
		}
		if seen[n.ID] {
			return fmt.Errorf("duplicate node id %q", n.ID)
		}
		seen[n.ID] = true
		if !nodeKinds[n.Kind] {
			return fmt.Errorf("node %s: unknown kind %q", n.ID, n.Kind)
		}
		if n.Kind == KindTrigger {
			triggers++
		}
		if err := validateNodeConfig(n); err != nil {
			return fmt.Errorf("node %s: %w", n.ID, err)
		}
	}
	if triggers != 1 {
		return fmt.Errorf("workflow must have exactly one trigger node, got %d", triggers)
	}
	for _, e := range edges {
		if !seen[e.From] || !seen[e.To] {
			return fmt.Errorf("edge %s->%s references unknown node", e.From, e.To)
		}
		if e.Condition != "" {
			if _, _, _, err := splitCondition(e.Condition); err != nil {
				return fmt.Errorf("edge %s->%s: %w", e.From, e.To, err)
			}
		}
	}
	return nil
}

func validateNodeConfig(n Node) error {
	switch n.Kind {
	case KindAI:
		var cfg AIConfig
		if err := json.Unmarshal(orEmpty(n.Config), &cfg); err != nil {
			return err
		}
		if cfg.Prompt == "" {
			return fmt.Errorf("ai node requires prompt")
		}
	case KindHTTP:
		var cfg HTTPConfig
		if err := json.Unmarshal(orEmpty(n.Config), &cfg); err != nil {
			return err
		}
		if cfg.URL == "" {
			return fmt.Errorf("http node requires url")
		}
	case KindBrowser:
		var cfg BrowserConfig
		if err := json.Unmarshal(orEmpty(n.Config), &cfg); err != nil {
			return err
		}
		if cfg.URL == "" {
			return fmt.Errorf("browser node requires url")
		}
	case KindCode:
		var cfg CodeConfig
		if err := json.Unmarshal(orEmpty(n.Config), &cfg); err != nil {
			return err
		}
		if cfg.Source == "" {
			return fmt.Errorf("code node requires source")
		}
	case KindHuman:
		var cfg HumanConfig
		if err := json.Unmarshal(orEmpty(n.Config), &cfg); err != nil {
			return err
		}
		if cfg.Title == "" {
			return fmt.Errorf("human node requires title")
		}
	case KindLoop:
		var cfg LoopConfig
		if err := json.Unmarshal(orEmpty(n.Config), &cfg); err != nil {
			return err
		}
		if cfg.MaxIterations <= 0 {
			return fmt.Errorf("loop node requires max_iterations > 0")
		}
	case KindNotification:
		var cfg NotificationConfig
		if err := json.Unmarshal(orEmpty(n.Config), &cfg); err != nil {
			return err
		}
		if cfg.Title == "" {
			return fmt.Errorf("notification node requires title")
		}
	case KindTransform:
		var cfg TransformConfig
		if err := json.Unmarshal(orEmpty(n.Config), &cfg); err != nil {
			return err
		}
	}
	return nil
}

func orEmpty(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("{}")
	}
	return raw
}

// EvalCondition evaluates an edge condition of the form
// "key op literal" against the run context. Supported operators:
// eq, ne, gt, gte, lt, lte, contains, exists (no literal). Dotted keys
// descend into nested maps. A missing key fails every operator except
// ne and a negated exists.
func EvalCondition(cond string, runCtx map[string]any) (bool, error) {
	key, op, literal, err := splitCondition(cond)
	if err != nil {
		return false, err
	}
	val, found := lookup(runCtx, key)
	switch op {
	case "exists":
		return found, nil
	case "eq":
		return found && compare(val, literal) == 0, nil
	case "ne":
		return !found || compare(val, literal) != 0, nil
	case "gt":
		return found && compare(val, literal) > 0, nil
	case "gte":
		return found && compare(val, literal) >= 0, nil
	case "lt":
		return found && compare(val, literal) < 0, nil
	case "lte":
		return found && compare(val, literal) <= 0, nil
	case "contains":
		return found && strings.Contains(stringify(val), literal), nil
	}
	return false, fmt.Errorf("unknown operator %q", op)
}

func splitCondition(cond string) (key, op, literal string, err error) {
	parts := strings.Fields(cond)
	switch len(parts) {
	case 2:
		if parts[1] != "exists" {
			return "", "", "", fmt.Errorf("malformed condition %q", cond)
		}
		return parts[0], parts[1], "", nil
	case 3:
		return parts[0], parts[1], strings.Trim(parts[2], `"'`), nil
	default:
		// Literals with spaces: everything after the operator.
		if len(parts) > 3 {
			return parts[0], parts[1], strings.Trim(strings.Join(parts[2:], " "), `"'`), nil
		}
		return "", "", "", fmt.Errorf("malformed condition %q", cond)
	}
}

func lookup(m map[string]any, key string) (any, bool) {
	cur := any(m)
	for _, part := range strings.Split(key, ".") {
		asMap, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = asMap[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// compare orders a context value against a string literal, numerically
// when both sides parse as numbers.
func compare(val any, literal string) int {
	if vf, ok := toFloat(val); ok {
		if lf, err := strconv.ParseFloat(literal, 64); err == nil {
			switch {
			case vf < lf:
				return -1
			case vf > lf:
				return 1
			}
			return 0
		}
	}
	return strings.Compare(stringify(val), literal)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func stringify(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case bool:
		return strconv.FormatBool(s)
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	default:
		data, _ := json.Marshal(v)
		return string(data)
	}
}
