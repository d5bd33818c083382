package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/rego"
)

// Rule is the quota for one route class and caller kind.
type Rule struct {
	Limit  int
	Window time.Duration
}

// Policy evaluates the rate-limit rego module.
type Policy struct {
	query rego.PreparedEvalQuery

	mu    sync.RWMutex
	rules map[string]Rule
}

// NewPolicy creates a policy from the given module content.
func NewPolicy(ctx context.Context, module string) (*Policy, error) {
	r := rego.New(
		rego.Query("data.ratelimit.decision"),
		rego.Module("ratelimit.rego", module),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Policy{query: query, rules: make(map[string]Rule)}, nil
}

// Rule returns the quota for class. Results are memoized per input since
// the module does not change after preparation.
func (p *Policy) Rule(ctx context.Context, class RouteClass, authenticated bool) (Rule, error) {
	memo := fmt.Sprintf("%s|%t", class, authenticated)
	p.mu.RLock()
	rule, ok := p.rules[memo]
	p.mu.RUnlock()
	if ok {
		return rule, nil
	}

	input := map[string]interface{}{
		"route_class":   string(class),
		"authenticated": authenticated,
	}
	results, err := p.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return Rule{}, fmt.Errorf("failed to evaluate policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Rule{}, fmt.Errorf("policy produced no decision for %s", class)
	}

	obj, ok := results[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return Rule{}, fmt.Errorf("policy decision has unexpected type %T", results[0].Expressions[0].Value)
	}
	limit, err := toInt(obj["limit"])
	if err != nil {
		return Rule{}, fmt.Errorf("policy limit: %w", err)
	}
	seconds, err := toInt(obj["window_seconds"])
	if err != nil {
		return Rule{}, fmt.Errorf("policy window_seconds: %w", err)
	}
	if limit <= 0 || seconds <= 0 {
		return Rule{}, fmt.Errorf("policy decision for %s must be positive", class)
	}

	rule = Rule{Limit: limit, Window: time.Duration(seconds) * time.Second}
	p.mu.Lock()
	p.rules[memo] = rule
	p.mu.Unlock()
	return rule, nil
}

func toInt(v interface{}) (int, error) {
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		return int(i), err
	case float64:
		return int(n), nil
	case int:
		return n, nil
	case int64:
		return int(n), nil
	}
	return 0, fmt.Errorf("not a number: %T", v)
}

// DefaultPolicy is the default rate-limit policy content.
const DefaultPolicy = `
package ratelimit

default decision = {"limit": 30, "window_seconds": 60}

decision = {"limit": 20, "window_seconds": 60} {
	input.route_class == "chat"
	input.authenticated
}

decision = {"limit": 5, "window_seconds": 60} {
	input.route_class == "chat"
	not input.authenticated
}

decision = {"limit": 60, "window_seconds": 60} {
	input.route_class == "catalog"
}

decision = {"limit": 30, "window_seconds": 60} {
	input.route_class == "search"
}
`
