package routing

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricEvaluate = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "outq_routing_evaluate_total",
		Help: "Route evaluations, by selected route. Route is empty for configuration errors.",
	},
	[]string{"route"},
)

// ConfigError is returned for invalid routing configuration, when creating a
// policy or when no route can be selected during evaluation. Recipients for
// which evaluation fails are held, not failed.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return "routing configuration error: " + e.Reason
}

// Rule selects Route if Cond matches. A nil Cond always matches.
type Rule struct {
	Cond  Cond
	Route string
}

// Policy is a validated, immutable list of rules with the table their routes
// refer to. Safe for concurrent use.
type Policy struct {
	rules []Rule
	table Table
}

// NewPolicy validates rules against table. There must be at least one rule,
// the last rule must match unconditionally, and each rule must refer to an
// existing route.
func NewPolicy(rules []Rule, table Table) (*Policy, error) {
	if len(rules) == 0 {
		return nil, &ConfigError{Reason: "no routing rules"}
	}
	p := &Policy{table: table}
	for i, r := range rules {
		if _, ok := table[r.Route]; !ok {
			return nil, &ConfigError{Reason: fmt.Sprintf("rule %d: unknown route %q", i, r.Route)}
		}
		if r.Cond != nil {
			c, err := validate(r.Cond)
			if err != nil {
				return nil, &ConfigError{Reason: fmt.Sprintf("rule %d: %v", i, err)}
			}
			r.Cond = c
		}
		p.rules = append(p.rules, r)
	}
	if last := rules[len(rules)-1]; !unconditional(last.Cond) {
		return nil, &ConfigError{Reason: fmt.Sprintf("last rule (route %q) must match unconditionally", last.Route)}
	}
	return p, nil
}

// Evaluate returns the route of the first rule that matches c. The result
// depends only on c and the policy.
func (p *Policy) Evaluate(c Context) (Route, error) {
	if p == nil {
		metricEvaluate.WithLabelValues("").Inc()
		return Route{}, &ConfigError{Reason: "no routing policy"}
	}
	for _, r := range p.rules {
		if r.Cond == nil || r.Cond.Match(c) {
			metricEvaluate.WithLabelValues(r.Route).Inc()
			return p.table[r.Route], nil
		}
	}
	metricEvaluate.WithLabelValues("").Inc()
	return Route{}, &ConfigError{Reason: "no rule matched"}
}

// Route returns the route by name from the policy's table.
func (p *Policy) Route(name string) (Route, bool) {
	r, ok := p.table[name]
	return r, ok
}

// Routes returns the table of the policy. It must not be modified.
func (p *Policy) Routes() Table {
	return p.table
}
