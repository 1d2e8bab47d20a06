// Copyright 2026 © The Codeagent Authors
// SPDX-License-Identifier: Apache-2.0

package permission

import (
	"strconv"
	"strings"
)

// Rule is a static policy entry from configuration. Rules are evaluated in
// order before any grant and the first match wins.
type Rule struct {
	ID        string
	Pattern   string
	Operation Operation
	// Effect is allow, deny or ask.
	Effect Decision
	Reason string
}

// RuleSet evaluates rules in order.
type RuleSet struct {
	Rules []Rule
}

// NewRuleSet normalises rules into a RuleSet. Unknown effects are treated as
// ask.
func NewRuleSet(rules []Rule) *RuleSet {
	out := make([]Rule, 0, len(rules))
	for i, r := range rules {
		if strings.TrimSpace(r.ID) == "" {
			r.ID = "rule-" + strconv.Itoa(i+1)
		}
		if r.Operation == "" {
			r.Operation = OpAny
		}
		switch Decision(strings.ToLower(string(r.Effect))) {
		case Allow:
			r.Effect = Allow
		case Deny:
			r.Effect = Deny
		default:
			r.Effect = Ask
		}
		out = append(out, r)
	}
	return &RuleSet{Rules: out}
}

// Evaluate returns the first matching rule.
func (r *RuleSet) Evaluate(resource string, op Operation) (Rule, bool) {
	if r == nil {
		return Rule{}, false
	}
	for _, rule := range r.Rules {
		if !opMatches(rule.Operation, op) {
			continue
		}
		if rule.Pattern != "" && !matches(rule.Pattern, resource) {
			continue
		}
		return rule, true
	}
	return Rule{}, false
}
