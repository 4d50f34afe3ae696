package compliance

import (
	"sort"
	"strings"
)

// RuleSet maps jurisdiction -> role -> action -> allowed. The table is static
// configuration; the evaluator never mutates it.
type RuleSet map[string]map[string]map[string]bool

// Evaluator answers permission questions over a rule set. Lookups are
// fail-closed: a jurisdiction, role or action absent from the table is a
// deny, and a nil rule set denies everything. Permission checks return
// booleans, never errors, so callers cannot crash on them.
type Evaluator struct {
	Rules RuleSet
}

func New(rules RuleSet) Evaluator {
	return Evaluator{Rules: rules}
}

// CanPerform reports whether role may perform action in jurisdiction.
// Jurisdictions are compared lower-cased.
func (e Evaluator) CanPerform(action, role, jurisdiction string) bool {
	if e.Rules == nil || action == "" || role == "" || jurisdiction == "" {
		return false
	}
	roles, ok := e.Rules[strings.ToLower(jurisdiction)]
	if !ok {
		return false
	}
	actions, ok := roles[role]
	if !ok {
		return false
	}
	return actions[action]
}

// PermittedActions returns the sorted action names mapped to true for the
// (role, jurisdiction) pair. Lookup failures yield an empty set.
func (e Evaluator) PermittedActions(role, jurisdiction string) []string {
	if e.Rules == nil || role == "" || jurisdiction == "" {
		return []string{}
	}
	roles, ok := e.Rules[strings.ToLower(jurisdiction)]
	if !ok {
		return []string{}
	}
	actions, ok := roles[role]
	if !ok {
		return []string{}
	}
	permitted := make([]string, 0, len(actions))
	for action, allowed := range actions {
		if allowed {
			permitted = append(permitted, action)
		}
	}
	sort.Strings(permitted)
	return permitted
}
