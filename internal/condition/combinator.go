package condition

import (
	"errors"
	"fmt"
	"strings"

	"marketwatch/internal/domain"
)

// ChildResult is one resolved child outcome handed to a combinator.
// Params: child condition id, missing flag, and the child result when present.
// Returns: audit-friendly input for Combine.
type ChildResult struct {
	ID      string
	Missing bool
	Result  domain.ConditionResult
}

// Composite is a condition whose outcome depends on other registered conditions.
// Params: child ids resolved by the engine against the shared registry.
// Returns: combinator contract; Evaluate is never called directly on composites.
type Composite interface {
	Condition
	ChildIDs() []string
	Combine(children []ChildResult) domain.ConditionResult
}

// And is satisfied when every referenced child is present and satisfied.
// Params: two or more child condition ids.
// Returns: all-of combinator registered as a first-class condition.
type And struct {
	name        string
	description string
	children    []string
}

// NewAnd builds an all-of combinator.
// Params: name, description, and child condition ids.
// Returns: combinator or configuration error.
func NewAnd(name, description string, childIDs []string) (*And, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("and condition name is required")
	}
	if len(childIDs) < 2 {
		return nil, errors.New("and condition requires at least two children")
	}
	return &And{name: name, description: description, children: append([]string(nil), childIDs...)}, nil
}

// Name returns the condition name.
// Params: none.
// Returns: configured name.
func (c *And) Name() string { return c.name }

// Description returns the condition description.
// Params: none.
// Returns: configured description.
func (c *And) Description() string { return c.description }

// Type returns the condition type tag.
// Params: none.
// Returns: and type constant.
func (c *And) Type() domain.ConditionType { return domain.ConditionTypeAnd }

// ChildIDs returns the referenced child condition ids.
// Params: none.
// Returns: copy of the child id list.
func (c *And) ChildIDs() []string { return append([]string(nil), c.children...) }

// Evaluate is unreachable for composites; the engine resolves children first.
// Params: market snapshot.
// Returns: unsatisfied placeholder result.
func (c *And) Evaluate(domain.MarketData) domain.ConditionResult {
	return domain.Unsatisfied("composite condition requires engine child resolution")
}

// Combine requires every child to be present and satisfied.
// Params: resolved child outcomes in declaration order.
// Returns: conjunction result with per-child audit detail.
func (c *And) Combine(children []ChildResult) domain.ConditionResult {
	satisfied := len(children) > 0
	satisfiedCount := 0
	for _, child := range children {
		if child.Missing {
			return domain.Unsatisfied("child %s missing from registry", child.ID)
		}
		if child.Result.Satisfied {
			satisfiedCount++
		} else {
			satisfied = false
		}
	}
	return domain.ConditionResult{
		Satisfied: satisfied,
		Value:     fmt.Sprintf("%d/%d", satisfiedCount, len(children)),
		Details:   fmt.Sprintf("and: %d/%d children satisfied", satisfiedCount, len(children)),
	}
}

// Or is satisfied when any referenced child is present and satisfied.
// Params: two or more child condition ids.
// Returns: any-of combinator registered as a first-class condition.
type Or struct {
	name        string
	description string
	children    []string
}

// NewOr builds an any-of combinator.
// Params: name, description, and child condition ids.
// Returns: combinator or configuration error.
func NewOr(name, description string, childIDs []string) (*Or, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("or condition name is required")
	}
	if len(childIDs) < 2 {
		return nil, errors.New("or condition requires at least two children")
	}
	return &Or{name: name, description: description, children: append([]string(nil), childIDs...)}, nil
}

// Name returns the condition name.
// Params: none.
// Returns: configured name.
func (c *Or) Name() string { return c.name }

// Description returns the condition description.
// Params: none.
// Returns: configured description.
func (c *Or) Description() string { return c.description }

// Type returns the condition type tag.
// Params: none.
// Returns: or type constant.
func (c *Or) Type() domain.ConditionType { return domain.ConditionTypeOr }

// ChildIDs returns the referenced child condition ids.
// Params: none.
// Returns: copy of the child id list.
func (c *Or) ChildIDs() []string { return append([]string(nil), c.children...) }

// Evaluate is unreachable for composites; the engine resolves children first.
// Params: market snapshot.
// Returns: unsatisfied placeholder result.
func (c *Or) Evaluate(domain.MarketData) domain.ConditionResult {
	return domain.Unsatisfied("composite condition requires engine child resolution")
}

// Combine succeeds when at least one present child is satisfied.
// Params: resolved child outcomes in declaration order.
// Returns: disjunction result; missing children count as unsatisfied.
func (c *Or) Combine(children []ChildResult) domain.ConditionResult {
	satisfiedCount := 0
	missingCount := 0
	for _, child := range children {
		if child.Missing {
			missingCount++
			continue
		}
		if child.Result.Satisfied {
			satisfiedCount++
		}
	}
	details := fmt.Sprintf("or: %d/%d children satisfied", satisfiedCount, len(children))
	if missingCount > 0 {
		details = fmt.Sprintf("%s (%d missing)", details, missingCount)
	}
	return domain.ConditionResult{
		Satisfied: satisfiedCount > 0,
		Value:     fmt.Sprintf("%d/%d", satisfiedCount, len(children)),
		Details:   details,
	}
}

// Not negates one referenced child condition.
// Params: single child condition id.
// Returns: negating combinator registered as a first-class condition.
type Not struct {
	name        string
	description string
	child       string
}

// NewNot builds a negating combinator.
// Params: name, description, and child condition id.
// Returns: combinator or configuration error.
func NewNot(name, description, childID string) (*Not, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("not condition name is required")
	}
	if strings.TrimSpace(childID) == "" {
		return nil, errors.New("not condition requires a child id")
	}
	return &Not{name: name, description: description, child: childID}, nil
}

// Name returns the condition name.
// Params: none.
// Returns: configured name.
func (c *Not) Name() string { return c.name }

// Description returns the condition description.
// Params: none.
// Returns: configured description.
func (c *Not) Description() string { return c.description }

// Type returns the condition type tag.
// Params: none.
// Returns: not type constant.
func (c *Not) Type() domain.ConditionType { return domain.ConditionTypeNot }

// ChildIDs returns the single referenced child id.
// Params: none.
// Returns: one-element id list.
func (c *Not) ChildIDs() []string { return []string{c.child} }

// Evaluate is unreachable for composites; the engine resolves children first.
// Params: market snapshot.
// Returns: unsatisfied placeholder result.
func (c *Not) Evaluate(domain.MarketData) domain.ConditionResult {
	return domain.Unsatisfied("composite condition requires engine child resolution")
}

// Combine negates the single child outcome.
// Params: resolved child outcomes (exactly one expected).
// Returns: negated result; a missing child stays unsatisfied.
func (c *Not) Combine(children []ChildResult) domain.ConditionResult {
	if len(children) != 1 {
		return domain.Unsatisfied("not condition expects exactly one child, got %d", len(children))
	}
	child := children[0]
	if child.Missing {
		return domain.Unsatisfied("child %s missing from registry", child.ID)
	}
	return domain.ConditionResult{
		Satisfied: !child.Result.Satisfied,
		Value:     fmt.Sprintf("%t", !child.Result.Satisfied),
		Details:   fmt.Sprintf("not: child satisfied=%t", child.Result.Satisfied),
	}
}
