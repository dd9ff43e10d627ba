package planner

import "fmt"

// Operator is a comparison usable for index selection.
type Operator string

const (
	OpEq  Operator = "eq"
	OpLt  Operator = "lt"
	OpLte Operator = "lte"
	OpGt  Operator = "gt"
	OpGte Operator = "gte"
)

// Range reports whether the operator is a range comparison.
func (o Operator) Range() bool {
	switch o {
	case OpLt, OpLte, OpGt, OpGte:
		return true
	}
	return false
}

// Condition is a single field comparison extracted from a filter
// expression: field <op> literal.
type Condition struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value"`
}

func (c Condition) String() string {
	return fmt.Sprintf("%s %s %v", c.Field, c.Operator, c.Value)
}

// IndexSpec describes one persisted index as an ordered field list. The
// set of available indexes per entity table is supplied by the embedding
// application at construction time.
type IndexSpec struct {
	Name   string   `json:"name"`
	Fields []string `json:"fields"`
}

// Plan is the outcome of index selection for one query.
type Plan struct {
	// Index is the chosen index; nil means a full scan.
	Index *IndexSpec `json:"index,omitempty"`
	// Score is the prefix-match score the chosen index won with.
	Score float64 `json:"score"`
	// KeyConditions are the predicates the index consumes.
	KeyConditions []Condition `json:"key_conditions,omitempty"`
	// Residual are the extracted predicates the index does not cover;
	// the caller applies them as in-memory post-filters.
	Residual []Condition `json:"residual,omitempty"`
	// PostFilter holds expression fragments that could not be reduced to
	// field comparisons (OR branches, function calls). They are evaluated
	// against each candidate row after the indexed read.
	PostFilter []string `json:"post_filter,omitempty"`
}

// FullScan reports whether the plan has no usable index.
func (p *Plan) FullScan() bool {
	return p.Index == nil
}
