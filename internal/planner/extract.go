package planner

import (
	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"

	"github.com/cascadehq/cascade/pkg/schema"
)

// comparisonOps maps expression operators to index-usable conditions.
var comparisonOps = map[string]Operator{
	"==": OpEq,
	"<":  OpLt,
	"<=": OpLte,
	">":  OpGt,
	">=": OpGte,
}

// flippedOps mirrors comparisonOps for literal-on-the-left comparisons
// (5 < amount is amount > 5).
var flippedOps = map[Operator]Operator{
	OpEq:  OpEq,
	OpLt:  OpGt,
	OpLte: OpGte,
	OpGt:  OpLt,
	OpGte: OpLte,
}

// ExtractConditions parses a filter expression and collects the top-level
// AND-combined field comparisons usable for index selection. Anything
// else (OR branches, negations, function calls, field-to-field
// comparisons) is returned as post-filter fragments, preserving
// correctness: narrowing what the index sees never changes which rows
// survive the post-filter.
func ExtractConditions(expression string) ([]Condition, []string, error) {
	if expression == "" {
		return nil, nil, nil
	}

	tree, err := parser.Parse(expression)
	if err != nil {
		return nil, nil, schema.NewErrorf(schema.ErrCodeValidation,
			"cannot parse filter expression %q: %s", expression, err.Error()).WithCause(err)
	}

	var (
		conditions []Condition
		postFilter []string
	)
	collectConjuncts(tree.Node, &conditions, &postFilter)
	return conditions, postFilter, nil
}

// collectConjuncts walks the AND spine of the expression. Each conjunct
// either reduces to a Condition or is kept verbatim as a post-filter.
func collectConjuncts(node ast.Node, conditions *[]Condition, postFilter *[]string) {
	if bin, ok := node.(*ast.BinaryNode); ok && (bin.Operator == "&&" || bin.Operator == "and") {
		collectConjuncts(bin.Left, conditions, postFilter)
		collectConjuncts(bin.Right, conditions, postFilter)
		return
	}

	if cond, ok := asCondition(node); ok {
		*conditions = append(*conditions, cond)
		return
	}

	*postFilter = append(*postFilter, node.String())
}

// asCondition reduces a comparison node to field <op> literal, handling
// the literal appearing on either side.
func asCondition(node ast.Node) (Condition, bool) {
	bin, ok := node.(*ast.BinaryNode)
	if !ok {
		return Condition{}, false
	}
	op, ok := comparisonOps[bin.Operator]
	if !ok {
		return Condition{}, false
	}

	if field, ok := fieldPath(bin.Left); ok {
		if value, ok := literalValue(bin.Right); ok {
			return Condition{Field: field, Operator: op, Value: value}, true
		}
	}
	if field, ok := fieldPath(bin.Right); ok {
		if value, ok := literalValue(bin.Left); ok {
			return Condition{Field: field, Operator: flippedOps[op], Value: value}, true
		}
	}
	return Condition{}, false
}

// fieldPath renders an identifier or member chain as a dotted field name.
func fieldPath(node ast.Node) (string, bool) {
	switch n := node.(type) {
	case *ast.IdentifierNode:
		return n.Value, true
	case *ast.MemberNode:
		base, ok := fieldPath(n.Node)
		if !ok {
			return "", false
		}
		prop, ok := n.Property.(*ast.StringNode)
		if !ok {
			return "", false
		}
		return base + "." + prop.Value, true
	}
	return "", false
}

// literalValue extracts a constant from a literal node. Non-literal
// operands (references to other fields or scope values) disqualify the
// comparison from index use.
func literalValue(node ast.Node) (any, bool) {
	switch n := node.(type) {
	case *ast.StringNode:
		return n.Value, true
	case *ast.IntegerNode:
		return n.Value, true
	case *ast.FloatNode:
		return n.Value, true
	case *ast.BoolNode:
		return n.Value, true
	case *ast.NilNode:
		return nil, true
	case *ast.UnaryNode:
		if n.Operator != "-" {
			return nil, false
		}
		switch operand := n.Node.(type) {
		case *ast.IntegerNode:
			return -operand.Value, true
		case *ast.FloatNode:
			return -operand.Value, true
		}
	}
	return nil, false
}
