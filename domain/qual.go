package domain

import (
	"fmt"
)

// QualOperator is a comparison operator usable in a Qual.
type QualOperator string

const (
	OpEq  QualOperator = "="
	OpNeq QualOperator = "!="
	OpLt  QualOperator = "<"
	OpLte QualOperator = "<="
	OpGt  QualOperator = ">"
	OpGte QualOperator = ">="
)

// QualListMode selects whether a List qual is satisfied by any or all of
// its values.
type QualListMode string

const (
	ListAny QualListMode = "ANY"
	ListAll QualListMode = "ALL"
)

// QualKind tags which variant of Qual is populated, grounded on the
// teacher's domain.Filter{Field, Operator, Value, LogicOp, SubFilters}
// tree, flattened here to the two leaf shapes the layered query engine
// needs: a single-value comparison, or a comparison against a list.
type QualKind int

const (
	QualScalar QualKind = iota
	QualList
)

// Qual is one leaf predicate in an AND-only conjunction, matching the
// tagged-variant Design Note in spec.md §9. A predicate tree with OR or
// NOT is rejected upstream (outside this engine's contract); only the
// conjunction of Quals reaches the layered query engine.
type Qual struct {
	Kind QualKind

	// Populated when Kind == QualScalar.
	Field    string
	Operator QualOperator
	Value    interface{}

	// Populated when Kind == QualList.
	ListField  string
	ListMode   QualListMode
	ListValues []interface{}
}

// NewScalarQual builds a single-value comparison Qual.
func NewScalarQual(field string, op QualOperator, value interface{}) Qual {
	return Qual{Kind: QualScalar, Field: field, Operator: op, Value: value}
}

// NewListQual builds a Qual that compares a field against a set of values.
func NewListQual(field string, mode QualListMode, values []interface{}) Qual {
	return Qual{Kind: QualList, ListField: field, ListMode: mode, ListValues: values}
}

// FieldName returns the column this Qual constrains, regardless of kind.
func (q Qual) FieldName() string {
	if q.Kind == QualList {
		return q.ListField
	}
	return q.Field
}

// Conjunction is an AND-only list of Quals — the predicate shape the
// layered query engine's Steps A-E consume (spec.md §4.6).
type Conjunction []Qual

// PKOnly reports whether every Qual in the conjunction constrains only
// primary-key columns, which lets the layered query engine skip Step A: an
// UPDATE never changes a row's primary key, so it cannot change whether
// such a predicate holds.
func (c Conjunction) PKOnly(pkColumns map[string]bool) bool {
	for _, q := range c {
		if !pkColumns[q.FieldName()] {
			return false
		}
	}
	return true
}

// Matches reports whether a row satisfies every Qual in the conjunction,
// for in-memory evaluation against rows that were not pushed down into a
// real SQL WHERE clause (e.g. a content-addressed snapshot read straight
// out of the object store rather than a live table).
func (c Conjunction) Matches(row Row) bool {
	for _, q := range c {
		if !q.matches(row) {
			return false
		}
	}
	return true
}

func (q Qual) matches(row Row) bool {
	if q.Kind == QualList {
		for _, v := range q.ListValues {
			ok := compare(row[q.ListField], OpEq, v)
			if q.ListMode == ListAny && ok {
				return true
			}
			if q.ListMode == ListAll && !ok {
				return false
			}
		}
		return q.ListMode == ListAll
	}
	return compare(row[q.Field], q.Operator, q.Value)
}

// compare implements the handful of operators a Qual can carry. When both
// sides are numeric (int, int32, int64, float32, float64) they compare as
// float64, so mixed driver-returned numeric types still compare sensibly;
// otherwise both sides are rendered with %v and compared as strings.
func compare(actual interface{}, op QualOperator, want interface{}) bool {
	af, aok := toFloat(actual)
	wf, wok := toFloat(want)
	if aok && wok {
		switch op {
		case OpEq:
			return af == wf
		case OpNeq:
			return af != wf
		case OpLt:
			return af < wf
		case OpLte:
			return af <= wf
		case OpGt:
			return af > wf
		case OpGte:
			return af >= wf
		}
	}

	as, ws := fmt.Sprintf("%v", actual), fmt.Sprintf("%v", want)
	switch op {
	case OpEq:
		return as == ws
	case OpNeq:
		return as != ws
	case OpLt:
		return as < ws
	case OpLte:
		return as <= ws
	case OpGt:
		return as > ws
	case OpGte:
		return as >= ws
	default:
		return false
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// Fields returns the distinct column names referenced by the conjunction.
func (c Conjunction) Fields() []string {
	seen := make(map[string]bool, len(c))
	out := make([]string, 0, len(c))
	for _, q := range c {
		f := q.FieldName()
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	return out
}
