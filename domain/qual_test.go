package domain

import "testing"

func TestConjunctionMatchesScalar(t *testing.T) {
	c := Conjunction{NewScalarQual("id", OpEq, int64(2))}
	if !c.Matches(Row{"id": int64(2), "v": "b"}) {
		t.Fatalf("expected match")
	}
	if c.Matches(Row{"id": int64(3), "v": "b"}) {
		t.Fatalf("expected no match")
	}
}

func TestConjunctionMatchesMixedNumericTypes(t *testing.T) {
	c := Conjunction{NewScalarQual("id", OpGte, int64(2))}
	if !c.Matches(Row{"id": float64(2)}) {
		t.Fatalf("expected float64 row value to compare numerically against an int64 qual")
	}
}

func TestConjunctionMatchesListAny(t *testing.T) {
	c := Conjunction{NewListQual("id", ListAny, []interface{}{int64(1), int64(3)})}
	if !c.Matches(Row{"id": int64(3)}) {
		t.Fatalf("expected ANY match")
	}
	if c.Matches(Row{"id": int64(2)}) {
		t.Fatalf("expected no ANY match")
	}
}

func TestConjunctionMatchesListAll(t *testing.T) {
	c := Conjunction{NewListQual("tag", ListAll, []interface{}{"a"})}
	if !c.Matches(Row{"tag": "a"}) {
		t.Fatalf("expected ALL match on single value")
	}
}

func TestConjunctionMatchesEmptyIsVacuouslyTrue(t *testing.T) {
	var c Conjunction
	if !c.Matches(Row{"id": int64(1)}) {
		t.Fatalf("an empty conjunction matches every row")
	}
}
