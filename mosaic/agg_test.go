package mosaic

import (
	"testing"
)

func TestBuiltinAggregators(t *testing.T) {
	if got, _ := FirstWins().Reduce(1, 2); got != 1 {
		t.Errorf("first wins = %v, want 1", got)
	}
	if got, _ := LastWins().Reduce(1, 2); got != 2 {
		t.Errorf("last wins = %v, want 2", got)
	}
}

func TestExprAggregator(t *testing.T) {
	agg, err := NewExprAggregator("(cur + next) / 2")
	if err != nil {
		t.Fatalf("compiling reducer: %v", err)
	}
	got, err := agg.Reduce(2, 4)
	if err != nil {
		t.Fatalf("reduce: %v", err)
	}
	if got != 3 {
		t.Errorf("mean reducer = %v, want 3", got)
	}

	max, err := NewExprAggregator("cur > next ? cur : next")
	if err != nil {
		t.Fatalf("compiling ternary reducer: %v", err)
	}
	if got, _ := max.Reduce(7, 5); got != 7 {
		t.Errorf("max reducer = %v, want 7", got)
	}
}

func TestExprAggregatorRejectsUnknownVars(t *testing.T) {
	if _, err := NewExprAggregator("cur + elevation"); err == nil {
		t.Errorf("unknown reducer variable must be rejected")
	}
	if _, err := NewExprAggregator("cur +"); err == nil {
		t.Errorf("malformed reducer must be rejected")
	}
}
