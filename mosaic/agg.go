package mosaic

import (
	"fmt"
	"math"

	"github.com/edisonguo/govaluate"
)

// Aggregator resolves pixels where two tiles contribute data to the same
// output location. cur is the value already merged, next the incoming
// one; nodata pixels never reach the aggregator.
type Aggregator interface {
	Name() string
	Reduce(cur, next float64) (float64, error)
}

type firstWins struct{}

func (firstWins) Name() string { return "first" }
func (firstWins) Reduce(cur, next float64) (float64, error) {
	return cur, nil
}

type lastWins struct{}

func (lastWins) Name() string { return "last" }
func (lastWins) Reduce(cur, next float64) (float64, error) {
	return next, nil
}

// FirstWins keeps the value of the earlier tile in merge order.
func FirstWins() Aggregator { return firstWins{} }

// LastWins keeps the value of the later tile in merge order.
func LastWins() Aggregator { return lastWins{} }

type exprAggregator struct {
	src  string
	expr *govaluate.EvaluableExpression
}

// NewExprAggregator compiles a reducer expression over the variables
// "cur" and "next", e.g. "(cur + next) / 2" or "cur > next ? cur : next".
func NewExprAggregator(src string) (Aggregator, error) {
	expr, err := govaluate.NewEvaluableExpression(src)
	if err != nil {
		return nil, fmt.Errorf("mosaic: parsing reducer %q: %w", src, err)
	}
	for _, v := range expr.Vars() {
		if v != "cur" && v != "next" {
			return nil, fmt.Errorf("mosaic: reducer %q references unknown variable %s", src, v)
		}
	}
	return &exprAggregator{src: src, expr: expr}, nil
}

func (a *exprAggregator) Name() string { return a.src }

func (a *exprAggregator) Reduce(cur, next float64) (float64, error) {
	res, err := a.expr.Evaluate(map[string]interface{}{"cur": cur, "next": next})
	if err != nil {
		return math.NaN(), fmt.Errorf("mosaic: evaluating reducer %q: %w", a.src, err)
	}
	switch f := res.(type) {
	case float64:
		return f, nil
	case float32:
		return float64(f), nil
	default:
		return math.NaN(), fmt.Errorf("mosaic: reducer %q returned %T, want number", a.src, res)
	}
}
