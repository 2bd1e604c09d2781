package expr

import (
	"math"

	"github.com/Netflix-Skunkworks/atlas-agent-go/internal/query"
)

// Aggregate names one of the five fold functions :count/:sum/:min/:max/:avg
// can drive.
type Aggregate int

const (
	AggCount Aggregate = iota
	AggSum
	AggMax
	AggMin
	AggAvg
)

// AggregateExpression folds every sample whose tags match filter (skipping
// NaN values) into a single number, tagged with the tag/value pairs the
// filter pins down exactly (e.g. an :eq clause contributes its key/value;
// an :and of two :eq clauses contributes both).
type AggregateExpression struct {
	agg    Aggregate
	filter *query.Query
}

func NewAggregateExpression(agg Aggregate, filter *query.Query) *AggregateExpression {
	return &AggregateExpression{agg: agg, filter: filter}
}

func Count(filter *query.Query) *AggregateExpression { return NewAggregateExpression(AggCount, filter) }
func Sum(filter *query.Query) *AggregateExpression   { return NewAggregateExpression(AggSum, filter) }
func Min(filter *query.Query) *AggregateExpression   { return NewAggregateExpression(AggMin, filter) }
func Max(filter *query.Query) *AggregateExpression   { return NewAggregateExpression(AggMax, filter) }
func Avg(filter *query.Query) *AggregateExpression   { return NewAggregateExpression(AggAvg, filter) }

func (a *AggregateExpression) Kind() Kind             { return KindValue }
func (a *AggregateExpression) GetQuery() *query.Query { return a.filter }

func (a *AggregateExpression) Apply(pairs []TagsValuePair) TagsValuePair {
	var v float64
	switch a.agg {
	case AggSum:
		v = sumFold(a.filter, pairs)
	case AggCount:
		v = countFold(a.filter, pairs)
	case AggAvg:
		v = avgFold(a.filter, pairs)
	case AggMin:
		v = minFold(a.filter, pairs)
	case AggMax:
		v = maxFold(a.filter, pairs)
	default:
		v = math.NaN()
	}
	return TagsValuePair{Tags: cloneTagsWith(nil, a.filter.Tags()), Value: v}
}

func sumFold(filter *query.Query, pairs []TagsValuePair) float64 {
	total := math.NaN()
	for _, p := range pairs {
		if math.IsNaN(p.Value) || !filter.Matches(p.Tags) {
			continue
		}
		if math.IsNaN(total) {
			total = p.Value
		} else {
			total += p.Value
		}
	}
	return total
}

func countFold(filter *query.Query, pairs []TagsValuePair) float64 {
	n := 0
	for _, p := range pairs {
		if !math.IsNaN(p.Value) && filter.Matches(p.Tags) {
			n++
		}
	}
	return float64(n)
}

func avgFold(filter *query.Query, pairs []TagsValuePair) float64 {
	total := math.NaN()
	n := 0
	for _, p := range pairs {
		if math.IsNaN(p.Value) || !filter.Matches(p.Tags) {
			continue
		}
		n++
		if math.IsNaN(total) {
			total = p.Value
		} else {
			total += p.Value
		}
	}
	if n == 0 {
		return math.NaN()
	}
	return total / float64(n)
}

func minFold(filter *query.Query, pairs []TagsValuePair) float64 {
	mn := math.MaxFloat64
	for _, p := range pairs {
		if !math.IsNaN(p.Value) && filter.Matches(p.Tags) && p.Value < mn {
			mn = p.Value
		}
	}
	if mn == math.MaxFloat64 {
		return math.NaN()
	}
	return mn
}

func maxFold(filter *query.Query, pairs []TagsValuePair) float64 {
	mx := -math.MaxFloat64
	for _, p := range pairs {
		if !math.IsNaN(p.Value) && filter.Matches(p.Tags) && p.Value > mx {
			mx = p.Value
		}
	}
	if mx == -math.MaxFloat64 {
		return math.NaN()
	}
	return mx
}
