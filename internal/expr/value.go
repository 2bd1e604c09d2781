package expr

import (
	"github.com/Netflix-Skunkworks/atlas-agent-go/internal/query"
)

// ValueExpression reduces a batch of samples to a single (tags, value)
// result: an aggregate over a filter, or a bare constant.
type ValueExpression interface {
	Expr
	Apply(pairs []TagsValuePair) TagsValuePair
	GetQuery() *query.Query
}

// ConstantExpression always evaluates to the same value regardless of
// input, with an empty tag-set. Its GetQuery is :false: a bare constant
// never identifies a subscribable filter on its own.
type ConstantExpression struct{ value float64 }

func NewConstantExpression(v float64) *ConstantExpression { return &ConstantExpression{value: v} }

func (c *ConstantExpression) Kind() Kind { return KindValue }
func (c *ConstantExpression) Apply(_ []TagsValuePair) TagsValuePair {
	return TagsValuePair{Value: c.value}
}
func (c *ConstantExpression) GetQuery() *query.Query { return query.False() }
