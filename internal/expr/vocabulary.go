package expr

import (
	"fmt"
	"strconv"

	"github.com/Netflix-Skunkworks/atlas-agent-go/internal/query"
)

// Word is one entry of the vocabulary: it consumes its operands from the
// context and pushes its result, or returns an error describing what
// went wrong (evaluation then stops for that expression).
type Word func(c *Context) error

// Vocabulary maps a ":word" token (without its leading colon) to its
// implementation.
type Vocabulary map[string]Word

func relopWord(op query.RelOp) Word {
	return func(c *Context) error {
		v, err := c.PopString()
		if err != nil {
			return err
		}
		k, err := c.PopString()
		if err != nil {
			return err
		}
		var q *query.Query
		switch op {
		case query.RelEQ:
			q = query.Eq(k, v)
		case query.RelLT:
			q = query.Lt(k, v)
		case query.RelLE:
			q = query.Le(k, v)
		case query.RelGT:
			q = query.Gt(k, v)
		case query.RelGE:
			q = query.Ge(k, v)
		}
		c.Push(&QueryExpr{Q: q})
		return nil
	}
}

func regexWord(ignoreCase bool) Word {
	return func(c *Context) error {
		v, err := c.PopString()
		if err != nil {
			return err
		}
		k, err := c.PopString()
		if err != nil {
			return err
		}
		var q *query.Query
		if ignoreCase {
			q = query.RegexIgnoreCase(k, v)
		} else {
			q = query.Regex(k, v)
		}
		c.Push(&QueryExpr{Q: q})
		return nil
	}
}

func popQuery(c *Context) (*query.Query, error) {
	e, err := c.PopExpression()
	if err != nil {
		return nil, err
	}
	qe, ok := e.(*QueryExpr)
	if !ok {
		return nil, fmt.Errorf("expecting a query on the stack")
	}
	return qe.Q, nil
}

func aggregateWord(build func(*query.Query) *AggregateExpression, name string) Word {
	return func(c *Context) error {
		q, err := popQuery(c)
		if err != nil {
			return fmt.Errorf(":%s was expecting a query on the stack: %w", name, err)
		}
		c.Push(build(q))
		return nil
	}
}

// valueExprFrom coerces a stack element into a ValueExpression: a numeric
// literal becomes a constant, a bare query becomes an implicit :sum, and
// an existing ValueExpression passes through unchanged.
func valueExprFrom(e Expr) (ValueExpression, error) {
	switch v := e.(type) {
	case *Literal:
		n, err := strconv.ParseFloat(v.AsString(), 64)
		if err != nil {
			return nil, fmt.Errorf("expecting a numeric literal, got %q", v.AsString())
		}
		return NewConstantExpression(n), nil
	case *QueryExpr:
		return Sum(v.Q), nil
	case ValueExpression:
		return v, nil
	default:
		return nil, fmt.Errorf("expecting a value expression, query, or constant")
	}
}

func groupByOrKeepDropWord(groupBy bool, keep bool) Word {
	return func(c *Context) error {
		keysExpr, err := c.PopExpression()
		if err != nil {
			return err
		}
		list, ok := keysExpr.(*List)
		if !ok {
			return fmt.Errorf(":by/:keep-tags/:drop-tags expects a list on the stack")
		}
		exprOperand, err := c.PopExpression()
		if err != nil {
			return err
		}
		ve, err := valueExprFrom(exprOperand)
		if err != nil {
			return fmt.Errorf("expecting a list and a data expression or query on the stack: %w", err)
		}
		if groupBy {
			c.Push(NewGroupBy(list.Strings(), ve))
		} else {
			c.Push(NewKeepOrDropTags(list.Strings(), ve, keep))
		}
		return nil
	}
}

// NewClientVocabulary returns the vocabulary exposed to subscription and
// introspection expressions, matching ClientVocabulary from the original
// implementation word-for-word.
func NewClientVocabulary() Vocabulary {
	v := Vocabulary{}
	v["has"] = func(c *Context) error {
		k, err := c.PopString()
		if err != nil {
			return err
		}
		c.Push(&QueryExpr{Q: query.HasKey(k)})
		return nil
	}
	v["eq"] = relopWord(query.RelEQ)
	v["gt"] = relopWord(query.RelGT)
	v["ge"] = relopWord(query.RelGE)
	v["lt"] = relopWord(query.RelLT)
	v["le"] = relopWord(query.RelLE)
	v["in"] = func(c *Context) error {
		listExpr, err := c.PopExpression()
		if err != nil {
			return err
		}
		list, ok := listExpr.(*List)
		if !ok {
			return fmt.Errorf(":in expects a list on the stack")
		}
		k, err := c.PopString()
		if err != nil {
			return err
		}
		c.Push(&QueryExpr{Q: query.In(k, list.Strings())})
		return nil
	}
	v["re"] = regexWord(false)
	v["reic"] = regexWord(true)
	v["not"] = func(c *Context) error {
		e, err := c.PopExpression()
		if err != nil {
			return err
		}
		qe, ok := e.(*QueryExpr)
		if !ok {
			return fmt.Errorf(":not expects a query expression on the stack")
		}
		c.Push(&QueryExpr{Q: query.Not(qe.Q)})
		return nil
	}
	v["and"] = func(c *Context) error {
		e2, err := c.PopExpression()
		if err != nil {
			return err
		}
		e1, err := c.PopExpression()
		if err != nil {
			return err
		}
		q1, ok1 := e1.(*QueryExpr)
		q2, ok2 := e2.(*QueryExpr)
		if !ok1 || !ok2 {
			return fmt.Errorf(":and expects two queries on the stack")
		}
		c.Push(&QueryExpr{Q: query.And(q1.Q, q2.Q)})
		return nil
	}
	v["or"] = func(c *Context) error {
		e2, err := c.PopExpression()
		if err != nil {
			return err
		}
		e1, err := c.PopExpression()
		if err != nil {
			return err
		}
		q1, ok1 := e1.(*QueryExpr)
		q2, ok2 := e2.(*QueryExpr)
		if !ok1 || !ok2 {
			return fmt.Errorf(":or expects two queries on the stack")
		}
		c.Push(&QueryExpr{Q: query.Or(q1.Q, q2.Q)})
		return nil
	}
	v["false"] = func(c *Context) error { c.Push(&QueryExpr{Q: query.False()}); return nil }
	v["true"] = func(c *Context) error { c.Push(&QueryExpr{Q: query.True()}); return nil }

	v["count"] = aggregateWord(Count, "count")
	v["sum"] = aggregateWord(Sum, "sum")
	v["min"] = aggregateWord(Min, "min")
	v["max"] = aggregateWord(Max, "max")
	v["avg"] = aggregateWord(Avg, "avg")

	v["by"] = groupByOrKeepDropWord(true, false)
	v["keep-tags"] = groupByOrKeepDropWord(false, true)
	v["drop-tags"] = groupByOrKeepDropWord(false, false)

	v["all"] = func(c *Context) error {
		e, err := c.PopExpression()
		if err != nil {
			return err
		}
		qe, ok := e.(*QueryExpr)
		if !ok {
			return fmt.Errorf(":all was expecting a query on the stack")
		}
		c.Push(NewAll(qe.Q))
		return nil
	}
	return v
}

// Execute dispatches a single word token, or reports "unknown word" if
// none is registered.
func (v Vocabulary) Execute(c *Context, token string) error {
	w, ok := v[token]
	if !ok {
		return fmt.Errorf("unknown word %q", token)
	}
	return w(c)
}
