package expr

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/Netflix-Skunkworks/atlas-agent-go/internal/query"
)

// compiledCacheSize bounds how many distinct expression strings are kept
// parsed; subscriptions reuse the same handful of expressions on every
// refresh cycle, so a modest cache avoids re-tokenizing on every poll.
const compiledCacheSize = 256

// Evaluator runs subscription/query expressions against a measurement
// batch, parsing each distinct expression string once. The parsed-stack
// cache avoids re-tokenizing on every call and is backed by
// hashicorp/golang-lru.
type Evaluator struct {
	vocabulary Vocabulary
	cache      *lru.Cache[string, []Expr]
}

func NewEvaluator() *Evaluator {
	c, _ := lru.New[string, []Expr](compiledCacheSize)
	return &Evaluator{vocabulary: NewClientVocabulary(), cache: c}
}

// compile returns the parsed stack for expression, reusing a cached parse
// when available.
func (e *Evaluator) compile(expression string) []Expr {
	if stack, ok := e.cache.Get(expression); ok {
		return stack
	}
	context := NewContext()
	interp := NewInterpreter(e.vocabulary)
	_ = interp.Execute(context, expression)
	stack := context.snapshot()
	e.cache.Add(expression, stack)
	return stack
}

// Eval applies expression to measurements, concatenating the results of
// every multiple-results expression left on the stack. An empty batch
// always yields no results without compiling expression.
func (e *Evaluator) Eval(expression string, measurements []TagsValuePair) []TagsValuePair {
	if len(measurements) == 0 {
		return nil
	}
	var results []TagsValuePair
	for _, top := range e.compile(expression) {
		mr, ok := AsMultipleResults(top)
		if !ok {
			continue
		}
		results = append(results, mr.Apply(measurements)...)
	}
	return results
}

// GetQuery parses expression and reduces it to its associated filter
// query, per Interpreter.GetQuery.
func (e *Evaluator) GetQuery(expression string) *query.Query {
	return NewInterpreter(e.vocabulary).GetQuery(expression)
}
