// Package expr implements the stack-based expression language used
// to describe subscriptions and ad hoc queries: a comma-separated token
// stream is split, words (tokens starting with ':') drive a small
// vocabulary of stack operations, and the result is either a boolean
// query, a value expression (an aggregate or constant), or a
// multiple-results expression (group-by, keep/drop-tags, or an
// unconditional query filter).
package expr

import (
	"strings"

	"github.com/Netflix-Skunkworks/atlas-agent-go/internal/intern"
	"github.com/Netflix-Skunkworks/atlas-agent-go/internal/query"
	"github.com/Netflix-Skunkworks/atlas-agent-go/internal/tags"
)

// Kind identifies the concrete shape of a parsed stack element.
type Kind int

const (
	KindLiteral Kind = iota
	KindList
	KindQuery
	KindValue
	KindMultiple
)

// Expr is the narrow contract every stack element satisfies: it reports
// its Kind. Elements that carry a filter query also implement Queryish.
type Expr interface {
	Kind() Kind
}

// Queryish is implemented by any Expr that carries an associated filter
// query: raw Query values, ValueExpression, and MultipleResults.
type Queryish interface {
	Expr
	GetQuery() *query.Query
}

// Literal is a bare token: either a plain string/number or a ":word".
type Literal struct{ s string }

func NewLiteral(s string) *Literal { return &Literal{s: s} }

func (l *Literal) Kind() Kind      { return KindLiteral }
func (l *Literal) AsString() string { return l.s }
func (l *Literal) Is(s string) bool { return l.s == s }
func (l *Literal) IsWord() bool     { return len(l.s) > 0 && l.s[0] == ':' }
func (l *Literal) Word() string     { return l.s[1:] }

// List collects literal tokens between a "(" / ")" pair for words like
// :in, :by, :keep-tags, and :drop-tags that expect a list operand.
type List struct{ items []Expr }

func NewList() *List { return &List{} }

func (l *List) Kind() Kind { return KindList }
func (l *List) Add(e Expr) { l.items = append(l.items, e) }
func (l *List) Size() int  { return len(l.items) }

// Contains reports whether any literal item equals key.
func (l *List) Contains(key string) bool {
	for _, e := range l.items {
		if lit, ok := e.(*Literal); ok && lit.Is(key) {
			return true
		}
	}
	return false
}

// Strings returns the literal items as plain strings, skipping any
// non-literal (malformed) entries.
func (l *List) Strings() []string {
	out := make([]string, 0, len(l.items))
	for _, e := range l.items {
		if lit, ok := e.(*Literal); ok {
			out = append(out, lit.AsString())
		}
	}
	return out
}

// QueryExpr adapts a *query.Query to the Expr interface so it can live on
// the interpreter stack alongside literals, lists, and value expressions.
type QueryExpr struct{ Q *query.Query }

func (q *QueryExpr) Kind() Kind             { return KindQuery }
func (q *QueryExpr) GetQuery() *query.Query { return q.Q }

// TagsValuePair is one (tags, value) sample as seen by the expression
// engine; distinct from meter.Measurement, which additionally carries a
// timestamp and interned identity.
type TagsValuePair struct {
	Tags  *tags.Map
	Value float64
}

func tagValue(p TagsValuePair, key string) (string, bool) {
	return p.Tags.GetString(key)
}

// cloneTagsWith builds a fresh *tags.Map containing base's values plus
// any kv overrides, used when group-by/keep-drop-tags synthesize a new
// identity for an aggregated result.
func cloneTagsWith(pool *intern.Pool, kv map[string]string) *tags.Map {
	if pool == nil {
		pool = intern.Default
	}
	m, _ := tags.New(pool)
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	// deterministic insert order keeps Hash() stable across calls.
	sortStrings(keys)
	for _, k := range keys {
		_ = m.Put(pool.Intern(k), pool.Intern(kv[k]))
	}
	return m
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

func trimmedTokens(program string) []string {
	var tokens []string
	for _, raw := range strings.Split(program, ",") {
		t := strings.TrimSpace(raw)
		if t != "" {
			tokens = append(tokens, t)
		}
	}
	return tokens
}
