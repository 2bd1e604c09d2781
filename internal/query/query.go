// Package query implements the boolean query algebra used to select
// which measurements a subscription or introspection filter matches:
// has-key, relational comparisons on a tag value, regex, set membership,
// true/false, and/or/not, with smart constructors that fold constants and
// a disjunctive-normal-form expansion used by the query index.
package query

import (
	"regexp"
	"sort"
	"strings"

	"github.com/Netflix-Skunkworks/atlas-agent-go/internal/tags"
	"github.com/Netflix-Skunkworks/atlas-agent-go/pkg/log"
)

// Type identifies the concrete shape of a Query as a closed enum.
type Type int

const (
	TypeTrue Type = iota
	TypeFalse
	TypeHasKey
	TypeRelOp
	TypeRegex
	TypeIn
	TypeNot
	TypeAnd
	TypeOr
)

// RelOp is the relational operator a RelOp query compares a tag value
// against, using ordinary lexicographic string ordering.
type RelOp int

const (
	RelEQ RelOp = iota
	RelLT
	RelLE
	RelGT
	RelGE
)

func (op RelOp) String() string {
	switch op {
	case RelEQ:
		return "="
	case RelLT:
		return "<"
	case RelLE:
		return "<="
	case RelGT:
		return ">"
	case RelGE:
		return ">="
	}
	return "?"
}

// Query is an immutable boolean predicate over a tag set. Every
// constructor function in this package returns one of these and never a
// raw struct literal, so the simplification rules below always apply.
type Query struct {
	kind Type

	key   string // HasKey, RelOp, Regex, In
	value string // RelOp
	op    RelOp  // RelOp
	re    *regexp.Regexp
	rePat string // Regex, for Equals/Hash/Dump independent of compiled form
	vals  []string // In, sorted+deduped

	q1, q2 *Query // Not (q1 only), And, Or
}

func (q *Query) Type() Type { return q.kind }

func (q *Query) IsTrue() bool  { return q.kind == TypeTrue }
func (q *Query) IsFalse() bool { return q.kind == TypeFalse }

// Key returns the tag key this query's comparison operates on, for query
// kinds that have one (HasKey/RelOp/Regex/In); "" otherwise.
func (q *Query) Key() string { return q.key }

// Value returns the comparison value for a RelOp query, "" otherwise.
func (q *Query) Value() string { return q.value }

// RelOp returns the relational operator for a RelOp query.
func (q *Query) RelOp() RelOp { return q.op }

// Values returns the candidate value set for an In query.
func (q *Query) Values() []string { return q.vals }

// ----- smart constructors -----

var trueQuery = &Query{kind: TypeTrue}
var falseQuery = &Query{kind: TypeFalse}

func True() *Query  { return trueQuery }
func False() *Query { return falseQuery }

func FromBoolean(b bool) *Query {
	if b {
		return trueQuery
	}
	return falseQuery
}

func HasKey(key string) *Query { return &Query{kind: TypeHasKey, key: key} }

func Eq(key, value string) *Query { return &Query{kind: TypeRelOp, key: key, value: value, op: RelEQ} }
func Lt(key, value string) *Query { return &Query{kind: TypeRelOp, key: key, value: value, op: RelLT} }
func Le(key, value string) *Query { return &Query{kind: TypeRelOp, key: key, value: value, op: RelLE} }
func Gt(key, value string) *Query { return &Query{kind: TypeRelOp, key: key, value: value, op: RelGT} }
func Ge(key, value string) *Query { return &Query{kind: TypeRelOp, key: key, value: value, op: RelGE} }

// Regex compiles an anchored, case-sensitive regex query. An invalid
// pattern compiles to a query that never matches, rather than an error,
// matching the original's "log and treat as non-matching" behavior.
func Regex(key, pattern string) *Query { return newRegex(key, pattern, false) }

// RegexIgnoreCase is the case-insensitive variant of Regex.
func RegexIgnoreCase(key, pattern string) *Query { return newRegex(key, pattern, true) }

func newRegex(key, pattern string, ignoreCase bool) *Query {
	anchored := pattern
	if !strings.HasPrefix(anchored, "^") {
		anchored = "^(?:" + anchored + ")"
	}
	if ignoreCase {
		anchored = "(?i)" + anchored
	}
	re, err := regexp.Compile(anchored)
	if err != nil {
		log.Warnf("query: invalid regex %q for key %s: %v", pattern, key, err)
	}
	return &Query{kind: TypeRegex, key: key, re: re, rePat: pattern}
}

// In matches when the tag value is present and equal to one of values.
func In(key string, values []string) *Query {
	vs := append([]string(nil), values...)
	sort.Strings(vs)
	vs = dedupSorted(vs)
	return &Query{kind: TypeIn, key: key, vals: vs}
}

func dedupSorted(vs []string) []string {
	if len(vs) == 0 {
		return vs
	}
	out := vs[:1]
	for _, v := range vs[1:] {
		if v != out[len(out)-1] {
			out = append(out, v)
		}
	}
	return out
}

// Not negates q, folding True/False immediately.
func Not(q *Query) *Query {
	if q.IsFalse() {
		return trueQuery
	}
	if q.IsTrue() {
		return falseQuery
	}
	if q.kind == TypeNot {
		return q.q1
	}
	return &Query{kind: TypeNot, q1: q}
}

func isExpensive(q *Query) bool {
	return q.kind == TypeRegex || q.kind == TypeAnd || q.kind == TypeOr
}

// Or builds a disjunction, folding True/False/duplicate operands and
// reordering so the cheaper-to-evaluate operand is checked first.
func Or(q1, q2 *Query) *Query {
	if q1.IsTrue() {
		return q1
	}
	if q2.IsTrue() {
		return q2
	}
	if q1.IsFalse() {
		return q2
	}
	if q2.IsFalse() {
		return q1
	}
	if q1.Equal(q2) {
		return q1
	}
	if isExpensive(q1) {
		return &Query{kind: TypeOr, q1: q2, q2: q1}
	}
	return &Query{kind: TypeOr, q1: q1, q2: q2}
}

// And builds a conjunction with the same constant-folding and reordering
// rules as Or.
func And(q1, q2 *Query) *Query {
	if q1.IsFalse() {
		return q1
	}
	if q2.IsFalse() {
		return q2
	}
	if q1.IsTrue() {
		return q2
	}
	if q2.IsTrue() {
		return q1
	}
	if q1.Equal(q2) {
		return q1
	}
	if isExpensive(q1) {
		return &Query{kind: TypeAnd, q1: q2, q2: q1}
	}
	return &Query{kind: TypeAnd, q1: q1, q2: q2}
}

// AndAll folds And across queries, starting from True.
func AndAll(queries []*Query) *Query {
	res := trueQuery
	for _, q := range queries {
		res = And(res, q)
	}
	return res
}

// ----- matching -----

// Matches reports whether t satisfies the query.
func (q *Query) Matches(t *tags.Map) bool {
	switch q.kind {
	case TypeTrue:
		return true
	case TypeFalse:
		return false
	case TypeHasKey:
		_, ok := t.GetString(q.key)
		return ok
	case TypeRelOp:
		v, ok := t.GetString(q.key)
		if !ok {
			return false
		}
		return relopMatches(v, q.value, q.op)
	case TypeRegex:
		if q.re == nil {
			return false
		}
		v, ok := t.GetString(q.key)
		if !ok {
			return false
		}
		return q.re.MatchString(v)
	case TypeIn:
		v, ok := t.GetString(q.key)
		if !ok {
			return false
		}
		i := sort.SearchStrings(q.vals, v)
		return i < len(q.vals) && q.vals[i] == v
	case TypeNot:
		return !q.q1.Matches(t)
	case TypeAnd:
		return q.q1.Matches(t) && q.q2.Matches(t)
	case TypeOr:
		return q.q1.Matches(t) || q.q2.Matches(t)
	}
	return false
}

func relopMatches(cur, v string, op RelOp) bool {
	switch op {
	case RelEQ:
		return cur == v
	case RelLE:
		return cur <= v
	case RelLT:
		return cur < v
	case RelGE:
		return cur >= v
	case RelGT:
		return cur > v
	}
	return false
}

// Tags returns the tag key/value pairs this query pins down exactly
// (i.e. every :eq clause reachable through a chain of :and), used when
// constructing the identity for expressions rooted at a filter.
func (q *Query) Tags() map[string]string {
	switch q.kind {
	case TypeRelOp:
		if q.op == RelEQ {
			return map[string]string{q.key: q.value}
		}
		return nil
	case TypeAnd:
		out := q.q1.Tags()
		if out == nil {
			out = map[string]string{}
		}
		for k, v := range q.q2.Tags() {
			out[k] = v
		}
		return out
	}
	return nil
}

// ----- equality and hashing -----

// Equal reports structural equality, treating And/Or as commutative.
func (q *Query) Equal(o *Query) bool {
	if q == o {
		return true
	}
	if q.kind != o.kind {
		return false
	}
	switch q.kind {
	case TypeTrue, TypeFalse:
		return true
	case TypeHasKey:
		return q.key == o.key
	case TypeRelOp:
		return q.key == o.key && q.op == o.op && q.value == o.value
	case TypeRegex:
		return q.key == o.key && q.rePat == o.rePat && (q.re == nil) == (o.re == nil) &&
			sameCaseSensitivity(q, o)
	case TypeIn:
		if q.key != o.key || len(q.vals) != len(o.vals) {
			return false
		}
		for i := range q.vals {
			if q.vals[i] != o.vals[i] {
				return false
			}
		}
		return true
	case TypeNot:
		return q.q1.Equal(o.q1)
	case TypeAnd, TypeOr:
		return (q.q1.Equal(o.q1) && q.q2.Equal(o.q2)) || (q.q1.Equal(o.q2) && q.q2.Equal(o.q1))
	}
	return false
}

func sameCaseSensitivity(a, b *Query) bool {
	ai := strings.HasPrefix(a.re.String(), "(?i)")
	bi := strings.HasPrefix(b.re.String(), "(?i)")
	return ai == bi
}

// Hash is a content hash consistent with Equal (commutative for And/Or).
func (q *Query) Hash() uint64 {
	const prime = 1099511628211
	h := func(s string) uint64 {
		var x uint64 = 14695981039346656037
		for i := 0; i < len(s); i++ {
			x ^= uint64(s[i])
			x *= prime
		}
		return x
	}
	n := uint64(q.kind)
	switch q.kind {
	case TypeTrue, TypeFalse:
		return n
	case TypeHasKey:
		return (n << 16) ^ h(q.key)
	case TypeRelOp:
		return (n << 16) ^ h(q.key) ^ h(q.value) ^ uint64(q.op)
	case TypeRegex:
		return (n << 16) ^ h(q.key) ^ h(q.rePat)
	case TypeIn:
		res := (n << 16) ^ h(q.key)
		for _, v := range q.vals {
			res ^= h(v)
		}
		return res
	case TypeNot:
		return q.q1.Hash() - 1
	case TypeAnd, TypeOr:
		return q.q1.Hash() ^ q.q2.Hash() ^ n
	}
	return 0
}

// ----- disjunctive normal form -----

// DNFList expands query into a list of sub-queries that, ORd together,
// are equivalent to query, pushing negation down through De Morgan's laws
// and distributing And over Or.
func DNFList(q *Query) []*Query {
	switch q.kind {
	case TypeAnd:
		left := DNFList(q.q1)
		right := DNFList(q.q2)
		res := make([]*Query, 0, len(left)*len(right))
		for _, l := range left {
			for _, r := range right {
				res = append(res, And(l, r))
			}
		}
		return res
	case TypeOr:
		return append(DNFList(q.q1), DNFList(q.q2)...)
	case TypeNot:
		inner := q.q1
		switch inner.kind {
		case TypeAnd:
			var res []*Query
			res = append(res, DNFList(Not(inner.q1))...)
			res = append(res, DNFList(Not(inner.q2))...)
			return res
		case TypeOr:
			return DNFList(And(Not(inner.q1), Not(inner.q2)))
		case TypeNot:
			return []*Query{inner.q1}
		default:
			return []*Query{q}
		}
	default:
		return []*Query{q}
	}
}

// ConjunctionList splits query into the list of clauses And'd together at
// its root (non-recursively through Or/Not), used by the query index to
// separate cheap :eq filters from the remainder.
func ConjunctionList(q *Query) []*Query {
	if q.kind == TypeAnd {
		return append(ConjunctionList(q.q1), ConjunctionList(q.q2)...)
	}
	return []*Query{q}
}
