// Package queryindex builds a trie over a set of (query, value) entries so
// that, given a tag set, every entry whose query matches can be found
// without evaluating every query linearly.
package queryindex

import (
	"sort"

	"github.com/Netflix-Skunkworks/atlas-agent-go/internal/query"
	"github.com/Netflix-Skunkworks/atlas-agent-go/internal/tags"
)

// Entry pairs a query with the opaque value it should yield when the
// query matches a tag set (a subscription id, a rule, ...).
type Entry[T comparable] struct {
	Query *query.Query
	Value T
}

type annotated[T comparable] struct {
	entry   Entry[T]
	filters []*query.Query // :eq RelOp queries, deduped, order-independent
}

// Index is an immutable decision trie: each internal node is keyed by one
// :eq filter query, and entries with no remaining filters are leaves
// checked against the node's remainder query.
type Index[T comparable] struct {
	children map[string]*indexChild[T] // keyed by filterKey: key and value joined by a NUL byte
	entries  []Entry[T]
}

type indexChild[T comparable] struct {
	filter *query.Query
	next   *Index[T]
}

// Build constructs an index whose entries all hold query as their own
// value, for deduplicated membership testing (query_index.h's
// QueryIndex<T>::Build with T = Query).
func Build(queries []*query.Query) *Index[*query.Query] {
	entries := make([]Entry[*query.Query], len(queries))
	for i, q := range queries {
		entries[i] = Entry[*query.Query]{Query: q, Value: q}
	}
	return Create(entries)
}

// Create builds an index over arbitrary entries.
func Create[T comparable](entries []Entry[T]) *Index[T] {
	var annotatedEntries []annotated[T]
	for _, e := range entries {
		for _, dnfQ := range query.DNFList(e.Query) {
			for _, split := range splitInQueries(dnfQ) {
				annotatedEntries = append(annotatedEntries, annotate(Entry[T]{Query: split, Value: e.Value}))
			}
		}
	}
	return createImpl(annotatedEntries)
}

// splitInQueries expands :in queries with fewer than 5 values into an Or
// of :eq clauses (via And distribution), to avoid combinatorial blowup on
// large value sets, which are instead left as a single :in clause.
func splitInQueries(q *query.Query) []*query.Query {
	switch q.Type() {
	case query.TypeAnd:
		// And is binary; recover operands is not exposed, so instead rely
		// on ConjunctionList + reconstruction via cross product.
		clauses := query.ConjunctionList(q)
		result := []*query.Query{query.True()}
		for _, c := range clauses {
			expanded := splitInQueries(c)
			var next []*query.Query
			for _, acc := range result {
				for _, e := range expanded {
					next = append(next, query.And(acc, e))
				}
			}
			result = next
		}
		return result
	case query.TypeIn:
		vs := q.Values()
		if len(vs) == 0 || len(vs) >= 5 {
			return []*query.Query{q}
		}
		out := make([]*query.Query, len(vs))
		for i, v := range vs {
			out[i] = query.Eq(q.Key(), v)
		}
		return out
	default:
		return []*query.Query{q}
	}
}

// annotate separates a query's top-level :and clauses into a set of :eq
// filters (order-independent) and a remainder query checked at the leaf.
func annotate[T comparable](e Entry[T]) annotated[T] {
	clauses := query.ConjunctionList(e.Query)
	var distinct []*query.Query
	for _, c := range clauses {
		dup := false
		for _, d := range distinct {
			if c.Equal(d) {
				dup = true
				break
			}
		}
		if !dup {
			distinct = append(distinct, c)
		}
	}
	var filters []*query.Query
	var remainder []*query.Query
	for _, c := range distinct {
		if c.Type() == query.TypeRelOp && c.RelOp() == query.RelEQ {
			filters = append(filters, c)
			continue
		}
		remainder = append(remainder, c)
	}
	var remainderQ *query.Query
	if len(remainder) == 0 {
		remainderQ = query.True()
	} else {
		remainderQ = query.AndAll(remainder)
	}
	return annotated[T]{entry: Entry[T]{Query: remainderQ, Value: e.Value}, filters: filters}
}

func filterKey(q *query.Query) string {
	return q.Key() + "\x00" + q.Value()
}

func createImpl[T comparable](entries []annotated[T]) *Index[T] {
	var leaves []annotated[T]
	var children []annotated[T]
	for _, e := range entries {
		if len(e.filters) == 0 {
			leaves = append(leaves, e)
		} else {
			children = append(children, e)
		}
	}

	grouped := map[string][]annotated[T]{}
	filterByKey := map[string]*query.Query{}
	for _, e := range children {
		for i, f := range e.filters {
			k := filterKey(f)
			filterByKey[k] = f
			rest := make([]*query.Query, 0, len(e.filters)-1)
			rest = append(rest, e.filters[:i]...)
			rest = append(rest, e.filters[i+1:]...)
			grouped[k] = append(grouped[k], annotated[T]{entry: e.entry, filters: rest})
		}
	}

	idx := &Index[T]{children: map[string]*indexChild[T]{}, entries: make([]Entry[T], len(leaves))}
	for i, l := range leaves {
		idx.entries[i] = l.entry
	}
	for k, sub := range grouped {
		idx.children[k] = &indexChild[T]{filter: filterByKey[k], next: createImpl(sub)}
	}
	return idx
}

// Matches reports whether any entry's query matches t.
func (idx *Index[T]) Matches(t *tags.Map) bool {
	return len(idx.MatchingEntries(t)) > 0
}

// MatchingEntries returns the distinct values of every entry whose query
// matches t.
func (idx *Index[T]) MatchingEntries(t *tags.Map) []T {
	var eqQueries []*query.Query
	for _, k := range t.Keys() {
		v, _ := t.GetString(k)
		eqQueries = append(eqQueries, query.Eq(k, v))
	}
	seen := map[T]struct{}{}
	var out []T
	idx.matchingEntries(t, eqQueries, seen, &out)
	return out
}

func (idx *Index[T]) matchingEntries(t *tags.Map, remaining []*query.Query, seen map[T]struct{}, out *[]T) {
	idx.slowMatches(t, seen, out)
	if len(remaining) == 0 {
		return
	}
	q := remaining[0]
	rest := remaining[1:]
	if child, ok := idx.children[filterKey(q)]; ok {
		child.next.matchingEntries(t, rest, seen, out)
	}
	idx.matchingEntries(t, rest, seen, out)
}

func (idx *Index[T]) slowMatches(t *tags.Map, seen map[T]struct{}, out *[]T) {
	for _, e := range idx.entries {
		if e.Query.Matches(t) {
			if _, ok := seen[e.Value]; !ok {
				seen[e.Value] = struct{}{}
				*out = append(*out, e.Value)
			}
		}
	}
}

// Keys returns the sorted set of filter keys indexed at this node, for
// diagnostics.
func (idx *Index[T]) Keys() []string {
	out := make([]string, 0, len(idx.children))
	for k := range idx.children {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
