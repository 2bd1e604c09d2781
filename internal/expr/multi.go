package expr

import (
	"math"
	"sort"

	"github.com/Netflix-Skunkworks/atlas-agent-go/internal/query"
	"github.com/Netflix-Skunkworks/atlas-agent-go/internal/tags"
)

// MultipleResults is the top-level stack element a parsed expression
// resolves to: applying it to a measurement batch can emit zero, one, or
// many (tags, value) results.
type MultipleResults interface {
	Expr
	Apply(pairs []TagsValuePair) []TagsValuePair
	GetQuery() *query.Query
}

// AsMultipleResults wraps any Expr into a MultipleResults: a Queryish
// non-aggregate query becomes an implicit All, a ValueExpression becomes
// a SingletonValueExpr, and an existing MultipleResults passes through.
func AsMultipleResults(e Expr) (MultipleResults, bool) {
	switch v := e.(type) {
	case MultipleResults:
		return v, true
	case *QueryExpr:
		return NewAll(v.Q), true
	case ValueExpression:
		return NewSingletonValueExpr(v), true
	default:
		return nil, false
	}
}

// ---- SingletonValueExpr ----

// SingletonValueExpr adapts a ValueExpression (one that reduces to a
// single result) into the MultipleResults contract every evaluation
// entry point consumes, dropping the result entirely if it is NaN.
type SingletonValueExpr struct{ expr ValueExpression }

func NewSingletonValueExpr(expr ValueExpression) *SingletonValueExpr {
	return &SingletonValueExpr{expr: expr}
}

func (s *SingletonValueExpr) Kind() Kind             { return KindMultiple }
func (s *SingletonValueExpr) GetQuery() *query.Query { return s.expr.GetQuery() }
func (s *SingletonValueExpr) Apply(pairs []TagsValuePair) []TagsValuePair {
	result := s.expr.Apply(pairs)
	if math.IsNaN(result.Value) {
		return nil
	}
	return []TagsValuePair{result}
}

// ---- All ----

// All passes every sample matching query through unchanged, dropping
// NaN values; :true is a fast-path pass-through of the entire batch.
type All struct{ q *query.Query }

func NewAll(q *query.Query) *All { return &All{q: q} }

func (a *All) Kind() Kind             { return KindMultiple }
func (a *All) GetQuery() *query.Query { return a.q }
func (a *All) Apply(pairs []TagsValuePair) []TagsValuePair {
	if a.q.IsTrue() {
		return pairs
	}
	out := make([]TagsValuePair, 0, len(pairs))
	for _, p := range pairs {
		if !math.IsNaN(p.Value) && a.q.Matches(p.Tags) {
			out = append(out, p)
		}
	}
	return out
}

// ---- GroupBy ----

// GroupBy partitions samples by the values of a fixed key set (dropping
// any sample missing one of the keys), then applies a ValueExpression
// independently to each partition.
type GroupBy struct {
	keys []string
	expr ValueExpression
}

func NewGroupBy(keys []string, expr ValueExpression) *GroupBy {
	return &GroupBy{keys: keys, expr: expr}
}

func (g *GroupBy) Kind() Kind             { return KindMultiple }
func (g *GroupBy) GetQuery() *query.Query { return g.expr.GetQuery() }

func (g *GroupBy) Apply(pairs []TagsValuePair) []TagsValuePair {
	groups := partitionByKeys(pairs, g.keys)
	var results []TagsValuePair
	for _, groupKey := range sortedGroupKeys(groups) {
		grp := groups[groupKey]
		r := g.expr.Apply(grp.pairs)
		if math.IsNaN(r.Value) {
			continue
		}
		merged := mergeTags(grp.values, r.Tags)
		results = append(results, TagsValuePair{Tags: merged, Value: r.Value})
	}
	return results
}

// ---- KeepOrDropTags ----

// KeepOrDropTags groups by an explicit key list (keep=true, always
// including "name") or by every tag not in the list (keep=false, plus
// "name"), then applies expr per group and reports only the group key
// tags plus the resulting value (the original tag detail is discarded).
type KeepOrDropTags struct {
	keys []string
	expr ValueExpression
	keep bool
}

func NewKeepOrDropTags(keys []string, expr ValueExpression, keep bool) *KeepOrDropTags {
	ks := append([]string(nil), keys...)
	if keep && !contains(ks, "name") {
		ks = append(ks, "name")
	}
	return &KeepOrDropTags{keys: ks, expr: expr, keep: keep}
}

func (k *KeepOrDropTags) Kind() Kind             { return KindMultiple }
func (k *KeepOrDropTags) GetQuery() *query.Query { return k.expr.GetQuery() }

func (k *KeepOrDropTags) Apply(pairs []TagsValuePair) []TagsValuePair {
	groups := map[string]*group{}
	var order []string
	for _, p := range pairs {
		keys := k.keys
		if !k.keep {
			keys = dropKeys(p.Tags, k.keys)
		}
		values := make(map[string]string, len(keys))
		ok := true
		for _, key := range keys {
			v, present := p.Tags.GetString(key)
			if !present {
				ok = false
				break
			}
			values[key] = v
		}
		if !ok {
			continue
		}
		gk := groupKeyOf(values)
		g, exists := groups[gk]
		if !exists {
			g = &group{values: values}
			groups[gk] = g
			order = append(order, gk)
		}
		g.pairs = append(g.pairs, p)
	}

	sort.Strings(order)
	var results []TagsValuePair
	for _, gk := range order {
		g := groups[gk]
		r := k.expr.Apply(g.pairs)
		results = append(results, TagsValuePair{Tags: cloneTagsWith(nil, g.values), Value: r.Value})
	}
	return results
}

// dropKeys returns "name" plus every key present on t that is not in
// excluded, i.e. the group-by key set for :drop-tags.
func dropKeys(t *tags.Map, excluded []string) []string {
	excludedSet := make(map[string]bool, len(excluded))
	for _, k := range excluded {
		excludedSet[k] = true
	}
	keys := []string{"name"}
	for _, k := range t.Keys() {
		if k == "name" || excludedSet[k] {
			continue
		}
		keys = append(keys, k)
	}
	return keys
}

// ---- shared grouping helpers ----

type group struct {
	values map[string]string
	pairs  []TagsValuePair
}

func partitionByKeys(pairs []TagsValuePair, keys []string) map[string]*group {
	groups := map[string]*group{}
	for _, p := range pairs {
		values := make(map[string]string, len(keys))
		ok := true
		for _, k := range keys {
			v, present := p.Tags.GetString(k)
			if !present {
				ok = false
				break
			}
			values[k] = v
		}
		if !ok {
			continue
		}
		gk := groupKeyOf(values)
		g, exists := groups[gk]
		if !exists {
			g = &group{values: values}
			groups[gk] = g
		}
		g.pairs = append(g.pairs, p)
	}
	return groups
}

func groupKeyOf(values map[string]string) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	s := ""
	for _, k := range keys {
		s += k + "\x00" + values[k] + "\x01"
	}
	return s
}

func sortedGroupKeys(groups map[string]*group) []string {
	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func mergeTags(groupValues map[string]string, extra *tags.Map) *tags.Map {
	merged := make(map[string]string, len(groupValues))
	for k, v := range groupValues {
		merged[k] = v
	}
	if extra != nil {
		for _, k := range extra.Keys() {
			v, _ := extra.GetString(k)
			merged[k] = v
		}
	}
	return cloneTagsWith(nil, merged)
}

func contains(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}
