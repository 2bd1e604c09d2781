package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Netflix-Skunkworks/atlas-agent-go/internal/intern"
	"github.com/Netflix-Skunkworks/atlas-agent-go/internal/tags"
)

func mustMap(kv ...string) *tags.Map {
	m, err := tags.New(intern.NewPool(), kv...)
	if err != nil {
		panic(err)
	}
	return m
}

func TestEqMatches(t *testing.T) {
	q := Eq("name", "sys.cpu")
	assert.True(t, q.Matches(mustMap("name", "sys.cpu")))
	assert.False(t, q.Matches(mustMap("name", "sys.disk")))
	assert.False(t, q.Matches(mustMap("other", "x")))
}

func TestRelOpOrdering(t *testing.T) {
	tests := []struct {
		op    *Query
		value string
		want  bool
	}{
		{Lt("k", "b"), "a", true},
		{Lt("k", "b"), "b", false},
		{Le("k", "b"), "b", true},
		{Gt("k", "b"), "c", true},
		{Ge("k", "b"), "b", true},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, tc.op.Matches(mustMap("k", tc.value)))
	}
}

func TestRegexAnchored(t *testing.T) {
	q := Regex("name", "sys\\..*")
	assert.True(t, q.Matches(mustMap("name", "sys.cpu")))
	assert.False(t, q.Matches(mustMap("name", "xsys.cpu")))
}

func TestRegexIgnoreCase(t *testing.T) {
	q := RegexIgnoreCase("name", "SYS\\.CPU")
	assert.True(t, q.Matches(mustMap("name", "sys.cpu")))
}

func TestInMatches(t *testing.T) {
	q := In("name", []string{"b", "a", "a"})
	assert.True(t, q.Matches(mustMap("name", "a")))
	assert.True(t, q.Matches(mustMap("name", "b")))
	assert.False(t, q.Matches(mustMap("name", "c")))
	assert.Equal(t, []string{"a", "b"}, q.Values())
}

func TestNotFoldsConstants(t *testing.T) {
	assert.True(t, Not(False()).IsTrue())
	assert.True(t, Not(True()).IsFalse())
	assert.Same(t, True(), Not(Not(True())))
}

func TestAndOrConstantFolding(t *testing.T) {
	eq := Eq("a", "1")
	assert.Same(t, eq, And(eq, True()))
	assert.True(t, And(eq, False()).IsFalse())
	assert.Same(t, eq, Or(eq, False()))
	assert.True(t, Or(eq, True()).IsTrue())
}

func TestAndOrDedup(t *testing.T) {
	eq := Eq("a", "1")
	assert.True(t, And(eq, Eq("a", "1")).Equal(eq))
}

func TestEqualIsCommutativeForAndOr(t *testing.T) {
	a := Eq("a", "1")
	b := Eq("b", "2")
	require.True(t, And(a, b).Equal(And(b, a)))
	require.True(t, Or(a, b).Equal(Or(b, a)))
}

func TestHashConsistentWithEqual(t *testing.T) {
	a := Eq("a", "1")
	b := Eq("b", "2")
	assert.Equal(t, And(a, b).Hash(), And(b, a).Hash())
}

func TestTagsExtractsEqClauses(t *testing.T) {
	q := And(Eq("name", "sys.cpu"), Eq("nf.node", "i-1"))
	assert.Equal(t, map[string]string{"name": "sys.cpu", "nf.node": "i-1"}, q.Tags())
}

func TestDNFListDistributesAndOverOr(t *testing.T) {
	q := And(Or(Eq("a", "1"), Eq("a", "2")), Eq("b", "x"))
	dnf := DNFList(q)
	assert.Len(t, dnf, 2)
	for _, d := range dnf {
		assert.Equal(t, TypeAnd, d.Type())
	}
}

func TestDNFListDeMorgan(t *testing.T) {
	q := Not(And(Eq("a", "1"), Eq("b", "2")))
	dnf := DNFList(q)
	assert.Len(t, dnf, 2)
}

func TestConjunctionListFlattensAnd(t *testing.T) {
	q := And(And(Eq("a", "1"), Eq("b", "2")), Eq("c", "3"))
	assert.Len(t, ConjunctionList(q), 3)
}

func TestInvalidRegexNeverMatches(t *testing.T) {
	q := Regex("name", "(")
	assert.False(t, q.Matches(mustMap("name", "anything")))
}
