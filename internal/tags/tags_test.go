package tags

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Netflix-Skunkworks/atlas-agent-go/internal/intern"
)

func TestMapPutGet(t *testing.T) {
	pool := intern.NewPool()
	m, err := New(pool, "name", "sys.cpu", "nf.node", "i-1234")
	require.NoError(t, err)

	v, ok := m.GetString("name")
	assert.True(t, ok)
	assert.Equal(t, "sys.cpu", v)

	_, ok = m.GetString("missing")
	assert.False(t, ok)
	assert.Equal(t, 2, m.Size())
}

func TestMapOverwritesExistingKey(t *testing.T) {
	pool := intern.NewPool()
	m, err := New(pool, "name", "a")
	require.NoError(t, err)
	require.NoError(t, m.Put(pool.Intern("name"), pool.Intern("b")))
	assert.Equal(t, 1, m.Size())
	v, _ := m.GetString("name")
	assert.Equal(t, "b", v)
}

func TestMapRejectsOddArgs(t *testing.T) {
	assert.Panics(t, func() {
		_, _ = New(intern.NewPool(), "name")
	})
}

func TestMapTooManyTags(t *testing.T) {
	pool := intern.NewPool()
	kv := make([]string, 0, (MaxEntries+1)*2)
	for i := 0; i <= MaxEntries; i++ {
		kv = append(kv, string(rune('a'+i)), "v")
	}
	_, err := New(pool, kv...)
	assert.ErrorIs(t, err, ErrTooManyTags)
}

func TestMapHashIsOrderIndependent(t *testing.T) {
	pool := intern.NewPool()
	a, err := New(pool, "name", "sys.cpu", "nf.node", "i-1")
	require.NoError(t, err)
	b, err := New(pool, "nf.node", "i-1", "name", "sys.cpu")
	require.NoError(t, err)
	assert.Equal(t, a.Hash(), b.Hash())
	assert.True(t, a.Equal(b))
}

func TestMapEqualDetectsDifference(t *testing.T) {
	pool := intern.NewPool()
	a, _ := New(pool, "name", "sys.cpu")
	b, _ := New(pool, "name", "sys.disk")
	assert.False(t, a.Equal(b))
}

func TestMapCloneIsIndependent(t *testing.T) {
	pool := intern.NewPool()
	a, _ := New(pool, "name", "sys.cpu")
	clone := a.Clone()
	require.NoError(t, clone.Put(pool.Intern("extra"), pool.Intern("1")))
	assert.Equal(t, 1, a.Size())
	assert.Equal(t, 2, clone.Size())
}

func TestMapKeysSorted(t *testing.T) {
	pool := intern.NewPool()
	m, _ := New(pool, "z", "1", "a", "2", "m", "3")
	assert.Equal(t, []string{"a", "m", "z"}, m.Keys())
}

func TestNilMapIsEmpty(t *testing.T) {
	var m *Map
	assert.Equal(t, 0, m.Size())
	_, ok := m.Get(intern.Default.Intern("x"))
	assert.False(t, ok)
	assert.Equal(t, uint64(0), m.Hash())
}

func TestIdentityEqualAndHash(t *testing.T) {
	pool := intern.NewPool()
	t1, _ := New(pool, "nf.node", "i-1")
	t2, _ := New(pool, "nf.node", "i-1")
	id1 := NewIdentity(pool.Intern("sys.cpu"), t1)
	id2 := NewIdentity(pool.Intern("sys.cpu"), t2)
	assert.True(t, id1.Equal(id2))
	assert.Equal(t, id1.Hash(), id2.Hash())
}

func TestIdentityKeyIsDeterministic(t *testing.T) {
	pool := intern.NewPool()
	t1, _ := New(pool, "b", "2", "a", "1")
	t2, _ := New(pool, "a", "1", "b", "2")
	id1 := NewIdentity(pool.Intern("m"), t1)
	id2 := NewIdentity(pool.Intern("m"), t2)
	assert.Equal(t, id1.Key(), id2.Key())
}
