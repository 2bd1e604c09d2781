// Package tags implements the tag map and identity data model: a small
// open-addressing map from interned key to interned value,
// content-hashed rather than address-hashed, plus the (name, tags)
// identity pair with a lazily memoized hash.
package tags

import (
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/Netflix-Skunkworks/atlas-agent-go/internal/intern"
)

// MaxEntries is the cap on tag-set size.
const MaxEntries = 32

// NameKey is the reserved key every identity's tag-set carries for its
// metric name, used by the aggregate "induced tag-set" rule and by
// keep/drop-tags partitioning.
const NameKey = "name"

func hashString(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}

type slot struct {
	used  bool
	key   *intern.Handle
	value *intern.Handle
}

// Map is a small open-addressing map keyed by interned strings. Capacity
// grows by doubling and never exceeds the backing array needed for
// MaxEntries entries at a load factor of 0.5, so lookups stay O(1) without
// ever approaching a degenerate linear probe chain.
type Map struct {
	slots []slot
	size  int

	hashOnce sync.Once
	hash     uint64
}

// New builds a tag map pre-sized for the given key/value pairs, interning
// each through pool (intern.Default when pool is nil).
func New(pool *intern.Pool, kv ...string) (*Map, error) {
	if pool == nil {
		pool = intern.Default
	}
	if len(kv)%2 != 0 {
		panic("tags.New: odd number of key/value arguments")
	}
	m := newMapCap(len(kv) / 2)
	for i := 0; i < len(kv); i += 2 {
		if err := m.Put(pool.Intern(kv[i]), pool.Intern(kv[i+1])); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func newMapCap(n int) *Map {
	cap := 8
	for cap < n*2 {
		cap *= 2
	}
	return &Map{slots: make([]slot, cap)}
}

func (m *Map) probe(key *intern.Handle) int {
	mask := uint64(len(m.slots) - 1)
	idx := hashString(key.String()) & mask
	for {
		s := &m.slots[idx]
		if !s.used || s.key == key {
			return int(idx)
		}
		idx = (idx + 1) & mask
	}
}

func (m *Map) grow() {
	old := m.slots
	m.slots = make([]slot, len(old)*2)
	for _, s := range old {
		if s.used {
			idx := m.probe(s.key)
			m.slots[idx] = s
		}
	}
}

// Put inserts or overwrites key -> value. Returns an error if this would
// exceed MaxEntries distinct keys.
func (m *Map) Put(key, value *intern.Handle) error {
	idx := m.probe(key)
	if !m.slots[idx].used {
		if m.size >= MaxEntries {
			return ErrTooManyTags
		}
		if (m.size+1)*2 > len(m.slots) {
			m.grow()
			idx = m.probe(key)
		}
		m.slots[idx] = slot{used: true, key: key, value: value}
		m.size++
	} else {
		m.slots[idx].value = value
	}
	m.hashOnce = sync.Once{}
	return nil
}

// Get looks up key, returning (value, true) if present.
func (m *Map) Get(key *intern.Handle) (*intern.Handle, bool) {
	if m == nil {
		return nil, false
	}
	idx := m.probe(key)
	s := m.slots[idx]
	if !s.used {
		return nil, false
	}
	return s.value, true
}

// GetString looks up by raw key string, for callers that don't already
// hold a handle. It compares key content, so it finds keys interned
// through any pool.
func (m *Map) GetString(key string) (string, bool) {
	if m == nil || len(m.slots) == 0 {
		return "", false
	}
	mask := uint64(len(m.slots) - 1)
	for idx := hashString(key) & mask; m.slots[idx].used; idx = (idx + 1) & mask {
		if m.slots[idx].key.String() == key {
			return m.slots[idx].value.String(), true
		}
	}
	return "", false
}

// Size reports the number of entries.
func (m *Map) Size() int {
	if m == nil {
		return 0
	}
	return m.size
}

// Each calls f once per entry. Iteration order is unspecified.
func (m *Map) Each(f func(key, value *intern.Handle)) {
	if m == nil {
		return
	}
	for _, s := range m.slots {
		if s.used {
			f(s.key, s.value)
		}
	}
}

// Keys returns the sorted list of key strings, useful for deterministic
// iteration (e.g. in drop-tags/keep-tags projections and tests).
func (m *Map) Keys() []string {
	ks := make([]string, 0, m.Size())
	m.Each(func(k, _ *intern.Handle) { ks = append(ks, k.String()) })
	sort.Strings(ks)
	return ks
}

// Hash is the order-independent content hash: XOR of
// (hash(key)<<1)^hash(value) over entries. Lazily computed and cached.
func (m *Map) Hash() uint64 {
	if m == nil {
		return 0
	}
	m.hashOnce.Do(func() {
		var h uint64
		m.Each(func(k, v *intern.Handle) {
			h ^= (hashString(k.String()) << 1) ^ hashString(v.String())
		})
		m.hash = h
	})
	return m.hash
}

// Equal reports whether two maps hold the same content, independent of
// insertion order.
func (m *Map) Equal(o *Map) bool {
	if m == o {
		return true
	}
	if m.Size() != o.Size() {
		return false
	}
	eq := true
	m.Each(func(k, v *intern.Handle) {
		ov, ok := o.Get(k)
		if !ok || ov != v {
			eq = false
		}
	})
	return eq
}

// Clone makes an independent copy (e.g. so a meter's identity tag-set can't
// be mutated out from under a registered meter).
func (m *Map) Clone() *Map {
	if m == nil {
		return nil
	}
	clone := newMapCap(m.size)
	m.Each(func(k, v *intern.Handle) {
		_ = clone.Put(k, v)
	})
	return clone
}

// ErrTooManyTags is returned by Put once a tag-set would exceed MaxEntries.
var ErrTooManyTags = errTooManyTags{}

type errTooManyTags struct{}

func (errTooManyTags) Error() string { return "tags: tag-set exceeds 32 entries" }

// Identity is the (name, tags) pair: equality and hashing are by
// content, hash is lazily computed and cached.
type Identity struct {
	Name *intern.Handle
	Tags *Map

	hashed atomic.Bool
	hash   uint64
}

// NewIdentity builds an identity for name with the given tag-set. tags may
// be nil for an empty tag-set.
func NewIdentity(name *intern.Handle, tagset *Map) *Identity {
	return &Identity{Name: name, Tags: tagset}
}

// Hash returns the memoized content hash of the identity.
func (id *Identity) Hash() uint64 {
	if id.hashed.Load() {
		return id.hash
	}
	h := hashString(id.Name.String())*31 + id.Tags.Hash()
	id.hash = h
	id.hashed.Store(true)
	return h
}

// Equal reports content equality: same name, same tag-set content.
func (id *Identity) Equal(o *Identity) bool {
	if id == o {
		return true
	}
	if o == nil {
		return false
	}
	return id.Name == o.Name && id.Tags.Equal(o.Tags)
}

// Key returns a value suitable as a Go map key for de-duplicating
// identities: most callers compare identities pre-bucketed by Hash(), then
// confirm with Equal, so this is only used where a plain string key is
// convenient (e.g. debug dumps).
func (id *Identity) Key() string {
	var b []byte
	b = append(b, id.Name.String()...)
	for _, k := range id.Tags.Keys() {
		v, _ := id.Tags.GetString(k)
		b = append(b, '\x00')
		b = append(b, k...)
		b = append(b, '=')
		b = append(b, v...)
	}
	return string(b)
}
