package crdt

import (
	"sort"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

// MapEvent lists the keys changed by one transaction.
type MapEvent struct {
	Keys   []string
	Origin any
	Local  bool
}

type mapEntry struct {
	id      ID
	value   []byte
	deleted bool
}

// Map is a last-writer-wins map of byte values.
type Map struct {
	doc     *Doc
	name    string
	entries map[string]*mapEntry

	obsMu     sync.Mutex
	observers map[int]func(MapEvent)
	nextObs   int
}

func newMap(doc *Doc, name string) *Map {
	return &Map{
		doc:       doc,
		name:      name,
		entries:   make(map[string]*mapEntry),
		observers: make(map[int]func(MapEvent)),
	}
}

// Get returns the live value stored under key.
func (m *Map) Get(key string) ([]byte, bool) {
	m.doc.mu.RLock()
	defer m.doc.mu.RUnlock()
	e, ok := m.entries[key]
	if !ok || e.deleted {
		return nil, false
	}
	return e.value, true
}

// Has reports whether key holds a live value.
func (m *Map) Has(key string) bool {
	_, ok := m.Get(key)
	return ok
}

// Len counts live keys.
func (m *Map) Len() int {
	m.doc.mu.RLock()
	defer m.doc.mu.RUnlock()
	n := 0
	for _, e := range m.entries {
		if !e.deleted {
			n++
		}
	}
	return n
}

// Keys returns the live keys in sorted order.
func (m *Map) Keys() []string {
	m.doc.mu.RLock()
	defer m.doc.mu.RUnlock()
	keys := make([]string, 0, len(m.entries))
	for k, e := range m.entries {
		if !e.deleted {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Entries returns a snapshot of all live entries.
func (m *Map) Entries() map[string][]byte {
	m.doc.mu.RLock()
	defer m.doc.mu.RUnlock()
	out := make(map[string][]byte, len(m.entries))
	for k, e := range m.entries {
		if !e.deleted {
			out[k] = e.value
		}
	}
	return out
}

// Set writes value under key as part of tx.
func (m *Map) Set(tx *Tx, key string, value []byte) {
	m.doc.mu.Lock()
	id := m.doc.nextID()
	m.entries[key] = &mapEntry{id: id, value: value}
	m.doc.mu.Unlock()

	tx.ops = append(tx.ops, op{Kind: opMapSet, Name: m.name, ID: id, Key: key, Value: value})
	tx.touchMap(m, key)
}

// Delete removes key as part of tx. Deleting a missing key is a no-op.
func (m *Map) Delete(tx *Tx, key string) {
	m.doc.mu.Lock()
	e, ok := m.entries[key]
	if !ok || e.deleted {
		m.doc.mu.Unlock()
		return
	}
	id := m.doc.nextID()
	m.entries[key] = &mapEntry{id: id, deleted: true}
	m.doc.mu.Unlock()

	tx.ops = append(tx.ops, op{Kind: opMapDelete, Name: m.name, ID: id, Key: key})
	tx.touchMap(m, key)
}

// merge applies a remote set or delete; caller holds doc.mu.
func (m *Map) merge(o op) bool {
	e, ok := m.entries[o.Key]
	if ok && !o.ID.after(e.id) {
		return false
	}
	m.entries[o.Key] = &mapEntry{id: o.ID, value: o.Value, deleted: o.Kind == opMapDelete}
	return true
}

func (m *Map) stateOps() []op {
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ops := make([]op, 0, len(keys))
	for _, k := range keys {
		e := m.entries[k]
		kind := opMapSet
		if e.deleted {
			kind = opMapDelete
		}
		ops = append(ops, op{Kind: kind, Name: m.name, ID: e.id, Key: k, Value: e.value})
	}
	return ops
}

// Observe registers fn for changes to this map and returns an unsubscribe function.
func (m *Map) Observe(fn func(MapEvent)) func() {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	id := m.nextObs
	m.nextObs++
	m.observers[id] = fn
	return func() {
		m.obsMu.Lock()
		defer m.obsMu.Unlock()
		delete(m.observers, id)
	}
}

func (m *Map) notify(ev MapEvent) {
	m.obsMu.Lock()
	fns := make([]func(MapEvent), 0, len(m.observers))
	for _, fn := range m.observers {
		fns = append(fns, fn)
	}
	m.obsMu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// GetValue decodes the msgpack value stored under key into v.
func GetValue[T any](m *Map, key string) (T, bool) {
	var v T
	raw, ok := m.Get(key)
	if !ok {
		return v, false
	}
	if err := msgpack.Unmarshal(raw, &v); err != nil {
		return v, false
	}
	return v, true
}

// SetValue msgpack-encodes v and stores it under key.
func SetValue[T any](tx *Tx, m *Map, key string, v T) error {
	raw, err := msgpack.Marshal(v)
	if err != nil {
		return err
	}
	m.Set(tx, key, raw)
	return nil
}
