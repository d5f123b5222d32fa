// Package crdt is the replicated data substrate used by the sync core: a
// document holding named last-writer-wins maps and sequence texts that
// exchange msgpack-encoded updates.
package crdt

import (
	"encoding/binary"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// UpdateHandler receives every update applied to a document together with its origin.
type UpdateHandler func(update []byte, origin any)

// Doc is a replicated document. All methods are safe for concurrent use.
type Doc struct {
	guid   string
	client uint64

	txMu sync.Mutex // serializes transactions and remote applies

	mu      sync.RWMutex
	clock   uint64
	maps    map[string]*Map
	texts   map[string]*Text
	pending []op

	handlersMu  sync.Mutex
	handlers    map[int]UpdateHandler
	nextHandler int
}

// NewDoc creates an empty document with a random client id.
func NewDoc(guid string) *Doc {
	id := uuid.New()
	return &Doc{
		guid:     guid,
		client:   binary.BigEndian.Uint64(id[:8]),
		maps:     make(map[string]*Map),
		texts:    make(map[string]*Text),
		handlers: make(map[int]UpdateHandler),
	}
}

// GUID returns the document identifier.
func (d *Doc) GUID() string {
	return d.guid
}

// ClientID returns the replica id used for local operations.
func (d *Doc) ClientID() uint64 {
	return d.client
}

// Map returns the named map, creating it on first use.
func (d *Doc) Map(name string) *Map {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mapLocked(name)
}

// Text returns the named text, creating it on first use.
func (d *Doc) Text(name string) *Text {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.textLocked(name)
}

func (d *Doc) mapLocked(name string) *Map {
	m, ok := d.maps[name]
	if !ok {
		m = newMap(d, name)
		d.maps[name] = m
	}
	return m
}

func (d *Doc) textLocked(name string) *Text {
	t, ok := d.texts[name]
	if !ok {
		t = newText(d, name)
		d.texts[name] = t
	}
	return t
}

func (d *Doc) nextID() ID {
	d.clock++
	return ID{Client: d.client, Clock: d.clock}
}

func (d *Doc) observe(id ID) {
	if id.Clock > d.clock {
		d.clock = id.Clock
	}
}

// IsEmpty reports whether the document has never received any operation.
func (d *Doc) IsEmpty() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, m := range d.maps {
		if len(m.entries) > 0 {
			return false
		}
	}
	for _, t := range d.texts {
		if len(t.nodes) > 0 {
			return false
		}
	}
	return true
}

// OnUpdate registers h for every update produced locally or applied remotely.
// The returned function removes the handler.
func (d *Doc) OnUpdate(h UpdateHandler) func() {
	d.handlersMu.Lock()
	defer d.handlersMu.Unlock()
	id := d.nextHandler
	d.nextHandler++
	d.handlers[id] = h
	return func() {
		d.handlersMu.Lock()
		defer d.handlersMu.Unlock()
		delete(d.handlers, id)
	}
}

func (d *Doc) emit(data []byte, origin any) {
	d.handlersMu.Lock()
	ids := make([]int, 0, len(d.handlers))
	for id := range d.handlers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	handlers := make([]UpdateHandler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, d.handlers[id])
	}
	d.handlersMu.Unlock()

	for _, h := range handlers {
		h(data, origin)
	}
}

// Tx collects the operations of one transaction.
type Tx struct {
	doc    *Doc
	origin any
	ops    []op
	maps   map[*Map]map[string]struct{}
	texts  map[*Text]struct{}
}

// Origin returns the origin passed to Transact.
func (tx *Tx) Origin() any {
	return tx.origin
}

func (tx *Tx) touchMap(m *Map, key string) {
	keys, ok := tx.maps[m]
	if !ok {
		keys = make(map[string]struct{})
		tx.maps[m] = keys
	}
	keys[key] = struct{}{}
}

// Transact runs fn as a single transaction. Observers and update handlers
// fire once after fn returns, with all of its operations in one update.
func (d *Doc) Transact(origin any, fn func(tx *Tx)) {
	d.txMu.Lock()
	tx := &Tx{
		doc:    d,
		origin: origin,
		maps:   make(map[*Map]map[string]struct{}),
		texts:  make(map[*Text]struct{}),
	}
	fn(tx)
	d.txMu.Unlock()

	if len(tx.ops) == 0 {
		return
	}
	d.dispatch(tx, true)
}

func (d *Doc) dispatch(tx *Tx, local bool) {
	for m, keys := range tx.maps {
		changed := make([]string, 0, len(keys))
		for k := range keys {
			changed = append(changed, k)
		}
		sort.Strings(changed)
		m.notify(MapEvent{Keys: changed, Origin: tx.origin, Local: local})
	}
	for t := range tx.texts {
		t.notify(TextEvent{Origin: tx.origin, Local: local})
	}

	data, err := encodeUpdate(d.guid, tx.ops)
	if err != nil {
		return
	}
	d.emit(data, tx.origin)
}

// ApplyUpdate merges a remote update. Applying the same update twice is a no-op.
func (d *Doc) ApplyUpdate(data []byte, origin any) error {
	u, err := decodeUpdate(data)
	if err != nil {
		return err
	}

	d.txMu.Lock()
	tx := &Tx{
		doc:    d,
		origin: origin,
		maps:   make(map[*Map]map[string]struct{}),
		texts:  make(map[*Text]struct{}),
	}

	d.mu.Lock()
	queue := append(d.pending, u.Ops...)
	d.pending = nil
	for progress := true; progress && len(queue) > 0; {
		progress = false
		var deferred []op
		for _, o := range queue {
			applied, ok := d.integrate(tx, o)
			if !ok {
				deferred = append(deferred, o)
				continue
			}
			progress = true
			if applied {
				tx.ops = append(tx.ops, o)
			}
		}
		queue = deferred
	}
	d.pending = queue
	d.mu.Unlock()
	d.txMu.Unlock()

	if len(tx.ops) == 0 {
		return nil
	}
	d.dispatch(tx, false)
	return nil
}

// integrate applies one remote op. ok is false when a causal dependency is
// missing; applied is false for duplicates and stale writes.
func (d *Doc) integrate(tx *Tx, o op) (applied bool, ok bool) {
	switch o.Kind {
	case opMapSet, opMapDelete:
		d.observe(o.ID)
		m := d.mapLocked(o.Name)
		if m.merge(o) {
			tx.touchMap(m, o.Key)
			return true, true
		}
		return false, true
	case opTextInsert:
		t := d.textLocked(o.Name)
		if n, exists := t.nodes[o.ID]; exists {
			if o.Deleted && !n.deleted {
				n.deleted = true
				tx.texts[t] = struct{}{}
				return true, true
			}
			return false, true
		}
		if o.Origin != nil {
			if _, exists := t.nodes[*o.Origin]; !exists {
				return false, false
			}
		}
		d.observe(o.ID)
		t.integrate(o)
		tx.texts[t] = struct{}{}
		return true, true
	case opTextDelete:
		t := d.textLocked(o.Name)
		n, exists := t.nodes[o.Target]
		if !exists {
			return false, false
		}
		if n.deleted {
			return false, true
		}
		n.deleted = true
		tx.texts[t] = struct{}{}
		return true, true
	}
	return false, true
}

// EncodeState returns the full document state as a single update.
func (d *Doc) EncodeState() []byte {
	d.mu.RLock()
	var ops []op

	mapNames := make([]string, 0, len(d.maps))
	for name := range d.maps {
		mapNames = append(mapNames, name)
	}
	sort.Strings(mapNames)
	for _, name := range mapNames {
		ops = append(ops, d.maps[name].stateOps()...)
	}

	textNames := make([]string, 0, len(d.texts))
	for name := range d.texts {
		textNames = append(textNames, name)
	}
	sort.Strings(textNames)
	for _, name := range textNames {
		ops = append(ops, d.texts[name].stateOps()...)
	}
	ops = append(ops, d.pending...)
	d.mu.RUnlock()

	data, _ := encodeUpdate(d.guid, ops)
	return data
}
