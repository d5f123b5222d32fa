package crdt

import (
	"strings"
	"sync"
	"unicode/utf8"
)

// TextEvent signals that a text changed.
type TextEvent struct {
	Origin any
	Local  bool
}

type textNode struct {
	id      ID
	origin  *ID
	char    string
	deleted bool
	next    *textNode
}

// Text is a replicated growable array of runes.
type Text struct {
	doc   *Doc
	name  string
	head  *textNode
	nodes map[ID]*textNode

	obsMu     sync.Mutex
	observers map[int]func(TextEvent)
	nextObs   int
}

func newText(doc *Doc, name string) *Text {
	return &Text{
		doc:       doc,
		name:      name,
		head:      &textNode{},
		nodes:     make(map[ID]*textNode),
		observers: make(map[int]func(TextEvent)),
	}
}

// String returns the visible content.
func (t *Text) String() string {
	t.doc.mu.RLock()
	defer t.doc.mu.RUnlock()
	var b strings.Builder
	for n := t.head.next; n != nil; n = n.next {
		if !n.deleted {
			b.WriteString(n.char)
		}
	}
	return b.String()
}

// Len returns the number of visible runes.
func (t *Text) Len() int {
	t.doc.mu.RLock()
	defer t.doc.mu.RUnlock()
	count := 0
	for n := t.head.next; n != nil; n = n.next {
		if !n.deleted {
			count++
		}
	}
	return count
}

// visibleAt returns the node holding the rune before position pos, or head.
// Caller holds doc.mu.
func (t *Text) visibleAt(pos int) *textNode {
	prev := t.head
	if pos <= 0 {
		return prev
	}
	seen := 0
	for n := t.head.next; n != nil; n = n.next {
		if n.deleted {
			continue
		}
		prev = n
		seen++
		if seen == pos {
			break
		}
	}
	return prev
}

// Insert places s at rune position pos as part of tx.
func (t *Text) Insert(tx *Tx, pos int, s string) {
	if s == "" {
		return
	}
	t.doc.mu.Lock()
	left := t.visibleAt(pos)
	var origin *ID
	if left != t.head {
		id := left.id
		origin = &id
	}
	for len(s) > 0 {
		r, size := utf8.DecodeRuneInString(s)
		s = s[size:]
		o := op{Kind: opTextInsert, Name: t.name, ID: t.doc.nextID(), Origin: origin, Char: string(r)}
		t.integrate(o)
		tx.ops = append(tx.ops, o)
		id := o.ID
		origin = &id
	}
	t.doc.mu.Unlock()
	tx.texts[t] = struct{}{}
}

// Delete removes length runes starting at pos as part of tx.
func (t *Text) Delete(tx *Tx, pos, length int) {
	if length <= 0 {
		return
	}
	t.doc.mu.Lock()
	idx := 0
	for n := t.head.next; n != nil && length > 0; n = n.next {
		if n.deleted {
			continue
		}
		if idx >= pos {
			n.deleted = true
			tx.ops = append(tx.ops, op{Kind: opTextDelete, Name: t.name, Target: n.id})
			length--
		}
		idx++
	}
	t.doc.mu.Unlock()
	tx.texts[t] = struct{}{}
}

// integrate links an insert after its origin, skipping newer concurrent
// siblings so every replica converges on the same order. Caller holds doc.mu.
func (t *Text) integrate(o op) {
	prev := t.head
	if o.Origin != nil {
		prev = t.nodes[*o.Origin]
	}
	for prev.next != nil && prev.next.id.after(o.ID) {
		prev = prev.next
	}
	n := &textNode{id: o.ID, origin: o.Origin, char: o.Char, deleted: o.Deleted, next: prev.next}
	prev.next = n
	t.nodes[o.ID] = n
}

func (t *Text) stateOps() []op {
	ops := make([]op, 0, len(t.nodes))
	for n := t.head.next; n != nil; n = n.next {
		ops = append(ops, op{
			Kind:    opTextInsert,
			Name:    t.name,
			ID:      n.id,
			Origin:  n.origin,
			Char:    n.char,
			Deleted: n.deleted,
		})
	}
	return ops
}

// Observe registers fn for changes to this text and returns an unsubscribe function.
func (t *Text) Observe(fn func(TextEvent)) func() {
	t.obsMu.Lock()
	defer t.obsMu.Unlock()
	id := t.nextObs
	t.nextObs++
	t.observers[id] = fn
	return func() {
		t.obsMu.Lock()
		defer t.obsMu.Unlock()
		delete(t.observers, id)
	}
}

func (t *Text) notify(ev TextEvent) {
	t.obsMu.Lock()
	fns := make([]func(TextEvent), 0, len(t.observers))
	for _, fn := range t.observers {
		fns = append(fns, fn)
	}
	t.obsMu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}
