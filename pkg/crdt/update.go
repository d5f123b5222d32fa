package crdt

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// ID identifies a single operation. Ordering is Lamport clock first, then client.
type ID struct {
	Client uint64 `msgpack:"c"`
	Clock  uint64 `msgpack:"k"`
}

func (a ID) after(b ID) bool {
	if a.Clock != b.Clock {
		return a.Clock > b.Clock
	}
	return a.Client > b.Client
}

func (a ID) String() string {
	return fmt.Sprintf("%d@%d", a.Clock, a.Client)
}

type opKind uint8

const (
	opMapSet opKind = iota + 1
	opMapDelete
	opTextInsert
	opTextDelete
)

type op struct {
	Kind    opKind `msgpack:"t"`
	Name    string `msgpack:"n"`
	ID      ID     `msgpack:"i"`
	Key     string `msgpack:"key,omitempty"`
	Value   []byte `msgpack:"v,omitempty"`
	Origin  *ID    `msgpack:"o,omitempty"`
	Char    string `msgpack:"ch,omitempty"`
	Deleted bool   `msgpack:"d,omitempty"`
	Target  ID     `msgpack:"x,omitempty"`
}

type update struct {
	Doc string `msgpack:"doc"`
	Ops []op   `msgpack:"ops"`
}

func encodeUpdate(guid string, ops []op) ([]byte, error) {
	data, err := msgpack.Marshal(&update{Doc: guid, Ops: ops})
	if err != nil {
		return nil, fmt.Errorf("failed to encode update: %w", err)
	}
	return data, nil
}

func decodeUpdate(data []byte) (*update, error) {
	var u update
	if err := msgpack.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("failed to decode update: %w", err)
	}
	return &u, nil
}

// MergeUpdates folds several updates into one. Used to compact persisted history.
func MergeUpdates(updates ...[]byte) ([]byte, error) {
	doc := NewDoc("")
	for _, u := range updates {
		if err := doc.ApplyUpdate(u, nil); err != nil {
			return nil, err
		}
	}
	return doc.EncodeState(), nil
}
