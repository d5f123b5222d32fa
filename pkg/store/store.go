// Package store keeps local CRDT history and per-document metadata in badger.
package store

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

var ErrNotFound = errors.New("store: key not found")

// Metadata keys kept next to each document's history.
const (
	MetaPath       = "path"
	MetaRelay      = "relay"
	MetaAppID      = "appId"
	MetaS3RN       = "s3rn"
	MetaOrigin     = "origin"
	MetaServerSync = "serverSync"
)

// Store is the process-wide badger database. Every document gets its own
// keyspace under doc/<guid>/.
type Store struct {
	db     *badger.DB
	logger *zap.Logger
	seq    atomic.Uint64
}

// Open opens the database in dir. An empty dir opens an in-memory database.
func Open(dir string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	logger.Debug("Opened local store", zap.String("dir", dir), zap.Bool("in_memory", dir == ""))
	return &Store{db: db, logger: logger}, nil
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Doc returns the keyspace of one document.
func (s *Store) Doc(guid string) *DocStore {
	return &DocStore{store: s, guid: guid, prefix: "doc/" + guid + "/"}
}

// Docs lists the guids that have anything persisted.
func (s *Store) Docs() ([]string, error) {
	seen := make(map[string]struct{})
	var guids []string
	prefix := []byte("doc/")

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			rest := strings.TrimPrefix(string(it.Item().Key()), "doc/")
			guid, _, ok := strings.Cut(rest, "/")
			if !ok {
				continue
			}
			if _, dup := seen[guid]; !dup {
				seen[guid] = struct{}{}
				guids = append(guids, guid)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	return guids, nil
}

// DocStore is the keyspace of a single document.
type DocStore struct {
	store  *Store
	guid   string
	prefix string
}

// GUID returns the owning document id.
func (d *DocStore) GUID() string {
	return d.guid
}

func (d *DocStore) updatePrefix() []byte {
	return []byte(d.prefix + "u/")
}

func (d *DocStore) metaKey(key string) []byte {
	return []byte(d.prefix + "m/" + key)
}

// AppendUpdate persists one CRDT update after the existing history.
func (d *DocStore) AppendUpdate(update []byte) error {
	key := fmt.Sprintf("%su/%020d-%08d", d.prefix, time.Now().UnixNano(), d.store.seq.Add(1)%100000000)
	return d.store.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), update)
	})
}

// Updates returns the persisted history in write order.
func (d *DocStore) Updates() ([][]byte, error) {
	var updates [][]byte
	prefix := d.updatePrefix()

	err := d.store.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			v, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			updates = append(updates, v)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read updates for %s: %w", d.guid, err)
	}
	return updates, nil
}

// Compact replaces the whole history with a single state update.
func (d *DocStore) Compact(state []byte) error {
	prefix := d.updatePrefix()
	return d.store.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		var keys [][]byte
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		it.Close()

		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		key := fmt.Sprintf("%su/%020d-%08d", d.prefix, time.Now().UnixNano(), d.store.seq.Add(1)%100000000)
		return txn.Set([]byte(key), state)
	})
}

// SetMeta stores a small metadata value.
func (d *DocStore) SetMeta(key, value string) error {
	return d.store.db.Update(func(txn *badger.Txn) error {
		return txn.Set(d.metaKey(key), []byte(value))
	})
}

// Meta reads a metadata value, returning ErrNotFound when unset.
func (d *DocStore) Meta(key string) (string, error) {
	var value string
	err := d.store.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(d.metaKey(key))
		if err != nil {
			return err
		}
		v, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		value = string(v)
		return nil
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read %s for %s: %w", key, d.guid, err)
	}
	return value, nil
}

// Metas returns every metadata key of the document.
func (d *DocStore) Metas() (map[string]string, error) {
	metas := make(map[string]string)
	prefix := []byte(d.prefix + "m/")

	err := d.store.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			v, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			metas[strings.TrimPrefix(string(it.Item().Key()), string(prefix))] = string(v)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata for %s: %w", d.guid, err)
	}
	return metas, nil
}

// Destroy removes the document's history and metadata.
func (d *DocStore) Destroy() error {
	if err := d.store.db.DropPrefix([]byte(d.prefix)); err != nil {
		return fmt.Errorf("failed to drop %s: %w", d.guid, err)
	}
	return nil
}
