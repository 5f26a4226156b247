package nulldist

import (
	"bytes"
	"context"
	"fmt"
	"log"

	"github.com/dgraph-io/badger/v4"
	"github.com/dustin/go-humanize"
)

// BadgerStore keeps artifacts in a Badger key-value database, using the same
// encoding as FileStore.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadgerStore opens (or creates) a store at dir. An empty dir opens an
// in-memory database.
func OpenBadgerStore(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func badgerKey(key Key) []byte {
	return []byte("nulldist/" + key.String())
}

func (s *BadgerStore) Load(ctx context.Context, key Key) (*Distribution, error) {
	var raw []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(key))
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return Decode(bytes.NewReader(raw), key, "badger:"+string(badgerKey(key)))
}

func (s *BadgerStore) Save(ctx context.Context, d *Distribution) error {
	var buf bytes.Buffer
	if err := Encode(&buf, d); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(badgerKey(d.Key()), buf.Bytes())
	})
	if err != nil {
		return fmt.Errorf("failed to save artifact: %w", err)
	}
	log.Printf("[NullDist] Saved %s to badger (%s)", d.Key(), humanize.Bytes(uint64(buf.Len())))
	return nil
}

// Put stores raw bytes under key's slot. It exists so callers can import
// artifacts produced elsewhere.
func (s *BadgerStore) Put(key Key, raw []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(badgerKey(key), raw)
	})
}

// Close closes the underlying database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}
