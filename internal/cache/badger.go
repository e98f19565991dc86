package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v3"
)

var (
	badgerValuePrefix = []byte("v:")
	badgerTagPrefix   = []byte("t:")
)

// BadgerMedium is an embedded, persistent Medium. Each tag is indexed by an
// empty key t:<tag>\x00<key> sharing the entry's TTL. Overwriting an entry
// with different tags leaves the old index keys in place until they expire,
// which can only cause an extra miss.
type BadgerMedium struct {
	db *badger.DB
}

// OpenBadgerMedium opens dir, or an in-memory database when dir is empty.
func OpenBadgerMedium(dir string) (*BadgerMedium, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger cache: %w", err)
	}
	return &BadgerMedium{db: db}, nil
}

func badgerValueKey(key string) []byte {
	return append(append([]byte(nil), badgerValuePrefix...), key...)
}

func badgerTagPrefixFor(tag string) []byte {
	p := append(append([]byte(nil), badgerTagPrefix...), tag...)
	return append(p, tagSep...)
}

func (b *BadgerMedium) Get(_ context.Context, key string) ([]byte, bool, error) {
	var out []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerValueKey(key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return out, true, nil
}

func (b *BadgerMedium) Set(_ context.Context, key string, value []byte, ttl time.Duration, tags []string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry(badgerValueKey(key), value)
		if ttl > 0 {
			e = e.WithTTL(ttl)
		}
		if err := txn.SetEntry(e); err != nil {
			return err
		}
		for _, tag := range tags {
			ik := append(badgerTagPrefixFor(tag), key...)
			ie := badger.NewEntry(ik, nil)
			if ttl > 0 {
				ie = ie.WithTTL(ttl)
			}
			if err := txn.SetEntry(ie); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (b *BadgerMedium) Delete(_ context.Context, key string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(badgerValueKey(key))
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (b *BadgerMedium) InvalidateTag(_ context.Context, tag string) (int, error) {
	prefix := badgerTagPrefixFor(tag)
	n := 0
	err := b.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix

		var indexKeys [][]byte
		it := txn.NewIterator(opts)
		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			indexKeys = append(indexKeys, it.Item().KeyCopy(nil))
		}
		it.Close()

		for _, ik := range indexKeys {
			key := bytes.TrimPrefix(ik, prefix)
			vk := badgerValueKey(string(key))
			if _, err := txn.Get(vk); err == nil {
				n++
			}
			if err := txn.Delete(vk); err != nil {
				return err
			}
			if err := txn.Delete(ik); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return n, nil
}

func (b *BadgerMedium) Close() error {
	return b.db.Close()
}
