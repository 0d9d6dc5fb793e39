package partition

import (
	"bytes"

	"github.com/dgraph-io/badger/v4"
)

// badgerBackend is the alternate partition tree backend, selectable
// alongside pebbleBackend (mirrors internal/raft/raft_store_badger.go).
type badgerBackend struct {
	db *badger.DB
}

// OpenBadger opens (creating if absent) a badger-backed Backend at dir.
func OpenBadger(dir string) (Backend, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &badgerBackend{db: db}, nil
}

func (b *badgerBackend) Get(key []byte) ([]byte, error) {
	var out []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			out = append([]byte(nil), val...)
			return nil
		})
	})
	return out, err
}

func (b *badgerBackend) Set(key, val []byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, val)
	})
}

func (b *badgerBackend) Delete(key []byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

func (b *badgerBackend) Close() error { return b.db.Close() }

// NewIter snapshots the full key range (lower, upper) into memory up
// front. badger's iterator is transaction-scoped; bridging it to the
// cursor-shaped Iterator interface this package exposes elsewhere is
// simplest done by materializing the bounded range once, which is
// acceptable for a single partition's worth of keys.
func (b *badgerBackend) NewIter(lower, upper []byte) (Iterator, error) {
	var keys, vals [][]byte
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(lower); it.Valid(); it.Next() {
			item := it.Item()
			k := item.KeyCopy(nil)
			if upper != nil && bytes.Compare(k, upper) >= 0 {
				break
			}
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			keys = append(keys, k)
			vals = append(vals, v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &badgerIterator{keys: keys, vals: vals, idx: -1}, nil
}

type badgerIterator struct {
	keys, vals [][]byte
	idx        int
}

func (i *badgerIterator) First() bool {
	i.idx = 0
	return i.Valid()
}
func (i *badgerIterator) Next() bool {
	i.idx++
	return i.Valid()
}
func (i *badgerIterator) Valid() bool    { return i.idx >= 0 && i.idx < len(i.keys) }
func (i *badgerIterator) Key() []byte    { return i.keys[i.idx] }
func (i *badgerIterator) Value() []byte  { return i.vals[i.idx] }
func (i *badgerIterator) Close() error   { return nil }
