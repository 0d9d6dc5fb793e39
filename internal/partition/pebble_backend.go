package partition

import (
	"github.com/cockroachdb/pebble"
)

// pebbleBackend is the default partition tree backend, grounded on
// internal/raft/raft_store_pebble.go's pebble.Open/NewIter usage.
type pebbleBackend struct {
	db *pebble.DB
}

// OpenPebble opens (creating if absent) a pebble-backed Backend at dir.
func OpenPebble(dir string) (Backend, error) {
	db, err := pebble.Open(dir, &pebble.Options{
		MemTableSize:          16 << 20,
		L0CompactionThreshold: 8,
	})
	if err != nil {
		return nil, err
	}
	return &pebbleBackend{db: db}, nil
}

func (b *pebbleBackend) Get(key []byte) ([]byte, error) {
	v, closer, err := b.db.Get(key)
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := append([]byte(nil), v...)
	_ = closer.Close()
	return out, nil
}

func (b *pebbleBackend) Set(key, val []byte) error {
	return b.db.Set(key, val, pebble.Sync)
}

func (b *pebbleBackend) Delete(key []byte) error {
	return b.db.Delete(key, pebble.Sync)
}

func (b *pebbleBackend) Close() error { return b.db.Close() }

func (b *pebbleBackend) NewIter(lower, upper []byte) (Iterator, error) {
	it, err := b.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	return &pebbleIterator{it: it}, nil
}

type pebbleIterator struct {
	it    *pebble.Iterator
	valid bool
}

func (i *pebbleIterator) First() bool    { i.valid = i.it.First(); return i.valid }
func (i *pebbleIterator) Next() bool     { i.valid = i.it.Next(); return i.valid }
func (i *pebbleIterator) Valid() bool    { return i.valid }
func (i *pebbleIterator) Key() []byte    { return i.it.Key() }
func (i *pebbleIterator) Value() []byte  { return i.it.Value() }
func (i *pebbleIterator) Close() error   { return i.it.Close() }
