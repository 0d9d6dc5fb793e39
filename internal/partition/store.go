// Package partition is the minimal, real substitute for spec.md's
// "partition reservation / index iteration primitives" — out of scope
// for the scan core's design, but given a concrete pluggable storage
// backend here so the core is actually runnable. Mirrors the teacher
// repo's dual pebble/badger backend selection in
// internal/raft/raft_store_{pebble,badger}.go.
package partition

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/user/kvscan/internal/record"
	"github.com/user/kvscan/internal/scan/job"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("partition: key not found")

// Backend is the ordered key-value engine underlying the record tree.
// pebbleBackend and badgerBackend both implement it.
type Backend interface {
	Get(key []byte) ([]byte, error)
	Set(key, val []byte) error
	Delete(key []byte) error
	NewIter(lower, upper []byte) (Iterator, error)
	Close() error
}

// Iterator walks a bounded key range in ascending key order.
type Iterator interface {
	First() bool
	Next() bool
	Valid() bool
	Key() []byte
	Value() []byte
	Close() error
}

// Store is one namespace's partition tree: NPartitions independent
// keyspaces, each ordered by digest within the partition.
type Store struct {
	Namespace string
	backend   Backend

	mu          sync.RWMutex
	unavailable map[uint16]bool
	counts      []int64
}

// Open creates a Store over the given backend for one namespace.
func Open(namespace string, backend Backend) *Store {
	return &Store{
		Namespace:   namespace,
		backend:     backend,
		unavailable: make(map[uint16]bool),
		counts:      make([]int64, job.NPartitions),
	}
}

func (s *Store) Close() error { return s.backend.Close() }

// MarkUnavailable simulates a partition whose reservation tree is nil
// (e.g. mid-migration), matching spec.md §4.2 step 2. Only tests call
// this; nothing in the module derives availability from real
// cluster/migration state, which is out of this core's scope.
func (s *Store) MarkUnavailable(pid uint16, unavailable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if unavailable {
		s.unavailable[pid] = true
	} else {
		delete(s.unavailable, pid)
	}
}

func (s *Store) isUnavailable(pid uint16) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.unavailable[pid]
}

// Reservation is a short-lived hold on one partition's tree, granting
// safe iteration/read access for the duration of a slice callback.
type Reservation struct {
	store     *Store
	Pid       uint16
	Available bool
}

// Reserve acquires a reservation for pid. Available is false when the
// partition's tree is nil (spec.md's rsv.tree == nil case).
func (s *Store) Reserve(pid uint16) *Reservation {
	return &Reservation{store: s, Pid: pid, Available: !s.isUnavailable(pid)}
}

// Release is a no-op placeholder for the reservation's lifetime hook;
// real partition reservations pin the tree against concurrent
// migration eviction, which this in-process store has no notion of.
func (r *Reservation) Release() {}

// TreeSize returns the partition's entry count, tombstones included
// (every first Put of a key counts), used by sample-pct
// mode to compute a pre-filter visit ceiling (spec.md §4.2 step 5).
func (r *Reservation) TreeSize() int64 {
	return r.store.counts[r.Pid]
}

func partitionBounds(pid uint16) (lower, upper []byte) {
	lower = make([]byte, 2)
	binary.BigEndian.PutUint16(lower, pid)
	upper = make([]byte, 2)
	binary.BigEndian.PutUint16(upper, pid+1)
	return
}

func recordKey(pid uint16, d job.Digest) []byte {
	k := make([]byte, 2+job.DigestSize)
	binary.BigEndian.PutUint16(k, pid)
	copy(k[2:], d[:])
	return k
}

// VisitFunc is called once per entry visited during a reduce. Returning
// stop == true ends iteration immediately; err != nil aborts it.
type VisitFunc func(rec *record.Record) (stop bool, err error)

func (r *Reservation) iterate(liveOnly bool, from *job.Digest, visit VisitFunc) error {
	lower, upper := partitionBounds(r.Pid)
	if from != nil {
		lower = recordKey(r.Pid, *from)
	}
	it, err := r.store.backend.NewIter(lower, upper)
	if err != nil {
		return err
	}
	defer it.Close()

	for ok := it.First(); ok; ok = it.Next() {
		rec, err := record.Decode(it.Value())
		if err != nil {
			return err
		}
		if liveOnly && rec.IsTombstone() {
			continue
		}
		stop, err := visit(rec)
		if err != nil {
			return err
		}
		if stop {
			return nil
		}
	}
	return nil
}

// ReduceLive iterates this partition's live (non-tombstone) records
// from the partition's first key.
func (r *Reservation) ReduceLive(visit VisitFunc) error {
	return r.iterate(true, nil, visit)
}

// ReduceFrom iterates every entry in this partition, including
// tombstones, starting at from (or the partition's first key if nil).
func (r *Reservation) ReduceFrom(from *job.Digest, visit VisitFunc) error {
	return r.iterate(false, from, visit)
}

// ReduceFromLive iterates this partition's live records starting at
// from (or the partition's first key if nil).
func (r *Reservation) ReduceFromLive(from *job.Digest, visit VisitFunc) error {
	return r.iterate(true, from, visit)
}

// Put stores (or overwrites) a record and maintains the partition's
// entry counter. Used by internal/txqueue's write paths and by tests to
// seed data.
func (s *Store) Put(pid uint16, rec *record.Record) error {
	val, err := record.Encode(rec)
	if err != nil {
		return err
	}
	key := recordKey(pid, rec.Digest)
	existed, _ := s.backend.Get(key)
	if err := s.backend.Set(key, val); err != nil {
		return err
	}
	if existed != nil {
		return nil // overwrite: count unchanged
	}
	s.counts[pid]++
	return nil
}

// OpenRecord looks up a single record by digest within a partition.
// The returned close func is the honest substitute for releasing a
// storage record lock; this in-memory store holds none.
func (r *Reservation) OpenRecord(d job.Digest) (*record.Record, func(), error) {
	val, err := r.store.backend.Get(recordKey(r.Pid, d))
	if err != nil {
		return nil, nil, err
	}
	if val == nil {
		return nil, nil, ErrNotFound
	}
	rec, err := record.Decode(val)
	if err != nil {
		return nil, nil, err
	}
	return rec, func() {}, nil
}

// GetRecord looks up a single record by partition and digest directly
// on the Store, for callers (the internal transaction submitter) that
// act outside the scope of a slice's reservation.
func (s *Store) GetRecord(pid uint16, d job.Digest) (*record.Record, error) {
	val, err := s.backend.Get(recordKey(pid, d))
	if err != nil {
		return nil, err
	}
	if val == nil {
		return nil, ErrNotFound
	}
	return record.Decode(val)
}
