package partition

import (
	"bytes"
	"sort"
	"sync"
	"testing"

	"github.com/user/kvscan/internal/record"
	"github.com/user/kvscan/internal/scan/job"
)

// memBackend is an in-process Backend fake used to exercise Store and
// Reservation logic without depending on pebble/badger's on-disk state.
type memBackend struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemBackend() *memBackend { return &memBackend{data: make(map[string][]byte)} }

func (m *memBackend) Get(key []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data[string(key)], nil
}

func (m *memBackend) Set(key, val []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[string(key)] = append([]byte(nil), val...)
	return nil
}

func (m *memBackend) Delete(key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, string(key))
	return nil
}

func (m *memBackend) Close() error { return nil }

func (m *memBackend) NewIter(lower, upper []byte) (Iterator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys, vals [][]byte
	for k, v := range m.data {
		kb := []byte(k)
		if bytes.Compare(kb, lower) < 0 {
			continue
		}
		if upper != nil && bytes.Compare(kb, upper) >= 0 {
			continue
		}
		keys = append(keys, kb)
		vals = append(vals, v)
	}
	sort.Slice(keys, func(i, j int) bool { return bytes.Compare(keys[i], keys[j]) < 0 })
	// vals need the same ordering; resort alongside.
	sortedVals := make([][]byte, len(keys))
	valByKey := make(map[string][]byte, len(keys))
	for i, k := range keys {
		valByKey[string(k)] = vals[i]
	}
	for i, k := range keys {
		sortedVals[i] = valByKey[string(k)]
	}
	return &memIterator{keys: keys, vals: sortedVals, idx: -1}, nil
}

type memIterator struct {
	keys, vals [][]byte
	idx        int
}

func (it *memIterator) First() bool   { it.idx = 0; return it.Valid() }
func (it *memIterator) Next() bool    { it.idx++; return it.Valid() }
func (it *memIterator) Valid() bool   { return it.idx >= 0 && it.idx < len(it.keys) }
func (it *memIterator) Key() []byte   { return it.keys[it.idx] }
func (it *memIterator) Value() []byte { return it.vals[it.idx] }
func (it *memIterator) Close() error  { return nil }

func digestOf(b byte) job.Digest {
	var d job.Digest
	d[len(d)-1] = b
	return d
}

func TestPutAndOpenRecord(t *testing.T) {
	s := Open("ns", newMemBackend())
	rec := &record.Record{Digest: digestOf(1), Bins: map[string]any{"a": 1}}
	if err := s.Put(3, rec); err != nil {
		t.Fatalf("Put: %v", err)
	}
	rsv := s.Reserve(3)
	got, closeFn, err := rsv.OpenRecord(digestOf(1))
	if err != nil {
		t.Fatalf("OpenRecord: %v", err)
	}
	defer closeFn()
	if got.Bins["a"] != 1 {
		t.Errorf("got bins %v, want a=1", got.Bins)
	}
}

func TestOpenRecordNotFound(t *testing.T) {
	s := Open("ns", newMemBackend())
	rsv := s.Reserve(0)
	_, _, err := rsv.OpenRecord(digestOf(9))
	if err != ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestReservationAvailability(t *testing.T) {
	s := Open("ns", newMemBackend())
	rsv := s.Reserve(5)
	if !rsv.Available {
		t.Fatal("fresh partition should be available")
	}
	s.MarkUnavailable(5, true)
	rsv2 := s.Reserve(5)
	if rsv2.Available {
		t.Error("marked-unavailable partition should report Available = false")
	}
	s.MarkUnavailable(5, false)
	rsv3 := s.Reserve(5)
	if !rsv3.Available {
		t.Error("clearing unavailability should restore Available = true")
	}
}

func TestTreeSizeTracksLivePuts(t *testing.T) {
	s := Open("ns", newMemBackend())
	rsv := s.Reserve(2)
	if rsv.TreeSize() != 0 {
		t.Fatalf("TreeSize() = %d, want 0 before any puts", rsv.TreeSize())
	}
	s.Put(2, &record.Record{Digest: digestOf(1), Bins: map[string]any{}})
	s.Put(2, &record.Record{Digest: digestOf(2), Bins: map[string]any{}})
	rsv2 := s.Reserve(2)
	if rsv2.TreeSize() != 2 {
		t.Errorf("TreeSize() = %d, want 2", rsv2.TreeSize())
	}
	// Overwriting an existing digest must not inflate the live count.
	s.Put(2, &record.Record{Digest: digestOf(1), Bins: map[string]any{"x": 1}})
	rsv3 := s.Reserve(2)
	if rsv3.TreeSize() != 2 {
		t.Errorf("TreeSize() after overwrite = %d, want 2 (unchanged)", rsv3.TreeSize())
	}
}

func TestReduceLiveSkipsTombstones(t *testing.T) {
	s := Open("ns", newMemBackend())
	s.Put(1, &record.Record{Digest: digestOf(1), Bins: map[string]any{}})
	s.Put(1, &record.Record{Digest: digestOf(2), Tombstone: true, Bins: map[string]any{}})

	rsv := s.Reserve(1)
	var visited []job.Digest
	err := rsv.ReduceLive(func(rec *record.Record) (bool, error) {
		visited = append(visited, rec.Digest)
		return false, nil
	})
	if err != nil {
		t.Fatalf("ReduceLive: %v", err)
	}
	if len(visited) != 1 || visited[0] != digestOf(1) {
		t.Errorf("ReduceLive visited %v, want only digestOf(1)", visited)
	}
}

func TestReduceFromIncludesTombstones(t *testing.T) {
	s := Open("ns", newMemBackend())
	s.Put(1, &record.Record{Digest: digestOf(1), Bins: map[string]any{}})
	s.Put(1, &record.Record{Digest: digestOf(2), Tombstone: true, Bins: map[string]any{}})

	rsv := s.Reserve(1)
	count := 0
	err := rsv.ReduceFrom(nil, func(rec *record.Record) (bool, error) {
		count++
		return false, nil
	})
	if err != nil {
		t.Fatalf("ReduceFrom: %v", err)
	}
	if count != 2 {
		t.Errorf("ReduceFrom visited %d records, want 2 (tombstones included)", count)
	}
}

func TestReduceStopsEarly(t *testing.T) {
	s := Open("ns", newMemBackend())
	for i := byte(1); i <= 5; i++ {
		s.Put(1, &record.Record{Digest: digestOf(i), Bins: map[string]any{}})
	}
	rsv := s.Reserve(1)
	count := 0
	err := rsv.ReduceLive(func(rec *record.Record) (bool, error) {
		count++
		return count == 2, nil
	})
	if err != nil {
		t.Fatalf("ReduceLive: %v", err)
	}
	if count != 2 {
		t.Errorf("ReduceLive visited %d records, want 2 (stop requested)", count)
	}
}

func TestGetRecordOnStore(t *testing.T) {
	s := Open("ns", newMemBackend())
	s.Put(4, &record.Record{Digest: digestOf(7), Bins: map[string]any{"z": true}})
	rec, err := s.GetRecord(4, digestOf(7))
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if rec.Bins["z"] != true {
		t.Errorf("GetRecord bins = %v", rec.Bins)
	}
	if _, err := s.GetRecord(4, digestOf(8)); err != ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
