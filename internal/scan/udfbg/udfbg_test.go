package udfbg

import (
	"bytes"
	"net"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/user/kvscan/internal/partition"
	"github.com/user/kvscan/internal/record"
	"github.com/user/kvscan/internal/scan/conn"
	"github.com/user/kvscan/internal/scan/handle"
	"github.com/user/kvscan/internal/scan/job"
	"github.com/user/kvscan/internal/txqueue"
	"github.com/user/kvscan/internal/udf"
)

type fakeBackend struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newFakeBackend() *fakeBackend { return &fakeBackend{data: make(map[string][]byte)} }

func (b *fakeBackend) Get(key []byte) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.data[string(key)], nil
}
func (b *fakeBackend) Set(key, val []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data[string(key)] = append([]byte(nil), val...)
	return nil
}
func (b *fakeBackend) Delete(key []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.data, string(key))
	return nil
}
func (b *fakeBackend) Close() error { return nil }
func (b *fakeBackend) NewIter(lower, upper []byte) (partition.Iterator, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var keys, vals [][]byte
	for k, v := range b.data {
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
	byKey := make(map[string][]byte, len(keys))
	for i, k := range keys {
		byKey[string(k)] = vals[i]
	}
	sortedVals := make([][]byte, len(keys))
	for i, k := range keys {
		sortedVals[i] = byKey[string(k)]
	}
	return &fakeIter{keys: keys, vals: sortedVals, idx: -1}, nil
}

type fakeIter struct {
	keys, vals [][]byte
	idx        int
}

func (it *fakeIter) First() bool   { it.idx = 0; return it.Valid() }
func (it *fakeIter) Next() bool    { it.idx++; return it.Valid() }
func (it *fakeIter) Valid() bool   { return it.idx >= 0 && it.idx < len(it.keys) }
func (it *fakeIter) Key() []byte   { return it.keys[it.idx] }
func (it *fakeIter) Value() []byte { return it.vals[it.idx] }
func (it *fakeIter) Close() error  { return nil }

func digestOf(b byte) job.Digest {
	var d job.Digest
	d[len(d)-1] = b
	return d
}

func newTestConnPair(t *testing.T) (*conn.State, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close() })
	go func() {
		buf := make([]byte, 64)
		client.SetReadDeadline(time.Now().Add(time.Second))
		client.Read(buf)
	}()
	return conn.New(server, -1, false), client
}

func touchWrite() udf.WriteFunc {
	return func(rec *record.Record) (*record.Record, error) {
		if rec.Bins == nil {
			rec.Bins = map[string]any{}
		}
		rec.Bins["touched"] = true
		return rec, nil
	}
}

func TestNewRejectsDisabledRegistry(t *testing.T) {
	c, _ := newTestConnPair(t)
	_, err := New(1, c, Options{Registry: nil})
	if err == nil {
		t.Fatal("expected rejection when UDF registry is disabled (nil)")
	}
	if job.ReasonOf(err) != job.ReasonForbidden {
		t.Errorf("reason = %v, want ReasonForbidden", job.ReasonOf(err))
	}
}

func TestNewRejectsUnknownWriteDefinition(t *testing.T) {
	reg := udf.NewRegistry()
	c, _ := newTestConnPair(t)
	_, err := New(1, c, Options{Registry: reg, WriteDef: udf.Definition{Module: "m", Name: "missing"}})
	if err == nil {
		t.Fatal("expected rejection for an unregistered write UDF")
	}
}

func TestNewRejectsOverRPSCeiling(t *testing.T) {
	reg := udf.NewRegistry()
	def := udf.Definition{Module: "m", Name: "touch"}
	reg.RegisterWrite(def, touchWrite())

	c, _ := newTestConnPair(t)
	_, err := New(1, c, Options{Registry: reg, WriteDef: def, RPS: 100, MaxRPS: 50})
	if err == nil {
		t.Fatal("expected rejection when RPS exceeds background_scan_max_rps")
	}
}

func TestSliceSubmitsUDFForEachSurvivor(t *testing.T) {
	backend := newFakeBackend()
	store := partition.Open("ns", backend)
	store.Put(1, &record.Record{Digest: digestOf(1), Bins: map[string]any{}})
	store.Put(1, &record.Record{Digest: digestOf(2), Bins: map[string]any{}})
	store.Put(1, &record.Record{Digest: digestOf(3), Tombstone: true, Bins: map[string]any{}})

	reg := udf.NewRegistry()
	def := udf.Definition{Module: "m", Name: "touch"}
	reg.RegisterWrite(def, touchWrite())

	handleTable := handle.NewTable()
	queue := txqueue.NewQueue(store, 2, handleTable.Dispatch)
	defer queue.Close()

	c, _ := newTestConnPair(t)
	j, err := New(1, c, Options{
		Namespace:   "ns",
		SetID:       job.InvalidSetID,
		Registry:    reg,
		WriteDef:    def,
		Queue:       queue,
		HandleTable: handleTable,
		MaxRPS:      1000,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer j.Destroy()

	rsv := store.Reserve(1)
	if err := j.Slice(rsv); err != nil {
		t.Fatalf("Slice: %v", err)
	}
	j.Finish()

	if got := j.Counters().Succeeded(); got != 2 {
		t.Errorf("Succeeded() = %d, want 2 (tombstone excluded)", got)
	}

	rec, err := store.GetRecord(1, digestOf(1))
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if rec.Bins["touched"] != true {
		t.Errorf("record 1 bins = %v, want touched=true", rec.Bins)
	}
}

func TestOnTxCompleteNotFoundIsIgnoredNotFailed(t *testing.T) {
	reg := udf.NewRegistry()
	def := udf.Definition{Module: "m", Name: "touch"}
	reg.RegisterWrite(def, touchWrite())

	handleTable := handle.NewTable()
	c, _ := newTestConnPair(t)
	j, err := New(1, c, Options{
		Registry:    reg,
		WriteDef:    def,
		HandleTable: handleTable,
		MaxRPS:      1000,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer j.Destroy()

	j.OnTxComplete(txqueue.ResultNotFound)
	if j.Counters().Succeeded() != 0 || j.Counters().Failed() != 0 {
		t.Error("ResultNotFound should not count as succeeded or failed")
	}
}
