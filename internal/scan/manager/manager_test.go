package manager

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/user/kvscan/internal/partition"
	"github.com/user/kvscan/internal/scan/job"
)

// emptyBackend is a partition.Backend with no data, just enough for
// Store.Reserve to have a non-nil *Store to operate on.
type emptyBackend struct{}

func (emptyBackend) Get(key []byte) ([]byte, error)        { return nil, nil }
func (emptyBackend) Set(key, val []byte) error             { return nil }
func (emptyBackend) Delete(key []byte) error                { return nil }
func (emptyBackend) Close() error                           { return nil }
func (emptyBackend) NewIter(lower, upper []byte) (partition.Iterator, error) {
	return &emptyIter{}, nil
}

type emptyIter struct{}

func (emptyIter) First() bool   { return false }
func (emptyIter) Next() bool    { return false }
func (emptyIter) Valid() bool   { return false }
func (emptyIter) Key() []byte   { return nil }
func (emptyIter) Value() []byte { return nil }
func (emptyIter) Close() error  { return nil }

func newTestStore() *partition.Store {
	return partition.Open("ns", emptyBackend{})
}

// fakeJob is a minimal job.ScanJob + job.Abortable used to drive the
// manager without depending on any real scan flavor.
type fakeJob struct {
	trid uint64

	mu      sync.Mutex
	sliced  []uint16
	onSlice func(pid uint16)

	finished atomic.Bool
	destroyed atomic.Bool
	abandoned atomic.Int32
}

func (j *fakeJob) Slice(rsv any) error {
	r, ok := rsv.(*partition.Reservation)
	if !ok {
		return nil
	}
	j.mu.Lock()
	j.sliced = append(j.sliced, r.Pid)
	j.mu.Unlock()
	if j.onSlice != nil {
		j.onSlice(r.Pid)
	}
	return nil
}

func (j *fakeJob) Finish()  { j.finished.Store(true) }
func (j *fakeJob) Destroy() { j.destroyed.Store(true) }
func (j *fakeJob) Info() job.Stat {
	return job.Stat{Trid: j.trid, JobType: "fake", Abandoned: job.Reason(j.abandoned.Load())}
}
func (j *fakeJob) Abandon(reason job.Reason) bool {
	return j.abandoned.CompareAndSwap(int32(job.ReasonNone), int32(reason))
}

func (j *fakeJob) slicedPartitions() []uint16 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]uint16(nil), j.sliced...)
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestSubmitSlicesEveryRequestedPartition(t *testing.T) {
	m := New(newTestStore(), 4, nil)
	j := &fakeJob{trid: 1}

	m.Submit(1, j, []uint16{3, 7, 9})
	waitUntil(t, func() bool { return j.destroyed.Load() })

	got := j.slicedPartitions()
	if len(got) != 3 {
		t.Fatalf("sliced %v partitions, want 3", got)
	}
	if !j.finished.Load() {
		t.Error("Finish was not called before Destroy")
	}
}

func TestSubmitRemovesJobAfterCompletion(t *testing.T) {
	m := New(newTestStore(), 2, nil)
	j := &fakeJob{trid: 5}

	m.Submit(5, j, []uint16{1})
	waitUntil(t, func() bool { return j.destroyed.Load() })
	waitUntil(t, func() bool { return m.ActiveJobCount() == 0 })

	if _, ok := m.GetJobInfo(5); ok {
		t.Error("GetJobInfo should not find a job after it completes")
	}
}

func TestGetJobInfoWhileRunning(t *testing.T) {
	m := New(newTestStore(), 1, nil)
	release := make(chan struct{})
	j := &fakeJob{trid: 9, onSlice: func(uint16) { <-release }}

	m.Submit(9, j, []uint16{1})
	waitUntil(t, func() bool {
		_, ok := m.GetJobInfo(9)
		return ok
	})

	stat, ok := m.GetJobInfo(9)
	if !ok || stat.Trid != 9 {
		t.Fatalf("GetJobInfo(9) = %+v, %v", stat, ok)
	}
	close(release)
	waitUntil(t, func() bool { return j.destroyed.Load() })
}

func TestAbortJobSetsUserAbortReason(t *testing.T) {
	m := New(newTestStore(), 1, nil)
	release := make(chan struct{})
	j := &fakeJob{trid: 2, onSlice: func(uint16) { <-release }}

	m.Submit(2, j, []uint16{1})
	waitUntil(t, func() bool {
		_, ok := m.GetJobInfo(2)
		return ok
	})

	if !m.AbortJob(2) {
		t.Fatal("AbortJob should succeed on a running job")
	}
	if j.abandoned.Load() != int32(job.ReasonUserAbort) {
		t.Errorf("Abandoned = %v, want ReasonUserAbort", job.Reason(j.abandoned.Load()))
	}
	close(release)
	waitUntil(t, func() bool { return j.destroyed.Load() })
}

func TestAbortJobUnknownTridReturnsFalse(t *testing.T) {
	m := New(newTestStore(), 1, nil)
	if m.AbortJob(12345) {
		t.Error("AbortJob on an unknown trid should return false")
	}
}

func TestAbortAllAbortsEveryActiveJob(t *testing.T) {
	m := New(newTestStore(), 2, nil)
	release := make(chan struct{})
	j1 := &fakeJob{trid: 1, onSlice: func(uint16) { <-release }}
	j2 := &fakeJob{trid: 2, onSlice: func(uint16) { <-release }}

	m.Submit(1, j1, []uint16{1})
	m.Submit(2, j2, []uint16{1})
	waitUntil(t, func() bool { return m.ActiveJobCount() == 2 })

	if n := m.AbortAll(); n != 2 {
		t.Errorf("AbortAll() = %d, want 2", n)
	}
	close(release)
	waitUntil(t, func() bool { return m.ActiveJobCount() == 0 })
}

func TestNextTransactionIDIsMonotonicAndUnique(t *testing.T) {
	m := New(newTestStore(), 1, nil)
	seen := make(map[uint64]bool)
	for i := 0; i < 100; i++ {
		id := m.NextTransactionID()
		if seen[id] {
			t.Fatalf("duplicate transaction id %d", id)
		}
		seen[id] = true
	}
}

func TestOnFinishedObserverReceivesFinalStat(t *testing.T) {
	var got job.Stat
	done := make(chan struct{})
	m := New(newTestStore(), 1, func(stat job.Stat) {
		got = stat
		close(done)
	})
	j := &fakeJob{trid: 42}

	m.Submit(42, j, []uint16{1})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("onFinished observer was never called")
	}
	if got.Trid != 42 {
		t.Errorf("observer stat.Trid = %d, want 42", got.Trid)
	}
}
