// Package txqueue is the minimal, real substitute for spec.md's
// "internal transaction submitter with its completion callback" — out
// of scope for the scan core's design, but given a concrete bounded
// worker pool here, grounded on the teacher repo's
// internal/store/async.go channel-plus-goroutine shape.
package txqueue

import (
	"errors"
	"sync"

	"github.com/user/kvscan/internal/partition"
	"github.com/user/kvscan/internal/record"
	"github.com/user/kvscan/internal/scan/job"
	"github.com/user/kvscan/internal/udf"
)

// ErrFilteredOut signals that an internal transaction's precondition
// (an op constraint, a generation check) did not hold; the completion
// callback maps it to the job's filtered_bins counter.
var ErrFilteredOut = errors.New("txqueue: filtered out")

// Kind distinguishes the two internal transaction flavors spec.md §4.4 names.
type Kind int

const (
	KindIUDF Kind = iota
	KindIOPS
)

// OpType is a single field-level write instruction.
type OpType int

const (
	OpWrite OpType = iota
	OpIncrement
	OpDelete
	OpRead // never applied by an ops-background job; rejected at start
)

// Op is one element of an ops-background scan job's write-op list.
type Op struct {
	Bin   string
	Type  OpType
	Value any
}

// Tx is one internal single-record transaction submitted by a
// background scan job for one surviving digest.
type Tx struct {
	Kind          Kind
	Namespace     string
	Pid           uint16
	Digest        job.Digest
	WriteFn       udf.WriteFunc // KindIUDF
	Ops           []Op          // KindIOPS
	DurableDelete bool
	UpdateOnly    bool
	ReplaceOnly   bool

	// JobHandle is a stable, lookup-by-value handle back to the owning
	// job rather than a raw back-pointer (spec.md §9 "cyclic
	// references" design note). The completion callback looks it up
	// and is a no-op if the job has already been finalized.
	JobHandle uint64
}

// Result is the outcome of applying one Tx, reported to the owning
// job's completion callback per spec.md §4.4's table.
type Result int

const (
	ResultOK Result = iota
	ResultNotFound
	ResultFiltered
	ResultError
)

// CompletionFunc is invoked once per Tx, from an arbitrary worker
// goroutine, after it has been applied (or failed to apply).
type CompletionFunc func(handle uint64, result Result)

// Queue is a bounded worker pool applying internal transactions
// against a partition.Store.
type Queue struct {
	store      *partition.Store
	onComplete CompletionFunc
	ch         chan *Tx
	wg         sync.WaitGroup
}

// NewQueue starts a Queue with the given worker count.
func NewQueue(store *partition.Store, workers int, onComplete CompletionFunc) *Queue {
	if workers <= 0 {
		workers = 1
	}
	q := &Queue{
		store:      store,
		onComplete: onComplete,
		ch:         make(chan *Tx, workers*4),
	}
	q.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go q.worker()
	}
	return q
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for tx := range q.ch {
		result := q.apply(tx)
		q.onComplete(tx.JobHandle, result)
	}
}

// Submit enqueues tx, blocking if every worker is busy and the queue
// is full. Per-job in-flight throttling (spec.md §4.4 step 2) happens
// in the caller before Submit is reached.
func (q *Queue) Submit(tx *Tx) { q.ch <- tx }

// Close stops accepting work and waits for in-flight transactions to drain.
func (q *Queue) Close() {
	close(q.ch)
	q.wg.Wait()
}

func (q *Queue) apply(tx *Tx) Result {
	switch tx.Kind {
	case KindIUDF:
		return q.applyIUDF(tx)
	case KindIOPS:
		return q.applyIOPS(tx)
	default:
		return ResultError
	}
}

func (q *Queue) applyIUDF(tx *Tx) Result {
	rec, err := q.store.GetRecord(tx.Pid, tx.Digest)
	if errors.Is(err, partition.ErrNotFound) {
		return ResultNotFound
	}
	if err != nil {
		return ResultError
	}
	next, err := tx.WriteFn(rec)
	if errors.Is(err, ErrFilteredOut) {
		return ResultFiltered
	}
	if err != nil {
		return ResultError
	}
	if err := q.store.Put(tx.Pid, next); err != nil {
		return ResultError
	}
	return ResultOK
}

func (q *Queue) applyIOPS(tx *Tx) Result {
	rec, err := q.store.GetRecord(tx.Pid, tx.Digest)
	if errors.Is(err, partition.ErrNotFound) {
		if tx.UpdateOnly {
			return ResultFiltered
		}
		rec = &record.Record{Digest: tx.Digest, Bins: map[string]any{}}
	} else if err != nil {
		return ResultError
	}
	if tx.ReplaceOnly {
		rec.Bins = map[string]any{}
	}
	if rec.Bins == nil {
		rec.Bins = map[string]any{}
	}
	for _, op := range tx.Ops {
		switch op.Type {
		case OpWrite:
			rec.Bins[op.Bin] = op.Value
		case OpIncrement:
			cur, _ := rec.Bins[op.Bin].(int64)
			delta, _ := op.Value.(int64)
			rec.Bins[op.Bin] = cur + delta
		case OpDelete:
			delete(rec.Bins, op.Bin)
		}
	}
	rec.Gen++
	if err := q.store.Put(tx.Pid, rec); err != nil {
		return ResultError
	}
	return ResultOK
}
