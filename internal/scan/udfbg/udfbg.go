// Package udfbg implements the UDF-background scan job: per-partition
// iteration that submits an internal single-record UDF write
// sub-transaction for each surviving record, replying fin(OK) to the
// client immediately and running to completion asynchronously
// (spec.md §4.4).
package udfbg

import (
	"sync/atomic"
	"time"

	"github.com/user/kvscan/internal/partition"
	"github.com/user/kvscan/internal/predicate"
	"github.com/user/kvscan/internal/record"
	"github.com/user/kvscan/internal/scan/conn"
	"github.com/user/kvscan/internal/scan/handle"
	"github.com/user/kvscan/internal/scan/job"
	"github.com/user/kvscan/internal/txqueue"
	"github.com/user/kvscan/internal/udf"
)

// Options configures a new UDF-background scan job.
type Options struct {
	Namespace  string
	SetName    string
	SetID      int32
	Partitions []job.PartitionRequest
	RPS        uint32
	ClientID   string

	Registry      *udf.Registry
	WriteDef      udf.Definition
	DurableDelete bool
	Predicate     *predicate.Predicate // metadata-only evaluation; may be nil

	Queue       *txqueue.Queue
	HandleTable *handle.Table
	MaxRPS      uint32 // namespace.background_scan_max_rps
}

// Job is the UDF-background scan job.
type Job struct {
	job.JobCore

	writeFn       udf.WriteFunc
	durableDelete bool
	predicate     *predicate.Predicate

	queue       *txqueue.Queue
	handleTable *handle.Table
	myHandle    uint64

	activeTr atomic.Int64
}

// New validates opts, compiles the write UDF, sends fin(OK) on c
// immediately, and releases c (background jobs do not hold the
// connection during slicing).
func New(trid uint64, c *conn.State, opts Options) (*Job, error) {
	if !opts.Registry.Enabled() {
		return nil, job.NewError(job.ReasonForbidden, "UDF execution is disabled")
	}
	fn, err := opts.Registry.CompileWrite(opts.WriteDef)
	if err != nil {
		return nil, job.NewError(job.ReasonUnknown, err.Error())
	}

	rps := opts.RPS
	if rps == 0 {
		rps = opts.MaxRPS
	}
	if rps > opts.MaxRPS {
		return nil, job.NewError(job.ReasonParameter, "rps exceeds background_scan_max_rps")
	}

	j := &Job{
		writeFn:       fn,
		durableDelete: opts.DurableDelete,
		predicate:     opts.Predicate,
		queue:         opts.Queue,
		handleTable:   opts.HandleTable,
	}
	j.JobCore = job.JobCore{
		Trid:       trid,
		Namespace:  opts.Namespace,
		SetName:    opts.SetName,
		SetID:      opts.SetID,
		Partitions: opts.Partitions,
		RPS:        rps,
		ClientID:   opts.ClientID,
	}
	if err := j.JobCore.Validate(); err != nil {
		return nil, err
	}
	j.JobCore.InitThrottle()

	j.myHandle = opts.HandleTable.Register(j)

	_ = c.FinishAndClose(job.ReasonNone, false)
	j.Counters().AddNetIOBytes(c.BytesOut())
	return j, nil
}

func (j *Job) partitionListDriven() bool { return j.Partitions != nil }

// Slice iterates one partition's live records and fans out a
// single-record UDF write sub-transaction for each survivor.
func (j *Job) Slice(rsv any) error {
	r := rsv.(*partition.Reservation)
	if !r.Available {
		return nil
	}

	var from *job.Digest
	if j.partitionListDriven() {
		pr := j.Partitions[r.Pid]
		if pr.HasDigest {
			from = &pr.Keyd
		}
	}

	return r.ReduceFromLive(from, func(rec *record.Record) (bool, error) {
		if j.IsAbandoned() { // a
			return true, nil
		}
		if j.SetID != job.InvalidSetID && rec.SetID != j.SetID { // b
			return false, nil
		}
		if rec.IsDoomed(time.Now()) { // b
			return false, nil
		}
		if j.predicate != nil { // c
			meta := predicate.Meta{Set: j.SetName, Gen: rec.Gen, TTL: rec.VoidTime}
			tri, err := j.predicate.MatchMeta(meta)
			if err != nil {
				return true, err
			}
			if tri == predicate.False {
				j.Counters().AddFilteredMeta(1)
				return false, nil
			}
		}

		digest := rec.Digest // 1: copy digest, the record lock (none held here) released with it

		for j.activeTr.Load() >= job.MaxActiveTransactions { // 2
			time.Sleep(time.Millisecond)
		}
		j.Throttle().Wait() // 3

		tx := &txqueue.Tx{ // 4
			Kind:          txqueue.KindIUDF,
			Namespace:     j.Namespace,
			Pid:           r.Pid,
			Digest:        digest,
			WriteFn:       j.writeFn,
			DurableDelete: j.durableDelete,
			JobHandle:     j.myHandle,
		}
		j.activeTr.Add(1) // 5
		j.queue.Submit(tx)
		return false, nil
	})
}

// OnTxComplete implements handle.Completer.
func (j *Job) OnTxComplete(result txqueue.Result) {
	switch result {
	case txqueue.ResultOK:
		j.Counters().AddSucceeded(1)
	case txqueue.ResultNotFound:
		// deleted between visit and apply; ignored
	case txqueue.ResultFiltered:
		j.Counters().AddFilteredBins(1)
	default:
		j.Counters().AddFailed(1)
	}
	j.activeTr.Add(-1)
}

// Finish spin-waits until every submitted sub-transaction has completed.
func (j *Job) Finish() {
	for j.activeTr.Load() != 0 {
		time.Sleep(100 * time.Microsecond)
	}
}

// Destroy retires this job's handle so late completions are dropped.
func (j *Job) Destroy() {
	j.handleTable.Remove(j.myHandle)
}

// Info returns a point-in-time snapshot of this job. NetIOBytes
// reports only the size of the synchronous fin sent at admission;
// sub-transaction write traffic is not accounted for here, preserving
// the source system's undercount (spec.md's open questions).
func (j *Job) Info() job.Stat {
	return job.Stat{
		Trid:         j.Trid,
		Namespace:    j.Namespace,
		Set:          j.SetName,
		JobType:      "UDF_BG",
		ClientID:     j.ClientID,
		Abandoned:    j.Abandoned(),
		Succeeded:    j.Counters().Succeeded(),
		Failed:       j.Counters().Failed(),
		FilteredMeta: j.Counters().FilteredMeta(),
		FilteredBins: j.Counters().FilteredBins(),
		NetIOBytes:   j.Counters().NetIOBytes(),
		RPS:          j.RPS,
	}
}

var _ job.ScanJob = (*Job)(nil)
