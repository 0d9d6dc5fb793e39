// Package opsbg implements the ops-background scan job: same shape as
// udfbg, but the sub-transaction carries a validated write-op list
// extracted from the client message instead of a UDF call (spec.md §4.4).
package opsbg

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
)

// protoFieldLengthMax bounds the total encoded size of one sub-transaction's
// op list, matching the wire field-length ceiling a client's batched ops
// message is subject to. An ops list that would blow this limit per-record
// is rejected up front rather than discovered mid-scan.
const protoFieldLengthMax = 1024 * 1024

// Options configures a new ops-background scan job.
type Options struct {
	Namespace  string
	SetName    string
	SetID      int32
	Partitions []job.PartitionRequest
	RPS        uint32
	ClientID   string

	Ops           []txqueue.Op
	UpdateOnly    bool
	ReplaceOnly   bool
	DurableDelete bool
	Predicate     *predicate.Predicate

	Queue       *txqueue.Queue
	HandleTable *handle.Table
	MaxRPS      uint32
}

// Job is the ops-background scan job.
type Job struct {
	job.JobCore

	ops           []txqueue.Op
	updateOnly    bool
	replaceOnly   bool
	durableDelete bool
	predicate     *predicate.Predicate

	queue       *txqueue.Queue
	handleTable *handle.Table
	myHandle    uint64

	activeTr atomic.Int64
}

// New validates opts (non-empty, read-free op list; rps ceiling),
// sends fin(OK) on c immediately, and releases c.
func New(trid uint64, c *conn.State, opts Options) (*Job, error) {
	if len(opts.Ops) == 0 {
		return nil, job.NewError(job.ReasonParameter, "ops-background scan requires a non-empty op list")
	}
	for _, op := range opts.Ops {
		if op.Type == txqueue.OpRead {
			return nil, job.NewError(job.ReasonParameter, "ops-background scan op list must be read-free")
		}
	}
	if size := opsByteSize(opts.Ops); size > protoFieldLengthMax {
		return nil, job.NewError(job.ReasonParameter, "ops-background scan op list exceeds proto field length max")
	}

	rps := opts.RPS
	if rps == 0 {
		rps = opts.MaxRPS
	}
	if rps > opts.MaxRPS {
		return nil, job.NewError(job.ReasonParameter, "rps exceeds background_scan_max_rps")
	}

	j := &Job{
		ops:           opts.Ops,
		updateOnly:    opts.UpdateOnly,
		replaceOnly:   opts.ReplaceOnly,
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

// opsByteSize estimates the wire size of an op list: bin name bytes plus
// each value's encoded size (exact for string/[]byte, a fixed scalar
// estimate otherwise).
func opsByteSize(ops []txqueue.Op) int {
	total := 0
	for _, op := range ops {
		total += len(op.Bin)
		switch v := op.Value.(type) {
		case string:
			total += len(v)
		case []byte:
			total += len(v)
		default:
			total += 8
		}
	}
	return total
}

func (j *Job) partitionListDriven() bool { return j.Partitions != nil }

// Slice iterates one partition's live records and fans out a
// single-record ops sub-transaction for each survivor.
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
		if j.IsAbandoned() {
			return true, nil
		}
		if j.SetID != job.InvalidSetID && rec.SetID != j.SetID {
			return false, nil
		}
		if rec.IsDoomed(time.Now()) {
			return false, nil
		}
		if j.predicate != nil {
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

		digest := rec.Digest

		for j.activeTr.Load() >= job.MaxActiveTransactions {
			time.Sleep(time.Millisecond)
		}
		j.Throttle().Wait()

		tx := &txqueue.Tx{
			Kind:          txqueue.KindIOPS,
			Namespace:     j.Namespace,
			Pid:           r.Pid,
			Digest:        digest,
			Ops:           j.ops,
			DurableDelete: j.durableDelete,
			UpdateOnly:    j.updateOnly,
			ReplaceOnly:   j.replaceOnly,
			JobHandle:     j.myHandle,
		}
		j.activeTr.Add(1)
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

// Info returns a point-in-time snapshot of this job.
func (j *Job) Info() job.Stat {
	return job.Stat{
		Trid:         j.Trid,
		Namespace:    j.Namespace,
		Set:          j.SetName,
		JobType:      "OPS_BG",
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
