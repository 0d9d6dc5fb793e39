// Package aggr implements the aggregation scan job: per-partition
// collection of surviving digests followed by a user-defined fold over
// the records they name, with emitted values appended to the response
// stream (spec.md §4.3).
package aggr

import (
	"fmt"
	"time"

	"github.com/user/kvscan/internal/partition"
	"github.com/user/kvscan/internal/predicate"
	"github.com/user/kvscan/internal/record"
	"github.com/user/kvscan/internal/scan/conn"
	"github.com/user/kvscan/internal/scan/job"
	"github.com/user/kvscan/internal/udf"
	"github.com/user/kvscan/internal/wire"
)

// digestChunkSize is the fixed array size of one digest-list node,
// kept as a nod to the fixed-size-chunk linked list spec.md describes;
// a plain growable slice would serve identically here.
const digestChunkSize = 256

type digestChunk struct {
	n    int
	data [digestChunkSize]job.Digest
}

type digestList struct {
	chunks []*digestChunk
}

func (l *digestList) append(d job.Digest) {
	if len(l.chunks) == 0 || l.chunks[len(l.chunks)-1].n == digestChunkSize {
		l.chunks = append(l.chunks, &digestChunk{})
	}
	tail := l.chunks[len(l.chunks)-1]
	tail.data[tail.n] = d
	tail.n++
}

func (l *digestList) empty() bool { return len(l.chunks) == 0 }

func (l *digestList) forEach(fn func(job.Digest) (stop bool)) {
	for _, c := range l.chunks {
		for i := 0; i < c.n; i++ {
			if fn(c.data[i]) {
				return
			}
		}
	}
}

// Options configures a new aggregation scan job.
type Options struct {
	Namespace  string
	SetName    string
	SetID      int32
	Partitions []job.PartitionRequest
	RPS        uint32
	ClientID   string

	Registry *udf.Registry
	Def      udf.Definition
	// Predicate must be nil; aggregation scans reject predicates
	// outright (spec.md §4.3), but callers may still pass one through
	// so New can return the canonical UNSUPPORTED_FEATURE rejection.
	Predicate *predicate.Predicate
}

// Job is the aggregation scan job.
type Job struct {
	job.JobCore
	conn *conn.State

	aggrFn udf.AggrFunc
	def    udf.Definition
}

// New validates opts (UDF must be enabled, no predicate) and compiles
// the aggregation function.
func New(trid uint64, c *conn.State, opts Options) (*Job, error) {
	if !opts.Registry.Enabled() {
		return nil, job.NewError(job.ReasonForbidden, "UDF execution is disabled")
	}
	if opts.Predicate != nil {
		return nil, job.NewError(job.ReasonUnsupportedFeature, "predicate not supported on aggregation scans")
	}
	fn, err := opts.Registry.CompileAggr(opts.Def)
	if err != nil {
		return nil, job.NewError(job.ReasonUnknown, err.Error())
	}

	j := &Job{conn: c, aggrFn: fn, def: opts.Def}
	j.JobCore = job.JobCore{
		Trid:       trid,
		Namespace:  opts.Namespace,
		SetName:    opts.SetName,
		SetID:      opts.SetID,
		Partitions: opts.Partitions,
		RPS:        opts.RPS,
		ClientID:   opts.ClientID,
	}
	if err := j.JobCore.Validate(); err != nil {
		return nil, err
	}
	j.JobCore.InitThrottle()

	return j, nil
}

func (j *Job) partitionListDriven() bool { return j.Partitions != nil }

// Slice collects this partition's surviving digests, then drives the
// aggregation runtime over them.
func (j *Job) Slice(rsv any) error {
	r := rsv.(*partition.Reservation)
	w := wire.NewWriter()

	if !r.Available && j.partitionListDriven() {
		w.WritePartitionDone(r.Pid, wire.PartitionUnavailable)
		return j.flush(w, true)
	}
	if j.SetID == job.InvalidSetID && j.SetName != "" {
		w.WritePartitionDone(r.Pid, wire.PartitionOK)
		return j.flush(w, true)
	}

	var from *job.Digest
	if j.partitionListDriven() {
		pr := j.Partitions[r.Pid]
		if pr.HasDigest {
			from = &pr.Keyd
		}
	}

	var list digestList
	err := r.ReduceFromLive(from, func(rec *record.Record) (bool, error) {
		if j.IsAbandoned() {
			return true, nil
		}
		if j.SetID != job.InvalidSetID && rec.SetID != j.SetID {
			return false, nil
		}
		if rec.IsDoomed(time.Now()) {
			return false, nil
		}
		list.append(rec.Digest)
		return false, nil
	})
	if err != nil {
		return err
	}

	if !list.empty() {
		if err := j.runAggregation(r, &list, w); err != nil {
			return err
		}
	}

	if j.partitionListDriven() {
		w.WritePartitionDone(r.Pid, wire.PartitionOK)
	}
	if w.HasRecordBytes() {
		return j.flush(w, false)
	}
	return nil
}

// runAggregation is the aggregation runtime called with {namespace,
// udf_def, digest_list, slice_context, result_sink}. ptn_reserve
// (returning r regardless of any pid argument) and ostream_write
// (w.WriteValue, flushing at CHUNK_LIMIT) are its two hooks.
func (j *Job) runAggregation(r *partition.Reservation, list *digestList, w *wire.Writer) error {
	var acc any
	var runErr error
	list.forEach(func(d job.Digest) bool {
		rec, closeFn, err := r.OpenRecord(d)
		if err != nil {
			runErr = err
			return true
		}
		next, emit, hasEmit := j.aggrFn(acc, rec)
		acc = next
		closeFn()
		if hasEmit {
			if err := w.WriteValue(emit); err != nil {
				runErr = err
				return true
			}
			if w.Len() > job.ChunkLimit {
				if err := j.conn.SendChunk(w.Bytes()); err != nil {
					runErr = err
					return true
				}
				w.Reset()
			}
		}
		return false
	})

	if runErr != nil {
		msg := fmt.Sprintf("aggregation runtime error: %s", runErr)
		w.WriteErrorValue(msg)
		j.Abandon(job.ReasonUnknown)
		return nil // the failure value has been recorded; slicing continues to completion
	}
	return nil
}

func (j *Job) flush(w *wire.Writer, final bool) error {
	if !w.HasRecordBytes() && !final {
		return nil
	}
	if err := j.conn.SendChunk(w.Bytes()); err != nil {
		j.Abandon(job.ReasonOf(err))
		return err
	}
	return nil
}

// Finish releases the connection, sending the terminal fin frame.
func (j *Job) Finish() {
	reason := j.Abandoned()
	forceClose := reason == job.ReasonResponseTimeout || reason == job.ReasonResponseError
	_ = j.conn.FinishAndClose(reason, forceClose)
}

// Destroy releases job-owned resources.
func (j *Job) Destroy() {}

// Info returns a point-in-time snapshot of this job.
func (j *Job) Info() job.Stat {
	return job.Stat{
		Trid:         j.Trid,
		Namespace:    j.Namespace,
		Set:          j.SetName,
		JobType:      "AGGR",
		ClientID:     j.ClientID,
		Abandoned:    j.Abandoned(),
		Succeeded:    j.Counters().Succeeded(),
		Failed:       j.Counters().Failed(),
		FilteredMeta: j.Counters().FilteredMeta(),
		FilteredBins: j.Counters().FilteredBins(),
		NetIOBytes:   j.conn.BytesOut(),
		RPS:          j.RPS,
	}
}

var _ job.ScanJob = (*Job)(nil)
