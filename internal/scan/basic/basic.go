// Package basic implements the basic scan job: per-partition iteration
// emitting record responses (full bins, a bin-name subset, or metadata
// only) with optional predicate filtering and bounded sampling.
package basic

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/user/kvscan/internal/partition"
	"github.com/user/kvscan/internal/predicate"
	"github.com/user/kvscan/internal/record"
	"github.com/user/kvscan/internal/scan/conn"
	"github.com/user/kvscan/internal/scan/job"
	"github.com/user/kvscan/internal/wire"
)

// ClusterKeySource reports the cluster's current membership epoch. A
// nil source is treated as "never changes", i.e. fail-on-cluster-change
// is effectively disabled.
type ClusterKeySource interface {
	Key() uint64
}

// Options configures a new basic scan job; everything here is already
// validated by the request parser except the sampling-specific fields,
// which this package validates itself since they interact with the
// set of requested partitions.
type Options struct {
	Namespace string
	SetName   string
	SetID     int32
	Partitions []job.PartitionRequest
	RPS       uint32
	ClientID  string

	NoBinData bool
	SamplePct int
	SampleMax uint64
	// NPids is the number of partitions this scan will actually visit:
	// len(requested) when an explicit list was supplied, else an
	// estimate (spec.md §4.2's n_pids approximation; the estimate
	// itself is this package's caller's responsibility).
	NPids int

	Predicate           *predicate.Predicate
	BinNameFilter       []string
	FailOnClusterChange bool
	ClusterKeyAtStart   uint64
}

// Job is the basic scan job. It embeds job.JobCore for the shared
// lifecycle fields and conn.State for the connection-owning mixin
// (spec.md §9's "shared foreground behavior").
type Job struct {
	job.JobCore
	conn *conn.State

	clusterSource       ClusterKeySource
	clusterKeyAtStart   uint64
	failOnClusterChange bool

	noBinData       bool
	samplePct       int
	sampleMax       uint64
	sampleCount     atomic.Uint64
	maxPerPartition uint64
	predicate       *predicate.Predicate
	binNameFilter   []string
}

// New validates opts and constructs a basic scan job. It does not
// start iteration; the manager drives that via Slice.
func New(trid uint64, c *conn.State, clusterSource ClusterKeySource, opts Options) (*Job, error) {
	j := &Job{
		conn:                c,
		clusterSource:       clusterSource,
		clusterKeyAtStart:   opts.ClusterKeyAtStart,
		failOnClusterChange: opts.FailOnClusterChange,
		noBinData:           opts.NoBinData,
		samplePct:           opts.SamplePct,
		sampleMax:           opts.SampleMax,
		predicate:           opts.Predicate,
		binNameFilter:       opts.BinNameFilter,
	}
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

	if opts.SampleMax > 0 {
		nPids := opts.NPids
		if nPids <= 0 {
			nPids = 1
		}
		j.maxPerPartition = uint64(math.Ceil(float64(opts.SampleMax)/float64(nPids))) + job.SampleMargin
	}
	return j, nil
}

func (j *Job) partitionListDriven() bool { return j.Partitions != nil }

// Slice drives one partition reservation through the full per-record
// visitor policy of spec.md §4.2.
func (j *Job) Slice(rsv any) error {
	r := rsv.(*partition.Reservation)
	w := wire.NewWriter()

	if !r.Available && j.partitionListDriven() {
		w.WritePartitionDone(r.Pid, wire.PartitionUnavailable)
		return j.flush(w, true)
	}
	if j.SetID == job.InvalidSetID && j.SetName != "" {
		// Only reachable in partition-list mode (JobCore.Validate
		// rejects this combination otherwise).
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

	var iterErr error
	switch {
	case j.maxPerPartition > 0:
		iterErr = j.iterateSampleMax(r, from, w)
	case j.samplePct < 100:
		iterErr = j.iterateSamplePct(r, from, w)
	default:
		iterErr = j.iterateFull(r, from, w)
	}
	if iterErr != nil {
		return iterErr
	}

	if j.partitionListDriven() {
		w.WritePartitionDone(r.Pid, wire.PartitionOK)
	}
	if w.HasRecordBytes() {
		return j.flush(w, false)
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

// clusterChanged reports whether the cluster key has moved since job start.
func (j *Job) clusterChanged() bool {
	if j.clusterSource == nil {
		return false
	}
	return j.clusterSource.Key() != j.clusterKeyAtStart
}

// outcome classifies what happened to one visited record.
type outcome int

const (
	outcomeSkip outcome = iota
	outcomeEmitted
	outcomeStopAbandoned
	outcomeStopLastSample
)

// visitLive runs steps a,b,d,e,f,(g),h,i,(j) against a record already
// known to be live (sample-max and full modes iterate live-only).
func (j *Job) visitLive(r *partition.Reservation, rec *record.Record, w *wire.Writer, gateSampleMax bool) (outcome, error) {
	if j.IsAbandoned() { // a
		return outcomeStopAbandoned, nil
	}
	if j.failOnClusterChange && j.clusterChanged() { // b
		j.Abandon(job.ReasonClusterKeyMismatch)
		return outcomeStopAbandoned, nil
	}
	return j.visitCommon(r, rec, w, gateSampleMax)
}

// visitCommon runs steps d through i, shared by every mode once a
// candidate record has been selected for consideration.
func (j *Job) visitCommon(r *partition.Reservation, rec *record.Record, w *wire.Writer, gateSampleMax bool) (outcome, error) {
	now := time.Now()
	if j.SetID != job.InvalidSetID && rec.SetID != j.SetID { // d
		return outcomeSkip, nil
	}
	if rec.IsDoomed(now) { // d
		return outcomeSkip, nil
	}

	pred := j.predicate
	if pred != nil { // e
		meta := predicate.Meta{Set: j.SetName, Gen: rec.Gen, TTL: rec.VoidTime}
		tri, err := pred.MatchMeta(meta)
		if err != nil {
			return outcomeSkip, err
		}
		switch tri {
		case predicate.True:
			pred = nil // predicate cannot fail once bins load; drop it
		case predicate.False:
			j.Counters().AddFilteredMeta(1)
			return outcomeSkip, nil
		}
		// Unknown: carry pred to the bin-level stage below.
	}

	bins := rec.Bins
	if pred != nil { // f
		meta := predicate.Meta{Set: j.SetName, Gen: rec.Gen, TTL: rec.VoidTime}
		ok, err := pred.MatchBins(meta, bins)
		if err != nil {
			return outcomeSkip, err
		}
		if !ok {
			j.Counters().AddFilteredBins(1)
			return outcomeSkip, nil
		}
	}

	last := false
	if gateSampleMax { // g
		n := j.sampleCount.Add(1)
		if n > j.sampleMax {
			return outcomeStopAbandoned, nil
		}
		if n == j.sampleMax {
			last = true
		}
	}

	// h: serialize.
	rr := wire.RecordResponse{Digest: rec.Digest, Gen: rec.Gen, VoidTime: rec.VoidTime, MetaOnly: j.noBinData}
	if !j.noBinData {
		rr.Bins = rec.Filtered(j.binNameFilter)
	}
	if err := w.WriteRecord(rr); err != nil {
		return outcomeSkip, err
	}
	j.Counters().AddSucceeded(1) // i

	if last { // j
		return outcomeStopLastSample, nil
	}
	return outcomeEmitted, nil
}

func (j *Job) afterEmit(w *wire.Writer) error {
	j.Throttle().Wait() // k
	if w.Len() > job.ChunkLimit { // l
		if err := j.conn.SendChunk(w.Bytes()); err != nil {
			j.Abandon(job.ReasonOf(err))
			return err
		}
		w.Reset()
	}
	return nil
}

func (j *Job) iterateFull(r *partition.Reservation, from *job.Digest, w *wire.Writer) error {
	return r.ReduceFromLive(from, func(rec *record.Record) (bool, error) {
		out, err := j.visitLive(r, rec, w, false)
		if err != nil {
			return true, err
		}
		switch out {
		case outcomeStopAbandoned:
			return true, nil
		case outcomeEmitted:
			return false, j.afterEmit(w)
		}
		return false, nil
	})
}

func (j *Job) iterateSampleMax(r *partition.Reservation, from *job.Digest, w *wire.Writer) error {
	return r.ReduceFromLive(from, func(rec *record.Record) (bool, error) {
		out, err := j.visitLive(r, rec, w, true)
		if err != nil {
			return true, err
		}
		switch out {
		case outcomeStopAbandoned:
			return true, nil
		case outcomeStopLastSample:
			return true, j.afterEmit(w)
		case outcomeEmitted:
			return false, j.afterEmit(w)
		}
		return false, nil
	})
}

// iterateSamplePct implements spec.md §4.2's sample-pct mode: visits
// up to floor(tree_size*pct/100) entries pre-filter, tombstones
// included in the count (step c), with the documented off-by-one
// where the visit that reaches the limit is itself skipped.
func (j *Job) iterateSamplePct(r *partition.Reservation, from *job.Digest, w *wire.Writer) error {
	limit := r.TreeSize() * int64(j.samplePct) / 100
	count := int64(0)
	return r.ReduceFrom(from, func(rec *record.Record) (bool, error) {
		if j.IsAbandoned() { // a
			return true, nil
		}
		if j.failOnClusterChange && j.clusterChanged() { // b
			j.Abandon(job.ReasonClusterKeyMismatch)
			return true, nil
		}
		count++
		if count == limit { // c: reaching the limit stops without visiting this record
			return true, nil
		}
		if count > limit {
			return true, nil
		}
		if !rec.IsLive(time.Now()) { // c
			return false, nil
		}
		out, err := j.visitCommon(r, rec, w, false)
		if err != nil {
			return true, err
		}
		if out == outcomeStopAbandoned {
			return true, nil
		}
		if out == outcomeEmitted {
			return false, j.afterEmit(w)
		}
		return false, nil
	})
}

// Finish releases the connection, sending the terminal fin frame. For
// the basic job this is synchronous with the manager's call: all
// slices have already returned.
func (j *Job) Finish() {
	reason := j.Abandoned()
	forceClose := reason == job.ReasonResponseTimeout || reason == job.ReasonResponseError
	_ = j.conn.FinishAndClose(reason, forceClose)
}

// Destroy releases job-owned resources. The predicate is the only
// heap-owned resource a basic job holds beyond its embedded fields.
func (j *Job) Destroy() { j.predicate = nil }

// Info returns a point-in-time snapshot of this job.
func (j *Job) Info() job.Stat {
	return job.Stat{
		Trid:         j.Trid,
		Namespace:    j.Namespace,
		Set:          j.SetName,
		JobType:      "BASIC",
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
