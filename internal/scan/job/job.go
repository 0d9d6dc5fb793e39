// Package job defines the shared scan job model: the polymorphic
// lifecycle contract, the fixed-size partition request table, and the
// atomic counters every scan flavor accumulates during iteration.
package job

import (
	"sync/atomic"
)

// Constants shared by every scan flavor. Values match the source
// system's compiled-in defaults (see spec.md §6).
const (
	// NPartitions is the fixed partition count of a namespace.
	NPartitions = 4096
	// InitBufSize is the initial per-slice response buffer size.
	InitBufSize = 2 << 20
	// ChunkLimit is the response buffer size that forces a mid-partition flush.
	ChunkLimit = 1 << 20
	// LowPriorityRPS is what a legacy priority of 1 rewrites an unset RPS to.
	LowPriorityRPS = 5000
	// MaxActiveTransactions bounds in-flight sub-transactions per background job.
	MaxActiveTransactions = 200
	// SampleMargin is added to the per-partition ceiling in sample-max mode.
	SampleMargin = 4
	// RecordMaxBins bounds the stack-allocated bin array used during serialization.
	RecordMaxBins = 64
	// DigestSize is the width of a record digest.
	//
	// spec.md §3 describes PartitionRequest.keyd as a "16-byte digest"
	// while spec.md §4.1 describes wire digest-list entries as 20 bytes.
	// original_source/as/src/base/scan.c uses cf_digest (20 bytes,
	// RIPEMD-160) uniformly. We treat the "16-byte" figure in spec.md §3
	// as a documentation slip in the distillation and use 20 bytes
	// everywhere a digest is stored or compared, so a PartitionRequest's
	// keyd and a digest-list entry are always the same width.
	DigestSize = 20
)

// Digest is a record digest: set-scoped hash of the record key.
type Digest [DigestSize]byte

// Reason is the terminal abandonment reason for a job, or the
// pre-admission rejection reason for a request that never became a job.
// Zero value means "running" / "no error".
type Reason int

const (
	ReasonNone Reason = iota
	ReasonParameter
	ReasonNotFound
	ReasonForbidden
	ReasonUnsupportedFeature
	ReasonBinName
	ReasonClusterKeyMismatch
	ReasonUserAbort
	ReasonResponseTimeout
	ReasonResponseError
	ReasonUnknown
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "OK"
	case ReasonParameter:
		return "PARAMETER"
	case ReasonNotFound:
		return "NOT_FOUND"
	case ReasonForbidden:
		return "FORBIDDEN"
	case ReasonUnsupportedFeature:
		return "UNSUPPORTED_FEATURE"
	case ReasonBinName:
		return "BIN_NAME"
	case ReasonClusterKeyMismatch:
		return "CLUSTER_KEY_MISMATCH"
	case ReasonUserAbort:
		return "USER_ABORT"
	case ReasonResponseTimeout:
		return "RESPONSE_TIMEOUT"
	case ReasonResponseError:
		return "RESPONSE_ERROR"
	case ReasonUnknown:
		return "UNKNOWN"
	default:
		return "UNDEFINED"
	}
}

// Error is a scan-specific error carrying a canonical Reason, mirroring
// internal/store's StoreError/ErrorCode pattern from the teacher repo.
type Error struct {
	Reason Reason
	Msg    string
}

func (e *Error) Error() string {
	if e.Msg != "" {
		return e.Msg
	}
	return e.Reason.String()
}

// NewError constructs a *Error for the given reason and message.
func NewError(reason Reason, msg string) error {
	return &Error{Reason: reason, Msg: msg}
}

// ReasonOf extracts the Reason from err, or ReasonNone if err is nil
// and ReasonUnknown if err is a non-scan error.
func ReasonOf(err error) Reason {
	if err == nil {
		return ReasonNone
	}
	if se, ok := err.(*Error); ok {
		return se.Reason
	}
	return ReasonUnknown
}

// PartitionRequest describes the per-partition resume state for one
// partition of a scan. The manager holds an array of exactly
// NPartitions entries; entries with Requested == false are skipped.
type PartitionRequest struct {
	Requested bool
	HasDigest bool
	Keyd      Digest
}

// NewPartitionTable returns a fresh table of NPartitions unrequested entries.
func NewPartitionTable() []PartitionRequest {
	return make([]PartitionRequest, NPartitions)
}

// RequestedCount returns how many entries in the table are requested.
// A nil table (whole-namespace scan with no partition list) counts 0.
func RequestedCount(table []PartitionRequest) int {
	n := 0
	for i := range table {
		if table[i].Requested {
			n++
		}
	}
	return n
}

// ScanOptions carries the legacy two-byte priority/sample-percent pair.
type ScanOptions struct {
	Priority          int
	FailOnClusterChange bool
	SamplePct         int // [0, 100]
}

// DefaultScanOptions matches the wire default when the options field is absent.
func DefaultScanOptions() ScanOptions {
	return ScanOptions{Priority: 0, SamplePct: 100}
}

// Counters are the atomic per-job counters accumulated by every flavor.
// All fields are accessed exclusively through their Add/Load methods so
// that concurrent slice callbacks (and, for background jobs, asynchronous
// completion callbacks) never race.
type Counters struct {
	succeeded    atomic.Int64
	failed       atomic.Int64
	filteredMeta atomic.Int64
	filteredBins atomic.Int64
	netIOBytes   atomic.Int64
}

func (c *Counters) AddSucceeded(n int64)    { c.succeeded.Add(n) }
func (c *Counters) AddFailed(n int64)       { c.failed.Add(n) }
func (c *Counters) AddFilteredMeta(n int64) { c.filteredMeta.Add(n) }
func (c *Counters) AddFilteredBins(n int64) { c.filteredBins.Add(n) }
func (c *Counters) AddNetIOBytes(n int64)   { c.netIOBytes.Add(n) }

func (c *Counters) Succeeded() int64    { return c.succeeded.Load() }
func (c *Counters) Failed() int64       { return c.failed.Load() }
func (c *Counters) FilteredMeta() int64 { return c.filteredMeta.Load() }
func (c *Counters) FilteredBins() int64 { return c.filteredBins.Load() }
func (c *Counters) NetIOBytes() int64   { return c.netIOBytes.Load() }

// Stat is the snapshot returned by Info() / enumerated by the manager.
type Stat struct {
	Trid         uint64
	Namespace    string
	Set          string
	JobType      string
	ClientID     string
	Abandoned    Reason
	Succeeded    int64
	Failed       int64
	FilteredMeta int64
	FilteredBins int64
	NetIOBytes   int64
	RPS          uint32
}

// JobCore holds the fields common to every scan flavor (spec.md §3).
// Each variant embeds JobCore by composition, never by physical layout.
type JobCore struct {
	Trid      uint64
	Namespace string
	SetName   string
	SetID     int32 // -1 == invalid, meaning "whole namespace"
	Partitions []PartitionRequest // nil when no explicit list was supplied
	RPS       uint32
	ClientID  string

	counters Counters
	throttle *Throttle

	abandoned atomic.Int32 // Reason, written once
}

const invalidSetID = -1

// InvalidSetID is the sentinel meaning "whole namespace".
const InvalidSetID = invalidSetID

// Counters returns the shared counter block for this job.
func (c *JobCore) Counters() *Counters { return &c.counters }

// InitThrottle creates this job's shared RPS throttle from its
// configured RPS. Every variant constructor calls this once, after
// populating RPS, so every partition slice shares one credit baseline
// (see Throttle's doc comment).
func (c *JobCore) InitThrottle() { c.throttle = NewThrottle(c.RPS) }

// Throttle returns this job's shared RPS throttle.
func (c *JobCore) Throttle() *Throttle { return c.throttle }

// Abandon sets the terminal abandonment reason if none is set yet.
// Returns true if this call won the race to set it.
func (c *JobCore) Abandon(reason Reason) bool {
	return c.abandoned.CompareAndSwap(int32(ReasonNone), int32(reason))
}

// Abandoned reports the current abandonment reason (ReasonNone if still running).
func (c *JobCore) Abandoned() Reason {
	return Reason(c.abandoned.Load())
}

// IsAbandoned is a convenience wrapper for the common check-at-top-of-loop use.
func (c *JobCore) IsAbandoned() bool {
	return c.abandoned.Load() != int32(ReasonNone)
}

// ScanAll reports whether this job scans the whole namespace (no set filter).
func (c *JobCore) ScanAll() bool {
	return c.SetID == invalidSetID && c.SetName == ""
}

// Validate enforces the base invariant from spec.md §3: set-id
// invalid + nonempty set name is only legal when a partition list is
// present (the "legacy" whole-scan path rejects this at start).
func (c *JobCore) Validate() error {
	if c.SetID == invalidSetID && c.SetName != "" && c.Partitions == nil {
		return NewError(ReasonNotFound, "unknown set \""+c.SetName+"\" without explicit partition list")
	}
	return nil
}

// RequestedPartitionIDs returns the partition ids marked Requested in
// table, or nil if table itself is nil (meaning "every partition").
func RequestedPartitionIDs(table []PartitionRequest) []uint16 {
	if table == nil {
		return nil
	}
	ids := make([]uint16, 0, len(table))
	for pid := range table {
		if table[pid].Requested {
			ids = append(ids, uint16(pid))
		}
	}
	return ids
}

// AllPartitionIDs returns every partition id [0, NPartitions).
func AllPartitionIDs() []uint16 {
	ids := make([]uint16, NPartitions)
	for i := range ids {
		ids[i] = uint16(i)
	}
	return ids
}

// Abortable is implemented by every JobCore-embedding variant via its
// promoted Abandon method; the manager uses it for external aborts
// without widening the ScanJob interface itself.
type Abortable interface {
	Abandon(reason Reason) bool
}

// ScanJob is the capability set every scan flavor implements, dispatched
// through an interface rather than a virtual-table pointer (spec.md §9).
type ScanJob interface {
	// Slice drives record-level iteration for one partition reservation.
	// Implementations receive an opaque reservation handle from the
	// manager/partition package and are responsible for casting it to
	// the concrete reservation type they expect.
	Slice(rsv any) error
	// Finish blocks until all work for this job (including, for
	// background jobs, in-flight sub-transactions) has completed.
	Finish()
	// Destroy releases all resources owned by the job.
	Destroy()
	// Info returns a point-in-time snapshot of this job's counters and state.
	Info() Stat
}
