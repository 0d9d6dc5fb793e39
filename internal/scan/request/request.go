// Package request implements the L0 request parser: decoding and
// validating the scan-option fields spec.md §4.1 describes, before any
// job is constructed. Each field is present-or-absent independently;
// a rejection here returns a canonical job.Reason and allocates no job.
package request

import (
	"encoding/binary"
	"fmt"

	"github.com/user/kvscan/internal/predicate"
	"github.com/user/kvscan/internal/scan/job"
)

// MaxSetNameLen and MaxBinNameLen bound the set/bin name fields.
const (
	MaxSetNameLen = 63
	MaxBinNameLen = 255
)

// SetResolver looks up a set name's namespace-local id. Namespace/set
// metadata is out of this core's scope; callers supply their own.
type SetResolver interface {
	ResolveSetID(namespace, set string) (id int32, known bool)
}

// Raw is the set of optional fields the client message may carry,
// already split out of whatever transport framing delivered them.
type Raw struct {
	Namespace string
	Set       string // "" means whole-namespace scan

	HasScanOptions  bool
	OptionsByte0    byte // priority (low 3 bits) | fail-on-cluster-change (bit 3)
	OptionsByte1    byte // sample percent

	PartitionIDs []uint16          // 16-bit ids, no duplicates
	Digests      [][job.DigestSize]byte // 20-byte digests; partition id derived from digest[0:2]

	HasSampleMax bool
	SampleMax    uint64

	HasRPS bool
	RPS    uint32

	HasSocketTimeout bool
	SocketTimeoutMs  uint32

	PredicateBytes []byte // opaque, compiled by internal/predicate

	BinNames []string // client op names, for the basic scan's bin-name filter

	ClientID string
}

// Parsed is the fully validated, job-construction-ready result of parsing a Raw request.
type Parsed struct {
	Namespace  string
	SetName    string
	SetID      int32
	Partitions []job.PartitionRequest // nil when no explicit list was supplied
	Options    job.ScanOptions
	SampleMax  uint64 // 0 means unset
	RPS        uint32
	SocketTimeoutMs int // -1 means infinite
	Predicate  *predicate.Predicate // nil when none was supplied
	BinNames   []string
	ClientID   string
}

// decodeOptionsByte0 splits byte0 into priority and fail-on-cluster-change.
func decodeOptionsByte0(b byte) (priority int, failOnClusterChange bool) {
	priority = int(b & 0x07)
	failOnClusterChange = b&0x08 != 0
	return
}

func partitionIDFromDigest(d [job.DigestSize]byte) uint16 {
	return binary.BigEndian.Uint16(d[0:2]) % job.NPartitions
}

// Parse decodes and validates every field in raw. An unknown set name
// is tolerated only when PartitionIDs or Digests was supplied.
func Parse(raw Raw, resolver SetResolver) (*Parsed, error) {
	if len(raw.Set) > MaxSetNameLen {
		return nil, job.NewError(job.ReasonParameter, fmt.Sprintf("set name exceeds %d bytes", MaxSetNameLen))
	}

	hasPartitionList := len(raw.PartitionIDs) > 0 || len(raw.Digests) > 0

	setID := int32(job.InvalidSetID)
	if raw.Set != "" {
		id, known := resolver.ResolveSetID(raw.Namespace, raw.Set)
		switch {
		case known:
			setID = id
		case hasPartitionList:
			// Tolerated only when an explicit partition list accompanies it.
			setID = job.InvalidSetID
		default:
			return nil, job.NewError(job.ReasonNotFound, fmt.Sprintf("unknown set %q", raw.Set))
		}
	}

	opts := job.DefaultScanOptions()
	if raw.HasScanOptions {
		priority, failOnClusterChange := decodeOptionsByte0(raw.OptionsByte0)
		if int(raw.OptionsByte1) > 100 {
			return nil, job.NewError(job.ReasonParameter, "sample percent exceeds 100")
		}
		opts = job.ScanOptions{
			Priority:            priority,
			FailOnClusterChange: failOnClusterChange,
			SamplePct:           int(raw.OptionsByte1),
		}
	}

	partitions, err := parsePartitionTable(raw)
	if err != nil {
		return nil, err
	}

	rps := uint32(0)
	if raw.HasRPS {
		rps = raw.RPS
	}
	if rps == 0 && opts.Priority == 1 {
		rps = job.LowPriorityRPS
	}

	timeoutMs := -1
	if raw.HasSocketTimeout && raw.SocketTimeoutMs != 0 {
		timeoutMs = int(raw.SocketTimeoutMs)
	}

	var pred *predicate.Predicate
	if len(raw.PredicateBytes) > 0 {
		pred, err = predicate.Compile(raw.PredicateBytes)
		if err != nil {
			return nil, job.NewError(job.ReasonParameter, err.Error())
		}
	}

	binNames, err := dedupBinNames(raw.BinNames)
	if err != nil {
		return nil, err
	}

	sampleMax := uint64(0)
	if raw.HasSampleMax {
		sampleMax = raw.SampleMax
	}

	return &Parsed{
		Namespace:       raw.Namespace,
		SetName:         raw.Set,
		SetID:           setID,
		Partitions:      partitions,
		Options:         opts,
		SampleMax:       sampleMax,
		RPS:             rps,
		SocketTimeoutMs: timeoutMs,
		Predicate:       pred,
		BinNames:        binNames,
		ClientID:        raw.ClientID,
	}, nil
}

func parsePartitionTable(raw Raw) ([]job.PartitionRequest, error) {
	if len(raw.PartitionIDs) == 0 && len(raw.Digests) == 0 {
		return nil, nil
	}
	table := job.NewPartitionTable()
	seen := make(map[uint16]bool)

	for _, pid := range raw.PartitionIDs {
		if pid >= job.NPartitions {
			return nil, job.NewError(job.ReasonParameter, fmt.Sprintf("partition id %d out of range", pid))
		}
		if seen[pid] {
			return nil, job.NewError(job.ReasonParameter, fmt.Sprintf("duplicate partition id %d", pid))
		}
		seen[pid] = true
		table[pid] = job.PartitionRequest{Requested: true}
	}

	for _, d := range raw.Digests {
		pid := partitionIDFromDigest(d)
		if seen[pid] {
			return nil, job.NewError(job.ReasonParameter, fmt.Sprintf("duplicate partition id %d in digest list", pid))
		}
		seen[pid] = true
		table[pid] = job.PartitionRequest{Requested: true, HasDigest: true, Keyd: job.Digest(d)}
	}
	return table, nil
}

func dedupBinNames(names []string) ([]string, error) {
	if len(names) == 0 {
		return nil, nil
	}
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if len(n) > MaxBinNameLen {
			return nil, job.NewError(job.ReasonBinName, fmt.Sprintf("bin name %q exceeds %d bytes", n, MaxBinNameLen))
		}
		if seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out, nil
}
