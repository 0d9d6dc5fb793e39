// Package record models the storage record the scan core opens, reads
// bins from, and closes around every visited digest. It is the honest,
// minimal substitute for the "storage record open/close and bin
// loader" spec.md keeps out of scope: a bin map read through a
// partition reservation with no record lock, not a real page-cache/mmap
// layer.
package record

import (
	"bytes"
	"encoding/gob"
	"time"

	"github.com/user/kvscan/internal/scan/job"
)

// Record is one namespace record: metadata plus a bin map.
type Record struct {
	Digest        job.Digest
	SetID         int32
	Gen           uint32
	VoidTime      int64 // unix seconds; 0 means no expiry
	PendingDelete bool
	Tombstone     bool
	Bins          map[string]any
}

// IsTombstone reports whether this is an index-level tombstone (a
// deleted record whose key is retained for replication bookkeeping).
func (r *Record) IsTombstone() bool { return r.Tombstone }

// IsDoomed reports whether the record is expired or pending delete, as
// of now. Doomed records are skipped by every scan flavor's visitor
// (spec.md §4.2 step (d)) even though they are not index tombstones.
func (r *Record) IsDoomed(now time.Time) bool {
	if r.PendingDelete {
		return true
	}
	if r.VoidTime != 0 && now.Unix() >= r.VoidTime {
		return true
	}
	return false
}

// IsLive reports whether the record is neither a tombstone nor doomed.
func (r *Record) IsLive(now time.Time) bool {
	return !r.Tombstone && !r.IsDoomed(now)
}

// Encode serializes a record for storage. gob is adequate here: this
// is the module's own on-disk format for the record value, not a wire
// protocol exchanged with another process.
func Encode(r *Record) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode deserializes a record previously written by Encode.
func Decode(data []byte) (*Record, error) {
	var r Record
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&r); err != nil {
		return nil, err
	}
	return &r, nil
}

// BinNames returns the record's bin names in map iteration order; callers
// that need a stable order (e.g. tests) should sort the result themselves.
func (r *Record) BinNames() []string {
	names := make([]string, 0, len(r.Bins))
	for name := range r.Bins {
		names = append(names, name)
	}
	return names
}

// Filtered returns a copy of the record's bins restricted to names, or
// all bins if names is empty.
func (r *Record) Filtered(names []string) map[string]any {
	if len(names) == 0 {
		return r.Bins
	}
	out := make(map[string]any, len(names))
	for _, n := range names {
		if v, ok := r.Bins[n]; ok {
			out[n] = v
		}
	}
	return out
}
