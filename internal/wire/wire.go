// Package wire is the minimal, real substitute for spec.md's "wire
// protocol encoder for record responses, value responses,
// 'partition-done' markers, and 'final' markers" — out of scope for
// the scan core's design. No protobuf/codegen is used here; see
// DESIGN.md for why connectrpc.com/connect and google.golang.org/protobuf
// were dropped rather than wired into this layer.
package wire

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"

	"github.com/user/kvscan/internal/scan/job"
	"github.com/user/kvscan/internal/scan/request"
)

// HeaderSize is the fixed {version, type, size} prefix of every frame.
const HeaderSize = 1 + 1 + 8

// Frame types.
const (
	FrameTypeAsMsg byte = 1 // carries zero or more record/value/partition-done entries
	FrameTypeFin   byte = 2 // terminal marker
)

const wireVersion byte = 1

// Entry tags within an AsMsg frame's payload.
const (
	tagRecord        byte = 'R'
	tagValue         byte = 'V'
	tagErrorValue    byte = 'E'
	tagPartitionDone byte = 'P'
)

// PartitionStatus is the per-partition outcome carried by a
// partition-done marker.
type PartitionStatus byte

const (
	PartitionOK          PartitionStatus = 0
	PartitionUnavailable PartitionStatus = 1
)

// RecordResponse is one record's wire representation.
type RecordResponse struct {
	Digest   job.Digest
	Gen      uint32
	VoidTime int64
	MetaOnly bool
	Bins     map[string]any
}

// EncodeFrame wraps payload in the fixed {version, type, size} header.
func EncodeFrame(typ byte, payload []byte) []byte {
	out := make([]byte, HeaderSize+len(payload))
	out[0] = wireVersion
	out[1] = typ
	binary.BigEndian.PutUint64(out[2:10], uint64(len(payload)))
	copy(out[10:], payload)
	return out
}

// ReadFrame reads one {version, type, size, payload} frame from r.
func ReadFrame(r io.Reader) (typ byte, payload []byte, err error) {
	var hdr [HeaderSize]byte
	if _, err = io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	size := binary.BigEndian.Uint64(hdr[2:10])
	payload = make([]byte, size)
	if _, err = io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return hdr[1], payload, nil
}

// EncodeFin builds the terminal fin frame carrying the abandonment
// reason (job.ReasonNone for a clean completion).
func EncodeFin(reason job.Reason) []byte {
	return EncodeFrame(FrameTypeFin, []byte{byte(reason)})
}

// Writer accumulates record/value/partition-done entries into one
// slice's response buffer, tracking a reserved header slot the way
// spec.md §4.2 step 1 describes ("reserve header slot").
type Writer struct {
	buf        bytes.Buffer
	headerSize int
}

// NewWriter returns a Writer with INIT_BUF_SIZE of backing capacity
// pre-reserved and its header slot written.
func NewWriter() *Writer {
	w := &Writer{}
	w.buf.Grow(job.InitBufSize)
	w.reserveHeader()
	return w
}

// reserveHeader writes a zeroed placeholder of HeaderSize bytes. Nothing
// rewrites it (entries are self-describing, and conn.State.SendChunk
// frames the whole buffer itself), but the slot is kept to mirror the
// source system's buffer layout and to make Len() meaningful before
// any entries are written.
func (w *Writer) reserveHeader() {
	w.buf.Write(make([]byte, HeaderSize))
	w.headerSize = HeaderSize
}

// Reset clears the buffer and re-reserves the header slot, used after
// a mid-partition flush (spec.md §4.2 step l).
func (w *Writer) Reset() {
	w.buf.Reset()
	w.reserveHeader()
}

// Len is the buffer's current size including the reserved header.
func (w *Writer) Len() int { return w.buf.Len() }

// HasRecordBytes reports whether anything beyond the reserved header
// slot has been written, matching spec.md §4.2 step 6's flush condition.
func (w *Writer) HasRecordBytes() bool { return w.buf.Len() > w.headerSize }

// Bytes returns the accumulated payload, header slot included.
func (w *Writer) Bytes() []byte { return w.buf.Bytes() }

func encodeValue(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteRecord appends one record response entry.
func (w *Writer) WriteRecord(rr RecordResponse) error {
	w.buf.WriteByte(tagRecord)
	w.buf.Write(rr.Digest[:])
	var hdr [13]byte
	binary.BigEndian.PutUint32(hdr[0:4], rr.Gen)
	binary.BigEndian.PutUint64(hdr[4:12], uint64(rr.VoidTime))
	if rr.MetaOnly {
		hdr[12] = 1
	}
	w.buf.Write(hdr[:])

	names := make([]string, 0, len(rr.Bins))
	for n := range rr.Bins {
		names = append(names, n)
	}
	var countBuf [2]byte
	binary.BigEndian.PutUint16(countBuf[:], uint16(len(names)))
	w.buf.Write(countBuf[:])
	for _, name := range names {
		if len(name) > 255 {
			return fmt.Errorf("wire: bin name %q exceeds 255 bytes", name)
		}
		w.buf.WriteByte(byte(len(name)))
		w.buf.WriteString(name)
		valBytes, err := encodeValue(rr.Bins[name])
		if err != nil {
			return fmt.Errorf("wire: encode bin %q: %w", name, err)
		}
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(valBytes)))
		w.buf.Write(lenBuf[:])
		w.buf.Write(valBytes)
	}
	return nil
}

// WriteValue appends one aggregation output value.
func (w *Writer) WriteValue(v any) error {
	valBytes, err := encodeValue(v)
	if err != nil {
		return fmt.Errorf("wire: encode value: %w", err)
	}
	w.buf.WriteByte(tagValue)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(valBytes)))
	w.buf.Write(lenBuf[:])
	w.buf.Write(valBytes)
	return nil
}

// WriteErrorValue appends an aggregation-failure value response
// carrying msg as given; the caller formats any error detail into it
// (spec.md §4.3's aggregation error path).
func (w *Writer) WriteErrorValue(msg string) {
	w.buf.WriteByte(tagErrorValue)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(msg)))
	w.buf.Write(lenBuf[:])
	w.buf.WriteString(msg)
}

// WritePartitionDone appends a partition-done marker.
func (w *Writer) WritePartitionDone(pid uint16, status PartitionStatus) {
	w.buf.WriteByte(tagPartitionDone)
	var pidBuf [2]byte
	binary.BigEndian.PutUint16(pidBuf[:], pid)
	w.buf.Write(pidBuf[:])
	w.buf.WriteByte(byte(status))
}

// RequestEnvelope is the gob wire shape of an inbound scan request: an
// internal transport format, not a public protocol, so gob (already
// used for bin values above) is reused rather than hand-rolling a
// second binary layout.
type RequestEnvelope struct {
	Raw        request.Raw
	IsUDF      bool
	InfoWrite  bool
	UDFOp      string
	NoBinData  bool
	UDFModule  string
	UDFName    string
	Ops        []OpEnvelope
	UpdateOnly bool
	ReplaceOnly bool
	DurableDelete bool
}

type OpEnvelope struct {
	Bin   string
	Type  int
	Value any
}

// DecodeRequest reads one length-prefixed gob-encoded scan request
// envelope from r. The returned values are the generic request.Raw
// plus the message-type bits dispatch.Request needs; callers (the
// listener) assemble the final dispatch.Request themselves to avoid
// this package depending on internal/scan/dispatch.
func DecodeRequest(r io.Reader) (env RequestEnvelope, err error) {
	var sizeBuf [8]byte
	if _, err = io.ReadFull(r, sizeBuf[:]); err != nil {
		return env, err
	}
	size := binary.BigEndian.Uint64(sizeBuf[:])
	payload := make([]byte, size)
	if _, err = io.ReadFull(r, payload); err != nil {
		return env, err
	}
	if err = gob.NewDecoder(bytes.NewReader(payload)).Decode(&env); err != nil {
		return env, fmt.Errorf("wire: decode request: %w", err)
	}
	return env, nil
}

// EncodeRequest is the client-side counterpart of DecodeRequest, used
// by internal tooling (this package's tests, cmd/kvscanbench)
// rather than external clients, which speak whatever framing the
// transport layer in front of this core defines.
func EncodeRequest(env RequestEnvelope) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&env); err != nil {
		return nil, fmt.Errorf("wire: encode request: %w", err)
	}
	out := make([]byte, 8+buf.Len())
	binary.BigEndian.PutUint64(out[:8], uint64(buf.Len()))
	copy(out[8:], buf.Bytes())
	return out, nil
}
