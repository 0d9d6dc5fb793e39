// Package conn implements ConnJobState, the connection-owning mixin
// shared by foreground scan jobs (spec.md §3, §9 "shared foreground
// behavior"): it owns the client socket for the job's lifetime,
// serializes every send behind a single lock, enforces the
// configured write timeout, and tracks bytes written.
package conn

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/user/kvscan/internal/scan/job"
	"github.com/user/kvscan/internal/wire"
)

// State is composed into basic and aggregation scan jobs. While
// handle is non-nil it is exclusively owned by the job; lock
// serializes all sends, including the terminal fin.
type State struct {
	lock sync.Mutex
	handle net.Conn

	sendTimeoutMs int // -1 == infinite
	compress      bool
	bytesOut      atomic.Int64
}

// New wraps conn for the lifetime of one foreground scan job.
// sendTimeoutMs < 0 means no deadline is applied.
func New(c net.Conn, sendTimeoutMs int, compress bool) *State {
	return &State{handle: c, sendTimeoutMs: sendTimeoutMs, compress: compress}
}

// BytesOut returns the total bytes written to the client so far.
func (s *State) BytesOut() int64 { return s.bytesOut.Load() }

func (s *State) deadline() time.Time {
	if s.sendTimeoutMs < 0 {
		return time.Time{}
	}
	return time.Now().Add(time.Duration(s.sendTimeoutMs) * time.Millisecond)
}

// SendChunk writes one AS_MSG frame carrying payload. Compression, per
// spec.md §6, would be applied here after framing; this implementation
// stores the compress flag but never reads it and does not compress.
func (s *State) SendChunk(payload []byte) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.handle == nil {
		return nil
	}
	frame := wire.EncodeFrame(wire.FrameTypeAsMsg, payload)
	if err := s.handle.SetWriteDeadline(s.deadline()); err != nil {
		return job.NewError(job.ReasonResponseError, err.Error())
	}
	n, err := s.handle.Write(frame)
	s.bytesOut.Add(int64(n))
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return job.NewError(job.ReasonResponseTimeout, err.Error())
		}
		return job.NewError(job.ReasonResponseError, err.Error())
	}
	return nil
}

// FinishAndClose sends the terminal fin frame carrying reason and
// releases the connection, force-closing it when forceClose is set or
// the fin send itself failed. It is safe to call at most once; a
// second call is a no-op because the handle has already been released.
func (s *State) FinishAndClose(reason job.Reason, forceClose bool) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.handle == nil {
		return nil
	}
	finFrame := wire.EncodeFin(reason)
	_ = s.handle.SetWriteDeadline(s.deadline())
	n, err := s.handle.Write(finFrame)
	s.bytesOut.Add(int64(n))
	if forceClose || err != nil {
		_ = s.handle.Close()
	}
	s.handle = nil
	return err
}

// Release detaches the connection without sending anything, used by
// background jobs which release the socket before slicing begins
// (spec.md §5 "Resource ownership").
func (s *State) Release() net.Conn {
	s.lock.Lock()
	defer s.lock.Unlock()
	c := s.handle
	s.handle = nil
	return c
}
