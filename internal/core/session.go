package core

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Conn is the transport side of a session.
type Conn interface {
	// Write sends one encoded frame.
	Write(ctx context.Context, frame []byte) error
	// Close terminates the underlying connection.
	Close(reason string) error
}

// Handshake is what the transport learned about a connection before auth.
type Handshake struct {
	// PendingUserID is the identity resolved from the upgrade credential,
	// empty when no valid credential was presented.
	PendingUserID string
	// RemoteAddr is informational only.
	RemoteAddr string
}

// Session is one live relay connection.
type Session struct {
	ID        string
	Handshake Handshake

	conn      Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool
	lastSeen  atomic.Int64
}

// NewSession wraps conn. The liveness clock starts at now.
func NewSession(id string, hs Handshake, conn Conn, now time.Time) *Session {
	s := &Session{
		ID:        id,
		Handshake: hs,
		conn:      conn,
	}
	s.lastSeen.Store(now.UnixMilli())
	return s
}

// Send writes a frame. Writes to one session never interleave.
func (s *Session) Send(ctx context.Context, frame []byte) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.closed.Load() {
		return ErrSessionClosed
	}
	return s.conn.Write(ctx, frame)
}

// Close marks the session closed and closes the connection once.
func (s *Session) Close(reason string) {
	s.closed.Store(true)
	s.closeOnce.Do(func() {
		_ = s.conn.Close(reason)
	})
}

// Closed reports whether the session has been closed or evicted.
func (s *Session) Closed() bool {
	return s.closed.Load()
}

// LastSeen returns the last liveness timestamp in milliseconds.
func (s *Session) LastSeen() int64 {
	return s.lastSeen.Load()
}

// Touch records liveness at now and returns the stored value, which is
// always strictly greater than the previous one.
func (s *Session) Touch(now time.Time) int64 {
	ts := now.UnixMilli()
	for {
		prev := s.lastSeen.Load()
		next := ts
		if next <= prev {
			next = prev + 1
		}
		if s.lastSeen.CompareAndSwap(prev, next) {
			return next
		}
	}
}
