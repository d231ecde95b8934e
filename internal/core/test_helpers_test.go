package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirerelay/internal/proto"
)

var errBrokenPipe = errors.New("broken pipe")

// fakeConn records frames written to a session.
type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
	fail   bool
	closes int
}

func (c *fakeConn) Write(_ context.Context, frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errBrokenPipe
	}
	c.frames = append(c.frames, append([]byte(nil), frame...))
	return nil
}

func (c *fakeConn) Close(string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	return nil
}

func (c *fakeConn) setFail(fail bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fail = fail
}

func (c *fakeConn) rawFrames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.frames...)
}

func (c *fakeConn) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

func (c *fakeConn) envelopes(t *testing.T) []*proto.Envelope {
	t.Helper()

	var out []*proto.Envelope
	for _, f := range c.rawFrames() {
		env, err := proto.Decode(f)
		if err != nil {
			t.Fatalf("decode written frame %s: %v", f, err)
		}
		out = append(out, env)
	}
	return out
}

// reset drops frames recorded so far.
func (c *fakeConn) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = nil
}

func newTestSession(id, pendingUser string) (*Session, *fakeConn) {
	conn := &fakeConn{}
	return NewSession(id, Handshake{PendingUserID: pendingUser}, conn, time.Now()), conn
}

func newTestRouter(opts RouterOptions) *Router {
	logger := zerolog.New(nil)
	return NewRouter(NewRegistry(&logger), opts, &logger)
}

func mustSingle(t *testing.T, conn *fakeConn, typ proto.MessageType) *proto.Envelope {
	t.Helper()

	envs := conn.envelopes(t)
	if len(envs) != 1 {
		t.Fatalf("expected exactly one envelope, got %d", len(envs))
	}
	if envs[0].Type != typ {
		t.Fatalf("expected %s envelope, got %+v", typ, envs[0])
	}
	return envs[0]
}

func authAs(t *testing.T, r *Router, s *Session, conn *fakeConn, role proto.ClientType) {
	t.Helper()

	r.Handle(context.Background(), s, &proto.Envelope{ID: "auth-" + s.ID, Type: proto.TypeAuth, ClientType: role})
	mustSingle(t, conn, proto.TypeSuccess)
	conn.reset()
}
