package http

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/coder/websocket"

	"github.com/vovakirdan/wirerelay/internal/config"
	"github.com/vovakirdan/wirerelay/internal/core"
	"github.com/vovakirdan/wirerelay/internal/proto"
)

func TestHealthEndpoint(t *testing.T) {
	relay := startTestServer(t, nil)

	resp, err := relay.ts.Client().Get(relay.ts.URL + "/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
}

func TestWebSocketChatRoundTrip(t *testing.T) {
	relay := startTestServer(t, nil)
	ctx := testContext(t)

	client := relay.dialClient(ctx, t)
	user := relay.dialUser(ctx, t, "alice")

	writeEnvelope(ctx, t, user, proto.NewChatRequest("", "hello", json.RawMessage(`{"model":"x","max_tokens":1024}`)))

	req := readEnvelope(ctx, t, client)
	if req.Type != proto.TypeChatRequest || req.Content != "hello" {
		t.Fatalf("unexpected request at client: %+v", req)
	}
	if req.UserID != "alice" {
		t.Fatalf("request should be stamped with the user identity, got %q", req.UserID)
	}
	if string(req.Data) != `{"model":"x","max_tokens":1024}` {
		t.Fatalf("payload changed in transit: %s", req.Data)
	}

	writeEnvelope(ctx, t, client, proto.NewChatResponse(req.ID, req.UserID, "hi alice", nil))

	resp := readEnvelope(ctx, t, user)
	if resp.Type != proto.TypeChatResponse || resp.ID != req.ID || resp.Content != "hi alice" {
		t.Fatalf("unexpected response at user: %+v", resp)
	}
}

func TestWebSocketBearerHeaderCredential(t *testing.T) {
	relay := startTestServer(t, nil)
	ctx := testContext(t)

	conn := relay.dial(ctx, t, "/ws", &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": {"Bearer " + relay.token(t, "bob")}},
	})
	authenticate(ctx, t, conn, proto.ClientTypeUser)

	waitFor(t, func() bool { return relay.router.Registry().HasUser("bob") })
}

func TestWebSocketUserAuthWithoutCredential(t *testing.T) {
	relay := startTestServer(t, nil)
	ctx := testContext(t)

	conn := relay.dial(ctx, t, "/ws?token=bogus", nil)
	writeEnvelope(ctx, t, conn, proto.NewAuth("", proto.ClientTypeUser))

	reply := readEnvelope(ctx, t, conn)
	if reply.Type != proto.TypeError || reply.Content != core.MsgInvalidCredential {
		t.Fatalf("expected invalid credential error, got %+v", reply)
	}
}

func TestWebSocketMalformedFrameKeepsConnection(t *testing.T) {
	relay := startTestServer(t, nil)
	ctx := testContext(t)

	conn := relay.dial(ctx, t, "/ws", nil)
	if err := conn.Write(ctx, websocket.MessageText, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}

	reply := readEnvelope(ctx, t, conn)
	if reply.Type != proto.TypeError || !strings.HasPrefix(reply.Content, msgMalformedFrame) {
		t.Fatalf("expected malformed error, got %+v", reply)
	}

	writeEnvelope(ctx, t, conn, proto.NewHeartbeat("hb-1", ""))
	reply = readEnvelope(ctx, t, conn)
	if reply.Type != proto.TypeError || reply.ID != "hb-1" || reply.Content != core.MsgNotAuthenticated {
		t.Fatalf("expected not authenticated error, got %+v", reply)
	}
}

func TestWebSocketDisconnectEvictsSession(t *testing.T) {
	relay := startTestServer(t, nil)
	ctx := testContext(t)

	client := relay.dialClient(ctx, t)
	if got := relay.router.Status().ClientConnections; got != 1 {
		t.Fatalf("expected one client, got %d", got)
	}

	_ = client.Close(websocket.StatusNormalClosure, "bye")
	waitFor(t, func() bool { return !relay.router.Status().HasClients })
}

func TestWebSocketRateLimit(t *testing.T) {
	relay := startTestServer(t, func(cfg *config.Config) {
		cfg.RateLimitPerMinute = 2
	})
	ctx := testContext(t)

	// The auth frame consumes the first token.
	client := relay.dialClient(ctx, t)

	writeEnvelope(ctx, t, client, proto.NewHeartbeat("hb-1", ""))
	if reply := readEnvelope(ctx, t, client); reply.Type != proto.TypeHeartbeat {
		t.Fatalf("expected heartbeat reply, got %+v", reply)
	}

	writeEnvelope(ctx, t, client, proto.NewHeartbeat("hb-2", ""))
	reply := readEnvelope(ctx, t, client)
	if reply.Type != proto.TypeError || reply.Content != msgRateLimited {
		t.Fatalf("expected rate limit error, got %+v", reply)
	}
}

func TestWebSocketInvalidUTF8NotForwarded(t *testing.T) {
	relay := startTestServer(t, nil)
	ctx := testContext(t)

	client := relay.dialClient(ctx, t)
	user := relay.dialUser(ctx, t, "alice")

	frame := []byte("{\"id\":\"q1\",\"type\":\"chat_request\",\"content\":\"\xff\xfe\",\"timestamp\":1}")
	if err := user.Write(ctx, websocket.MessageText, frame); err != nil {
		t.Fatalf("write: %v", err)
	}

	reply := readEnvelope(ctx, t, user)
	if reply.Type != proto.TypeError || !strings.HasPrefix(reply.Content, msgMalformedFrame) {
		t.Fatalf("expected malformed error, got %+v", reply)
	}

	// The next frame the client sees must be its own heartbeat reply.
	writeEnvelope(ctx, t, client, proto.NewHeartbeat("hb-1", ""))
	if got := readEnvelope(ctx, t, client); got.Type != proto.TypeHeartbeat || got.ID != "hb-1" {
		t.Fatalf("client received %+v, want heartbeat reply", got)
	}
}

func TestWebSocketUnauthenticatedSessionTracked(t *testing.T) {
	relay := startTestServer(t, nil)
	ctx := testContext(t)

	conn := relay.dial(ctx, t, "/ws", nil)
	registry := relay.router.Registry()
	waitFor(t, func() bool { return len(registry.Connections()) == 1 })
	if len(registry.Sessions()) != 0 {
		t.Fatalf("unauthenticated socket reported as bound")
	}

	_ = conn.Close(websocket.StatusNormalClosure, "bye")
	waitFor(t, func() bool { return len(registry.Connections()) == 0 })
}
