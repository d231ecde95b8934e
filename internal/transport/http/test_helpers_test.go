package http

import (
	"bytes"
	"context"
	"encoding/json"
	stdhttp "net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirerelay/internal/auth"
	"github.com/vovakirdan/wirerelay/internal/config"
	"github.com/vovakirdan/wirerelay/internal/core"
	"github.com/vovakirdan/wirerelay/internal/proto"
	"github.com/vovakirdan/wirerelay/internal/store/sqlite"
)

type testRelay struct {
	ts     *httptest.Server
	router *core.Router
	jwt    *auth.JWTConfig
}

func startTestServer(t *testing.T, mutate func(*config.Config)) *testRelay {
	t.Helper()

	cfg := config.Default()
	cfg.Addr = ":0"
	cfg.JWTSecret = "test-secret"
	cfg.HeartbeatTimeout = 0
	if mutate != nil {
		mutate(&cfg)
	}

	st, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	jwtCfg := &auth.JWTConfig{
		Secret:   []byte(cfg.JWTSecret),
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		TTL:      cfg.JWTTTL,
	}
	authService := auth.NewService(st, jwtCfg)

	logger := zerolog.Nop()
	router := core.NewRouter(core.NewRegistry(&logger), core.RouterOptions{}, &logger)

	server := NewServer(router, authService, &cfg, &logger)
	ts := httptest.NewServer(server.Handler)
	t.Cleanup(ts.Close)

	return &testRelay{ts: ts, router: router, jwt: jwtCfg}
}

func (r *testRelay) token(t *testing.T, username string) string {
	t.Helper()
	token, err := auth.GenerateToken(r.jwt, 1, username)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	return token
}

func (r *testRelay) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(r.ts.URL, "http") + path
}

// dial connects and consumes the connect prompt.
func (r *testRelay) dial(ctx context.Context, t *testing.T, path string, opts *websocket.DialOptions) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, r.wsURL(path), opts)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { _ = conn.CloseNow() })

	prompt := readEnvelope(ctx, t, conn)
	if prompt.Type != proto.TypeSuccess {
		t.Fatalf("expected connect prompt, got %+v", prompt)
	}
	return conn
}

func (r *testRelay) dialUser(ctx context.Context, t *testing.T, username string) *websocket.Conn {
	t.Helper()
	conn := r.dial(ctx, t, "/ws?token="+r.token(t, username), nil)
	authenticate(ctx, t, conn, proto.ClientTypeUser)
	return conn
}

func (r *testRelay) dialClient(ctx context.Context, t *testing.T) *websocket.Conn {
	t.Helper()
	conn := r.dial(ctx, t, "/ws/connector", nil)
	authenticate(ctx, t, conn, proto.ClientTypeClient)
	return conn
}

func authenticate(ctx context.Context, t *testing.T, conn *websocket.Conn, clientType proto.ClientType) {
	t.Helper()
	writeEnvelope(ctx, t, conn, proto.NewAuth("", clientType))
	if reply := readEnvelope(ctx, t, conn); reply.Type != proto.TypeSuccess {
		t.Fatalf("auth as %s failed: %+v", clientType, reply)
	}
}

func writeEnvelope(ctx context.Context, t *testing.T, conn *websocket.Conn, env *proto.Envelope) {
	t.Helper()
	if err := wsjson.Write(ctx, conn, env); err != nil {
		t.Fatalf("write envelope: %v", err)
	}
}

func readEnvelope(ctx context.Context, t *testing.T, conn *websocket.Conn) *proto.Envelope {
	t.Helper()
	var env proto.Envelope
	if err := wsjson.Read(ctx, conn, &env); err != nil {
		t.Fatalf("read envelope: %v", err)
	}
	return &env
}

func postJSON(t *testing.T, url, token string, body any) *stdhttp.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req, err := stdhttp.NewRequest(stdhttp.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := stdhttp.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}
