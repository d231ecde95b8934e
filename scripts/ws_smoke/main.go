package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/vovakirdan/wirerelay/internal/proto"
)

// ws_smoke logs in over REST, connects as a user, sends one chat request and
// waits for the connector's response.
func main() {
	if err := run(); err != nil {
		log.Printf("ws_smoke: %v", err)
		os.Exit(1)
	}
}

func run() error {
	api := flag.String("api", "http://localhost:8080", "HTTP base address")
	addr := flag.String("addr", "ws://localhost:8080/ws", "WebSocket address")
	user := flag.String("user", "smoke-tester", "username (registered on first run)")
	pass := flag.String("pass", "smoke-password", "password")
	text := flag.String("text", "hello from smoke test", "prompt to send")
	timeout := flag.Duration("timeout", 30*time.Second, "total timeout for the run")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	token, err := obtainToken(ctx, *api, *user, *pass)
	if err != nil {
		return err
	}

	conn, _, err := websocket.Dial(ctx, *addr+"?token="+token, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	if err := wsjson.Write(ctx, conn, proto.NewAuth("", proto.ClientTypeUser)); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}
	req := proto.NewChatRequest("", *text, nil)
	if err := wsjson.Write(ctx, conn, req); err != nil {
		return fmt.Errorf("send request: %w", err)
	}

	for {
		var env proto.Envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			return fmt.Errorf("read: %w", err)
		}
		fmt.Printf("Received: type=%s id=%s content=%q\n", env.Type, env.ID, env.Content)

		switch {
		case env.Type == proto.TypeChatResponse && env.ID == req.ID:
			return nil
		case env.Type == proto.TypeError && env.ID == req.ID:
			return fmt.Errorf("relay rejected request: %s", env.Content)
		}
	}
}

// obtainToken logs in, registering the account first if it does not exist.
func obtainToken(ctx context.Context, api, user, pass string) (string, error) {
	token, status, err := postCredentials(ctx, api+"/api/login", user, pass)
	if err != nil {
		return "", err
	}
	if status == http.StatusOK {
		return token, nil
	}

	token, status, err = postCredentials(ctx, api+"/api/register", user, pass)
	if err != nil {
		return "", err
	}
	if status != http.StatusCreated {
		return "", fmt.Errorf("register %s: status %d", user, status)
	}
	return token, nil
}

func postCredentials(ctx context.Context, url, user, pass string) (string, int, error) {
	body, err := json.Marshal(map[string]string{"username": user, "password": pass})
	if err != nil {
		return "", 0, fmt.Errorf("marshal credentials: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("post %s: %w", url, err)
	}
	defer resp.Body.Close()

	var out struct {
		Token string `json:"token"`
	}
	// Error bodies carry no token; the status tells the caller what happened.
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return out.Token, resp.StatusCode, nil
}
