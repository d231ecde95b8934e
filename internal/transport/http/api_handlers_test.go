package http

import (
	"encoding/json"
	"net/http"
	"testing"
)

func TestRegisterAndLogin(t *testing.T) {
	relay := startTestServer(t, nil)
	creds := RegisterRequest{Username: "carol", Password: "secret123"}

	resp := postJSON(t, relay.ts.URL+"/api/register", "", creds)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register: expected 201, got %d", resp.StatusCode)
	}

	resp = postJSON(t, relay.ts.URL+"/api/register", "", creds)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate register: expected 409, got %d", resp.StatusCode)
	}

	resp = postJSON(t, relay.ts.URL+"/api/login", "", LoginRequest{Username: "carol", Password: "wrong-pass"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad login: expected 401, got %d", resp.StatusCode)
	}

	resp = postJSON(t, relay.ts.URL+"/api/login", "", LoginRequest{Username: "carol", Password: "secret123"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login: expected 200, got %d", resp.StatusCode)
	}
	var body AuthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode login: %v", err)
	}
	if body.Token == "" {
		t.Fatal("login returned empty token")
	}

	// The issued token is accepted by the chat endpoint.
	resp = postJSON(t, relay.ts.URL+"/api/chat", body.Token, ChatRequest{Message: "hi"})
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("chat with login token: expected 503, got %d", resp.StatusCode)
	}
}

func TestRegisterRejectsShortPassword(t *testing.T) {
	relay := startTestServer(t, nil)

	resp := postJSON(t, relay.ts.URL+"/api/register", "", RegisterRequest{Username: "dave", Password: "123"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestBearerToken(t *testing.T) {
	cases := map[string]struct {
		header string
		want   string
		ok     bool
	}{
		"valid":       {header: "Bearer abc", want: "abc", ok: true},
		"lowercase":   {header: "bearer abc", want: "abc", ok: true},
		"empty":       {header: "", ok: false},
		"basic":       {header: "Basic abc", ok: false},
		"blank token": {header: "Bearer   ", ok: false},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			got, ok := bearerToken(tc.header)
			if ok != tc.ok || got != tc.want {
				t.Fatalf("bearerToken(%q) = %q, %v", tc.header, got, ok)
			}
		})
	}
}
