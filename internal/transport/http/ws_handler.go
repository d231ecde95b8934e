package http

import (
	"context"
	"errors"
	"fmt"
	stdhttp "net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirerelay/internal/auth"
	"github.com/vovakirdan/wirerelay/internal/config"
	"github.com/vovakirdan/wirerelay/internal/core"
	"github.com/vovakirdan/wirerelay/internal/proto"
	"github.com/vovakirdan/wirerelay/internal/utils"
)

const (
	msgAuthPrompt     = "connected, send auth message"
	msgRateLimited    = "rate limit exceeded"
	msgBinaryFrame    = "binary frames are not supported"
	msgMalformedFrame = "malformed message"
)

// WSHandler upgrades HTTP connections and bridges them to relay sessions.
type WSHandler struct {
	router         *core.Router
	resolver       auth.IdentityResolver
	log            *zerolog.Logger
	originPatterns []string
	readLimit      int64
	writeTimeout   time.Duration
	rateLimit      int
}

// NewWSHandler builds a new WebSocket handler.
func NewWSHandler(router *core.Router, resolver auth.IdentityResolver, cfg *config.Config, logger *zerolog.Logger) *WSHandler {
	return &WSHandler{
		router:         router,
		resolver:       resolver,
		log:            logger,
		originPatterns: cfg.AllowedOrigins,
		readLimit:      cfg.MaxMessageBytes,
		writeTimeout:   cfg.WriteTimeout,
		rateLimit:      cfg.RateLimitPerMinute,
	}
}

func (h *WSHandler) ServeHTTP(w stdhttp.ResponseWriter, r *stdhttp.Request) {
	hs := core.Handshake{
		PendingUserID: h.pendingIdentity(r),
		RemoteAddr:    r.RemoteAddr,
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		h.log.Error().Err(err).Str("remote_addr", r.RemoteAddr).Msg("ws accept error")
		return
	}
	defer conn.CloseNow()
	if h.readLimit > 0 {
		conn.SetReadLimit(h.readLimit)
	}

	session := core.NewSession(utils.NewID(), hs, &wsConn{conn: conn, writeTimeout: h.writeTimeout}, time.Now())
	registry := h.router.Registry()
	defer registry.Evict(session)
	if err := registry.Track(session); err != nil {
		return
	}

	logger := h.log.With().Str("session_id", session.ID).Str("remote_addr", r.RemoteAddr).Logger()
	logger.Debug().Bool("credential", hs.PendingUserID != "").Msg("ws session opened")

	ctx := r.Context()
	if !registry.SendToSession(ctx, session, proto.NewSuccess("", msgAuthPrompt)) {
		return
	}

	err = h.readLoop(ctx, conn, session)
	switch status := websocket.CloseStatus(err); {
	case status == websocket.StatusNormalClosure, status == websocket.StatusGoingAway:
		logger.Debug().Msg("ws session closed by peer")
	case errors.Is(err, context.Canceled), session.Closed():
		logger.Debug().Err(err).Msg("ws session ended")
	default:
		logger.Warn().Err(err).Msg("ws connection closed with error")
	}
}

// readLoop is the only reader of conn. It returns when the connection fails.
func (h *WSHandler) readLoop(ctx context.Context, conn *websocket.Conn, session *core.Session) error {
	registry := h.router.Registry()
	limiter := newRateLimiter(h.rateLimit)

	for {
		typ, frame, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageText {
			registry.SendToSession(ctx, session, proto.NewError("", msgBinaryFrame))
			continue
		}
		if !limiter.Allow() {
			registry.SendToSession(ctx, session, proto.NewError("", msgRateLimited))
			continue
		}

		env, err := proto.Decode(frame)
		if err != nil {
			h.log.Debug().Err(err).Str("session_id", session.ID).Msg("decode ws frame")
			registry.SendToSession(ctx, session, proto.NewError("", fmt.Sprintf("%s: %v", msgMalformedFrame, err)))
			continue
		}
		h.router.Handle(ctx, session, env)
	}
}

// pendingIdentity resolves the connect-time credential. A missing or invalid
// credential leaves the identity empty; the session may still bind as client.
func (h *WSHandler) pendingIdentity(r *stdhttp.Request) string {
	token := r.URL.Query().Get("token")
	if token == "" {
		token, _ = bearerToken(r.Header.Get("Authorization"))
	}
	if token == "" {
		return ""
	}
	userID, ok := h.resolver.ResolveIdentity(token)
	if !ok {
		h.log.Debug().Str("remote_addr", r.RemoteAddr).Msg("ws credential rejected")
		return ""
	}
	return userID
}

// wsConn adapts a websocket connection to core.Conn.
type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

// Write sends a text frame. A write that outlives the caller's context would
// tear down the recipient connection, so only the write timeout applies.
func (c *wsConn) Write(ctx context.Context, frame []byte) error {
	ctx = context.WithoutCancel(ctx)
	if c.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.writeTimeout)
		defer cancel()
	}
	return c.conn.Write(ctx, websocket.MessageText, frame)
}

// Close starts the close handshake without blocking the caller.
func (c *wsConn) Close(reason string) error {
	go func() {
		_ = c.conn.Close(websocket.StatusGoingAway, reason)
	}()
	return nil
}
