// Package connector implements a local client that answers chat requests
// relayed by the server.
package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/vovakirdan/wirerelay/internal/proto"
)

// ErrAuthRejected is returned when the relay refuses the auth handshake.
var ErrAuthRejected = errors.New("auth rejected")

// Handler answers one chat request. A returned error is reported back to the
// user in data.error.
type Handler func(ctx context.Context, req *proto.Envelope) (content string, data map[string]any, err error)

// Options configure a Connector.
type Options struct {
	URL               string
	Token             string
	HeartbeatInterval time.Duration
	WriteTimeout      time.Duration
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
}

func (o *Options) setDefaults() {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 5 * time.Second
	}
	if o.MaxBackoff < o.InitialBackoff {
		o.MaxBackoff = 5 * time.Minute
	}
}

// Connector keeps one authenticated client session to the relay alive.
type Connector struct {
	opts    Options
	handler Handler
	log     *zerolog.Logger
}

// New creates a connector that answers requests with handler.
func New(opts Options, handler Handler, logger *zerolog.Logger) *Connector {
	opts.setDefaults()
	return &Connector{opts: opts, handler: handler, log: logger}
}

// Run connects and serves until ctx is cancelled, reconnecting with
// exponential backoff after every disconnect.
func (c *Connector) Run(ctx context.Context) error {
	backoff := c.opts.InitialBackoff
	for {
		authenticated, err := c.serve(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if authenticated {
			backoff = c.opts.InitialBackoff
		}
		c.log.Warn().Err(err).Dur("retry_in", backoff).Msg("relay connection lost")

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		backoff = nextBackoff(backoff, c.opts.MaxBackoff)
	}
}

func nextBackoff(cur, limit time.Duration) time.Duration {
	return min(cur*2, limit)
}

// serve runs one connection. It reports whether the relay accepted auth.
func (c *Connector) serve(ctx context.Context) (bool, error) {
	var opts *websocket.DialOptions
	if c.opts.Token != "" {
		opts = &websocket.DialOptions{
			HTTPHeader: http.Header{"Authorization": {"Bearer " + c.opts.Token}},
		}
	}

	conn, _, err := websocket.Dial(ctx, c.opts.URL, opts)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", c.opts.URL, err)
	}
	defer conn.CloseNow()

	auth := proto.NewAuth("", proto.ClientTypeClient)
	if err := c.write(ctx, conn, auth); err != nil {
		return false, fmt.Errorf("send auth: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	authenticated := make(chan struct{})

	g.Go(func() error {
		return c.readLoop(gctx, g, conn, auth.ID, authenticated)
	})
	g.Go(func() error {
		select {
		case <-authenticated:
		case <-gctx.Done():
			return nil
		}
		return c.heartbeat(gctx, conn)
	})

	err = g.Wait()
	select {
	case <-authenticated:
		return true, err
	default:
		return false, err
	}
}

func (c *Connector) readLoop(ctx context.Context, g *errgroup.Group, conn *websocket.Conn, authID string, authenticated chan struct{}) error {
	for {
		var env proto.Envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			return fmt.Errorf("read: %w", err)
		}

		switch env.Type {
		case proto.TypeSuccess:
			if env.ID == authID {
				close(authenticated)
				c.log.Info().Str("url", c.opts.URL).Msg("connected to relay")
			}
		case proto.TypeError:
			if env.ID == authID {
				return fmt.Errorf("%w: %s", ErrAuthRejected, env.Content)
			}
			c.log.Warn().Str("message_id", env.ID).Str("reason", env.Content).Msg("relay reported error")
		case proto.TypeHeartbeat:
			c.log.Debug().Int64("timestamp", env.Timestamp).Msg("heartbeat acknowledged")
		case proto.TypeChatRequest:
			req := env
			g.Go(func() error {
				c.answer(ctx, conn, &req)
				return nil
			})
		default:
			c.log.Debug().Str("type", string(env.Type)).Msg("ignoring envelope")
		}
	}
}

func (c *Connector) answer(ctx context.Context, conn *websocket.Conn, req *proto.Envelope) {
	logger := c.log.With().Str("message_id", req.ID).Str("user_id", req.UserID).Logger()
	logger.Debug().Msg("handling chat request")

	content, data, err := c.handler(ctx, req)
	var payload json.RawMessage
	if err == nil {
		payload, err = proto.MarshalData(data)
	}
	if err != nil {
		logger.Warn().Err(err).Msg("handler failed")
		content = ""
		payload, _ = proto.MarshalData(map[string]any{"error": err.Error()})
	}

	if err := c.write(ctx, conn, proto.NewChatResponse(req.ID, req.UserID, content, payload)); err != nil {
		logger.Warn().Err(err).Msg("send chat response")
	}
}

func (c *Connector) heartbeat(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.write(ctx, conn, proto.NewHeartbeat("", "")); err != nil {
				return fmt.Errorf("send heartbeat: %w", err)
			}
		}
	}
}

// write is safe for concurrent use; the websocket library serializes writers.
func (c *Connector) write(ctx context.Context, conn *websocket.Conn, env *proto.Envelope) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.WriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, env)
}
