package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirerelay/internal/proto"
)

// RouterOptions tunes liveness handling.
type RouterOptions struct {
	// HeartbeatInterval is how often the reaper sweeps sessions.
	HeartbeatInterval time.Duration
	// HeartbeatTimeout evicts bound sessions silent for longer, and unbound
	// sessions that did not authenticate within it. Zero disables the reaper.
	HeartbeatTimeout time.Duration
}

// Status is a snapshot of relay connections.
type Status struct {
	UserConnections   int  `json:"userConnections"`
	ClientConnections int  `json:"clientConnections"`
	HasClients        bool `json:"hasClients"`
}

// Router interprets inbound envelopes and decides where they go.
type Router struct {
	registry *Registry
	opts     RouterOptions
	log      *zerolog.Logger
	now      func() time.Time
}

// NewRouter creates a router on top of registry.
func NewRouter(registry *Registry, opts RouterOptions, logger *zerolog.Logger) *Router {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	return &Router{
		registry: registry,
		opts:     opts,
		log:      logger,
		now:      time.Now,
	}
}

// Registry returns the registry the router delivers through.
func (r *Router) Registry() *Registry {
	return r.registry
}

// Handle processes one inbound envelope from s. Protocol errors are replied
// to s and never forwarded.
func (r *Router) Handle(ctx context.Context, s *Session, env *proto.Envelope) {
	if !env.Type.Known() {
		r.reject(ctx, s, env, fmt.Sprintf("%s: %s", MsgUnknownType, env.Type))
		return
	}
	if env.Type == proto.TypeAuth {
		r.handleAuth(ctx, s, env)
		return
	}

	binding, ok := r.registry.Lookup(s)
	if !ok {
		r.reject(ctx, s, env, MsgNotAuthenticated)
		return
	}

	switch env.Type {
	case proto.TypeHeartbeat:
		r.handleHeartbeat(ctx, s, binding, env)
	case proto.TypeChatRequest:
		r.handleChatRequest(ctx, s, binding, env)
	case proto.TypeChatResponse:
		r.handleChatResponse(ctx, s, binding, env)
	case proto.TypeError, proto.TypeSuccess:
		r.reject(ctx, s, env, fmt.Sprintf("%s: %s", MsgUnexpectedType, env.Type))
	default:
		r.reject(ctx, s, env, fmt.Sprintf("%s: %s", MsgUnknownType, env.Type))
	}
}

func (r *Router) handleAuth(ctx context.Context, s *Session, env *proto.Envelope) {
	var err error
	switch env.ClientType {
	case proto.ClientTypeUser:
		userID := s.Handshake.PendingUserID
		if userID == "" {
			r.reject(ctx, s, env, MsgInvalidCredential)
			return
		}
		err = r.registry.RegisterUser(userID, s)
	case proto.ClientTypeClient:
		err = r.registry.RegisterClient(s)
	default:
		r.reject(ctx, s, env, fmt.Sprintf("%s: %s", MsgUnknownClientType, env.ClientType))
		return
	}

	switch {
	case errors.Is(err, ErrSessionClosed):
		return
	case errors.Is(err, ErrAlreadyBound):
		r.reject(ctx, s, env, MsgAlreadyBound)
		return
	case err != nil:
		r.log.Error().Err(err).Str("session_id", s.ID).Msg("bind session")
		r.reject(ctx, s, env, err.Error())
		return
	}

	s.Touch(r.now())
	r.registry.SendToSession(ctx, s, proto.NewSuccess(env.ID, fmt.Sprintf("authenticated as %s", env.ClientType)))
}

func (r *Router) handleHeartbeat(ctx context.Context, s *Session, b Binding, env *proto.Envelope) {
	ts := s.Touch(r.now())

	reply := proto.NewHeartbeat(env.ID, b.UserID)
	reply.Timestamp = ts
	r.registry.SendToSession(ctx, s, reply)
}

func (r *Router) handleChatRequest(ctx context.Context, s *Session, b Binding, env *proto.Envelope) {
	if b.Role != RoleUser {
		r.reject(ctx, s, env, MsgOnlyUsersRequest)
		return
	}
	if env.UserID != "" && env.UserID != b.UserID {
		r.reject(ctx, s, env, MsgUserMismatch)
		return
	}
	if !r.registry.HasClients() {
		r.reject(ctx, s, env, MsgNoClient)
		return
	}

	fwd := env
	if env.UserID == "" {
		// Clients address their responses by userId.
		fwd = env.Clone()
		fwd.UserID = b.UserID
	}

	if r.registry.SendToClients(ctx, fwd) == 0 {
		r.reject(ctx, s, env, MsgNoClient)
		return
	}
	r.log.Debug().Str("session_id", s.ID).Str("user_id", b.UserID).Str("message_id", env.ID).Msg("chat request forwarded")
}

func (r *Router) handleChatResponse(ctx context.Context, s *Session, b Binding, env *proto.Envelope) {
	if b.Role != RoleClient {
		r.reject(ctx, s, env, MsgOnlyClientsRespond)
		return
	}

	if env.UserID == "" {
		// Responses without a target are broadcast. This mirrors legacy
		// connectors that omitted userId and should not happen otherwise.
		n := r.registry.BroadcastToUsers(ctx, env)
		r.log.Warn().Str("session_id", s.ID).Str("message_id", env.ID).Int("recipients", n).Msg("chat response without user id broadcast to all users")
		return
	}

	if !r.registry.HasUser(env.UserID) {
		r.reject(ctx, s, env, fmt.Sprintf("%s: %s", MsgUserOffline, env.UserID))
		return
	}
	r.registry.SendTo(ctx, env.UserID, env)
}

func (r *Router) reject(ctx context.Context, s *Session, env *proto.Envelope, msg string) {
	r.log.Debug().Str("session_id", s.ID).Str("message_id", env.ID).Str("type", string(env.Type)).Str("reason", msg).Msg("envelope rejected")
	r.registry.SendToSession(ctx, s, proto.NewError(env.ID, msg))
}

// ForwardChatRequest injects a chat request on behalf of userID and returns
// its message id.
func (r *Router) ForwardChatRequest(ctx context.Context, userID, content string, data json.RawMessage) (string, error) {
	if !r.registry.HasClients() {
		return "", ErrNoClient
	}
	env := proto.NewChatRequest(userID, content, data)
	if r.registry.SendToClients(ctx, env) == 0 {
		return "", ErrNoClient
	}
	return env.ID, nil
}

// ForwardChatResponse injects a chat response for userID answering messageID.
func (r *Router) ForwardChatResponse(ctx context.Context, userID, messageID, content string, data json.RawMessage) error {
	if !r.registry.HasUser(userID) {
		return fmt.Errorf("forward response to %s: %w", userID, ErrUserOffline)
	}
	env := proto.NewChatResponse(messageID, userID, content, data)
	if r.registry.SendTo(ctx, userID, env) == 0 {
		return fmt.Errorf("forward response to %s: %w", userID, ErrUserOffline)
	}
	return nil
}

// Status returns current connection counts.
func (r *Router) Status() Status {
	clients := r.registry.ClientCount()
	return Status{
		UserConnections:   r.registry.UserCount(),
		ClientConnections: clients,
		HasClients:        clients > 0,
	}
}

// Run evicts sessions whose last heartbeat is older than HeartbeatTimeout
// until ctx is cancelled.
func (r *Router) Run(ctx context.Context) error {
	if r.opts.HeartbeatTimeout <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(r.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := r.reap(r.now()); n > 0 {
				r.log.Info().Int("evicted", n).Msg("stale sessions reaped")
			}
		}
	}
}

func (r *Router) reap(now time.Time) int {
	cutoff := now.Add(-r.opts.HeartbeatTimeout).UnixMilli()
	evicted := 0
	for _, s := range r.registry.Connections() {
		if s.LastSeen() < cutoff {
			r.log.Debug().Str("session_id", s.ID).Int64("last_seen", s.LastSeen()).Msg("session heartbeat timed out")
			r.registry.Evict(s)
			evicted++
		}
	}
	return evicted
}
