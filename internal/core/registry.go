package core

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/vovakirdan/wirerelay/internal/proto"
)

// Role is the bound classification of a session.
type Role string

const (
	// RoleUser is a browser user addressed by user identity.
	RoleUser Role = "user"
	// RoleClient is an anonymous local connector.
	RoleClient Role = "client"
)

// Binding is what a session was bound to during auth.
type Binding struct {
	Role   Role
	UserID string
}

// Registry owns the mapping from sessions to roles and user identities.
// Forward and inverse maps are only changed together under mu. conns holds
// every live session, bound or not, so unbound sockets can be reaped too.
type Registry struct {
	mu       sync.RWMutex
	conns    map[*Session]struct{}
	bindings map[*Session]Binding
	users    map[string]map[*Session]struct{}
	clients  map[*Session]struct{}
	log      *zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zerolog.Logger) *Registry {
	return &Registry{
		conns:    make(map[*Session]struct{}),
		bindings: make(map[*Session]Binding),
		users:    make(map[string]map[*Session]struct{}),
		clients:  make(map[*Session]struct{}),
		log:      logger,
	}
}

// Track records a freshly accepted session before it authenticates.
func (r *Registry) Track(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s.Closed() {
		return ErrSessionClosed
	}
	r.conns[s] = struct{}{}
	return nil
}

// RegisterUser binds s to userID. Registering the same pair again is a no-op.
func (r *Registry) RegisterUser(userID string, s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkBindable(s, Binding{Role: RoleUser, UserID: userID}); err != nil {
		return noopIfSame(err)
	}

	set, ok := r.users[userID]
	if !ok {
		set = make(map[*Session]struct{})
		r.users[userID] = set
	}
	set[s] = struct{}{}
	r.conns[s] = struct{}{}
	r.bindings[s] = Binding{Role: RoleUser, UserID: userID}

	r.log.Info().Str("user_id", userID).Str("session_id", s.ID).Int("user_sessions", len(set)).Msg("user session registered")
	return nil
}

// RegisterClient binds s as a local client.
func (r *Registry) RegisterClient(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkBindable(s, Binding{Role: RoleClient}); err != nil {
		return noopIfSame(err)
	}

	r.clients[s] = struct{}{}
	r.conns[s] = struct{}{}
	r.bindings[s] = Binding{Role: RoleClient}

	r.log.Info().Str("session_id", s.ID).Int("clients", len(r.clients)).Msg("client session registered")
	return nil
}

var errSameBinding = errors.New("same binding")

// checkBindable must be called with mu held.
func (r *Registry) checkBindable(s *Session, want Binding) error {
	if s.Closed() {
		return ErrSessionClosed
	}
	if existing, ok := r.bindings[s]; ok {
		if existing == want {
			return errSameBinding
		}
		return ErrAlreadyBound
	}
	return nil
}

func noopIfSame(err error) error {
	if errors.Is(err, errSameBinding) {
		return nil
	}
	return err
}

// Evict removes s from every map and closes it. Safe to call repeatedly.
func (r *Registry) Evict(s *Session) {
	r.mu.Lock()
	// Closing under the lock keeps a concurrent Register from re-adding s.
	s.closed.Store(true)
	delete(r.conns, s)
	binding, bound := r.bindings[s]
	if bound {
		delete(r.bindings, s)
		switch binding.Role {
		case RoleUser:
			if set, ok := r.users[binding.UserID]; ok {
				delete(set, s)
				if len(set) == 0 {
					delete(r.users, binding.UserID)
				}
			}
		case RoleClient:
			delete(r.clients, s)
		}
	}
	r.mu.Unlock()

	s.Close("evicted")

	if bound {
		r.log.Info().Str("session_id", s.ID).Str("role", string(binding.Role)).Str("user_id", binding.UserID).Msg("session evicted")
	}
}

// Lookup returns the binding of s, if any.
func (r *Registry) Lookup(s *Session) (Binding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bindings[s]
	return b, ok
}

// UserCount returns the number of distinct users with at least one session.
func (r *Registry) UserCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}

// ClientCount returns the number of client sessions.
func (r *Registry) ClientCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// UserSessionCount returns the number of sessions registered for userID.
func (r *Registry) UserSessionCount(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID])
}

// HasUser reports whether userID has any session.
func (r *Registry) HasUser(userID string) bool {
	return r.UserSessionCount(userID) > 0
}

// HasClients reports whether any client session exists.
func (r *Registry) HasClients() bool {
	return r.ClientCount() > 0
}

// Connections returns a snapshot of every tracked or bound session.
func (r *Registry) Connections() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return snapshot(r.conns)
}

// Sessions returns a snapshot of all bound sessions.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.bindings))
	for s := range r.bindings {
		out = append(out, s)
	}
	return out
}

// SendTo delivers env to every session of userID and returns how many
// writes succeeded. A user without sessions is a silent drop.
func (r *Registry) SendTo(ctx context.Context, userID string, env *proto.Envelope) int {
	r.mu.RLock()
	targets := snapshot(r.users[userID])
	r.mu.RUnlock()
	return r.deliver(ctx, env, targets)
}

// SendToClients delivers env to every client session.
func (r *Registry) SendToClients(ctx context.Context, env *proto.Envelope) int {
	r.mu.RLock()
	targets := snapshot(r.clients)
	r.mu.RUnlock()
	return r.deliver(ctx, env, targets)
}

// SendToSession delivers env to s, bound or not.
func (r *Registry) SendToSession(ctx context.Context, s *Session, env *proto.Envelope) bool {
	return r.deliver(ctx, env, []*Session{s}) == 1
}

// BroadcastToUsers delivers env to every session of every user.
func (r *Registry) BroadcastToUsers(ctx context.Context, env *proto.Envelope) int {
	r.mu.RLock()
	var targets []*Session
	for _, set := range r.users {
		targets = append(targets, snapshot(set)...)
	}
	r.mu.RUnlock()
	return r.deliver(ctx, env, targets)
}

// deliver writes outside the lock, to all targets concurrently so one slow
// recipient does not hold up the rest. It returns once every write finished,
// which keeps per-recipient order across calls. Sessions that fail are evicted.
func (r *Registry) deliver(ctx context.Context, env *proto.Envelope, targets []*Session) int {
	if len(targets) == 0 {
		return 0
	}

	frame, err := proto.Encode(env)
	if err != nil {
		r.log.Error().Err(err).Str("message_id", env.ID).Str("type", string(env.Type)).Msg("encode envelope")
		return 0
	}

	if len(targets) == 1 {
		if r.sendOrEvict(ctx, env, frame, targets[0]) {
			return 1
		}
		return 0
	}

	var (
		g         errgroup.Group
		delivered atomic.Int64
	)
	for _, s := range targets {
		g.Go(func() error {
			if r.sendOrEvict(ctx, env, frame, s) {
				delivered.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(delivered.Load())
}

func (r *Registry) sendOrEvict(ctx context.Context, env *proto.Envelope, frame []byte, s *Session) bool {
	if err := s.Send(ctx, frame); err != nil {
		if !errors.Is(err, ErrSessionClosed) {
			r.log.Warn().Err(err).Str("session_id", s.ID).Str("message_id", env.ID).Msg("deliver envelope")
		}
		r.Evict(s)
		return false
	}
	return true
}

func snapshot(set map[*Session]struct{}) []*Session {
	out := make([]*Session, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	return out
}
