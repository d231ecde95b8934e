package core

import "errors"

var (
	// ErrSessionClosed is returned when writing to or binding a closed session.
	ErrSessionClosed = errors.New("session closed")
	// ErrAlreadyBound is returned when a bound session is registered under a different role or identity.
	ErrAlreadyBound = errors.New("session already bound")
	// ErrNoClient is returned when a chat request has no local client to go to.
	ErrNoClient = errors.New("no client available")
	// ErrUserOffline is returned when a chat response targets a user without sessions.
	ErrUserOffline = errors.New("user not connected")
)

// Messages carried by error envelopes replied to the originating session.
const (
	MsgInvalidCredential  = "invalid credential"
	MsgUnknownClientType  = "unknown client type"
	MsgAlreadyBound       = "already authenticated"
	MsgNotAuthenticated   = "not authenticated"
	MsgNoClient           = "no client available"
	MsgUserOffline        = "user not connected"
	MsgUserMismatch       = "user id mismatch"
	MsgOnlyUsersRequest   = "only users may send chat requests"
	MsgOnlyClientsRespond = "only clients may send chat responses"
	MsgUnexpectedType     = "unexpected message type"
	MsgUnknownType        = "unknown message type"
)
