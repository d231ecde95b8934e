package proto

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/vovakirdan/wirerelay/internal/utils"
)

// MessageType is the type tag carried by every envelope.
type MessageType string

const (
	TypeAuth         MessageType = "auth"
	TypeHeartbeat    MessageType = "heartbeat"
	TypeChatRequest  MessageType = "chat_request"
	TypeChatResponse MessageType = "chat_response"
	TypeError        MessageType = "error"
	TypeSuccess      MessageType = "success"
)

// Known reports whether t is one of the protocol's message types.
func (t MessageType) Known() bool {
	switch t {
	case TypeAuth, TypeHeartbeat, TypeChatRequest, TypeChatResponse, TypeError, TypeSuccess:
		return true
	default:
		return false
	}
}

// ClientType is the role declared by an auth envelope.
type ClientType string

const (
	// ClientTypeUser is a browser user.
	ClientTypeUser ClientType = "user"
	// ClientTypeClient is a local desktop connector.
	ClientTypeClient ClientType = "client"
)

var (
	// ErrMissingType is returned when an inbound frame has no type tag.
	ErrMissingType = errors.New("missing message type")
	// ErrInvalidUTF8 is returned for text frames that are not valid UTF-8.
	// Forwarding them would make receiving browsers drop the connection.
	ErrInvalidUTF8 = errors.New("frame is not valid utf-8")
)

// Envelope is the unit exchanged over a relay connection.
type Envelope struct {
	ID         string      `json:"id"`
	Type       MessageType `json:"type"`
	UserID     string      `json:"userId,omitempty"`
	ClientType ClientType  `json:"clientType,omitempty"`
	Content    string      `json:"content,omitempty"`

	// Data is opaque to the relay and kept as received, so re-encoding an
	// envelope never reorders keys or rounds numbers in the payload.
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`

	// raw holds the frame the envelope was decoded from, when it needed no
	// normalization. Encode reuses it so forwarded frames stay byte-identical.
	raw []byte
}

// Decode parses an inbound frame. Missing ids are generated and a zero
// timestamp is replaced with the receive time.
func Decode(frame []byte) (*Envelope, error) {
	if !utf8.Valid(frame) {
		return nil, ErrInvalidUTF8
	}

	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return nil, ErrMissingType
	}

	normalized := false
	if env.ID == "" {
		env.ID = utils.NewID()
		normalized = true
	}
	if env.Timestamp == 0 {
		env.Timestamp = now()
		normalized = true
	}
	if !normalized {
		env.raw = bytes.Clone(frame)
	}
	return &env, nil
}

// Encode returns the wire form of the envelope.
func Encode(env *Envelope) ([]byte, error) {
	if env.raw != nil {
		return env.raw, nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(env); err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Clone returns a copy safe to modify. The copy is re-encoded on send.
func (e *Envelope) Clone() *Envelope {
	cp := *e
	cp.raw = nil
	cp.Data = bytes.Clone(e.Data)
	return &cp
}

// DataMap decodes the payload into a map. Numbers are kept as json.Number.
// A missing or null payload yields a nil map.
func (e *Envelope) DataMap() (map[string]any, error) {
	if len(e.Data) == 0 || bytes.Equal(e.Data, []byte("null")) {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(e.Data))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("decode data: %w", err)
	}
	return m, nil
}

// MarshalData encodes m as an envelope payload. A nil map yields no payload.
func MarshalData(m map[string]any) (json.RawMessage, error) {
	if m == nil {
		return nil, nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(m); err != nil {
		return nil, fmt.Errorf("encode data: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func newEnvelope(id string, typ MessageType) *Envelope {
	if id == "" {
		id = utils.NewID()
	}
	return &Envelope{ID: id, Type: typ, Timestamp: now()}
}

// NewAuth builds an auth envelope declaring the given role.
func NewAuth(userID string, clientType ClientType) *Envelope {
	env := newEnvelope("", TypeAuth)
	env.UserID = userID
	env.ClientType = clientType
	return env
}

// NewHeartbeat builds a heartbeat envelope. An empty id gets a fresh one.
func NewHeartbeat(id, userID string) *Envelope {
	env := newEnvelope(id, TypeHeartbeat)
	env.UserID = userID
	return env
}

// NewChatRequest builds a chat request on behalf of userID.
func NewChatRequest(userID, content string, data json.RawMessage) *Envelope {
	env := newEnvelope("", TypeChatRequest)
	env.UserID = userID
	env.Content = content
	env.Data = data
	return env
}

// NewChatResponse builds a chat response answering the request with the given id.
func NewChatResponse(id, userID, content string, data json.RawMessage) *Envelope {
	env := newEnvelope(id, TypeChatResponse)
	env.UserID = userID
	env.Content = content
	env.Data = data
	return env
}

// NewError builds an error reply. An empty id gets a fresh one.
func NewError(id, msg string) *Envelope {
	env := newEnvelope(id, TypeError)
	env.Content = msg
	return env
}

// NewSuccess builds a success reply. An empty id gets a fresh one.
func NewSuccess(id, msg string) *Envelope {
	env := newEnvelope(id, TypeSuccess)
	env.Content = msg
	return env
}

func now() int64 {
	return time.Now().UnixMilli()
}
