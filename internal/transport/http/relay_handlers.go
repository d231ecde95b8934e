package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirerelay/internal/core"
)

// RelayHandlers exposes the relay over REST for callers without a socket.
type RelayHandlers struct {
	router *core.Router
	log    *zerolog.Logger
}

// NewRelayHandlers creates relay handlers backed by router.
func NewRelayHandlers(router *core.Router, logger *zerolog.Logger) *RelayHandlers {
	return &RelayHandlers{router: router, log: logger}
}

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	Message string          `json:"message" binding:"required"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// ChatAccepted is returned once a chat request reached at least one client.
type ChatAccepted struct {
	ID string `json:"id"`
}

// ChatResponseRequest is the body of POST /api/chat/responses.
type ChatResponseRequest struct {
	MessageID string          `json:"messageId" binding:"required"`
	Content   string          `json:"content"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Status reports current connection counts.
// GET /api/relay/status
func (h *RelayHandlers) Status(c *gin.Context) {
	c.JSON(http.StatusOK, h.router.Status())
}

// SendChat forwards a chat request from the authenticated user to clients.
// POST /api/chat
func (h *RelayHandlers) SendChat(c *gin.Context) {
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Debug().Err(err).Msg("invalid chat request")
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	userID := c.GetString(ContextKeyUsername)
	id, err := h.router.ForwardChatRequest(c.Request.Context(), userID, req.Message, req.Data)
	if err != nil {
		if errors.Is(err, core.ErrNoClient) {
			c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: core.MsgNoClient})
			return
		}
		h.log.Error().Err(err).Str("user_id", userID).Msg("forward chat request")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
		return
	}

	c.JSON(http.StatusAccepted, ChatAccepted{ID: id})
}

// SendChatResponse delivers a response to the authenticated user's sessions.
// POST /api/chat/responses
func (h *RelayHandlers) SendChatResponse(c *gin.Context) {
	var req ChatResponseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Debug().Err(err).Msg("invalid chat response")
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	userID := c.GetString(ContextKeyUsername)
	if err := h.router.ForwardChatResponse(c.Request.Context(), userID, req.MessageID, req.Content, req.Data); err != nil {
		if errors.Is(err, core.ErrUserOffline) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: core.MsgUserOffline + ": " + userID})
			return
		}
		h.log.Error().Err(err).Str("user_id", userID).Msg("forward chat response")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
		return
	}

	c.Status(http.StatusAccepted)
}
