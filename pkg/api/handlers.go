package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/dotsetgreg/dotpersona/pkg/agent"
	"github.com/dotsetgreg/dotpersona/pkg/apperrors"
	"github.com/dotsetgreg/dotpersona/pkg/character"
	"github.com/dotsetgreg/dotpersona/pkg/logger"
	"github.com/dotsetgreg/dotpersona/pkg/providers"
	"github.com/dotsetgreg/dotpersona/pkg/session"
	"github.com/gin-gonic/gin"
)

// TurnRequest is the wire form of one turn. Character may be given inline;
// otherwise it is loaded from the catalog by CharacterID.
type TurnRequest struct {
	UserID         string               `json:"userId"`
	CharacterID    string               `json:"characterId"`
	SessionID      string               `json:"sessionId,omitempty"`
	Message        string               `json:"message"`
	History        []providers.Message  `json:"history,omitempty"`
	Provider       string               `json:"provider,omitempty"`
	Model          string               `json:"model,omitempty"`
	Temperature    *float64             `json:"temperature,omitempty"`
	MaxTokens      int                  `json:"maxTokens,omitempty"`
	OutputLanguage string               `json:"outputLanguage,omitempty"`
	Character      *character.Character `json:"character,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
	Type  string `json:"type"`
	Code  string `json:"code,omitempty"`
}

func (s *Server) createTurn(c *gin.Context) {
	var body TurnRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, apperrors.NewValidationError("invalid request body", err))
		return
	}
	req, err := s.toAgentRequest(c.Request.Context(), body)
	if err != nil {
		writeError(c, err)
		return
	}

	result, err := s.runner.RunTurn(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// streamTurn relays turn events as server-sent events named after the event
// type. A client disconnect cancels the turn.
func (s *Server) streamTurn(c *gin.Context) {
	var body TurnRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, apperrors.NewValidationError("invalid request body", err))
		return
	}
	req, err := s.toAgentRequest(c.Request.Context(), body)
	if err != nil {
		writeError(c, err)
		return
	}

	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	for ev := range s.runner.RunTurnStreaming(c.Request.Context(), req) {
		c.SSEvent(string(ev.Type), ev)
		c.Writer.Flush()
	}
}

func (s *Server) getSession(c *gin.Context) {
	if s.sessions == nil {
		writeError(c, apperrors.NewUnavailableError("session store not configured", nil))
		return
	}
	id := strings.TrimSpace(c.Param("id"))
	sess, err := s.sessions.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(c, apperrors.NewNotFoundError("session "+id+" not found", err))
			return
		}
		writeError(c, apperrors.NewUnavailableError("session store unavailable", err))
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) toAgentRequest(ctx context.Context, body TurnRequest) (agent.Request, error) {
	ch := body.Character
	if ch != nil && strings.TrimSpace(body.CharacterID) == "" {
		body.CharacterID = ch.ID
	}
	if ch == nil && strings.TrimSpace(body.CharacterID) != "" {
		if s.catalog == nil {
			return agent.Request{}, apperrors.NewNotFoundError("character "+body.CharacterID+" not found", nil)
		}
		loaded, err := s.catalog.Get(ctx, strings.TrimSpace(body.CharacterID))
		if err != nil {
			if apperrors.TypeOf(err) != "" {
				return agent.Request{}, err
			}
			return agent.Request{}, apperrors.NewUnavailableError("character catalog unavailable", err)
		}
		ch = loaded
	}

	return agent.Request{
		UserID:      strings.TrimSpace(body.UserID),
		CharacterID: strings.TrimSpace(body.CharacterID),
		SessionID:   strings.TrimSpace(body.SessionID),
		Character:   ch,
		UserMessage: body.Message,
		History:     body.History,
		Generation: agent.Generation{
			Provider:    body.Provider,
			Model:       body.Model,
			Temperature: body.Temperature,
			MaxTokens:   body.MaxTokens,
		},
		OutputLanguage: body.OutputLanguage,
	}, nil
}

func writeError(c *gin.Context, err error) {
	status := apperrors.StatusOf(err)
	resp := errorResponse{Error: "internal error", Type: "internal"}

	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		resp = errorResponse{Error: appErr.Message, Type: string(appErr.Type), Code: appErr.Code}
	}
	if status >= http.StatusInternalServerError {
		logger.ErrorCF("api", "Request failed", map[string]interface{}{
			"path":   c.FullPath(),
			"status": status,
			"error":  err.Error(),
		})
	}
	c.AbortWithStatusJSON(status, resp)
}
