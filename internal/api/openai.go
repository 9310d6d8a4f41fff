package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/nghyane/qwen-proxy/internal/dispatch"
	log "github.com/nghyane/qwen-proxy/internal/logging"
	"github.com/tidwall/gjson"
)

// maxRequestBody bounds inbound chat request bodies.
const maxRequestBody = 10 << 20

// servedModels is the static model list for GET /v1/models.
var servedModels = []string{"qwen3-coder-plus", "qwen3-coder-flash"}

func (s *Server) handleModels(c *gin.Context) {
	data := make([]gin.H, 0, len(servedModels))
	for _, id := range servedModels {
		data = append(data, gin.H{
			"id":       id,
			"object":   "model",
			"created":  1754686206,
			"owned_by": "qwen",
		})
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": data})
}

// handleChat serves both /api/chat and /v1/chat/completions. The request
// body passes through to the upstream with defaults filled in; streaming
// is chosen by the request's own stream flag.
func (s *Server) handleChat(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxRequestBody))
	if err != nil {
		fail(c, http.StatusBadRequest, "failed to read request body")
		return
	}

	if !gjson.GetBytes(body, "stream").Bool() {
		s.chatBuffered(c, body)
		return
	}
	s.chatStreaming(c, body)
}

func (s *Server) chatBuffered(c *gin.Context, body []byte) {
	respBody, err := s.dispatcher.Forward(c.Request.Context(), body)
	if err != nil {
		s.chatError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json", respBody)
}

func (s *Server) chatStreaming(c *gin.Context, body []byte) {
	stream, err := s.dispatcher.OpenStream(c.Request.Context(), body)
	if err != nil {
		s.chatError(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	if err := stream.Copy(c.Writer); err != nil {
		// Headers are already out; nothing to send but a log line.
		log.Debugf("stream relay ended early: %v", err)
	}
}

// chatError maps dispatcher errors onto HTTP statuses. Only callable
// before any response byte has been written.
func (s *Server) chatError(c *gin.Context, err error) {
	var upstream *dispatch.UpstreamError
	switch {
	case errors.Is(err, dispatch.ErrInvalidRequest):
		fail(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, dispatch.ErrNoValidToken):
		fail(c, http.StatusBadRequest, "no valid token")
	case errors.As(err, &upstream):
		fail(c, http.StatusInternalServerError, fmt.Sprintf("API error: %d", upstream.Status))
	default:
		fail(c, http.StatusInternalServerError, err.Error())
	}
}
