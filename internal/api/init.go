package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/timur-nocodia/n8n-streaming-microservice/internal/session"
	"github.com/timur-nocodia/n8n-streaming-microservice/internal/token"
)

// InitHandler handles the workflow-facing init-stream endpoint
type InitHandler struct {
	sessions *session.Service
	logger   *logrus.Entry
}

// NewInitHandler creates a new init handler
func NewInitHandler(sessions *session.Service, logger *logrus.Entry) *InitHandler {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &InitHandler{
		sessions: sessions,
		logger:   logger,
	}
}

// InitStreamRequest represents the init-stream request body
type InitStreamRequest struct {
	N8NToken  string `json:"n8nToken"`
	ResumeURL string `json:"resumeUrl"`
	Prompt    string `json:"prompt"`
	UserID    string `json:"userId"`
	ChatID    string `json:"chatId"`
	Model     string `json:"model"`
	MaxTokens int    `json:"maxTokens"`
}

// InitStream mints a streaming session for an authorized workflow job and
// returns the single-session stream URL.
func (h *InitHandler) InitStream(c *gin.Context) {
	var req InitStreamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.N8NToken == "" || req.Prompt == "" || req.ResumeURL == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing required fields: n8nToken, prompt, resumeUrl"})
		return
	}

	streamURL, err := h.sessions.InitStream(c.Request.Context(), session.InitRequest{
		JobToken:  req.N8NToken,
		ResumeURL: req.ResumeURL,
		Prompt:    req.Prompt,
		UserID:    req.UserID,
		ChatID:    req.ChatID,
		Model:     req.Model,
		MaxTokens: req.MaxTokens,
	})
	if err != nil {
		switch {
		case errors.Is(err, token.ErrExpired):
			c.JSON(http.StatusUnauthorized, gin.H{"error": "n8nToken expired"})
		case errors.Is(err, token.ErrInvalid):
			c.JSON(http.StatusUnauthorized, gin.H{"error": "n8nToken invalid"})
		default:
			h.logger.WithError(err).Error("init-stream failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to initiate stream"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"ok":        true,
		"streamUrl": streamURL,
	})
}
