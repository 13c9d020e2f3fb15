package session

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/timur-nocodia/n8n-streaming-microservice/internal/store"
	"github.com/timur-nocodia/n8n-streaming-microservice/internal/token"
)

const (
	// DefaultModel is used when the init request omits a model name.
	DefaultModel = "gpt-4o-mini"

	// DefaultMaxTokens caps the completion when the request omits a limit.
	DefaultMaxTokens = 4096

	// sessionTTL bounds how long a minted session waits to be streamed.
	sessionTTL = 60 * time.Second
)

// Service mints streaming sessions: it validates the job token, parks the
// job parameters in the store and hands back a single-session stream URL.
type Service struct {
	store     store.SessionStore
	jwtSecret string
	baseURL   string
	logger    *logrus.Entry
}

// NewService creates a session initiation service.
func NewService(sessionStore store.SessionStore, jwtSecret, baseURL string, logger *logrus.Entry) *Service {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Service{
		store:     sessionStore,
		jwtSecret: jwtSecret,
		baseURL:   baseURL,
		logger:    logger,
	}
}

// InitRequest carries the validated fields of an init-stream call. Token,
// Prompt and ResumeURL presence is enforced by the HTTP layer.
type InitRequest struct {
	JobToken  string
	ResumeURL string
	Prompt    string
	UserID    string
	ChatID    string
	Model     string
	MaxTokens int
}

// InitStream validates the job token, persists a session record with a
// short TTL and returns the stream URL. Each call mints a fresh session.
// Token failures surface as token.ErrExpired / token.ErrInvalid.
func (s *Service) InitStream(ctx context.Context, req InitRequest) (string, error) {
	claims, err := token.VerifyJobToken(s.jwtSecret, req.JobToken)
	if err != nil {
		return "", err
	}

	streamID := uuid.NewString()

	model := req.Model
	if model == "" {
		model = DefaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	rec := store.SessionRecord{
		Prompt:    req.Prompt,
		UserID:    req.UserID,
		ChatID:    req.ChatID,
		Model:     model,
		ResumeURL: req.ResumeURL,
		MaxTokens: maxTokens,
	}

	if err := s.store.SaveSession(ctx, streamID, rec, sessionTTL); err != nil {
		return "", fmt.Errorf("failed to persist session: %w", err)
	}

	// The stream token inherits the job token's expiry rather than getting
	// a fresh TTL: the stream handle can never outlive the credential that
	// requested it.
	accessToken, err := token.IssueStreamToken(s.jwtSecret, streamID, claims.ExpiresAt.Time)
	if err != nil {
		return "", fmt.Errorf("failed to issue stream token: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"streamId": streamID,
		"model":    model,
		"userId":   req.UserID,
	}).Info("session initiated")

	return fmt.Sprintf("%s/stream/%s?access_token=%s", s.baseURL, streamID, accessToken), nil
}
