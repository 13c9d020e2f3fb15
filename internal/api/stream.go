package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/timur-nocodia/n8n-streaming-microservice/internal/relay"
	"github.com/timur-nocodia/n8n-streaming-microservice/internal/store"
	"github.com/timur-nocodia/n8n-streaming-microservice/internal/token"
)

// StreamHandler serves the browser-facing SSE endpoint
type StreamHandler struct {
	relay     *relay.Relay
	store     store.SessionStore
	jwtSecret string
	logger    *logrus.Entry
}

// NewStreamHandler creates a new stream handler
func NewStreamHandler(r *relay.Relay, sessionStore store.SessionStore, jwtSecret string, logger *logrus.Entry) *StreamHandler {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &StreamHandler{
		relay:     r,
		store:     sessionStore,
		jwtSecret: jwtSecret,
		logger:    logger,
	}
}

// HandleStream validates the stream credential, recovers the session record
// and relays the provider stream as server-sent events.
func (h *StreamHandler) HandleStream(c *gin.Context) {
	streamID := c.Param("streamId")
	accessToken := c.Query("access_token")

	claims, err := token.VerifyStreamToken(h.jwtSecret, accessToken)
	if err != nil {
		if errors.Is(err, token.ErrExpired) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "accessToken expired"})
		} else {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "accessToken invalid"})
		}
		return
	}

	// The credential is bound to exactly one session; presenting it on any
	// other session id path must fail.
	if claims.StreamID != streamID {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Token does not match stream_id"})
		return
	}

	rec, err := h.store.GetSession(c.Request.Context(), streamID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "stream_id not found or expired (TTL)"})
		} else {
			h.logger.WithError(err).Error("session lookup failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load session"})
		}
		return
	}

	writeSSEHeaders(c)

	h.relay.Run(c.Request.Context(), streamID, *rec, &sseSink{w: c.Writer})
}

// writeSSEHeaders commits the response to the event-stream content type and
// disables intermediary buffering and caching.
func writeSSEHeaders(c *gin.Context) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()
}

// sseSink writes relay frames as server-sent events. Raw line breaks in a
// delta are escaped to the two-character sequence \n so they can never
// corrupt the record framing.
type sseSink struct {
	w gin.ResponseWriter
}

// Ensure sseSink implements relay.Sink
var _ relay.Sink = (*sseSink)(nil)

func (s *sseSink) WriteDelta(text string) error {
	return s.writeFrame(strings.ReplaceAll(text, "\n", `\n`))
}

func (s *sseSink) WriteDone() error {
	return s.writeFrame("[DONE]")
}

func (s *sseSink) WriteError(message string) error {
	return s.writeFrame("Error: " + strings.ReplaceAll(message, "\n", `\n`))
}

func (s *sseSink) writeFrame(payload string) error {
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	s.w.Flush()
	return nil
}

// HandleTestStream simulates a completion stream with canned chunks. It is
// registered only in dev mode, for frontend integration testing.
func (h *StreamHandler) HandleTestStream(c *gin.Context) {
	writeSSEHeaders(c)

	sink := &sseSink{w: c.Writer}
	chunks := []string{"Hello", " World", "!", " This", " is", " a", " test", " stream"}

	for _, chunk := range chunks {
		select {
		case <-c.Request.Context().Done():
			return
		case <-time.After(1 * time.Second):
		}
		if err := sink.WriteDelta(chunk); err != nil {
			return
		}
	}

	sink.WriteDone()
}
