package ws

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/timur-nocodia/n8n-streaming-microservice/internal/relay"
	"github.com/timur-nocodia/n8n-streaming-microservice/internal/store"
	"github.com/timur-nocodia/n8n-streaming-microservice/internal/token"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Origin enforcement happens in the CORS middleware
	},
}

// StreamHandler serves a relay session over a WebSocket connection for
// clients that cannot consume server-sent events.
type StreamHandler struct {
	relay     *relay.Relay
	store     store.SessionStore
	jwtSecret string
	logger    *logrus.Entry
}

// NewStreamHandler creates a WebSocket stream handler.
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

// OutgoingMessage represents a message to the client
type OutgoingMessage struct {
	Type    string `json:"type"` // "message", "error", "done"
	Content string `json:"content,omitempty"`
}

// HandleStream upgrades the connection and relays the session's completion
// as JSON messages. Credential checks mirror the SSE endpoint so a client
// can tell an auth failure from an expired session before upgrading.
func (h *StreamHandler) HandleStream(c *gin.Context) {
	streamID := c.Param("streamId")

	accessToken := c.Query("access_token")
	if accessToken == "" {
		accessToken = c.GetHeader("Authorization")
		if strings.HasPrefix(accessToken, "Bearer ") {
			accessToken = strings.TrimPrefix(accessToken, "Bearer ")
		}
	}

	claims, err := token.VerifyStreamToken(h.jwtSecret, accessToken)
	if err != nil {
		if errors.Is(err, token.ErrExpired) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "accessToken expired"})
		} else {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "accessToken invalid"})
		}
		return
	}
	if claims.StreamID != streamID {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Token does not match stream_id"})
		return
	}

	rec, err := h.store.GetSession(c.Request.Context(), streamID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "stream_id not found or expired (TTL)"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		}
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithError(err).Warn("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// The client sends nothing meaningful; the read pump exists to detect
	// the close frame and tear down the relay.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					h.logger.WithError(err).WithField("streamId", streamID).Debug("WebSocket read error")
				}
				return
			}
		}
	}()

	h.relay.Run(ctx, streamID, *rec, &wsSink{conn: conn})

	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// wsSink adapts a WebSocket connection to the relay's output contract.
// Deltas carry raw text; JSON framing makes newline escaping unnecessary.
type wsSink struct {
	conn *websocket.Conn
}

var _ relay.Sink = (*wsSink)(nil)

func (s *wsSink) WriteDelta(text string) error {
	return s.conn.WriteJSON(OutgoingMessage{Type: "message", Content: text})
}

func (s *wsSink) WriteDone() error {
	return s.conn.WriteJSON(OutgoingMessage{Type: "done"})
}

func (s *wsSink) WriteError(message string) error {
	return s.conn.WriteJSON(OutgoingMessage{Type: "error", Content: message})
}
