package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timur-nocodia/n8n-streaming-microservice/internal/notifier"
	"github.com/timur-nocodia/n8n-streaming-microservice/internal/relay"
	"github.com/timur-nocodia/n8n-streaming-microservice/internal/session"
	"github.com/timur-nocodia/n8n-streaming-microservice/internal/store"
	"github.com/timur-nocodia/n8n-streaming-microservice/internal/token"
	"github.com/timur-nocodia/n8n-streaming-microservice/pkg/llm"
)

const testSecret = "test-secret"

type testEnv struct {
	router    *gin.Engine
	store     *store.MemoryStore
	provider  *llm.MockClient
	callbacks *callbackRecorder
}

type callbackRecorder struct {
	*httptest.Server
	mu       sync.Mutex
	received []notifier.Callback
}

func (cr *callbackRecorder) all() []notifier.Callback {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	out := make([]notifier.Callback, len(cr.received))
	copy(out, cr.received)
	return out
}

func newTestEnv(t *testing.T, events ...llm.StreamEvent) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	sessionStore := store.NewMemoryStore()
	t.Cleanup(sessionStore.Close)

	cr := &callbackRecorder{}
	cr.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var cb notifier.Callback
		json.NewDecoder(r.Body).Decode(&cb)
		cr.mu.Lock()
		cr.received = append(cr.received, cb)
		cr.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(cr.Close)

	provider := llm.NewMockClient(events...)
	pick := func(model string) llm.StreamClient { return provider }
	r := relay.New(pick, notifier.New(notifier.Config{Timeout: 5 * time.Second}, nil), sessionStore, nil, nil)

	sessions := session.NewService(sessionStore, testSecret, "http://localhost:8080", nil)

	router := gin.New()
	initHandler := NewInitHandler(sessions, nil)
	streamHandler := NewStreamHandler(r, sessionStore, testSecret, nil)
	router.POST("/init-stream", initHandler.InitStream)
	router.GET("/stream/:streamId", streamHandler.HandleStream)

	return &testEnv{
		router:    router,
		store:     sessionStore,
		provider:  provider,
		callbacks: cr,
	}
}

func (e *testEnv) seedSession(t *testing.T, id string) store.SessionRecord {
	t.Helper()
	rec := store.SessionRecord{
		Prompt:    "Hello",
		UserID:    "user-1",
		ChatID:    "chat-1",
		Model:     "gpt-4o-mini",
		ResumeURL: e.callbacks.URL,
		MaxTokens: 4096,
	}
	require.NoError(t, e.store.SaveSession(context.Background(), id, rec, time.Minute))
	return rec
}

func streamToken(t *testing.T, streamID string, expiresAt time.Time) string {
	t.Helper()
	tok, err := token.IssueStreamToken(testSecret, streamID, expiresAt)
	require.NoError(t, err)
	return tok
}

func TestInitStream_MissingFields(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		body string
	}{
		{"missing token", `{"prompt":"Hello","resumeUrl":"https://example.com/cb"}`},
		{"missing prompt", `{"n8nToken":"x","resumeUrl":"https://example.com/cb"}`},
		{"missing resumeUrl", `{"n8nToken":"x","prompt":"Hello"}`},
		{"empty body", `{}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest("POST", "/init-stream", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			env.router.ServeHTTP(w, req)

			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestInitStream_AuthFailures(t *testing.T) {
	env := newTestEnv(t)

	expired, err := token.IssueJobToken(testSecret, "n8n", -time.Minute)
	require.NoError(t, err)

	tests := []struct {
		name     string
		jobToken string
	}{
		{"expired", expired},
		{"garbage", "not.a.jwt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, _ := json.Marshal(map[string]string{
				"n8nToken":  tt.jobToken,
				"prompt":    "Hello",
				"resumeUrl": "https://example.com/cb",
			})
			w := httptest.NewRecorder()
			req := httptest.NewRequest("POST", "/init-stream", strings.NewReader(string(body)))
			req.Header.Set("Content-Type", "application/json")
			env.router.ServeHTTP(w, req)

			assert.Equal(t, http.StatusUnauthorized, w.Code)
		})
	}
}

func TestInitStream_Success(t *testing.T) {
	env := newTestEnv(t)

	jobToken, err := token.IssueJobToken(testSecret, "n8n", 5*time.Minute)
	require.NoError(t, err)

	body, _ := json.Marshal(map[string]string{
		"n8nToken":  jobToken,
		"prompt":    "Hello",
		"resumeUrl": "https://example.com/cb",
	})
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/init-stream", strings.NewReader(string(body)))
	req.Header.Set("Content-Type", "application/json")
	env.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		OK        bool   `json:"ok"`
		StreamURL string `json:"streamUrl"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.OK)
	assert.Contains(t, resp.StreamURL, "/stream/")
	assert.Contains(t, resp.StreamURL, "access_token=")

	// Model omitted in the request defaults in the stored record.
	parts := strings.Split(strings.Split(resp.StreamURL, "?")[0], "/")
	streamID := parts[len(parts)-1]
	rec, err := env.store.GetSession(context.Background(), streamID)
	require.NoError(t, err)
	assert.Equal(t, session.DefaultModel, rec.Model)
}

func TestHandleStream_ExpiredToken(t *testing.T) {
	env := newTestEnv(t)
	env.seedSession(t, "id-1")

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/stream/id-1?access_token="+streamToken(t, "id-1", time.Now().Add(-time.Minute)), nil)
	env.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// No store mutation, no callback fired.
	_, err := env.store.GetSession(context.Background(), "id-1")
	assert.NoError(t, err)
	assert.Empty(t, env.callbacks.all())
	assert.Equal(t, 0, env.provider.GetStreamCallCount())
}

func TestHandleStream_TokenSessionMismatch(t *testing.T) {
	env := newTestEnv(t)
	env.seedSession(t, "id-1")
	env.seedSession(t, "id-2")

	// A credential minted for id-2 must not open id-1's stream.
	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/stream/id-1?access_token="+streamToken(t, "id-2", time.Now().Add(time.Minute)), nil)
	env.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandleStream_MissingToken(t *testing.T) {
	env := newTestEnv(t)
	env.seedSession(t, "id-1")

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/stream/id-1", nil)
	env.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandleStream_UnknownSession(t *testing.T) {
	env := newTestEnv(t)

	// Valid credential, no record: 404, distinguishable from auth failure.
	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/stream/id-9?access_token="+streamToken(t, "id-9", time.Now().Add(time.Minute)), nil)
	env.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Empty(t, env.callbacks.all())
}

func TestHandleStream_RelaysFrames(t *testing.T) {
	env := newTestEnv(t,
		llm.StreamEvent{Type: llm.EventDelta, Text: "Hi"},
		llm.StreamEvent{Type: llm.EventDelta, Text: " there"},
		llm.StreamEvent{Type: llm.EventDone},
	)
	env.seedSession(t, "id-1")

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/stream/id-1?access_token="+streamToken(t, "id-1", time.Now().Add(time.Minute)), nil)
	env.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", w.Header().Get("Cache-Control"))
	assert.Equal(t, "no", w.Header().Get("X-Accel-Buffering"))

	assert.Equal(t, "data: Hi\n\ndata:  there\n\ndata: [DONE]\n\n", w.Body.String())

	callbacks := env.callbacks.all()
	require.Len(t, callbacks, 1)
	assert.Equal(t, "Hi there", callbacks[0].Answer)

	// Record consumed: a second stream attempt fails.
	w2 := httptest.NewRecorder()
	req2 := httptest.NewRequest("GET", "/stream/id-1?access_token="+streamToken(t, "id-1", time.Now().Add(time.Minute)), nil)
	env.router.ServeHTTP(w2, req2)
	assert.Equal(t, http.StatusNotFound, w2.Code)
}

func TestHandleStream_EscapesNewlines(t *testing.T) {
	env := newTestEnv(t,
		llm.StreamEvent{Type: llm.EventDelta, Text: "line1\nline2"},
		llm.StreamEvent{Type: llm.EventDone},
	)
	env.seedSession(t, "id-1")

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/stream/id-1?access_token="+streamToken(t, "id-1", time.Now().Add(time.Minute)), nil)
	env.router.ServeHTTP(w, req)

	assert.Equal(t, `data: line1\nline2`+"\n\ndata: [DONE]\n\n", w.Body.String())

	// The callback answer keeps the raw line break.
	callbacks := env.callbacks.all()
	require.Len(t, callbacks, 1)
	assert.Equal(t, "line1\nline2", callbacks[0].Answer)
}

func TestHandleStream_ProviderErrorFrame(t *testing.T) {
	env := newTestEnv(t,
		llm.StreamEvent{Type: llm.EventDelta, Text: "partial"},
		llm.StreamEvent{Type: llm.EventError, Text: "model overloaded"},
	)
	env.seedSession(t, "id-1")

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/stream/id-1?access_token="+streamToken(t, "id-1", time.Now().Add(time.Minute)), nil)
	env.router.ServeHTTP(w, req)

	// In-stream failures degrade to an error frame on a 200 response.
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "data: partial\n\ndata: Error: model overloaded\n\n", w.Body.String())

	callbacks := env.callbacks.all()
	require.Len(t, callbacks, 1)
	assert.Equal(t, "partial", callbacks[0].Answer)
}
