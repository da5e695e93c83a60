package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archit342000/edge-ai-gateway/pkg/conversation"
	"github.com/archit342000/edge-ai-gateway/pkg/dispatcher"
	"github.com/archit342000/edge-ai-gateway/pkg/engine"
	"github.com/archit342000/edge-ai-gateway/pkg/token"
)

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	ctx := context.Background()

	tokens, err := token.Open(ctx, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { tokens.Close() })

	registry := conversation.New(time.Minute)
	gw := engine.New(engine.NewFakeFactory(), time.Second)
	require.NoError(t, gw.Load(ctx, "model.bin", engine.BackendCPU))
	registry.SetEngine(gw)

	disp := dispatcher.New(tokens, registry, gw, "host", nil)

	_, _, err = tokens.RequestToken(ctx, "alice")
	require.NoError(t, err)
	tok, ok, err := tokens.Approve(ctx, "alice")
	require.NoError(t, err)
	require.True(t, ok)

	return NewServer(":0", disp), tok
}

func TestHealthzRequiresToken(t *testing.T) {
	s, tok := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/healthz", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestHealthzRejectsInvalidToken(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/healthz", nil)
	req.Header.Set("Authorization", "Bearer bogus")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "error: invalid token", body["status"])
}

func TestChatCompletionsRequiresConversationID(t *testing.T) {
	s, tok := newTestServer(t)

	body := `{"model":"m","messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChatCompletionsBlockingRoundTrip(t *testing.T) {
	s, tok := newTestServer(t)

	info, err := s.disp.StartConversation(context.Background(), tok, "be terse", 0)
	require.NoError(t, err)

	body := `{"model":"m","conversation_id":"` + info.ConversationID + `","messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var env map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	choices := env["choices"].([]any)
	require.Len(t, choices, 1)
}
