// Package httpapi implements the gateway's optional HTTP compatibility
// shim (SPEC_FULL.md §6.6): an OpenAI-style REST surface over the
// Dispatcher, built with gorilla/mux the way the teacher's webui server
// is built.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/archit342000/edge-ai-gateway/pkg/codec"
	"github.com/archit342000/edge-ai-gateway/pkg/dispatcher"
	"github.com/archit342000/edge-ai-gateway/pkg/logger"
)

// Server is the HTTP compatibility shim (A5).
type Server struct {
	router *mux.Router
	disp   *dispatcher.Dispatcher
	server *http.Server
	addr   string
}

// NewServer builds a Server routing requests to disp.
func NewServer(addr string, disp *dispatcher.Dispatcher) *Server {
	s := &Server{router: mux.NewRouter(), disp: disp, addr: addr}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/chat/completions", s.handleChatCompletions).Methods(http.MethodPost)
	api.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	api.HandleFunc("/ping", s.handlePing).Methods(http.MethodGet)
}

// Start runs the HTTP server until ctx is cancelled, then shuts it down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.G(ctx).WithField("addr", s.addr).Info("http compatibility shim listening")
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	return strings.TrimPrefix(auth, "Bearer ")
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	tok := bearerToken(r)
	writeJSON(r.Context(), w, http.StatusOK, map[string]string{"status": s.disp.Health(tok)})
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	tok := bearerToken(r)
	writeJSON(r.Context(), w, http.StatusOK, map[string]string{"reply": s.disp.Ping(tok)})
}

// chatRequestEnvelope carries the conversation_id alongside the
// spec.md §6.1 body; the gateway is conversation-scoped, unlike a
// stateless chat-completions API, so callers must supply one.
type chatRequestEnvelope struct {
	ConversationID string `json:"conversation_id"`
	Stream         bool   `json:"stream"`
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tok := bearerToken(r)

	body, err := readAll(r)
	if err != nil {
		writeError(ctx, w, http.StatusBadRequest, "failed to read request body")
		return
	}

	req, err := codec.DecodeRequest(body)
	if err != nil {
		writeError(ctx, w, http.StatusBadRequest, err.Error())
		return
	}

	var env chatRequestEnvelope
	_ = json.Unmarshal(body, &env)
	if env.ConversationID == "" {
		writeError(ctx, w, http.StatusBadRequest, "conversation_id is required")
		return
	}

	if env.Stream {
		s.streamCompletion(ctx, w, tok, env.ConversationID, req)
		return
	}
	s.blockingCompletion(ctx, w, tok, env.ConversationID, req)
}

func (s *Server) blockingCompletion(ctx context.Context, w http.ResponseWriter, tok, conversationID string, req *codec.ChatRequest) {
	sink := newCollectingSink()
	s.disp.Generate(ctx, tok, conversationID, req, sink)

	result := sink.wait()
	if result.err != "" {
		writeError(ctx, w, http.StatusBadGateway, result.err)
		return
	}
	writeJSON(ctx, w, http.StatusOK, result.envelope)
}

func (s *Server) streamCompletion(ctx context.Context, w http.ResponseWriter, tok, conversationID string, req *codec.ChatRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(ctx, w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sink := &sseSink{w: w, flusher: flusher, done: make(chan struct{})}
	s.disp.Generate(ctx, tok, conversationID, req, sink)
	<-sink.done
}

func readAll(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read body")
	}
	return data, nil
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.G(ctx).WithError(err).Error("failed to encode response")
	}
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, message string) {
	writeJSON(ctx, w, status, map[string]string{"error": message})
}

// collectingSink accumulates a non-streaming Generate call into a single
// result, per spec.md §6.2's blocking-mode contract.
type collectingSink struct {
	resultCh chan sinkResult
}

type sinkResult struct {
	envelope codec.ChatCompletionEnvelope
	err      string
}

func newCollectingSink() *collectingSink {
	return &collectingSink{resultCh: make(chan sinkResult, 1)}
}

func (s *collectingSink) OnToken(string) {}

func (s *collectingSink) OnComplete(envelope codec.ChatCompletionEnvelope) {
	s.resultCh <- sinkResult{envelope: envelope}
}

func (s *collectingSink) OnError(message string) {
	s.resultCh <- sinkResult{err: message}
}

func (s *collectingSink) wait() sinkResult {
	return <-s.resultCh
}

// sseSink renders the three Dispatcher callbacks as Server-Sent Events
// (SPEC_FULL.md §6.6).
type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
	done    chan struct{}
}

func (s *sseSink) OnToken(delta string) {
	fmt.Fprintf(s.w, "data: %s\n\n", mustJSON(map[string]string{"delta": delta}))
	s.flusher.Flush()
}

func (s *sseSink) OnComplete(envelope codec.ChatCompletionEnvelope) {
	fmt.Fprintf(s.w, "data: %s\n\n", mustJSON(envelope))
	fmt.Fprint(s.w, "data: [DONE]\n\n")
	s.flusher.Flush()
	close(s.done)
}

func (s *sseSink) OnError(message string) {
	fmt.Fprintf(s.w, "data: %s\n\n", mustJSON(map[string]string{"error": message}))
	s.flusher.Flush()
	close(s.done)
}

func mustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return `{"error":"failed to encode event"}`
	}
	return string(data)
}
