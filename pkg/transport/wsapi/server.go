// Package wsapi implements the gateway's optional WebSocket transport
// (SPEC_FULL.md §6.7): a single long-lived connection carrying one JSON
// frame per WebSocket text message, for local clients that would rather not
// pay one HTTP round trip per turn.
package wsapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/archit342000/edge-ai-gateway/pkg/codec"
	"github.com/archit342000/edge-ai-gateway/pkg/dispatcher"
	"github.com/archit342000/edge-ai-gateway/pkg/logger"
)

// Server is the WebSocket transport (A6).
type Server struct {
	disp     *dispatcher.Dispatcher
	addr     string
	server   *http.Server
	upgrader websocket.Upgrader
}

// NewServer builds a Server routing frames to disp.
func NewServer(addr string, disp *dispatcher.Dispatcher) *Server {
	return &Server{
		disp: disp,
		addr: addr,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Local-client transport: accept connections from any
			// origin, matching the teacher's trust model for its own
			// loopback-bound servers.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Start runs the WebSocket server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/stream", s.handleStream)

	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.G(ctx).WithField("addr", s.addr).Info("websocket transport listening")
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

// frame is the inbound request shape (SPEC_FULL.md §6.7).
type frame struct {
	Op      string          `json:"op"`
	Payload json.RawMessage `json:"payload"`
}

// event is the outbound reply shape, emitted in Dispatcher callback order.
type event struct {
	Event          string                        `json:"event"`
	Delta          string                        `json:"delta,omitempty"`
	Envelope       *codec.ChatCompletionEnvelope `json:"envelope,omitempty"`
	Error          string                        `json:"error,omitempty"`
	ConversationID string                        `json:"conversation_id,omitempty"`
}

type generatePayload struct {
	Token          string            `json:"token"`
	ConversationID string            `json:"conversation_id"`
	Request        codec.ChatRequest `json:"request"`
}

type conversationPayload struct {
	Token             string `json:"token"`
	SystemInstruction string `json:"system_instruction"`
	TTLMillis         int64  `json:"ttl_ms"`
	ConversationID    string `json:"conversation_id"`
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.G(ctx).WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()

	writeMu := &wsWriter{conn: conn}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.G(ctx).WithError(err).Debug("websocket read error")
			}
			return
		}

		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			writeMu.writeEvent(event{Event: "error", Error: "malformed frame"})
			continue
		}

		s.dispatchFrame(ctx, f, writeMu)
	}
}

func (s *Server) dispatchFrame(ctx context.Context, f frame, w *wsWriter) {
	switch f.Op {
	case "generate":
		var p generatePayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			w.writeEvent(event{Event: "error", Error: "malformed generate payload"})
			return
		}
		sink := &wsSink{w: w}
		s.disp.Generate(ctx, p.Token, p.ConversationID, &p.Request, sink)

	case "start_conversation":
		var p conversationPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			w.writeEvent(event{Event: "error", Error: "malformed start_conversation payload"})
			return
		}
		info, err := s.disp.StartConversation(ctx, p.Token, p.SystemInstruction, p.TTLMillis)
		if err != nil {
			w.writeEvent(event{Event: "error", Error: err.Error()})
			return
		}
		w.writeEvent(event{Event: "conversation_started", ConversationID: info.ConversationID})

	case "close_conversation":
		var p conversationPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			w.writeEvent(event{Event: "error", Error: "malformed close_conversation payload"})
			return
		}
		if err := s.disp.CloseConversation(ctx, p.Token, p.ConversationID); err != nil {
			w.writeEvent(event{Event: "error", Error: err.Error()})
			return
		}
		w.writeEvent(event{Event: "conversation_closed", ConversationID: p.ConversationID})

	default:
		w.writeEvent(event{Event: "error", Error: "unrecognized op"})
	}
}

// wsWriter serializes frame writes: gorilla/websocket connections are not
// safe for concurrent writers, and OnToken/OnComplete/OnError can race
// against a client's next frame being processed.
type wsWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsWriter) writeEvent(e event) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.WriteMessage(websocket.TextMessage, data)
}

type wsSink struct {
	w *wsWriter
}

func (s *wsSink) OnToken(delta string) {
	s.w.writeEvent(event{Event: "token", Delta: delta})
}

func (s *wsSink) OnComplete(envelope codec.ChatCompletionEnvelope) {
	s.w.writeEvent(event{Event: "complete", Envelope: &envelope})
}

func (s *wsSink) OnError(message string) {
	s.w.writeEvent(event{Event: "error", Error: message})
}
