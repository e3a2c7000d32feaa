package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/useorgx/openclaw-plugin/internal/runtimeregistry"
)

// hookToken extracts the shared secret from either the header spec.md §6
// names or a token query parameter, for the SSE stream endpoint where
// setting a custom header from the browser's EventSource isn't possible.
func hookToken(r *http.Request) string {
	if t := r.Header.Get("X-OrgX-Hook-Token"); t != "" {
		return t
	}
	return r.URL.Query().Get("token")
}

// handleHookRuntime implements POST /orgx/api/hooks/runtime (spec.md §6):
// an authenticated upsert into the runtime registry.
func (s *Server) handleHookRuntime(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !runtimeregistry.CheckToken(s.Config.HookToken, hookToken(r)) {
		writeError(w, http.StatusUnauthorized, "invalid or missing hook token")
		return
	}

	var payload runtimeregistry.HookPayload
	decodeJSONBody(w, r, s.Config, &payload)
	if payload.SourceClient == "" || payload.Event == "" {
		writeError(w, http.StatusBadRequest, "source_client and event are required")
		return
	}

	ingress := &runtimeregistry.Ingress{
		Store:  s.RuntimeStore,
		Hub:    s.RuntimeHub,
		Cloud:  s.Cloud,
		Outbox: s.Outbox,
	}
	ri, err := ingress.Handle(r.Context(), payload)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "instance_id": ri.Key, "state": ri.State, "instance": ri})
}

// handleHookRuntimeStream implements GET /orgx/api/hooks/runtime/stream
// (spec.md §6): the dashboard's SSE subscription onto the runtime registry
// hub, authenticated the same way as the ingest endpoint.
func (s *Server) handleHookRuntimeStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !runtimeregistry.CheckToken(s.Config.HookToken, hookToken(r)) {
		writeError(w, http.StatusUnauthorized, "invalid or missing hook token")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sink := &sseSink{w: w, flusher: flusher}
	detach := s.RuntimeHub.Attach(r.Context(), sink)
	defer detach()

	<-r.Context().Done()
}

// sseSink adapts an http.ResponseWriter/http.Flusher pair to
// runtimeregistry.Sink, writing one SSE frame per Send call. mu serializes
// Send calls from the hub's writer and keepalive goroutines.
type sseSink struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
}

// Send writes one SSE frame. An empty event name means data is already a
// complete raw frame (the hub's keepalive comment, e.g. ": ping 123\n\n"),
// written verbatim; otherwise it is wrapped as a named "event"/"data" pair.
func (s *sseSink) Send(_ context.Context, event string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if event == "" {
		if _, err := s.w.Write(data); err != nil {
			return err
		}
		s.flusher.Flush()
		return nil
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\n", event); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

var _ runtimeregistry.Sink = (*sseSink)(nil)
