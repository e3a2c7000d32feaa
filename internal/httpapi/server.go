// Package httpapi implements the control plane's HTTP surface (spec.md §6):
// a hand-shaped net/http mux exposing /orgx/api/* over loopback only, wiring
// the dispatch engine, auto-continue scheduler, mission-control graph
// builder, runtime registry, and local fallback mediator to the dashboard.
package httpapi

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/useorgx/openclaw-plugin/internal/autocontinue"
	"github.com/useorgx/openclaw-plugin/internal/cloudplane"
	"github.com/useorgx/openclaw-plugin/internal/config"
	"github.com/useorgx/openclaw-plugin/internal/dispatch"
	"github.com/useorgx/openclaw-plugin/internal/fallback"
	"github.com/useorgx/openclaw-plugin/internal/runtimeregistry"
	"github.com/useorgx/openclaw-plugin/internal/store"
	"github.com/useorgx/openclaw-plugin/internal/telemetry"
)

// LiveStreamUpstream opens the cloud plane's live-activity SSE stream for
// one initiative. The cloud plane's own HTTP shape is out of scope (spec.md
// §1); this is the one seam the live-stream proxy needs from it.
type LiveStreamUpstream func(ctx context.Context, initiativeID string) (upstream <-chan []byte, cancel func(), err error)

// Server wires every control-plane component to the /orgx/api/* mux
// (spec.md §6's endpoint table).
type Server struct {
	Config     *config.Config
	Cloud      cloudplane.Client
	Dispatcher *dispatch.Engine
	Schedulers *autocontinue.Store
	Mediator   *fallback.Mediator
	Synth      *fallback.Synthesizer

	AgentContexts *store.AgentContexts
	BYOK          *store.BYOKStore
	Pins          *store.PinStore

	RuntimeStore  runtimeregistry.Store
	RuntimeHub    *runtimeregistry.Hub
	Outbox        *fallback.Outbox

	// ParseTranscript and TranscriptPath are threaded into every
	// autocontinue.Scheduler this server constructs (see schedulerFor).
	ParseTranscript autocontinue.TranscriptParser

	LiveUpstream LiveStreamUpstream

	Logger  telemetry.Logger
	Tracer  telemetry.Tracer
	Metrics telemetry.Metrics
	Clock   func() time.Time

	httpServer *http.Server
}

// NewServer constructs a Server ready to Start, defaulting Clock to
// time.Now and Logger to a no-op logger when unset.
func NewServer(cfg *config.Config) *Server {
	return &Server{Config: cfg, Clock: time.Now, Logger: noopLogger{}}
}

// Start builds the mux and blocks serving HTTP until ctx is cancelled,
// mirroring the teacher's graceful-shutdown-goroutine pattern (grounded on
// the broader pack's net/http API servers): a background goroutine calls
// Shutdown once ctx.Done() fires, and ListenAndServe's ErrServerClosed is
// treated as a clean exit rather than an error.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	mux.HandleFunc("/orgx/api/agents/launch", s.handleAgentsLaunch)
	mux.HandleFunc("/orgx/api/agents/stop", s.handleAgentsStop)
	mux.HandleFunc("/orgx/api/agents/restart", s.handleAgentsRestart)

	mux.HandleFunc("/orgx/api/mission-control/auto-continue/start", s.handleAutoContinueStart)
	mux.HandleFunc("/orgx/api/mission-control/auto-continue/stop", s.handleAutoContinueStop)
	mux.HandleFunc("/orgx/api/mission-control/auto-continue/status", s.handleAutoContinueStatus)
	mux.HandleFunc("/orgx/api/mission-control/next-up/play", s.handleNextUpPlay)
	mux.HandleFunc("/orgx/api/mission-control/next-up/pin", s.handleNextUpPin)
	mux.HandleFunc("/orgx/api/mission-control/next-up/unpin", s.handleNextUpUnpin)
	mux.HandleFunc("/orgx/api/mission-control/next-up/reorder", s.handleNextUpReorder)
	mux.HandleFunc("/orgx/api/mission-control/graph", s.handleGraph)
	mux.HandleFunc("/orgx/api/mission-control/next-up", s.handleNextUp)

	mux.HandleFunc("/orgx/api/entities", s.handleEntities)
	mux.HandleFunc("/orgx/api/activity", s.handleActivity)

	mux.HandleFunc("/orgx/api/hooks/runtime", s.handleHookRuntime)
	mux.HandleFunc("/orgx/api/hooks/runtime/stream", s.handleHookRuntimeStream)

	mux.HandleFunc("/orgx/api/live/stream", s.handleLiveStream)

	handler := s.withCrossOrigin(mux)

	s.httpServer = &http.Server{
		Addr:        s.Config.HTTPAddr,
		Handler:     handler,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutCtx)
	}()

	s.Logger.Info(ctx, "http server starting", "addr", s.Config.HTTPAddr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// loopbackHosts are the hostnames spec.md §6's cross-origin policy accepts
// for the Origin/Referer of a cross-origin /orgx/api/* request.
var loopbackHosts = map[string]struct{}{
	"localhost": {}, "127.0.0.1": {}, "::1": {},
}

// withCrossOrigin implements spec.md §6's cross-origin policy: an absent
// Origin/Referer is same-origin and always allowed; a present one must
// resolve to a loopback hostname or the request is rejected with 403.
// OPTIONS preflight under the same rule returns 204.
func (s *Server) withCrossOrigin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/orgx/api/") {
			next.ServeHTTP(w, r)
			return
		}

		if !isLoopbackRequest(r) {
			writeError(w, http.StatusForbidden, "cross-origin request rejected")
			return
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isLoopbackRequest(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		origin = r.Header.Get("Referer")
	}
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	_, ok := loopbackHosts[host]
	return ok
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// decodeJSONBody implements spec.md §6/§5's request-body limits: at most 1
// MB, at most 2 s to arrive. Either limit being exceeded, or the body being
// malformed JSON, yields a zero-value v rather than an error — callers
// validate required fields themselves and answer 400 only for those.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, cfg *config.Config, v any) {
	ctx, cancel := context.WithTimeout(r.Context(), cfg.HookRequestTimeout)
	defer cancel()

	limited := http.MaxBytesReader(w, r.Body, cfg.MaxBodyBytes)
	done := make(chan error, 1)
	go func() { done <- json.NewDecoder(limited).Decode(v) }()

	select {
	case <-done:
	case <-ctx.Done():
	}
}

type noopLogger struct{}

func (noopLogger) Debug(context.Context, string, ...any) {}
func (noopLogger) Info(context.Context, string, ...any)  {}
func (noopLogger) Warn(context.Context, string, ...any)  {}
func (noopLogger) Error(context.Context, string, ...any) {}

var _ telemetry.Logger = noopLogger{}
