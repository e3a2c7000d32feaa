package httpapi

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/useorgx/openclaw-plugin/internal/config"
	"github.com/useorgx/openclaw-plugin/internal/runtimeregistry"
)

func testConfig() *config.Config {
	return &config.Config{
		HookRequestTimeout: 2 * time.Second,
		MaxBodyBytes:       1 << 20,
		HookToken:          "secret",
	}
}

func TestCrossOriginPolicyRejectsNonLoopback(t *testing.T) {
	s := &Server{Config: testConfig()}
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	handler := s.withCrossOrigin(next)

	cases := []struct {
		name   string
		method string
		path   string
		origin string
		want   int
	}{
		{"cross-origin rejected", http.MethodGet, "/orgx/api/mission-control/graph", "https://evil.example", http.StatusForbidden},
		{"loopback origin allowed", http.MethodGet, "/orgx/api/mission-control/graph", "http://localhost:5173", http.StatusOK},
		{"ipv6 loopback allowed", http.MethodGet, "/orgx/api/entities", "http://[::1]:5173", http.StatusOK},
		{"same-origin allowed", http.MethodGet, "/orgx/api/entities", "", http.StatusOK},
		{"loopback preflight returns 204", http.MethodOptions, "/orgx/api/agents/launch", "http://127.0.0.1:5173", http.StatusNoContent},
		{"cross-origin preflight rejected", http.MethodOptions, "/orgx/api/agents/launch", "https://evil.example", http.StatusForbidden},
		{"non-api path bypasses policy", http.MethodGet, "/assets/app.js", "https://evil.example", http.StatusOK},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, tc.path, nil)
			if tc.origin != "" {
				req.Header.Set("Origin", tc.origin)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			require.Equal(t, tc.want, rec.Code)
		})
	}
}

func TestCrossOriginPolicyFallsBackToReferer(t *testing.T) {
	s := &Server{Config: testConfig()}
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	handler := s.withCrossOrigin(next)

	req := httptest.NewRequest(http.MethodGet, "/orgx/api/entities", nil)
	req.Header.Set("Referer", "https://evil.example/dashboard")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHookRuntimeRequiresToken(t *testing.T) {
	s := &Server{
		Config:       testConfig(),
		RuntimeStore: runtimeregistry.NewMemStore(),
		RuntimeHub:   runtimeregistry.NewHub(runtimeregistry.NewMemStore(), nil, time.Hour, time.Hour, time.Hour),
	}

	body := `{"source_client":"cli","event":"heartbeat","run_id":"r1"}`

	req := httptest.NewRequest(http.MethodPost, "/orgx/api/hooks/runtime", strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.handleHookRuntime(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/orgx/api/hooks/runtime", strings.NewReader(body))
	req.Header.Set("X-OrgX-Hook-Token", "secret")
	rec = httptest.NewRecorder()
	s.handleHookRuntime(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"instance_id":"cli:r1"`)
}

func TestDecodeJSONBodyOversizeYieldsEmptyObject(t *testing.T) {
	cfg := testConfig()
	cfg.MaxBodyBytes = 64

	var v struct {
		AgentID string `json:"agentId"`
	}
	big := `{"agentId":"` + strings.Repeat("x", 256) + `"}`
	req := httptest.NewRequest(http.MethodPost, "/orgx/api/agents/launch", strings.NewReader(big))
	rec := httptest.NewRecorder()
	decodeJSONBody(rec, req, cfg, &v)
	require.Empty(t, v.AgentID)
}
