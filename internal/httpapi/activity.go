package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/useorgx/openclaw-plugin/internal/cloudplane"
)

// handleActivity implements GET /orgx/api/activity: the cloud plane's
// activity feed read through the fallback mediator, so outbox entries not
// yet replayed to the cloud still show up in the dashboard and an outage
// degrades to an outbox-only feed instead of an error.
func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	q := r.URL.Query()
	initiativeID := q.Get("initiative_id")
	if initiativeID == "" {
		writeError(w, http.StatusBadRequest, "initiative_id is required")
		return
	}

	var since time.Time
	if raw := q.Get("since"); raw != "" {
		if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
			since = parsed
		}
	}

	cloudRead := func(ctx context.Context) ([]cloudplane.ActivityEvent, error) {
		return s.Cloud.ListActivity(ctx, initiativeID, since)
	}
	items, outcome := s.Mediator.ReadActivity(r.Context(), cloudRead, initiativeID, since)
	if s.Synth != nil {
		items = s.Synth.EnrichActivity(items)
	}

	resp := map[string]any{
		"ok":            true,
		"total":         len(items),
		"items":         items,
		"degraded":      outcome.Degraded,
		"localFallback": outcome.LocalFallback,
	}
	if outcome.Reason != "" {
		resp["error"] = outcome.Reason
	}
	writeJSON(w, http.StatusOK, resp)
}
