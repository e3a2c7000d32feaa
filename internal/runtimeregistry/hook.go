package runtimeregistry

import (
	"context"
	"crypto/subtle"
	"time"

	"github.com/useorgx/openclaw-plugin/internal/cloudplane"
)

// OutboxAppender is the narrow slice of fallback.Outbox's behavior the
// hook ingress path needs: append one activity event for later cloud
// replay when emitActivity fails (spec.md §4.4, §4.7).
type OutboxAppender interface {
	AppendActivity(initiativeID string, event cloudplane.ActivityEvent) error
}

// CheckToken compares provided against configured using a constant-time
// comparison, as spec.md §4.4 requires for the hook ingress shared secret.
// An empty configured token always rejects (hooks must be configured
// before they can be trusted).
func CheckToken(configured, provided string) bool {
	if configured == "" || provided == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(configured), []byte(provided)) == 1
}

// Ingress processes one authenticated hook POST end to end: upsert the
// instance, broadcast the change to SSE subscribers, and forward a
// normalized activity event to the cloud plane, falling back to the
// outbox on failure (spec.md §4.4).
type Ingress struct {
	Store   Store
	Hub     *Hub
	Cloud   cloudplane.Client
	Outbox  OutboxAppender
}

// Handle implements the hook ingress sequence. It returns the upserted
// instance; errors are limited to store failures (a Redis outage), never
// to the best-effort cloud forward.
func (in *Ingress) Handle(ctx context.Context, p HookPayload) (RuntimeInstance, error) {
	now := time.Now()
	ri, changed, err := in.Store.Upsert(ctx, p, now)
	if err != nil {
		return RuntimeInstance{}, err
	}

	if in.Cloud != nil {
		event := cloudplane.ActivityEvent{
			InitiativeID: ri.InitiativeID,
			Type:         "runtime." + ri.Event,
			Severity:     severityFor(ri),
			Title:        ri.DisplayName,
			Message:      p.Message,
			Metadata:     p.Metadata,
			Timestamp:    now.UTC().Format(time.RFC3339),
		}
		if err := in.Cloud.EmitActivity(ctx, event); err != nil && in.Outbox != nil {
			_ = in.Outbox.AppendActivity(ri.InitiativeID, event)
		}
	}

	if changed && in.Hub != nil {
		in.Hub.NotifyUpsert(ctx, ri)
	}

	return ri, nil
}

func severityFor(ri RuntimeInstance) string {
	if ri.State == StateError {
		return "error"
	}
	return "info"
}
