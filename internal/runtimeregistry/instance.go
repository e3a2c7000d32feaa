// Package runtimeregistry implements the Runtime Instance Registry and SSE
// fan-out hub (spec.md §4.4): a keyed in-memory table of external runtime
// participants updated by authenticated hook POSTs, aged to stale on a
// timer, and broadcast to dashboard subscribers over Server-Sent Events.
package runtimeregistry

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// State is the lifecycle state of a RuntimeInstance (spec.md §3).
type State string

// Recognized RuntimeInstance states.
const (
	StateRunning State = "running"
	StateIdle    State = "idle"
	StateStale   State = "stale"
	StateError   State = "error"
)

// Hook event kinds that refresh LastHeartbeatAt (spec.md §4.4).
var heartbeatEvents = map[string]struct{}{
	"heartbeat":     {},
	"session_start": {},
	"progress":      {},
}

// RuntimeInstance is a long-lived record representing one external runtime
// participant, maintained exclusively from hook POSTs (spec.md §3).
type RuntimeInstance struct {
	Key             string         `json:"key"`
	State           State          `json:"state"`
	SourceClient    string         `json:"sourceClient"`
	DisplayName     string         `json:"displayName"`
	RunID           string         `json:"runId,omitempty"`
	CorrelationID   string         `json:"correlationId,omitempty"`
	InitiativeID    string         `json:"initiativeId,omitempty"`
	WorkstreamID    string         `json:"workstreamId,omitempty"`
	TaskID          string         `json:"taskId,omitempty"`
	AgentID         string         `json:"agentId,omitempty"`
	Phase           string         `json:"phase,omitempty"`
	ProgressPct     float64        `json:"progressPct,omitempty"`
	LastHeartbeatAt time.Time      `json:"lastHeartbeatAt"`
	LastEventAt     time.Time      `json:"lastEventAt"`
	Event           string         `json:"event,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// HookPayload is the wire shape of one hook POST (spec.md §4.4).
type HookPayload struct {
	SourceClient  string         `json:"source_client"`
	Event         string         `json:"event"`
	RunID         string         `json:"run_id"`
	CorrelationID string         `json:"correlation_id"`
	InitiativeID  string         `json:"initiative_id"`
	WorkstreamID  string         `json:"workstream_id"`
	TaskID        string         `json:"task_id"`
	AgentID       string         `json:"agent_id"`
	AgentName     string         `json:"agent_name"`
	Phase         string         `json:"phase"`
	ProgressPct   float64        `json:"progress_pct"`
	Message       string         `json:"message"`
	Metadata      map[string]any `json:"metadata"`
	Timestamp     string         `json:"timestamp"`
}

// DeriveKey computes the deterministic instance key from
// (source_client, run_id ∨ correlation_id ∨ agent_id+initiative_id),
// spec.md §3's RuntimeInstance key rule.
func DeriveKey(p HookPayload) string {
	disambiguator := p.RunID
	if disambiguator == "" {
		disambiguator = p.CorrelationID
	}
	if disambiguator == "" {
		disambiguator = p.AgentID + "+" + p.InitiativeID
	}
	return fmt.Sprintf("%s:%s", p.SourceClient, disambiguator)
}

// ApplyHook upserts RuntimeInstance fields from p onto existing (the
// zero value when this is a new key), returning the merged instance. It
// never mutates existing in place so callers can compare fingerprints
// before and after under the registry's lock.
func ApplyHook(existing RuntimeInstance, p HookPayload, now time.Time) RuntimeInstance {
	out := existing
	out.Key = DeriveKey(p)
	out.SourceClient = p.SourceClient
	out.RunID = orKeep(p.RunID, out.RunID)
	out.CorrelationID = orKeep(p.CorrelationID, out.CorrelationID)
	out.InitiativeID = orKeep(p.InitiativeID, out.InitiativeID)
	out.WorkstreamID = orKeep(p.WorkstreamID, out.WorkstreamID)
	out.TaskID = orKeep(p.TaskID, out.TaskID)
	out.AgentID = orKeep(p.AgentID, out.AgentID)
	if p.AgentName != "" {
		out.DisplayName = p.AgentName
	}
	if p.Phase != "" {
		out.Phase = p.Phase
	}
	out.ProgressPct = p.ProgressPct
	out.Event = p.Event
	out.Metadata = p.Metadata
	out.LastEventAt = now

	if _, ok := heartbeatEvents[strings.ToLower(p.Event)]; ok {
		out.LastHeartbeatAt = now
	}

	out.State = stateFor(p.Event, out.State)
	return out
}

func orKeep(newVal, old string) string {
	if newVal != "" {
		return newVal
	}
	return old
}

func stateFor(event string, previous State) State {
	switch strings.ToLower(event) {
	case "error", "failed":
		return StateError
	case "session_end", "completed", "done":
		return StateIdle
	case "heartbeat", "progress", "session_start", "tool_start", "tool_end":
		return StateRunning
	default:
		if previous == "" {
			return StateRunning
		}
		return previous
	}
}

// Fingerprint is the five-tuple spec.md §4.4/GLOSSARY defines to suppress
// no-op SSE updates: (state, lastHeartbeatAt, lastEventAt, progressPct, phase).
type Fingerprint struct {
	State           State
	LastHeartbeatAt time.Time
	LastEventAt     time.Time
	ProgressPct     float64
	Phase           string
}

// FingerprintOf extracts ri's Fingerprint.
func FingerprintOf(ri RuntimeInstance) Fingerprint {
	return Fingerprint{
		State:           ri.State,
		LastHeartbeatAt: ri.LastHeartbeatAt,
		LastEventAt:     ri.LastEventAt,
		ProgressPct:     ri.ProgressPct,
		Phase:           ri.Phase,
	}
}

// IsStale reports whether ri should be aged to StateStale given horizon and
// the current instant.
func IsStale(ri RuntimeInstance, horizon time.Duration, now time.Time) bool {
	if ri.State == StateStale || ri.State == StateError {
		return false
	}
	return now.Sub(ri.LastHeartbeatAt) > horizon
}

func encodeRuntimeUpdated(ri RuntimeInstance) ([]byte, error) {
	return json.Marshal(ri)
}
