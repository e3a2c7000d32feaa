package httpapi

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/useorgx/openclaw-plugin/internal/cloudplane"
	"github.com/useorgx/openclaw-plugin/internal/entity"
	"github.com/useorgx/openclaw-plugin/internal/fallback"
)

// entityPatchRequest is the wire shape of a PATCH /orgx/api/entities body:
// a type+id identifying the target record and a partial field update.
type entityPatchRequest struct {
	Type   string         `json:"type"`
	ID     string         `json:"id"`
	Fields map[string]any `json:"fields"`
}

// entityCreateRequest is the wire shape of a POST /orgx/api/entities body.
// There is no dedicated cloud-plane "create" operation (spec.md §4.1 only
// normalizes and updates); a create is implemented as an UpdateEntity
// against a freshly generated id, which the cloud plane treats as an
// upsert.
type entityCreateRequest struct {
	Type   string         `json:"type"`
	Fields map[string]any `json:"fields"`
}

// handleEntities implements /orgx/api/entities (spec.md §6): GET proxies a
// ListEntities call with normalization and the local-fallback overlay for
// initiatives; POST and PATCH proxy UpdateEntity, routing initiative status
// changes through the fallback mediator's override path.
func (s *Server) handleEntities(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleEntitiesGet(w, r)
	case http.MethodPost:
		s.handleEntitiesCreate(w, r)
	case http.MethodPatch:
		s.handleEntitiesPatch(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleEntitiesGet(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	entityType := entity.Type(q.Get("type"))
	if entityType == "" {
		writeError(w, http.StatusBadRequest, "type is required")
		return
	}
	initiativeID := q.Get("initiative_id")

	cloudRead := func(ctx context.Context) ([]entity.Record, error) {
		return s.Cloud.ListEntities(ctx, entityType, cloudplane.EntityFilter{InitiativeID: initiativeID, Limit: 0})
	}
	localRead := func(ctx context.Context) ([]entity.Record, error) {
		if s.Synth == nil {
			return nil, nil
		}
		return s.Synth.Entities(ctx, entityType, initiativeID)
	}

	var records []entity.Record
	var outcome fallback.ReadOutcome
	if entityType == entity.TypeInitiative {
		records, outcome = s.Mediator.ReadInitiatives(r.Context(), cloudRead, localRead)
	} else {
		records, outcome = s.Mediator.Read(r.Context(), cloudRead, localRead)
	}

	nodes := make([]entity.Node, 0, len(records))
	for _, rec := range records {
		nodes = append(nodes, entity.Normalize(rec, entityType))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":            true,
		"items":         nodes,
		"degraded":      outcome.Degraded,
		"localFallback": outcome.LocalFallback,
	})
}

func (s *Server) handleEntitiesCreate(w http.ResponseWriter, r *http.Request) {
	var body entityCreateRequest
	decodeJSONBody(w, r, s.Config, &body)
	if body.Type == "" {
		writeError(w, http.StatusBadRequest, "type is required")
		return
	}
	if body.Fields == nil {
		body.Fields = map[string]any{}
	}
	id := entity.PickString(entity.Record(body.Fields), []string{"id"})
	if id == "" {
		id = uuid.NewString()
		body.Fields["id"] = id
	}

	rec, err := s.Cloud.UpdateEntity(r.Context(), entity.Type(body.Type), id, body.Fields)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	node := entity.Normalize(rec, entity.Type(body.Type))
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "item": node})
}

func (s *Server) handleEntitiesPatch(w http.ResponseWriter, r *http.Request) {
	var body entityPatchRequest
	decodeJSONBody(w, r, s.Config, &body)
	if body.Type == "" || body.ID == "" {
		writeError(w, http.StatusBadRequest, "type and id are required")
		return
	}
	if body.Fields == nil {
		body.Fields = map[string]any{}
	}

	if entity.Type(body.Type) == entity.TypeInitiative {
		if status, ok := body.Fields["status"].(string); ok && status != "" {
			rec, usedOverride, err := s.Mediator.UpdateInitiativeStatus(r.Context(), body.ID, status,
				func(ctx context.Context) (entity.Record, error) {
					return s.Cloud.UpdateEntity(ctx, entity.TypeInitiative, body.ID, body.Fields)
				}, s.now())
			if err != nil {
				writeError(w, http.StatusBadGateway, err.Error())
				return
			}
			node := entity.Normalize(rec, entity.TypeInitiative)
			writeJSON(w, http.StatusOK, map[string]any{"ok": true, "item": node, "localFallback": usedOverride})
			return
		}
	}

	rec, err := s.Cloud.UpdateEntity(r.Context(), entity.Type(body.Type), body.ID, body.Fields)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	node := entity.Normalize(rec, entity.Type(body.Type))
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "item": node})
}
