package store

import (
	"sync"
	"time"

	"github.com/useorgx/openclaw-plugin/internal/missioncontrol"
)

// pinsFile is the on-disk shape of next-up-pins.json: an ordered pin list
// (spec.md §6).
type pinsFile struct {
	UpdatedAt string                 `json:"updatedAt,omitempty"`
	Pins      []missioncontrol.Pin   `json:"pins"`
}

// PinStore is the disk-backed next-up-pins.json store behind the
// /orgx/api/mission-control/next-up/pin|unpin|reorder endpoints.
type PinStore struct {
	path string

	mu   sync.Mutex
	pins []missioncontrol.Pin
}

// NewPinStore loads path if it exists, or starts empty.
func NewPinStore(path string) (*PinStore, error) {
	var file pinsFile
	if err := readJSON(path, &file); err != nil {
		return nil, err
	}
	return &PinStore{path: path, pins: file.Pins}, nil
}

// All returns a copy of the current ordered pin list, ready to pass as
// missioncontrol.BuildNextUp's pins argument.
func (s *PinStore) All() []missioncontrol.Pin {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]missioncontrol.Pin, len(s.pins))
	copy(out, s.pins)
	return out
}

// Pin installs or replaces the pin for (p.InitiativeID, p.WorkstreamID),
// appending it at the end of the order if it is new, then persists.
func (s *PinStore) Pin(p missioncontrol.Pin, now time.Time) error {
	s.mu.Lock()
	replaced := false
	for i, existing := range s.pins {
		if existing.InitiativeID == p.InitiativeID && existing.WorkstreamID == p.WorkstreamID {
			s.pins[i] = p
			replaced = true
			break
		}
	}
	if !replaced {
		s.pins = append(s.pins, p)
	}
	snapshot := s.snapshotLocked(now)
	s.mu.Unlock()
	return writeJSONAtomic(s.path, snapshot)
}

// Unpin removes the pin for (initiativeID, workstreamID), if present, then
// persists.
func (s *PinStore) Unpin(initiativeID, workstreamID string, now time.Time) error {
	s.mu.Lock()
	out := s.pins[:0:0]
	for _, existing := range s.pins {
		if existing.InitiativeID == initiativeID && existing.WorkstreamID == workstreamID {
			continue
		}
		out = append(out, existing)
	}
	s.pins = out
	snapshot := s.snapshotLocked(now)
	s.mu.Unlock()
	return writeJSONAtomic(s.path, snapshot)
}

// Reorder replaces the pin order wholesale with order, keyed by
// workstreamID; any pin not named in order is dropped.
func (s *PinStore) Reorder(order []string, now time.Time) error {
	s.mu.Lock()
	byWorkstream := make(map[string]missioncontrol.Pin, len(s.pins))
	for _, p := range s.pins {
		byWorkstream[p.WorkstreamID] = p
	}
	reordered := make([]missioncontrol.Pin, 0, len(order))
	for _, id := range order {
		if p, ok := byWorkstream[id]; ok {
			reordered = append(reordered, p)
		}
	}
	s.pins = reordered
	snapshot := s.snapshotLocked(now)
	s.mu.Unlock()
	return writeJSONAtomic(s.path, snapshot)
}

func (s *PinStore) snapshotLocked(now time.Time) pinsFile {
	out := make([]missioncontrol.Pin, len(s.pins))
	copy(out, s.pins)
	return pinsFile{UpdatedAt: now.UTC().Format(time.RFC3339), Pins: out}
}
