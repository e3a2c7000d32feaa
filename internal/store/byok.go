package store

import (
	"sync"
	"time"
)

// BYOKKeys is the on-disk shape of byok.json: the three bring-your-own-key
// provider secrets spec.md §6 names ("BYOK secrets (three API keys)"),
// matching the provider table dispatch.NormalizeProvider recognizes.
type BYOKKeys struct {
	Anthropic  string `json:"anthropic,omitempty"`
	OpenAI     string `json:"openai,omitempty"`
	OpenRouter string `json:"openrouter,omitempty"`
	UpdatedAt  string `json:"updatedAt,omitempty"`
}

// BYOKStore is the disk-backed byok.json store.
type BYOKStore struct {
	path string

	mu   sync.Mutex
	keys BYOKKeys
}

// NewBYOKStore loads path if it exists, or starts empty.
func NewBYOKStore(path string) (*BYOKStore, error) {
	var keys BYOKKeys
	if err := readJSON(path, &keys); err != nil {
		return nil, err
	}
	return &BYOKStore{path: path, keys: keys}, nil
}

// Get returns a copy of the current keys.
func (s *BYOKStore) Get() BYOKKeys {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keys
}

// HasKeyFor reports whether a BYOK secret is configured for provider
// ("anthropic" | "openai" | "openrouter"), the input
// dispatch.CheckBillingGate's byokKeyPresent parameter is derived from.
func (s *BYOKStore) HasKeyFor(provider string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch provider {
	case "anthropic":
		return s.keys.Anthropic != ""
	case "openai":
		return s.keys.OpenAI != ""
	case "openrouter":
		return s.keys.OpenRouter != ""
	default:
		return false
	}
}

// Set replaces the stored keys and persists them to disk.
func (s *BYOKStore) Set(keys BYOKKeys, now time.Time) error {
	s.mu.Lock()
	keys.UpdatedAt = now.UTC().Format(time.RFC3339)
	s.keys = keys
	path := s.path
	snapshot := s.keys
	s.mu.Unlock()
	return writeJSONAtomic(path, snapshot)
}
