package httpserver

import (
	"encoding/json"
	"sync"
)

// settings is the small mutable dashboard-display config exposed at
// /api/settings (spec.md §6.3). It's a plain guarded struct, not a
// file-backed store: spec.md lists no persistence requirement for it
// (unlike the threat feed or password hash), so it lives for the life
// of the process only.
type settings struct {
	mu       sync.Mutex
	MaxArcs  int    `json:"maxArcs"`
	Theme    string `json:"theme"`
}

func newSettings() *settings {
	return &settings{MaxArcs: 20, Theme: "dark"}
}

func (s *settings) snapshot() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]interface{}{"maxArcs": s.MaxArcs, "theme": s.Theme}
}

// merge applies a partial update, rejecting an out-of-range maxArcs
// rather than silently clamping it (spec.md §6.3 "must be int in
// [1,50]").
func (s *settings) merge(raw json.RawMessage) error {
	var patch struct {
		MaxArcs *int    `json:"maxArcs"`
		Theme   *string `json:"theme"`
	}
	if err := json.Unmarshal(raw, &patch); err != nil {
		return err
	}
	if patch.MaxArcs != nil && (*patch.MaxArcs < 1 || *patch.MaxArcs > 50) {
		return simpleError("maxArcs must be between 1 and 50")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if patch.MaxArcs != nil {
		s.MaxArcs = *patch.MaxArcs
	}
	if patch.Theme != nil {
		s.Theme = *patch.Theme
	}
	return nil
}
