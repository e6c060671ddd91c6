// Package feed is C10: a small, file-backed threat-advisory list with
// lazy TTL expiry, API-key ingest, and session-guarded delete. The
// "guarded lock, synchronous persistence under the lock, log-and-
// continue on write failure" shape is grounded on spec.md §9's own
// design note ("block ingest handler briefly for feed persistence"),
// applied in the style of gravwell's config-file load/save helpers
// (read-modify-write under a mutex, corrupt/missing file treated as
// empty rather than fatal).
package feed

import (
	"crypto/subtle"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/bus"
	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/model"
	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/wlog"
)

const (
	maxItems   = 50
	maxTextLen = 500
	defaultSrc = "N8N"
)

// demoItems is returned whenever the live list is empty after TTL
// filtering (spec.md §4.10), so a fresh dashboard is never blank.
// Whether this belongs in production is a product decision the spec
// leaves open (§9); ThreatFeedDemoFallback makes it configurable.
var demoItems = func() []model.ThreatFeedItem {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	mk := func(n int, text string, sev model.Severity) model.ThreatFeedItem {
		return model.ThreatFeedItem{
			ID: "demo-" + itoa(n), Text: text, Severity: sev,
			Source: "demo", CreatedAt: now,
		}
	}
	return []model.ThreatFeedItem{
		mk(1, "Elevated scanning activity observed from multiple ASNs targeting SSH.", model.SeverityMedium),
		mk(2, "New ransomware variant exploiting unpatched VPN appliances.", model.SeverityCritical),
		mk(3, "DDoS campaign reported against regional ISPs.", model.SeverityHigh),
	}
}()

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

// Store holds the in-memory item list and mirrors it to disk on every
// mutation (spec.md §5 "Threat-feed list — guarded by a single lock;
// file persistence is synchronous while the lock is held").
type Store struct {
	path         string
	lg           *wlog.Logger
	bus          *bus.Bus
	apiKey       string
	demoFallback bool

	mu    sync.Mutex
	items []model.ThreatFeedItem
}

// Open loads path (missing or corrupt ⇒ empty list, never an error) and
// returns a ready Store.
func Open(path string, b *bus.Bus, lg *wlog.Logger, apiKey string, demoFallback bool) *Store {
	s := &Store{path: path, lg: lg, bus: b, apiKey: apiKey, demoFallback: demoFallback}
	s.items = loadFromDisk(path, lg)
	return s
}

func loadFromDisk(path string, lg *wlog.Logger) []model.ThreatFeedItem {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var items []model.ThreatFeedItem
	if err := json.Unmarshal(data, &items); err != nil {
		lg.Warnf("threat-feed file %s is corrupt, starting empty: %v", path, err)
		return nil
	}
	return items
}

func (s *Store) persistLocked() {
	data, err := json.MarshalIndent(s.items, "", "  ")
	if err != nil {
		s.lg.Errorf("failed to marshal threat-feed: %v", err)
		return
	}
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			s.lg.Errorf("failed to create threat-feed directory: %v", err)
			return
		}
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		// Persistence failure does not roll back memory state (spec.md §5).
		s.lg.Errorf("failed to persist threat-feed: %v", err)
	}
}

// Active returns unexpired items, or the demo list when the active set
// is empty and the demo fallback is enabled.
func (s *Store) Active() []model.ThreatFeedItem {
	now := time.Now()
	s.mu.Lock()
	live := make([]model.ThreatFeedItem, 0, len(s.items))
	for _, it := range s.items {
		if !it.Expired(now) {
			live = append(live, it)
		}
	}
	s.mu.Unlock()

	if len(live) == 0 && s.demoFallback {
		return demoItems
	}
	return live
}

// ErrAPIKeyUnset is returned by Ingest when no THREAT_FEED_API_KEY is
// configured; callers translate this to HTTP 503 (spec.md §4.10).
var ErrAPIKeyUnset = &keyError{"threat-feed API key not configured"}

type keyError struct{ msg string }

func (e *keyError) Error() string { return e.msg }

// AuthorizeIngest performs the constant-time X-API-Token comparison
// spec.md §4.10 requires. It is exported so the HTTP collaborator (C11)
// can gate the route without this package knowing about net/http.
func (s *Store) AuthorizeIngest(presented string) error {
	if s.apiKey == "" {
		return ErrAPIKeyUnset
	}
	if subtle.ConstantTimeCompare([]byte(presented), []byte(s.apiKey)) != 1 {
		return &keyError{"invalid API token"}
	}
	return nil
}

// IngestInput is one caller-supplied item before defaulting/validation.
type IngestInput struct {
	Text      string
	Severity  model.Severity
	Source    string
	ExpiresAt *time.Time
}

// Ingest admits one or more items (spec.md §4.10 "body is a single item
// or array"), evicting the oldest on overflow, persisting, and
// broadcasting the resulting active set.
func (s *Store) Ingest(inputs []IngestInput) []model.ThreatFeedItem {
	now := time.Now()
	added := make([]model.ThreatFeedItem, 0, len(inputs))

	s.mu.Lock()
	for _, in := range inputs {
		if in.Text == "" {
			continue
		}
		text := in.Text
		if len(text) > maxTextLen {
			text = text[:maxTextLen]
		}
		sev := in.Severity
		if !model.ValidSeverity(sev) {
			sev = model.SeverityMedium
		}
		src := in.Source
		if src == "" {
			src = defaultSrc
		}
		item := model.ThreatFeedItem{
			ID:        uuid.NewString(),
			Text:      text,
			Severity:  sev,
			Source:    src,
			CreatedAt: now,
			ExpiresAt: in.ExpiresAt,
		}
		s.items = append(s.items, item)
		added = append(added, item)
	}

	sort.SliceStable(s.items, func(i, j int) bool {
		return s.items[i].CreatedAt.Before(s.items[j].CreatedAt)
	})
	if len(s.items) > maxItems {
		s.items = s.items[len(s.items)-maxItems:]
	}
	s.persistLocked()
	s.mu.Unlock()

	s.publishActive()
	return added
}

// ErrNotFound is returned by Delete when id does not match any item.
var ErrNotFound = &keyError{"threat-feed item not found"}

// Delete removes id, persists, and broadcasts on success (spec.md
// §4.10). Requires an authenticated session; the caller (C11) enforces
// that before calling Delete.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	idx := -1
	for i, it := range s.items {
		if it.ID == id {
			idx = i
			break
		}
	}
	if idx == -1 {
		s.mu.Unlock()
		return ErrNotFound
	}
	s.items = append(s.items[:idx], s.items[idx+1:]...)
	s.persistLocked()
	s.mu.Unlock()

	s.publishActive()
	return nil
}

func (s *Store) publishActive() {
	if s.bus != nil {
		s.bus.Publish(bus.TopicThreatFeed, s.Active())
	}
}
