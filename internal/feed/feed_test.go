package feed

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/bus"
	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/wlog"
)

func newTestStore(t *testing.T, apiKey string, demoFallback bool) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "threat-feed.json")
	b := bus.New()
	return Open(path, b, wlog.NewDiscard(), apiKey, demoFallback), path
}

func TestEmptyStoreFallsBackToDemoList(t *testing.T) {
	s, _ := newTestStore(t, "secret", true)
	active := s.Active()
	require.NotEmpty(t, active)
	require.Equal(t, "demo-1", active[0].ID)
}

func TestEmptyStoreWithoutFallbackIsEmpty(t *testing.T) {
	s, _ := newTestStore(t, "secret", false)
	require.Empty(t, s.Active())
}

func TestIngestAppearsInActiveAndPersists(t *testing.T) {
	s, path := newTestStore(t, "secret", true)
	added := s.Ingest([]IngestInput{{Text: "new campaign detected"}})
	require.Len(t, added, 1)
	require.NotEmpty(t, added[0].ID)
	require.Equal(t, "medium", string(added[0].Severity))

	active := s.Active()
	require.Len(t, active, 1)
	require.Equal(t, "new campaign detected", active[0].Text)

	require.FileExists(t, path)
}

func TestIngestTruncatesOversizedText(t *testing.T) {
	s, _ := newTestStore(t, "secret", true)
	long := make([]byte, maxTextLen+100)
	for i := range long {
		long[i] = 'x'
	}
	added := s.Ingest([]IngestInput{{Text: string(long)}})
	require.Len(t, added[0].Text, maxTextLen)
}

func TestIngestEvictsOldestOnOverflow(t *testing.T) {
	s, _ := newTestStore(t, "secret", true)
	for i := 0; i < maxItems+5; i++ {
		s.Ingest([]IngestInput{{Text: "item"}})
	}
	require.Len(t, s.Active(), maxItems)
}

// TestExpiredItemFallsBackToDemo matches spec.md §8 scenario 6: an
// already-expired item is filtered by lazy TTL and the demo list
// reappears.
func TestExpiredItemFallsBackToDemo(t *testing.T) {
	s, _ := newTestStore(t, "secret", true)
	past := time.Now().Add(-time.Second)
	s.Ingest([]IngestInput{{Text: "stale", ExpiresAt: &past}})

	active := s.Active()
	require.Equal(t, "demo-1", active[0].ID)
}

func TestAuthorizeIngestRequiresConfiguredKey(t *testing.T) {
	s, _ := newTestStore(t, "", true)
	require.ErrorIs(t, s.AuthorizeIngest("anything"), ErrAPIKeyUnset)
}

func TestAuthorizeIngestRejectsWrongKey(t *testing.T) {
	s, _ := newTestStore(t, "correct-key", true)
	require.NoError(t, s.AuthorizeIngest("correct-key"))
	require.Error(t, s.AuthorizeIngest("wrong-key"))
}

func TestDeleteRemovesItemAndPersists(t *testing.T) {
	s, _ := newTestStore(t, "secret", false)
	added := s.Ingest([]IngestInput{{Text: "to be removed"}})
	require.NoError(t, s.Delete(added[0].ID))
	require.Empty(t, s.Active())
}

func TestDeleteUnknownIDReturnsNotFound(t *testing.T) {
	s, _ := newTestStore(t, "secret", false)
	require.ErrorIs(t, s.Delete("nonexistent"), ErrNotFound)
}

func TestInvalidSeverityDefaultsToMedium(t *testing.T) {
	s, _ := newTestStore(t, "secret", true)
	added := s.Ingest([]IngestInput{{Text: "x", Severity: "bogus"}})
	require.Equal(t, "medium", string(added[0].Severity))
}
