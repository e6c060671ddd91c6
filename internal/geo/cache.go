// Package geo is C3: IPv4-validate, LRU-cache (positive and negative),
// consult an MMDB reader. Cache semantics (fixed 1h TTL, 10k entries,
// mandatory negative caching) are specified exactly in spec.md §4.3;
// the LRU base and the MMDB reader are both ecosystem dependencies not
// present anywhere in the retrieval pack (see DESIGN.md / SPEC_FULL.md).
package geo

import (
	"errors"
	"net/netip"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/oschwald/maxminddb-golang/v2"

	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/model"
	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/wlog"
)

const (
	maxEntries = 10_000
	entryTTL   = time.Hour
)

var ErrNotInitialized = errors.New("geo cache not yet initialized")

var ipv4StrictRe = regexp.MustCompile(`^(\d{1,3})\.(\d{1,3})\.(\d{1,3})\.(\d{1,3})$`)

type cacheEntry struct {
	data     *model.GeoData
	cachedAt time.Time
}

type cityRecord struct {
	City struct {
		Names map[string]string `maxminddb:"names"`
	} `maxminddb:"city"`
	Country struct {
		ISOCode string            `maxminddb:"iso_code"`
		Names   map[string]string `maxminddb:"names"`
	} `maxminddb:"country"`
	Location struct {
		Latitude  float64 `maxminddb:"latitude"`
		Longitude float64 `maxminddb:"longitude"`
	} `maxminddb:"location"`
}

// Cache wraps an MMDB city database with a fixed-TTL, fixed-capacity,
// negative-caching LRU in front of it.
type Cache struct {
	lg *wlog.Logger

	mtx   sync.Mutex
	store *lru.Cache[string, cacheEntry]

	db *maxminddb.Reader

	ready int32 // atomic bool; set once the MMDB load completes

	hits, misses uint64
	startTime    time.Time
}

// New constructs a Cache. The MMDB database is opened asynchronously by
// OpenAsync; calling Get before that completes returns ErrNotInitialized
// per spec.md §4.3 ("must be signaled at the API level, not silently
// return null").
func New(lg *wlog.Logger) *Cache {
	store, _ := lru.New[string, cacheEntry](maxEntries)
	return &Cache{lg: lg, store: store, startTime: time.Now()}
}

// OpenAsync loads the MMDB file in the background (the database is large
// enough that startup must not block on it). onReady, if non-nil, is
// called once loading completes (success or failure).
func (c *Cache) OpenAsync(path string, onReady func(error)) {
	go func() {
		db, err := maxminddb.Open(path)
		if err != nil {
			c.lg.Errorf("failed to open geo database %s: %v", path, err)
			if onReady != nil {
				onReady(err)
			}
			return
		}
		c.mtx.Lock()
		c.db = db
		c.mtx.Unlock()
		atomic.StoreInt32(&c.ready, 1)
		if onReady != nil {
			onReady(nil)
		}
	}()
}

// Close releases the MMDB reader.
func (c *Cache) Close() error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// Get resolves ip to GeoData, consulting the cache first. A non-IPv4
// input returns (nil, nil) without touching or polluting the cache. A
// cached or freshly-looked-up "unresolvable" result is a legitimate
// (nil, nil) too; the only error return is ErrNotInitialized.
func (c *Cache) Get(ip string) (*model.GeoData, error) {
	if atomic.LoadInt32(&c.ready) == 0 {
		return nil, ErrNotInitialized
	}
	if !validIPv4(ip) {
		return nil, nil
	}

	c.mtx.Lock()
	entry, ok := c.store.Get(ip)
	c.mtx.Unlock()
	if ok && time.Since(entry.cachedAt) < entryTTL {
		atomic.AddUint64(&c.hits, 1)
		return entry.data, nil
	}
	atomic.AddUint64(&c.misses, 1)

	data := c.lookup(ip)

	c.mtx.Lock()
	c.store.Add(ip, cacheEntry{data: data, cachedAt: time.Now()})
	c.mtx.Unlock()
	return data, nil
}

func (c *Cache) lookup(ip string) *model.GeoData {
	c.mtx.Lock()
	db := c.db
	c.mtx.Unlock()
	if db == nil {
		return nil
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return nil
	}

	var rec cityRecord
	result := db.Lookup(addr)
	if err := result.Decode(&rec); err != nil {
		c.lg.Warnf("geo lookup error for %s: %v", ip, err)
		return nil
	}
	if rec.Country.ISOCode == "" && rec.City.Names["en"] == "" && rec.Location.Latitude == 0 && rec.Location.Longitude == 0 {
		return nil
	}

	gd := &model.GeoData{
		Latitude:  rec.Location.Latitude,
		Longitude: rec.Location.Longitude,
	}
	if name := rec.City.Names["en"]; name != "" {
		gd.City = &name
	}
	if iso := rec.Country.ISOCode; iso != "" {
		gd.CountryISO2 = &iso
	}
	if name := rec.Country.Names["en"]; name != "" {
		gd.CountryName = &name
	}
	return gd
}

// Metrics is a snapshot of cache counters for periodic logging
// (spec.md §4.3).
type Metrics struct {
	Hits, Misses int
	HitRatePct   float64
	Size, Max    int
	Uptime       time.Duration
}

func (c *Cache) Metrics() Metrics {
	h := atomic.LoadUint64(&c.hits)
	m := atomic.LoadUint64(&c.misses)
	var rate float64
	if total := h + m; total > 0 {
		rate = float64(h) / float64(total) * 100
	}
	return Metrics{
		Hits:       int(h),
		Misses:     int(m),
		HitRatePct: rate,
		Size:       c.store.Len(),
		Max:        maxEntries,
		Uptime:     time.Since(c.startTime),
	}
}

func validIPv4(s string) bool {
	m := ipv4StrictRe.FindStringSubmatch(s)
	if m == nil {
		return false
	}
	for _, o := range m[1:] {
		n := 0
		for _, ch := range o {
			n = n*10 + int(ch-'0')
		}
		if n > 255 {
			return false
		}
	}
	return true
}
