// Package enrich is C4: attach geo + OCDE-target flag to every
// ParsedEvent, measuring latency and never dropping an event even on
// internal failure (spec.md §4.4). The CIDR membership check is
// grounded on gravwell's ingest/processors/srcrouter.go, which builds
// an asergeyev/nradix tree from a comma-separated CIDR list exactly the
// way OCDE_IP_RANGES is specified in spec.md §6.4.
package enrich

import (
	"fmt"
	"time"

	"github.com/asergeyev/nradix"

	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/bus"
	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/model"
	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/wlog"
)

// latencyWarnThreshold triggers a latency:exceeded event without
// blocking publication (spec.md §4.4).
const latencyWarnThreshold = 5000 * time.Millisecond

// geoLookup is the subset of *geo.Cache the pipeline needs; kept as an
// interface so enrichment can be tested without a real MMDB reader.
type geoLookup interface {
	Get(ip string) (*model.GeoData, error)
}

// Pipeline subscribes to "parsed" and always produces "enriched".
type Pipeline struct {
	bus  *bus.Bus
	geo  geoLookup
	lg   *wlog.Logger
	cidr *nradix.Tree
}

// New builds a Pipeline. ocdeCIDRs is parsed once at construction time
// per spec.md §4.4 ("read once from configuration ... parsed and
// cached"); malformed entries are logged and skipped rather than being
// fatal, since a bad CIDR here is a transient-input condition, not a
// configuration-fatal one for the pipeline as a whole.
func New(b *bus.Bus, g geoLookup, lg *wlog.Logger, ocdeCIDRs []string) *Pipeline {
	tree := nradix.NewTree(32)
	for _, c := range ocdeCIDRs {
		if err := tree.AddCIDR(c, true); err != nil {
			lg.Warnf("ignoring invalid OCDE CIDR %q: %v", c, err)
		}
	}
	p := &Pipeline{bus: b, geo: g, lg: lg, cidr: tree}
	b.Subscribe(bus.TopicParsed, func(ev interface{}) {
		pe := ev.(model.ParsedEvent)
		p.enrich(pe)
	})
	return p
}

func (p *Pipeline) enrich(pe model.ParsedEvent) {
	start := time.Now()
	var geoData *model.GeoData
	var enrichErr string

	func() {
		defer func() {
			if r := recover(); r != nil {
				enrichErr = fmt.Sprintf("panic during enrichment: %v", r)
			}
		}()
		if pe.SourceIP != nil {
			gd, err := p.geo.Get(*pe.SourceIP)
			if err != nil {
				enrichErr = err.Error()
			} else {
				geoData = gd
			}
		}
	}()

	isTarget := p.isOCDETarget(pe.DestIP)
	elapsed := time.Since(start)

	enriched := model.EnrichedEvent{
		ParsedEvent:      pe,
		Geo:              geoData,
		IsTarget:         isTarget,
		EnrichmentTimeMs: uint32(elapsed.Milliseconds()),
		EnrichmentError:  enrichErr,
	}
	p.bus.Publish(bus.TopicEnriched, enriched)

	if elapsed > latencyWarnThreshold {
		p.bus.Publish(bus.TopicLatencyExceeded, enriched)
	}
	if enrichErr != "" {
		p.bus.Publish(bus.TopicEnrichmentError, enriched)
	}
}

// isOCDETarget reports whether destIP falls within the configured OCDE
// CIDR set. An empty set or nil destination is always false (spec.md
// §4.4).
func (p *Pipeline) isOCDETarget(destIP *string) bool {
	if destIP == nil || p.cidr == nil {
		return false
	}
	v, err := p.cidr.FindCIDR(*destIP)
	if err != nil || v == nil {
		return false
	}
	hit, _ := v.(bool)
	return hit
}
