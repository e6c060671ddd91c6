// Command threatwatch wires the ingestion-to-dashboard pipeline together:
// UDP syslog in, parse, enrich, fan out to WebSocket clients, with an
// HTTP admin/session surface and a threat-feed store alongside it.
// The startup/shutdown shape (flags, fatal-on-config-error logging,
// signal-driven staged teardown) follows
// gravwell's ingesters/SimpleRelay/main.go.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/broadcast"
	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/bus"
	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/config"
	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/deadletter"
	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/enrich"
	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/feed"
	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/geo"
	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/heartbeat"
	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/httpserver"
	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/ingestudp"
	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/metrics"
	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/model"
	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/parser"
	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/wlog"
	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/wsserver"
)

const appName = "threatwatch"

var (
	dataDir   = flag.String("data-dir", "data", "directory for the geo database, threat-feed store, session store, and dead-letter log")
	geoDBFile = flag.String("geodb", "", "path to the GeoLite2-City.mmdb file (default: <data-dir>/GeoLite2-City.mmdb)")
	wsOrigin  = flag.String("ws-allowed-origin", "*", `allowed Origin for WebSocket upgrades ("*" disables the check)`)
	ver       = flag.Bool("version", false, "print version information and exit")
)

const version = "0.1.0"

func main() {
	flag.Parse()
	if *ver {
		fmt.Println(appName, version)
		os.Exit(0)
	}

	lg := wlog.New(os.Stdout)

	cfg := config.Load()
	if cfg.HTTPPort == "" {
		cfg.HTTPPort = "3000"
	}
	if warn := cfg.SessionSecretWarning(); warn != "" {
		lg.Warnf("%s", warn)
	}
	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		lg.FatalCode(1, "failed to create data directory: %v", err)
		return
	}

	geoPath := *geoDBFile
	if geoPath == "" {
		geoPath = *dataDir + "/GeoLite2-City.mmdb"
	}
	deadLetterPath := *dataDir + "/deadletter.log"
	threatFeedPath := *dataDir + "/threat-feed.json"
	sessionDBPath := *dataDir + "/sessions.db"

	b := bus.New()

	geoCache := geo.New(lg)
	geoCache.OpenAsync(geoPath, func(err error) {
		if err != nil {
			lg.Warnf("geo database unavailable, all lookups will return a not-initialized error: %v", err)
			return
		}
		lg.Infof("geo database loaded from %s", geoPath)
	})

	p := parser.New(b)
	b.Subscribe(bus.TopicMessage, func(ev interface{}) {
		msg := ev.(model.RawMessage)
		p.Parse(msg.Raw)
	})

	enrich.New(b, geoCache, lg, cfg.OCDEIPRanges)

	dlq, err := deadletter.Open(deadLetterPath, b, lg)
	if err != nil {
		lg.FatalCode(1, "failed to open dead-letter queue: %v", err)
		return
	}

	f := feed.Open(threatFeedPath, b, lg, cfg.ThreatFeedAPIKey, cfg.ThreatFeedDemoFallback)

	// New clients get the current threat-feed snapshot immediately rather
	// than waiting for the next feed change to arrive over the bus.
	ws := wsserver.New(lg, nil, *wsOrigin, func(c *wsserver.Client) {
		sendFeedFrame(c, f.Active(), lg)
	})
	b.Subscribe(bus.TopicThreatFeed, func(ev interface{}) {
		items := ev.([]model.ThreatFeedItem)
		ws.Broadcast(func(c *wsserver.Client) {
			sendFeedFrame(c, items, lg)
		})
	})

	br := broadcast.New(b, ws, lg)

	httpSrv, err := httpserver.New(cfg, sessionDBPath, f, ws, lg)
	if err != nil {
		lg.FatalCode(1, "failed to build HTTP server: %v", err)
		return
	}
	ws.SetSessions(httpSrv)

	hb := heartbeat.Start(ws, lg)

	udp, err := ingestudp.Listen(cfg.SyslogBindAddress, mustAtoi(cfg.SyslogPort, lg), b, lg)
	if err != nil {
		lg.FatalCode(1, "failed to start UDP listener: %v", err)
		return
	}
	go udp.Serve()
	lg.Infof("syslog UDP listener on %s", udp.Addr())

	reporter := metrics.Start(metrics.Sources{
		Geo: func() metrics.GeoMetrics {
			m := geoCache.Metrics()
			return metrics.GeoMetrics{Hits: m.Hits, Misses: m.Misses, HitRatePct: m.HitRatePct, Size: m.Size, Max: m.Max}
		},
		CSVNoAction: p.CSVNoActionCount,
		ClientCount: ws.ClientCount,
		EventsTotal: br.EventsTotal,
	}, lg)

	go func() {
		if err := httpSrv.ListenAndServe(); err != nil {
			lg.Errorf("http server error: %v", err)
		}
	}()
	lg.Infof("http server on %s:%s", cfg.HTTPBindAddress, cfg.HTTPPort)

	lg.Infof("%s running", appName)
	metrics.WaitForSignal()
	lg.Infof("shutting down")

	// Staged shutdown, per the order the pipeline is assembled in reverse:
	// stop new UDP input first, flush the batcher, drain the HTTP
	// listener, close the WS server, release the MMDB reader, then stop
	// the metrics timers.
	if err := udp.Stop(); err != nil {
		lg.Warnf("error stopping udp listener: %v", err)
	}
	br.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Close(ctx); err != nil {
		lg.Warnf("error closing http server: %v", err)
	}

	hb.Stop()
	ws.Close()

	if err := geoCache.Close(); err != nil {
		lg.Warnf("error closing geo database: %v", err)
	}
	dlq.Close()
	reporter.Stop()

	lg.Infof("%s exited", appName)
	os.Exit(0)
}

func mustAtoi(s string, lg *wlog.Logger) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		lg.FatalCode(1, "invalid port %q: %v", s, err)
	}
	return n
}

type feedFrame struct {
	Type  string                 `json:"type"`
	Items []model.ThreatFeedItem `json:"items"`
}

func sendFeedFrame(c *wsserver.Client, items []model.ThreatFeedItem, lg *wlog.Logger) {
	payload, err := json.Marshal(feedFrame{Type: "threat-feed", Items: items})
	if err != nil {
		lg.Errorf("failed to marshal feed frame: %v", err)
		return
	}
	c.Send(payload)
}
