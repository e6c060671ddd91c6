// Package heartbeat is C9: a periodic liveness sweep over the WS client
// set. The ping-then-expect-pong cadence and WriteMessage(PingMessage)
// call are grounded on
// other_examples/925b93a6_..._heartbeat-websocket.go.go's sendPings;
// spec.md §4.9's exact rule ("flip is_alive false and ping; terminate
// if already not alive") has no direct teacher analogue because
// gravwell's websocketRouter expects a subprotocol-negotiated client
// that manages its own liveness, not a sweep over a shared client set.
package heartbeat

import (
	"time"

	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/wlog"
	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/wsserver"
)

// interval matches spec.md §4.9: a 30s sweep yields at most 60s to
// detect a dead peer with no per-client timer.
const interval = 30 * time.Second

// clientSet is the subset of wsserver.Server's behavior the monitor
// needs; narrowed for testability.
type clientSet interface {
	Broadcast(fn func(*wsserver.Client))
}

// Monitor sweeps a server's client set every interval.
type Monitor struct {
	srv  clientSet
	lg   *wlog.Logger
	stop chan struct{}
	done chan struct{}
}

// Start launches the sweep loop in the background.
func Start(srv clientSet, lg *wlog.Logger) *Monitor {
	m := &Monitor{
		srv:  srv,
		lg:   lg,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go m.run()
	return m
}

func (m *Monitor) run() {
	defer close(m.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.stop:
			return
		}
	}
}

// sweep implements spec.md §4.9 exactly: a client that was already
// marked not-alive since the last sweep never answered its ping and is
// terminated; everyone else is flipped to not-alive and pinged, so the
// next pong (via the client's SetPongHandler) flips it back before the
// following sweep.
func (m *Monitor) sweep() {
	m.srv.Broadcast(func(c *wsserver.Client) {
		if !c.Alive() {
			c.Terminate()
			return
		}
		c.SetAlive(false)
		c.Ping()
	})
}

// Stop halts the sweep loop and waits for it to exit.
func (m *Monitor) Stop() {
	close(m.stop)
	<-m.done
}
