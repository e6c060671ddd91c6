// Package ingestudp is C1: bind a datagram socket sized for bursty
// syslog input and publish one RawMessage per datagram. Grounded on
// gravwell's SimpleRelay lineConnHandlerUDP / rfc5424ConnHandlerUDP
// (one read loop over a single large local buffer, no length-prefix
// framing, best-effort socket errors).
package ingestudp

import (
	"errors"
	"net"
	"os"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/bus"
	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/model"
	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/wlog"
)

// recvBufferBytes is the single most important knob per spec.md §4.1:
// ingestion is lossy at the kernel below this threshold under burst.
const recvBufferBytes = 32 * 1024 * 1024

// datagramBufferBytes is the local read buffer; large enough for any
// realistic syslog UDP payload (the UDP MTU ceiling is far below this).
const datagramBufferBytes = 64 * 1024

var ErrPermissionDenied = errors.New("permission denied binding syslog listener")

// nowFn is overridable in tests.
var nowFn = time.Now

// Receiver owns the UDP socket and the read loop.
type Receiver struct {
	conn *net.UDPConn
	bus  *bus.Bus
	lg   *wlog.Logger

	stopped chan struct{}
}

// Listen binds an IPv4 datagram socket at bindAddr:port. A bind failure
// is always fatal to the caller (spec.md §4.1); a permission-denied bind
// (port < 1024 without privilege) is returned as ErrPermissionDenied so
// callers can report it distinctly before exiting.
func Listen(bindAddr string, port int, b *bus.Bus, lg *wlog.Logger) (*Receiver, error) {
	addr := &net.UDPAddr{IP: net.ParseIP(bindAddr), Port: port}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			return nil, ErrPermissionDenied
		}
		return nil, err
	}
	if err := conn.SetReadBuffer(recvBufferBytes); err != nil {
		lg.Warnf("failed to set %d byte UDP receive buffer (continuing, lossier under burst): %v", recvBufferBytes, err)
	}
	r := &Receiver{conn: conn, bus: b, lg: lg, stopped: make(chan struct{})}
	return r, nil
}

// Addr reports the bound local address (mostly useful for tests that
// bind an ephemeral port).
func (r *Receiver) Addr() net.Addr {
	return r.conn.LocalAddr()
}

// Serve runs the receive loop until Stop is called. One datagram is
// exactly one RawMessage; invalid UTF-8 bytes are replaced rather than
// rejected, and decode failures never stop the loop.
func (r *Receiver) Serve() {
	buf := make([]byte, datagramBufferBytes)
	for {
		n, raddr, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-r.stopped:
				return
			default:
			}
			r.lg.Errorf("udp receive error: %v", err)
			continue
		}
		if n == 0 || raddr == nil {
			continue
		}
		raw := toValidUTF8(buf[:n])
		host, portStr, _ := net.SplitHostPort(raddr.String())
		port, _ := strconv.Atoi(portStr)
		msg := model.RawMessage{
			Raw:        raw,
			RemoteAddr: host,
			RemotePort: uint16(port),
			ReceivedAt: nowFn(),
		}
		r.bus.Publish(bus.TopicMessage, msg)
	}
}

// Stop releases the socket; a subsequent Serve read returns an error that
// is recognized as shutdown rather than a transient fault.
func (r *Receiver) Stop() error {
	close(r.stopped)
	return r.conn.Close()
}

func toValidUTF8(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	return string([]rune(string(b))) // replaces invalid sequences with U+FFFD
}
