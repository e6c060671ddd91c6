// Package wsserver is C7: accept WebSocket upgrades, attach identity,
// and maintain the live client set. Upgrade-config and origin-checking
// are grounded on gravwell's client/websocketRouter/server.go
// (checkOrigin + gorilla/websocket.Upgrader shape); the dashboard's
// "accept anonymous" policy is spec.md §4.7's own requirement, not
// something the teacher does (gravwell's subprotocol router always
// requires a negotiated subprotocol; we deliberately diverge here
// because the dashboard is public).
package wsserver

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/wlog"
)

// pingWriteTimeout bounds how long a control-frame ping write may block
// on a stalled peer before C9 gives up on that client.
const pingWriteTimeout = 5 * time.Second

const (
	readBufferSize  = 4096
	writeBufferSize = 4096

	// clientSendBuffer bounds the per-client outbound queue so one slow
	// peer can never block the broadcaster (spec.md §5 "WS send may
	// block on a slow peer").
	clientSendBuffer = 64
)

// Identity is either an authenticated session's user id or an anonymous
// generated id; the public dashboard accepts both (spec.md §4.7).
type Identity struct {
	Authenticated bool
	UserID        string
}

// Client is one tracked WebSocket connection.
type Client struct {
	ID       string
	Identity Identity
	conn     *websocket.Conn
	send     chan []byte

	mu      sync.Mutex
	alive   bool
	closed  bool

	// writeMu serializes all writes to conn: gorilla/websocket forbids
	// concurrent writers, and both writePump (data frames) and Ping
	// (control frames) write to the same connection.
	writeMu sync.Mutex
}

// Send enqueues a frame. If the client's outbound buffer is full, the
// client is terminated rather than allowed to block the sender
// (spec.md §5).
func (c *Client) Send(payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- payload:
	default:
		c.terminateLocked()
	}
}

// SetAlive marks the client's heartbeat liveness flag (C9 reads/writes
// this).
func (c *Client) SetAlive(v bool) {
	c.mu.Lock()
	c.alive = v
	c.mu.Unlock()
}

// Alive reports the current liveness flag.
func (c *Client) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive
}

// Terminate force-closes the connection without a graceful close
// handshake: dead peers never ack a close frame and would otherwise
// leak sockets (spec.md §4.7).
func (c *Client) Terminate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.terminateLocked()
}

func (c *Client) terminateLocked() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	c.conn.Close()
}

func (c *Client) writePump(lg *wlog.Logger) {
	for payload := range c.send {
		c.writeMu.Lock()
		err := c.conn.WriteMessage(websocket.TextMessage, payload)
		c.writeMu.Unlock()
		if err != nil {
			lg.Warnf("ws write error for client %s: %v", c.ID, err)
			c.Terminate()
			return
		}
	}
}

// Ping writes a control-frame ping directly to the connection (C9's
// heartbeat sweep), bypassing the data-frame send channel. A failed
// ping write means a dead or stalled peer and terminates the client.
func (c *Client) Ping() {
	c.writeMu.Lock()
	err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(pingWriteTimeout))
	c.writeMu.Unlock()
	if err != nil {
		c.Terminate()
	}
}

func (c *Client) readPump(onClose func(*Client)) {
	defer onClose(c)
	c.conn.SetPongHandler(func(string) error {
		c.SetAlive(true)
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			c.Terminate()
			return
		}
		// no client → server messages are defined; any frame is ignored
		// (spec.md §6.2).
	}
}

// SessionIdentifier attaches request identity; the HTTP collaborator
// implements this (gorilla/sessions-backed). Only the reserved
// admin-WS path rejects anonymous callers (spec.md §4.7).
type SessionIdentifier interface {
	IdentifyRequest(r *http.Request) (userID string, authenticated bool)
}

// Server tracks the live client set and performs upgrades.
type Server struct {
	lg       *wlog.Logger
	upgrader websocket.Upgrader
	sessions SessionIdentifier

	mu      sync.RWMutex
	clients map[string]*Client

	onConnect func(*Client) // called post-upgrade, e.g. to send the threat-feed snapshot
}

// New builds a Server. allowedOrigin "*" (or empty) disables origin
// checking entirely; otherwise a request is accepted when it has no
// Origin header, when its Origin equals allowedOrigin, or when its
// Origin ends with the request's Host.
func New(lg *wlog.Logger, sessions SessionIdentifier, allowedOrigin string, onConnect func(*Client)) *Server {
	s := &Server{
		lg:        lg,
		sessions:  sessions,
		clients:   make(map[string]*Client),
		onConnect: onConnect,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  readBufferSize,
		WriteBufferSize: writeBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			return checkOrigin(r, allowedOrigin)
		},
	}
	return s
}

// SetSessions attaches the session identity source after construction,
// for callers where the identity provider (the HTTP server) embeds the
// very *Server being built and can't be supplied to New up front.
func (s *Server) SetSessions(sessions SessionIdentifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = sessions
}

// AdminPath, if ever used, is the one upgrade path that rejects
// anonymous connections with HTTP 401 (spec.md §4.7).
const AdminPath = "/ws/admin"

// Upgrade handles the HTTP->WS upgrade for the dashboard socket at path.
// A valid authenticated session is attached as Identity.Authenticated;
// no session or an anonymous session is still accepted (except on
// AdminPath) with a freshly generated anonymous id.
func (s *Server) Upgrade(w http.ResponseWriter, r *http.Request, path string) {
	s.mu.RLock()
	sessions := s.sessions
	s.mu.RUnlock()
	userID, authed := sessions.IdentifyRequest(r)
	if path == AdminPath && !authed {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.lg.Warnf("ws upgrade failed: %v", err)
		return
	}

	identity := Identity{Authenticated: authed, UserID: userID}
	if !authed {
		identity.UserID = uuid.NewString()
	}

	c := &Client{
		ID:       uuid.NewString(),
		Identity: identity,
		conn:     conn,
		send:     make(chan []byte, clientSendBuffer),
		alive:    true,
	}

	s.mu.Lock()
	s.clients[c.ID] = c
	s.mu.Unlock()

	go c.writePump(s.lg)
	go c.readPump(s.remove)

	if s.onConnect != nil {
		s.onConnect(c)
	}
}

func (s *Server) remove(c *Client) {
	s.mu.Lock()
	delete(s.clients, c.ID)
	s.mu.Unlock()
}

// Broadcast invokes fn for every currently tracked client; used by C8
// and C9 to iterate the live set. Iteration is safe against concurrent
// connect/disconnect (spec.md §5).
func (s *Server) Broadcast(fn func(*Client)) {
	s.mu.RLock()
	snapshot := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		snapshot = append(snapshot, c)
	}
	s.mu.RUnlock()

	for _, c := range snapshot {
		fn(c)
	}
}

// ClientCount reports the current live client count.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Close terminates every tracked client, used during graceful shutdown.
func (s *Server) Close() {
	s.Broadcast(func(c *Client) { c.Terminate() })
}

func checkOrigin(r *http.Request, allowedOrigin string) bool {
	if allowedOrigin == "*" || allowedOrigin == "" {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return origin == allowedOrigin || hostMatches(r.Host, origin)
}

func hostMatches(host, origin string) bool {
	return len(origin) >= len(host) && origin[len(origin)-len(host):] == host
}
