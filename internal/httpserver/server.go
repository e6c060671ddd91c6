// Package httpserver is C11/C12: the HTTP surface spec.md §6.3 treats
// as a fixed-contract collaborator, plus the session/rate-limit
// middleware of §5/§9 that backs it. Route wiring and server lifecycle
// follow gravwell's ingesters/HttpIngester/main.go shape (http.Server
// with explicit timeouts, handlers registered on a mux, getRemoteAddr
// for client IP); login/session mechanics follow
// ClusterCockpit-cc-backend's internal/auth (gorilla/sessions-backed
// login, bcrypt-verified local auth).
package httpserver

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	bolt "go.etcd.io/bbolt"

	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/config"
	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/feed"
	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/model"
	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/wlog"
	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/wsserver"
)

const sessionCookieName = "ocde_session"

// Server bundles the mux router, session store, rate limiters, and
// HTTP listener lifecycle.
type Server struct {
	lg     *wlog.Logger
	http   *http.Server
	db     *bolt.DB
	store  *boltSessionStore
	verify *credentialVerifier
	sec    *securityLog
	cfg    *config.Config

	settings *settings
	feed     *feed.Store
	ws       *wsserver.Server

	loginLimiter  *limiterSet
	pwLimiter     *limiterSet
	apiLimiter    *limiterSet
	feedLimiter   *limiterSet
}

// New wires every route in spec.md §6.3. dbPath is the bbolt file
// backing sessions (kept separate from data/threat-feed.json so a
// corrupt session store can never jeopardize feed data).
func New(cfg *config.Config, dbPath string, f *feed.Store, ws *wsserver.Server, lg *wlog.Logger) (*Server, error) {
	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, err
	}

	secret := cfg.SessionSecret
	if secret == "" {
		secret = ephemeralSecret()
	}
	store, err := newBoltSessionStore(db, []byte(secret), cfg.SecureCookies())
	if err != nil {
		db.Close()
		return nil, err
	}

	sec := newSecurityLog(lg)
	s := &Server{
		lg:       lg,
		db:       db,
		store:    store,
		verify:   newCredentialVerifier(cfg.DashboardUsername, cfg.DashboardPassword, lg),
		sec:      sec,
		cfg:      cfg,
		settings: newSettings(),
		feed:     f,
		ws:       ws,

		loginLimiter: newLimiterSet(loginLimit, lg, sec),
		pwLimiter:    newLimiterSet(passwordChangeLimit, lg, sec),
		apiLimiter:   newLimiterSet(generalAPILimit, lg, sec),
		feedLimiter:  newLimiterSet(threatFeedLimit, lg, sec),
	}

	r := mux.NewRouter()
	r.HandleFunc("/", s.handleRoot).Methods(http.MethodGet)
	r.HandleFunc("/dashboard", s.handleDashboard).Methods(http.MethodGet)
	r.HandleFunc("/login", s.handleLoginPage).Methods(http.MethodGet)
	r.Handle("/login", s.loginLimiter.middleware(http.HandlerFunc(s.handleLoginPost))).Methods(http.MethodPost)
	r.HandleFunc("/logout", s.handleLogout).Methods(http.MethodPost)
	r.Handle("/admin", s.requireSession(http.HandlerFunc(s.handleAdmin))).Methods(http.MethodGet)
	r.Handle("/api/change-password",
		s.pwLimiter.middleware(s.requireSession(http.HandlerFunc(s.handleChangePassword)))).Methods(http.MethodPost)
	r.Handle("/api/settings", s.apiLimiter.middleware(http.HandlerFunc(s.handleSettingsGet))).Methods(http.MethodGet)
	r.Handle("/api/settings", s.apiLimiter.middleware(s.requireSession(http.HandlerFunc(s.handleSettingsPut)))).Methods(http.MethodPut)
	r.Handle("/api/logo", s.apiLimiter.middleware(&logoHandler{lg: lg})).Methods(http.MethodGet, http.MethodPost, http.MethodDelete)
	r.Handle("/api/threat-feed", s.feedLimiter.middleware(http.HandlerFunc(s.handleFeedGet))).Methods(http.MethodGet)
	r.Handle("/api/threat-feed", s.feedLimiter.middleware(http.HandlerFunc(s.handleFeedIngest))).Methods(http.MethodPost)
	r.Handle("/api/threat-feed/{id}", s.requireSession(http.HandlerFunc(s.handleFeedDelete))).Methods(http.MethodDelete)
	r.HandleFunc("/api/auth/status", s.handleAuthStatus).Methods(http.MethodGet)
	r.HandleFunc(wsserver.AdminPath, s.handleWSUpgrade)
	r.HandleFunc("/ws", s.handleWSUpgrade)
	r.PathPrefix("/").Handler(http.FileServer(http.Dir("public")))

	addr := cfg.HTTPBindAddress + ":" + cfg.HTTPPort
	s.http = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s, nil
}

// ephemeralSecret backs the session cookie when SESSION_SECRET is unset
// (config.Load already warns about this via SessionSecretWarning).
// Sessions do not survive a restart in that case, since the key is
// regenerated every time the process starts.
func ephemeralSecret() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "insecure-ephemeral-development-only-secret-key"
	}
	return string(b)
}

// ListenAndServe blocks serving HTTP until Close is called.
func (s *Server) ListenAndServe() error {
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Close drains in-flight requests (spec.md §5 "close the HTTP listener
// (draining in-flight requests)") and releases the session store.
func (s *Server) Close(ctx context.Context) error {
	err := s.http.Shutdown(ctx)
	if cerr := s.db.Close(); err == nil {
		err = cerr
	}
	return err
}

// IdentifyRequest implements wsserver.SessionIdentifier.
func (s *Server) IdentifyRequest(r *http.Request) (string, bool) {
	session, err := s.store.Get(r, sessionCookieName)
	if err != nil || session.IsNew {
		return "", false
	}
	username, _ := session.Values["username"].(string)
	if username == "" {
		return "", false
	}
	return username, true
}

func (s *Server) handleWSUpgrade(w http.ResponseWriter, r *http.Request) {
	s.ws.Upgrade(w, r, r.URL.Path)
}

func (s *Server) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, authed := s.IdentifyRequest(r); !authed {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "/dashboard", http.StatusFound)
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	http.ServeFile(w, r, "public/dashboard.html")
}

func (s *Server) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	if _, authed := s.IdentifyRequest(r); authed {
		http.Redirect(w, r, "/admin", http.StatusFound)
		return
	}
	http.ServeFile(w, r, "public/login.html")
}

func (s *Server) handleLoginPost(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if !s.verify.verify(body.Username, body.Password) {
		s.sec.logf("failed login: user=%s ip=%s", body.Username, getRemoteIP(r))
		http.Error(w, `{"error":"invalid credentials"}`, http.StatusUnauthorized)
		return
	}

	session, _ := s.store.New(r, sessionCookieName)
	session.Values["username"] = body.Username
	if err := s.store.Save(r, w, session); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.sec.logf("successful login: user=%s ip=%s", body.Username, getRemoteIP(r))
	writeJSON(w, map[string]bool{"success": true})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	session, err := s.store.Get(r, sessionCookieName)
	if err == nil && !session.IsNew {
		session.Options.MaxAge = -1
		_ = s.store.Save(r, w, session)
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleAdmin(w http.ResponseWriter, r *http.Request) {
	http.ServeFile(w, r, "public/admin.html")
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var body struct {
		CurrentPassword string `json:"currentPassword"`
		NewPassword     string `json:"newPassword"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if err := s.verify.changePassword(body.CurrentPassword, body.NewPassword); err != nil {
		if err == errInvalidCredentials {
			s.sec.logf("failed password change: ip=%s", getRemoteIP(r))
			http.Error(w, `{"error":"invalid credentials"}`, http.StatusUnauthorized)
			return
		}
		if err == errWeakPassword {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		// Persistence failure: spec.md §7 item 6 requires a 500 here,
		// unlike every other best-effort disk write in this system.
		s.lg.Errorf("failed to persist password hash: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]bool{"success": true})
}

func (s *Server) handleSettingsGet(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.settings.snapshot())
}

func (s *Server) handleSettingsPut(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if err := s.settings.merge(raw); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, s.settings.snapshot())
}

func (s *Server) handleFeedGet(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.feed.Active())
}

func (s *Server) handleFeedIngest(w http.ResponseWriter, r *http.Request) {
	if err := s.feed.AuthorizeIngest(r.Header.Get("X-API-Token")); err != nil {
		if err == feed.ErrAPIKeyUnset {
			http.Error(w, "threat feed ingest not configured", http.StatusServiceUnavailable)
			return
		}
		s.sec.logf("rejected threat-feed ingest: ip=%s", getRemoteIP(r))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	inputs, err := decodeIngestBody(raw)
	if err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	added := s.feed.Ingest(inputs)
	writeJSON(w, added)
}

func (s *Server) handleFeedDelete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.feed.Delete(id); err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	userID, authed := s.IdentifyRequest(r)
	resp := map[string]interface{}{"authenticated": authed}
	if authed {
		resp["userId"] = userID
	} else {
		resp["userId"] = nil
	}
	writeJSON(w, resp)
}

func decodeIngestBody(raw []byte) ([]feed.IngestInput, error) {
	var single struct {
		Text      string            `json:"text"`
		Severity  model.Severity    `json:"severity"`
		Source    string            `json:"source"`
		ExpiresAt *time.Time        `json:"expiresAt"`
	}
	if err := json.Unmarshal(raw, &single); err == nil && single.Text != "" {
		return []feed.IngestInput{{
			Text: single.Text, Severity: single.Severity, Source: single.Source, ExpiresAt: single.ExpiresAt,
		}}, nil
	}

	var many []struct {
		Text      string         `json:"text"`
		Severity  model.Severity `json:"severity"`
		Source    string         `json:"source"`
		ExpiresAt *time.Time     `json:"expiresAt"`
	}
	if err := json.Unmarshal(raw, &many); err != nil {
		return nil, err
	}
	out := make([]feed.IngestInput, 0, len(many))
	for _, m := range many {
		out = append(out, feed.IngestInput{Text: m.Text, Severity: m.Severity, Source: m.Source, ExpiresAt: m.ExpiresAt})
	}
	return out, nil
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
