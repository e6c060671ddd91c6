package httpserver

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/bus"
	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/config"
	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/feed"
	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/wlog"
	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/wsserver"
)

func newTestHTTPServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		HTTPBindAddress:        "127.0.0.1",
		HTTPPort:               "0",
		SessionSecret:          "a-session-secret-at-least-32-chars-long",
		DashboardUsername:      "admin",
		DashboardPassword:      "ChangeMe",
		ThreatFeedAPIKey:       "test-api-key",
		ThreatFeedDemoFallback: true,
	}
	b := bus.New()
	f := feed.Open(filepath.Join(dir, "threat-feed.json"), b, wlog.NewDiscard(), cfg.ThreatFeedAPIKey, cfg.ThreatFeedDemoFallback)
	ws := wsserver.New(wlog.NewDiscard(), nil, "*", nil)
	srv, err := New(cfg, filepath.Join(dir, "sessions.db"), f, ws, wlog.NewDiscard())
	require.NoError(t, err)
	return srv
}

func (s *Server) testHandler() http.Handler {
	return s.http.Handler
}

func TestAuthStatusUnauthenticatedByDefault(t *testing.T) {
	s := newTestHTTPServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/auth/status", nil)
	rec := httptest.NewRecorder()
	s.testHandler().ServeHTTP(rec, req)

	var body struct {
		Authenticated bool        `json:"authenticated"`
		UserID        interface{} `json:"userId"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.False(t, body.Authenticated)
	require.Nil(t, body.UserID)
}

func TestLoginThenAuthStatusThenLogout(t *testing.T) {
	s := newTestHTTPServer(t)
	handler := s.testHandler()

	loginBody, _ := json.Marshal(map[string]string{"username": "admin", "password": "ChangeMe"})
	loginReq := httptest.NewRequest(http.MethodPost, "/login", bytes.NewReader(loginBody))
	loginRec := httptest.NewRecorder()
	handler.ServeHTTP(loginRec, loginReq)
	require.Equal(t, http.StatusOK, loginRec.Code)

	cookies := loginRec.Result().Cookies()
	require.NotEmpty(t, cookies)

	statusReq := httptest.NewRequest(http.MethodGet, "/api/auth/status", nil)
	for _, c := range cookies {
		statusReq.AddCookie(c)
	}
	statusRec := httptest.NewRecorder()
	handler.ServeHTTP(statusRec, statusReq)

	var body struct {
		Authenticated bool   `json:"authenticated"`
		UserID        string `json:"userId"`
	}
	require.NoError(t, json.Unmarshal(statusRec.Body.Bytes(), &body))
	require.True(t, body.Authenticated)
	require.Equal(t, "admin", body.UserID)

	logoutReq := httptest.NewRequest(http.MethodPost, "/logout", nil)
	for _, c := range cookies {
		logoutReq.AddCookie(c)
	}
	logoutRec := httptest.NewRecorder()
	handler.ServeHTTP(logoutRec, logoutReq)
	require.Equal(t, http.StatusOK, logoutRec.Code)
}

func TestLoginWithBadCredentialsReturns401(t *testing.T) {
	s := newTestHTTPServer(t)
	body, _ := json.Marshal(map[string]string{"username": "admin", "password": "wrong"})
	req := httptest.NewRequest(http.MethodPost, "/login", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.testHandler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestDeleteThreatFeedItemRequiresSession(t *testing.T) {
	s := newTestHTTPServer(t)
	req := httptest.NewRequest(http.MethodDelete, "/api/threat-feed/some-id", nil)
	rec := httptest.NewRecorder()
	s.testHandler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestThreatFeedIngestRequiresAPIKey(t *testing.T) {
	s := newTestHTTPServer(t)
	body, _ := json.Marshal(map[string]string{"text": "new threat"})
	req := httptest.NewRequest(http.MethodPost, "/api/threat-feed", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.testHandler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestThreatFeedIngestWithValidKeySucceeds(t *testing.T) {
	s := newTestHTTPServer(t)
	body, _ := json.Marshal(map[string]string{"text": "new threat"})
	req := httptest.NewRequest(http.MethodPost, "/api/threat-feed", bytes.NewReader(body))
	req.Header.Set("X-API-Token", "test-api-key")
	rec := httptest.NewRecorder()
	s.testHandler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}
