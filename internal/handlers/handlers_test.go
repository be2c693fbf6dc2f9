package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/slotbid/gpu-scheduler/internal/auth"
	"github.com/slotbid/gpu-scheduler/internal/clock"
	"github.com/slotbid/gpu-scheduler/internal/config"
	"github.com/slotbid/gpu-scheduler/internal/engine"
	"github.com/slotbid/gpu-scheduler/internal/models"
	"github.com/slotbid/gpu-scheduler/internal/store"
)

const monitorToken = "monitor-secret"

type testServer struct {
	router   http.Handler
	engine   *engine.Engine
	sessions *auth.SessionManager
}

type fixedClock struct{ now time.Time }

func (c *fixedClock) Now() time.Time { return c.now }

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	cal, err := clock.NewCalendar("America/New_York")
	require.NoError(t, err)
	clk := &fixedClock{now: time.Date(2025, 6, 15, 12, 0, 0, 0, cal.Location())}

	cfg := &config.Config{
		DataDir:             t.TempDir(),
		Timezone:            "America/New_York",
		NumGPUs:             8,
		PlanningHorizonDays: 6,
		RolloverFraction:    "0.5",
		ReleaseRefund:       "0.34",
		SessionTTL:          12 * time.Hour,
	}

	st, err := store.New(cfg.DataDir, zap.NewNop())
	require.NoError(t, err)
	eng, err := engine.New(cfg, clk, cal, st, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, eng.Tick())

	_, err = eng.CreateUser("alice", "alicepw", models.RoleUser, 10)
	require.NoError(t, err)

	sessions := auth.NewSessionManager(cfg.SessionTTL, nil)
	return &testServer{
		router:   NewRouter(eng, sessions, monitorToken, zap.NewNop()),
		engine:   eng,
		sessions: sessions,
	}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}, cookie *http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if cookie != nil {
		req.AddCookie(cookie)
	}
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	return rr
}

func (s *testServer) login(t *testing.T, username, password string) *http.Cookie {
	t.Helper()
	rr := s.do(t, "POST", "/login", map[string]string{"username": username, "password": password}, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	for _, c := range rr.Result().Cookies() {
		if c.Name == auth.SessionCookie {
			return c
		}
	}
	t.Fatal("no session cookie issued")
	return nil
}

func TestLoginFlow(t *testing.T) {
	s := newTestServer(t)

	rr := s.do(t, "POST", "/login", map[string]string{"username": "alice", "password": "wrong"}, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	cookie := s.login(t, "alice", "alicepw")

	rr = s.do(t, "GET", "/session", nil, cookie)
	require.Equal(t, http.StatusOK, rr.Code)
	var session struct {
		Authenticated bool `json:"authenticated"`
		User          struct {
			Username string `json:"username"`
		} `json:"user"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &session))
	assert.True(t, session.Authenticated)
	assert.Equal(t, "alice", session.User.Username)
}

func TestEndpointsRequireAuth(t *testing.T) {
	s := newTestServer(t)

	for _, route := range []struct{ method, path string }{
		{"GET", "/overview"},
		{"GET", "/day?date=2025-06-16"},
		{"POST", "/bid"},
		{"POST", "/slot/release"},
	} {
		rr := s.do(t, route.method, route.path, map[string]string{}, nil)
		assert.Equal(t, http.StatusUnauthorized, rr.Code, "%s %s", route.method, route.path)
	}
}

func TestBidEndpoint(t *testing.T) {
	s := newTestServer(t)
	cookie := s.login(t, "alice", "alicepw")

	rr := s.do(t, "POST", "/bid", models.SlotRef{Day: "2025-06-16", Hour: 14, GPU: 3}, cookie)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp struct {
		OK     bool   `json:"ok"`
		Price  int    `json:"price"`
		Winner string `json:"winner"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.True(t, resp.OK)
	assert.Equal(t, 1, resp.Price)
	assert.Equal(t, "alice", resp.Winner)

	// Bidding on the executing day is a validation error.
	rr = s.do(t, "POST", "/bid", models.SlotRef{Day: "2025-06-15", Hour: 14, GPU: 3}, cookie)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	// Unknown day maps to 404.
	rr = s.do(t, "POST", "/bid", models.SlotRef{Day: "2030-01-01", Hour: 14, GPU: 3}, cookie)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestBulkBidShortfallMessage(t *testing.T) {
	s := newTestServer(t)
	cookie := s.login(t, "alice", "alicepw")

	bids := make([]models.SlotRef, 0, 12)
	for gpu := 0; gpu < 8; gpu++ {
		bids = append(bids, models.SlotRef{Day: "2025-06-16", Hour: 10, GPU: gpu})
	}
	for gpu := 0; gpu < 4; gpu++ {
		bids = append(bids, models.SlotRef{Day: "2025-06-16", Hour: 11, GPU: gpu})
	}

	rr := s.do(t, "POST", "/bid/bulk", map[string]interface{}{"bids": bids}, cookie)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	var resp struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Contains(t, resp.Error, "required 12")
	assert.Contains(t, resp.Error, "available 10")
}

func TestOverviewAndDayGrid(t *testing.T) {
	s := newTestServer(t)
	cookie := s.login(t, "alice", "alicepw")

	rr := s.do(t, "GET", "/overview", nil, cookie)
	require.Equal(t, http.StatusOK, rr.Code)
	var overview struct {
		Days []struct {
			Day    string `json:"day"`
			Status string `json:"status"`
		} `json:"days"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &overview))
	require.Len(t, overview.Days, 7)
	assert.Equal(t, "executing", overview.Days[0].Status)
	assert.Equal(t, "open", overview.Days[1].Status)

	rr = s.do(t, "GET", "/day?date=2025-06-16", nil, cookie)
	require.Equal(t, http.StatusOK, rr.Code)
	var grid struct {
		Rows []struct {
			Hour    int `json:"hour"`
			Entries []struct {
				GPU int `json:"gpu"`
			} `json:"entries"`
		} `json:"rows"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &grid))
	require.Len(t, grid.Rows, 24)
	assert.Len(t, grid.Rows[0].Entries, 8)
}

func TestMonitorIngestAuth(t *testing.T) {
	s := newTestServer(t)

	payload := map[string]interface{}{
		"usage": map[string][]string{"0": {"alice"}},
	}

	rr := s.do(t, "POST", "/gpu-status", payload, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(payload))
	req := httptest.NewRequest("POST", "/gpu-status", &buf)
	req.Header.Set("Authorization", "Bearer wrong-token")
	rr = httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	buf.Reset()
	require.NoError(t, json.NewEncoder(&buf).Encode(payload))
	req = httptest.NewRequest("POST", "/gpu-status", &buf)
	req.Header.Set("Authorization", "Bearer "+monitorToken)
	rr = httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp struct {
		Processed int    `json:"processed"`
		Slot      string `json:"slot"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Processed)
	assert.Equal(t, "2025-06-15T12:00", resp.Slot)

	// The live view is public.
	rr = s.do(t, "GET", "/gpu-live-status", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var live struct {
		Usage map[string][]string `json:"usage"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &live))
	assert.Equal(t, []string{"alice"}, live.Usage["0"])
}

func TestAdminEndpointsRequireRole(t *testing.T) {
	s := newTestServer(t)
	userCookie := s.login(t, "alice", "alicepw")

	rr := s.do(t, "GET", "/admin/users", nil, userCookie)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	// The seeded admin account may manage users.
	adminCookie := s.login(t, "admin", "admin")
	rr = s.do(t, "GET", "/admin/users", nil, adminCookie)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = s.do(t, "POST", "/admin/users/create", map[string]interface{}{
		"username": "bob", "password": "bobpw", "weekly_budget": 20,
	}, adminCookie)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	bobCookie := s.login(t, "bob", "bobpw")
	rr = s.do(t, "GET", "/overview", nil, bobCookie)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestAdminExportCSV(t *testing.T) {
	s := newTestServer(t)
	adminCookie := s.login(t, "admin", "admin")

	rr := s.do(t, "GET", "/admin/export?day=2025-06-15", nil, adminCookie)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "text/csv")
	assert.Contains(t, rr.Body.String(), "slot_id,gpu_index")

	// Open days are not exportable.
	rr = s.do(t, "GET", "/admin/export?day=2025-06-16", nil, adminCookie)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestDismissOutbidEndpoint(t *testing.T) {
	s := newTestServer(t)
	cookie := s.login(t, "alice", "alicepw")

	rr := s.do(t, "POST", "/dismiss-outbid", map[string]string{"day": "2025-06-16"}, cookie)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = s.do(t, "POST", "/dismiss-outbid", map[string]string{}, cookie)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}
