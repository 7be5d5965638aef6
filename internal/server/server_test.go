package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/shareandsave/marketplace/internal/config"
	"github.com/shareandsave/marketplace/internal/logging"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testAdminSecret = "test-admin-secret"

// testConfig returns a minimal in-memory config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:                "0",
		Env:                 "development",
		LogLevel:            "error",
		LogFormat:           "text",
		AdminSecret:         testAdminSecret,
		RateLimitRPM:        100000,
		AwardMaxAttempts:    3,
		AwardRetryBaseDelay: time.Millisecond,
		ReconcileInterval:   time.Hour,
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig(),
		WithLogger(logging.Discard()),
		WithShutdownDelay(0),
		WithHashCost(bcrypt.MinCost),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown() })
	return s
}

type client struct {
	t      *testing.T
	router http.Handler
	key    string
}

func (c *client) do(method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	c.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(c.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if c.key != "" {
		req.Header.Set("Authorization", "Bearer "+c.key)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	c.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

type registered struct {
	User struct {
		ID int64 `json:"id"`
	} `json:"user"`
	APIKey string `json:"api_key"`
}

func register(t *testing.T, s *Server, email string) (*client, int64) {
	t.Helper()
	anon := &client{t: t, router: s.Router()}
	w := anon.do(http.MethodPost, "/v1/auth/register", map[string]string{
		"email":        email,
		"password":     "correct-horse-battery",
		"display_name": email,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	r := decode[registered](t, w)
	require.NotEmpty(t, r.APIKey)
	return &client{t: t, router: s.Router(), key: r.APIKey}, r.User.ID
}

type summary struct {
	ReputationPoints       int      `json:"reputation_points"`
	ReputationLevel        string   `json:"reputation_level"`
	ReputationBadges       []string `json:"reputation_badges"`
	TotalItemsShared       int      `json:"total_items_shared"`
	TotalItemsReceived     int      `json:"total_items_received"`
	SuccessfulTransactions int      `json:"successful_transactions"`
}

func myReputation(t *testing.T, c *client) summary {
	t.Helper()
	w := c.do(http.MethodGet, "/v1/me/reputation", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	return decode[summary](t, w)
}

func TestMarketplaceFlow(t *testing.T) {
	s := newTestServer(t)

	alice, aliceID := register(t, s, "alice@example.com")
	bob, bobID := register(t, s, "bob@example.com")

	assert.Equal(t, 10, myReputation(t, alice).ReputationPoints, "welcome award")

	// Alice shares her first item
	w := alice.do(http.MethodPost, "/v1/listings", map[string]any{
		"kind":        "food",
		"title":       "Sourdough loaf",
		"description": "Baked this morning",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	listing := decode[struct {
		ID int64 `json:"id"`
	}](t, w)

	rep := myReputation(t, alice)
	assert.Equal(t, 45, rep.ReputationPoints)
	assert.Equal(t, 1, rep.TotalItemsShared)

	// Owners cannot claim their own listing
	w = alice.do(http.MethodPost, fmt.Sprintf("/v1/listings/%d/claim", listing.ID), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Bob claims it
	w = bob.do(http.MethodPost, fmt.Sprintf("/v1/listings/%d/claim", listing.ID), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = bob.do(http.MethodPost, fmt.Sprintf("/v1/listings/%d/claim", listing.ID), nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	rep = myReputation(t, alice)
	assert.Equal(t, 60, rep.ReputationPoints)
	assert.Equal(t, "Community Member", rep.ReputationLevel)
	assert.Equal(t, 1, rep.SuccessfulTransactions)

	rep = myReputation(t, bob)
	assert.Equal(t, 30, rep.ReputationPoints)
	assert.Equal(t, 1, rep.TotalItemsReceived)

	// Bob thanks Alice in chat
	w = bob.do(http.MethodPost, "/v1/chat/rooms", map[string]any{"user_id": aliceID, "listing_id": listing.ID})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	room := decode[struct {
		ID int64 `json:"id"`
	}](t, w)

	w = bob.do(http.MethodPost, fmt.Sprintf("/v1/chat/rooms/%d/messages", room.ID), map[string]string{"content": "Thank you!"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, 35, myReputation(t, bob).ReputationPoints)

	// Alice leaves positive feedback for Bob
	w = alice.do(http.MethodPost, fmt.Sprintf("/v1/users/%d/feedback", bobID), map[string]any{"positive": true})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, 55, myReputation(t, bob).ReputationPoints)

	// Public view
	anon := &client{t: t, router: s.Router()}
	w = anon.do(http.MethodGet, fmt.Sprintf("/v1/users/%d/reputation", aliceID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "total_items_shared")

	w = anon.do(http.MethodGet, "/v1/reputation/leaderboard?limit=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	board := decode[struct {
		Leaderboard []struct {
			UserID int64 `json:"user_id"`
		} `json:"leaderboard"`
	}](t, w)
	require.Len(t, board.Leaderboard, 1)
	assert.Equal(t, aliceID, board.Leaderboard[0].UserID)

	// Ledger and state agree
	w = anon.do(http.MethodGet, "/v1/admin/reconcile", nil, "X-Admin-Secret", testAdminSecret)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	report := decode[struct {
		CheckedUsers int  `json:"checked_users"`
		Healthy      bool `json:"healthy"`
	}](t, w)
	assert.True(t, report.Healthy)
	assert.Equal(t, 2, report.CheckedUsers)
}

func TestFoodListingNotifiesMembers(t *testing.T) {
	s := newTestServer(t)

	alice, _ := register(t, s, "alice@example.com")
	bob, _ := register(t, s, "bob@example.com")

	w := alice.do(http.MethodPost, "/v1/listings", map[string]any{"kind": "food", "title": "Lentil soup"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	listing := decode[struct {
		ID int64 `json:"id"`
	}](t, w)

	w = bob.do(http.MethodGet, "/v1/notifications/unread_count", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"unread":1}`, w.Body.String())

	w = alice.do(http.MethodGet, "/v1/notifications/unread_count", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"unread":0}`, w.Body.String())

	w = alice.do(http.MethodDelete, fmt.Sprintf("/v1/listings/%d", listing.ID), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = bob.do(http.MethodGet, "/v1/notifications/unread_count", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"unread":0}`, w.Body.String())
}

func TestRequestBoard(t *testing.T) {
	s := newTestServer(t)
	anon := &client{t: t, router: s.Router()}
	alice, _ := register(t, s, "alice@example.com")

	w := alice.do(http.MethodPost, "/v1/requests", map[string]any{"title": "Baby stroller", "category": "other"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	req := decode[struct {
		ID int64 `json:"id"`
	}](t, w)

	w = anon.do(http.MethodGet, "/v1/requests", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decode[struct {
		Count int `json:"count"`
	}](t, w).Count)

	w = alice.do(http.MethodPost, fmt.Sprintf("/v1/requests/%d/fulfill", req.ID), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = anon.do(http.MethodGet, "/v1/requests", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Zero(t, decode[struct {
		Count int `json:"count"`
	}](t, w).Count)

	assert.Equal(t, 10, myReputation(t, alice).ReputationPoints, "requests carry no points")
}

func TestProtectedRoutesRequireKey(t *testing.T) {
	s := newTestServer(t)
	anon := &client{t: t, router: s.Router()}

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/v1/me/reputation"},
		{http.MethodPost, "/v1/listings"},
		{http.MethodPost, "/v1/chat/rooms"},
		{http.MethodPost, "/v1/requests"},
		{http.MethodGet, "/v1/notifications"},
		{http.MethodPatch, "/v1/me"},
	} {
		w := anon.do(tc.method, tc.path, nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code, tc.path)
	}
}

func TestAdminRoutesRequireSecret(t *testing.T) {
	s := newTestServer(t)
	c, _ := register(t, s, "carol@example.com")

	w := c.do(http.MethodGet, "/v1/admin/reconcile", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = c.do(http.MethodGet, "/v1/admin/reconcile", nil, "X-Admin-Secret", "wrong")
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestRequestIDPropagation(t *testing.T) {
	s := newTestServer(t)
	anon := &client{t: t, router: s.Router()}

	w := anon.do(http.MethodGet, "/health/live", nil)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	w = anon.do(http.MethodGet, "/health/live", nil, "X-Request-ID", "req-123")
	assert.Equal(t, "req-123", w.Header().Get("X-Request-ID"))
}

func TestHealthLifecycle(t *testing.T) {
	s := newTestServer(t)
	anon := &client{t: t, router: s.Router()}

	w := anon.do(http.MethodGet, "/health/live", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = anon.do(http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	require.Eventually(t, func() bool {
		return anon.do(http.MethodGet, "/health/ready", nil).Code == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	w = anon.do(http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[HealthResponse](t, w)
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "memory", resp.Storage)
	assert.Len(t, resp.Checks, 2)

	require.NoError(t, s.Shutdown())
	w = anon.do(http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	anon := &client{t: t, router: s.Router()}

	anon.do(http.MethodGet, "/health/live", nil)
	w := anon.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestMaskDSN(t *testing.T) {
	masked := maskDSN("postgres://app:secret@db:5432/marketplace")
	assert.NotContains(t, masked, "secret")
	assert.Contains(t, masked, "app:")
	assert.Contains(t, masked, "@db:5432/marketplace")
	assert.Equal(t, "***", maskDSN("://bad"))
}
