package requests

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shareandsave/marketplace/internal/auth"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func fakeAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if v := c.GetHeader("X-Test-User"); v != "" {
			id, _ := strconv.ParseInt(v, 10, 64)
			c.Set(auth.ContextKeyAPIKey, &auth.APIKey{UserID: id})
			c.Set(auth.ContextKeyUserID, id)
		}
		c.Next()
	}
}

func setupRouter(t *testing.T) *gin.Engine {
	t.Helper()
	svc, _ := newTestService(t)
	h := NewHandler(svc)

	r := gin.New()
	r.Use(fakeAuth())
	v1 := r.Group("/v1")
	h.RegisterRoutes(v1)
	h.RegisterProtectedRoutes(v1.Group("", auth.RequireAuth()))
	return r
}

func do(r *gin.Engine, method, path string, user int64, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != 0 {
		req.Header.Set("X-Test-User", strconv.FormatInt(user, 10))
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_Lifecycle(t *testing.T) {
	r := setupRouter(t)

	assert.Equal(t, http.StatusUnauthorized, do(r, "POST", "/v1/requests", 0, gin.H{"title": "Bike", "category": "other"}).Code)
	assert.Equal(t, http.StatusBadRequest, do(r, "POST", "/v1/requests", 1, gin.H{"title": "Bike"}).Code)
	assert.Equal(t, http.StatusBadRequest, do(r, "POST", "/v1/requests", 1, gin.H{"title": "Bike", "category": "vehicles"}).Code)

	w := do(r, "POST", "/v1/requests", 1, gin.H{"title": "Bike", "category": "other", "location": "Block D"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var req Request
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &req))
	assert.Equal(t, int64(1), req.UserID)

	path := "/v1/requests/" + strconv.FormatInt(req.ID, 10)
	assert.Equal(t, http.StatusOK, do(r, "GET", path, 0, nil).Code)
	assert.Equal(t, http.StatusNotFound, do(r, "GET", "/v1/requests/999", 0, nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(r, "GET", "/v1/requests/abc", 0, nil).Code)

	assert.Equal(t, http.StatusForbidden, do(r, "PATCH", path, 2, gin.H{"title": "My bike"}).Code)
	w = do(r, "PATCH", path, 1, gin.H{"title": "Kids bike"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &req))
	assert.Equal(t, "Kids bike", req.Title)

	require.Equal(t, http.StatusOK, do(r, "POST", path+"/fulfill", 1, nil).Code)
	assert.Equal(t, http.StatusConflict, do(r, "POST", path+"/fulfill", 1, nil).Code)

	assert.Equal(t, http.StatusForbidden, do(r, "DELETE", path, 2, nil).Code)
	require.Equal(t, http.StatusOK, do(r, "DELETE", path, 1, nil).Code)
	assert.Equal(t, http.StatusNotFound, do(r, "GET", path, 0, nil).Code)
}

func TestHandler_ListPaging(t *testing.T) {
	r := setupRouter(t)
	for _, title := range []string{"Shelf", "Rug", "Lamp"} {
		require.Equal(t, http.StatusCreated, do(r, "POST", "/v1/requests", 1, gin.H{"title": title, "category": "furniture"}).Code)
	}
	require.Equal(t, http.StatusCreated, do(r, "POST", "/v1/requests", 2, gin.H{"title": "Atlas", "category": "books"}).Code)

	var page struct {
		Requests   []Request `json:"requests"`
		HasMore    bool      `json:"has_more"`
		NextCursor string    `json:"next_cursor"`
	}
	w := do(r, "GET", "/v1/requests?category=furniture&limit=2", 0, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Len(t, page.Requests, 2)
	assert.Equal(t, "Lamp", page.Requests[0].Title)
	assert.True(t, page.HasMore)

	w = do(r, "GET", "/v1/requests?category=furniture&limit=2&cursor="+page.NextCursor, 0, nil)
	require.Equal(t, http.StatusOK, w.Code)
	page.Requests, page.HasMore = nil, false
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Len(t, page.Requests, 1)
	assert.Equal(t, "Shelf", page.Requests[0].Title)
	assert.False(t, page.HasMore)

	w = do(r, "GET", "/v1/me/requests", 2, nil)
	require.Equal(t, http.StatusOK, w.Code)
	page.Requests = nil
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Len(t, page.Requests, 1)
	assert.Equal(t, "Atlas", page.Requests[0].Title)

	assert.Equal(t, http.StatusBadRequest, do(r, "GET", "/v1/requests?status=closed", 0, nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(r, "GET", "/v1/requests?user_id=x", 0, nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(r, "GET", "/v1/requests?cursor=not-base64!", 0, nil).Code)
}
