package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shareandsave/marketplace/internal/auth"
	"github.com/shareandsave/marketplace/internal/logging"
	"github.com/shareandsave/marketplace/internal/reputation"
	"github.com/shareandsave/marketplace/internal/txn"
	"github.com/shareandsave/marketplace/internal/users"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeMembers map[int64]bool

func (f fakeMembers) Get(_ context.Context, id int64) (*users.User, error) {
	if !f[id] {
		return nil, users.ErrNotFound
	}
	return &users.User{ID: id}, nil
}

type brokenAwarder struct{}

func (brokenAwarder) Award(context.Context, reputation.Award) (int, error) {
	return 0, errors.New("reputation offline")
}

func newTestService(t *testing.T, ids ...int64) (*Service, *reputation.MemoryStore) {
	t.Helper()
	rep := reputation.NewMemoryStore()
	members := fakeMembers{}
	for _, id := range ids {
		members[id] = true
		require.NoError(t, rep.InitState(context.Background(), id))
	}
	engine := reputation.NewEngine(rep, reputation.WithLogger(logging.Discard()))
	svc := NewService(NewMemoryStore(), members, engine, txn.NewMemoryRunner(), logging.Discard())
	clock := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	svc.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	return svc, rep
}

func TestGetOrCreateRoom_SameRoomEitherDirection(t *testing.T) {
	svc, _ := newTestService(t, 1, 2)
	ctx := context.Background()

	r1, err := svc.GetOrCreateRoom(ctx, 2, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), r1.UserA)
	assert.Equal(t, int64(2), r1.UserB)

	r2, err := svc.GetOrCreateRoom(ctx, 1, 2, nil)
	require.NoError(t, err)
	assert.Equal(t, r1.ID, r2.ID)

	_, err = svc.GetOrCreateRoom(ctx, 1, 1, nil)
	assert.ErrorIs(t, err, ErrSelfChat)
	_, err = svc.GetOrCreateRoom(ctx, 1, 77, nil)
	assert.ErrorIs(t, err, ErrUserNotFound)
	_, err = svc.GetOrCreateRoom(ctx, 1, 0, nil)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestSend_AwardsSender(t *testing.T) {
	svc, rep := newTestService(t, 1, 2)
	ctx := context.Background()

	room, err := svc.GetOrCreateRoom(ctx, 1, 2, nil)
	require.NoError(t, err)

	msg, err := svc.Send(ctx, room.ID, 1, "  Is the bread still available?  ")
	require.NoError(t, err)
	assert.Equal(t, "Is the bread still available?", msg.Content)

	s, err := rep.GetState(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 5, s.ReputationPoints)

	entries, _ := rep.ListEntries(ctx, 1, nil, 10)
	require.Len(t, entries, 1)
	assert.Equal(t, reputation.ActionCommunityInteraction, entries[0].Action)
	assert.Equal(t, InteractionDescription, entries[0].Description)
	require.NotNil(t, entries[0].RelatedItemType)
	assert.Equal(t, reputation.ItemTypeChat, *entries[0].RelatedItemType)
}

func TestSend_AwardFailureDiscardsMessage(t *testing.T) {
	svc, _ := newTestService(t, 1, 2)
	ctx := context.Background()

	room, err := svc.GetOrCreateRoom(ctx, 1, 2, nil)
	require.NoError(t, err)
	_, err = svc.Send(ctx, room.ID, 1, "first")
	require.NoError(t, err)

	svc.awarder = brokenAwarder{}
	_, err = svc.Send(ctx, room.ID, 2, "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reputation offline")

	msgs, err := svc.Messages(ctx, room.ID, 1, nil, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "first", msgs[0].Content)
}

func TestSend_MissingReputationStateDiscardsMessage(t *testing.T) {
	svc, rep := newTestService(t, 1)
	svc.members = fakeMembers{1: true, 2: true}
	ctx := context.Background()

	room, err := svc.GetOrCreateRoom(ctx, 1, 2, nil)
	require.NoError(t, err)

	_, err = svc.Send(ctx, room.ID, 2, "no state for me")
	assert.ErrorIs(t, err, reputation.ErrUserNotFound)

	msgs, err := svc.Messages(ctx, room.ID, 1, nil, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	entries, err := rep.ListEntries(ctx, 2, nil, 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSend_OnlyParticipants(t *testing.T) {
	svc, rep := newTestService(t, 1, 2, 3)
	ctx := context.Background()

	room, err := svc.GetOrCreateRoom(ctx, 1, 2, nil)
	require.NoError(t, err)

	_, err = svc.Send(ctx, room.ID, 3, "let me in")
	assert.ErrorIs(t, err, ErrNotParticipant)
	_, err = svc.Messages(ctx, room.ID, 3, nil, 10)
	assert.ErrorIs(t, err, ErrNotParticipant)
	_, err = svc.Send(ctx, 404, 1, "hi")
	assert.ErrorIs(t, err, ErrRoomNotFound)
	_, err = svc.Send(ctx, room.ID, 1, "   ")
	assert.ErrorIs(t, err, ErrInvalidInput)

	s, _ := rep.GetState(ctx, 3)
	assert.Zero(t, s.ReputationPoints)
}

func TestMarkRead_OnlyOtherParticipantsMessages(t *testing.T) {
	svc, _ := newTestService(t, 1, 2)
	ctx := context.Background()

	room, err := svc.GetOrCreateRoom(ctx, 1, 2, nil)
	require.NoError(t, err)
	for _, sender := range []int64{1, 2, 2} {
		_, err := svc.Send(ctx, room.ID, sender, "msg")
		require.NoError(t, err)
	}

	n, err := svc.MarkRead(ctx, room.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = svc.MarkRead(ctx, room.ID, 1)
	require.NoError(t, err)
	assert.Zero(t, n)
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

func TestHandler_ChatFlow(t *testing.T) {
	svc, _ := newTestService(t, 1, 2, 3)
	r := gin.New()
	r.Use(fakeAuth())
	NewHandler(svc).RegisterProtectedRoutes(r.Group("/v1", auth.RequireAuth()))

	w := do(r, "POST", "/v1/chat/rooms", 1, gin.H{"user_id": 2})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var room Room
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &room))

	path := "/v1/chat/rooms/" + strconv.FormatInt(room.ID, 10)
	for i := 0; i < 3; i++ {
		w = do(r, "POST", path+"/messages", 2, gin.H{"content": "hi " + strconv.Itoa(i)})
		require.Equal(t, http.StatusCreated, w.Code)
	}

	var page struct {
		Messages   []Message `json:"messages"`
		HasMore    bool      `json:"has_more"`
		NextCursor string    `json:"next_cursor"`
	}
	w = do(r, "GET", path+"/messages?limit=2", 1, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Len(t, page.Messages, 2)
	assert.Equal(t, "hi 2", page.Messages[0].Content)
	assert.True(t, page.HasMore)

	w = do(r, "GET", path+"/messages?limit=2&cursor="+page.NextCursor, 1, nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Len(t, page.Messages, 1)
	assert.Equal(t, "hi 0", page.Messages[0].Content)

	assert.Equal(t, http.StatusForbidden, do(r, "GET", path+"/messages", 3, nil).Code)
	assert.Equal(t, http.StatusForbidden, do(r, "POST", path+"/messages", 3, gin.H{"content": "x"}).Code)
	assert.Equal(t, http.StatusUnauthorized, do(r, "GET", path+"/messages", 0, nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(r, "POST", "/v1/chat/rooms", 1, gin.H{"user_id": 1}).Code)
	assert.Equal(t, http.StatusNotFound, do(r, "POST", "/v1/chat/rooms", 1, gin.H{"user_id": 99}).Code)

	w = do(r, "POST", path+"/read", 1, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"marked_read":3}`, w.Body.String())

	w = do(r, "GET", "/v1/chat/rooms", 2, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)
}
