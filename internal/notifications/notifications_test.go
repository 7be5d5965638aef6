package notifications

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shareandsave/marketplace/internal/listings"
	"github.com/shareandsave/marketplace/internal/logging"
	"github.com/shareandsave/marketplace/internal/realtime"
	"github.com/shareandsave/marketplace/internal/reputation"
	"github.com/shareandsave/marketplace/internal/txn"
)

type members []int64

func (m members) MemberIDs(context.Context) ([]int64, error) { return m, nil }

type failingMembers struct{}

func (failingMembers) MemberIDs(context.Context) ([]int64, error) {
	return nil, errors.New("users unavailable")
}

type recordingPublisher struct {
	mu      sync.Mutex
	notices []realtime.Notice
}

func (p *recordingPublisher) BroadcastNotice(n realtime.Notice, _ time.Time) {
	p.mu.Lock()
	p.notices = append(p.notices, n)
	p.mu.Unlock()
}

func newTestService(t *testing.T, recipients Recipients) (*Service, *MemoryStore, *recordingPublisher) {
	t.Helper()
	store := NewMemoryStore()
	pub := &recordingPublisher{}
	svc := NewService(store, recipients, pub, logging.Discard())
	clock := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	svc.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	return svc, store, pub
}

func foodListing(id, owner int64, title string) *listings.Listing {
	return &listings.Listing{ID: id, OwnerID: owner, Kind: listings.KindFood, Title: title}
}

func TestListingCreated_NotifiesEveryoneButOwner(t *testing.T) {
	svc, _, pub := newTestService(t, members{1, 2, 3})
	ctx := context.Background()

	svc.ListingCreated(ctx, foodListing(10, 1, "Soup"))

	owner, err := svc.List(ctx, 1, false, nil, 10)
	require.NoError(t, err)
	assert.Empty(t, owner)

	for _, uid := range []int64{2, 3} {
		feed, err := svc.List(ctx, uid, false, nil, 10)
		require.NoError(t, err)
		require.Len(t, feed, 1)
		assert.Equal(t, TypeFood, feed[0].Type)
		assert.Equal(t, "New food item added: Soup", feed[0].Message)
		assert.False(t, feed[0].Read)
		require.NotNil(t, feed[0].RelatedItemID)
		assert.Equal(t, int64(10), *feed[0].RelatedItemID)
	}

	require.Len(t, pub.notices, 1)
	assert.Equal(t, int64(1), pub.notices[0].ActorID)
	assert.Equal(t, 2, pub.notices[0].Recipients)
}

func TestListingCreated_IgnoresOtherKinds(t *testing.T) {
	svc, _, pub := newTestService(t, members{1, 2})
	ctx := context.Background()

	svc.ListingCreated(ctx, &listings.Listing{ID: 4, OwnerID: 1, Kind: listings.KindDiscount, Title: "Rice"})

	count, err := svc.UnreadCount(ctx, 2)
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Empty(t, pub.notices)
}

func TestListingCreated_MemberLookupFailureIsSwallowed(t *testing.T) {
	svc, _, pub := newTestService(t, failingMembers{})
	svc.ListingCreated(context.Background(), foodListing(1, 1, "Bread"))
	assert.Empty(t, pub.notices)
}

func TestListingDeleted_RemovesRelatedNotices(t *testing.T) {
	svc, _, _ := newTestService(t, members{1, 2})
	ctx := context.Background()

	svc.ListingCreated(ctx, foodListing(10, 1, "Soup"))
	svc.ListingCreated(ctx, foodListing(11, 1, "Salad"))
	svc.ListingDeleted(ctx, foodListing(10, 1, "Soup"))

	feed, err := svc.List(ctx, 2, false, nil, 10)
	require.NoError(t, err)
	require.Len(t, feed, 1)
	assert.Equal(t, int64(11), *feed[0].RelatedItemID)
}

func TestLongTitleIsTruncated(t *testing.T) {
	svc, _, _ := newTestService(t, members{1, 2})
	ctx := context.Background()

	title := make([]rune, 300)
	for i := range title {
		title[i] = 'é'
	}
	svc.ListingCreated(ctx, foodListing(1, 1, string(title)))

	feed, err := svc.List(ctx, 2, false, nil, 10)
	require.NoError(t, err)
	require.Len(t, feed, 1)
	assert.Len(t, []rune(feed[0].Message), MaxMessageLength)
}

func TestMarkRead(t *testing.T) {
	svc, _, _ := newTestService(t, members{1, 2, 3})
	ctx := context.Background()

	svc.ListingCreated(ctx, foodListing(10, 1, "Soup"))
	svc.ListingCreated(ctx, foodListing(11, 1, "Salad"))

	feed, err := svc.List(ctx, 2, false, nil, 10)
	require.NoError(t, err)
	require.Len(t, feed, 2)
	assert.Equal(t, int64(11), *feed[0].RelatedItemID)

	assert.ErrorIs(t, svc.MarkRead(ctx, 3, feed[0].ID), ErrNotFound)
	require.NoError(t, svc.MarkRead(ctx, 2, feed[0].ID))

	unread, err := svc.List(ctx, 2, true, nil, 10)
	require.NoError(t, err)
	require.Len(t, unread, 1)
	assert.Equal(t, feed[1].ID, unread[0].ID)

	marked, err := svc.MarkAllRead(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, marked)

	count, err := svc.UnreadCount(ctx, 2)
	require.NoError(t, err)
	assert.Zero(t, count)

	count, err = svc.UnreadCount(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestWiredToListings(t *testing.T) {
	ctx := context.Background()
	rep := reputation.NewMemoryStore()
	for _, id := range []int64{1, 2} {
		require.NoError(t, rep.InitState(ctx, id))
	}
	engine := reputation.NewEngine(rep, reputation.WithLogger(logging.Discard()))
	notes, _, _ := newTestService(t, members{1, 2})
	ls := listings.NewService(listings.NewMemoryStore(), engine, txn.NewMemoryRunner(), logging.Discard()).WithNotifier(notes)

	l, err := ls.Create(ctx, 1, listings.CreateRequest{Kind: listings.KindFood, Title: "Apples"})
	require.NoError(t, err)

	count, err := notes.UnreadCount(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.NoError(t, ls.Delete(ctx, l.ID, 1))
	count, err = notes.UnreadCount(ctx, 2)
	require.NoError(t, err)
	assert.Zero(t, count)
}
