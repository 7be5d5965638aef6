// Package notifications stores per-member notices about new food listings
// and serves the notification feed.
//
// Notices are written after the listing commits. A failure is logged and
// never undoes the listing.
package notifications

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shareandsave/marketplace/internal/listings"
	"github.com/shareandsave/marketplace/internal/logging"
	"github.com/shareandsave/marketplace/internal/metrics"
	"github.com/shareandsave/marketplace/internal/pagination"
	"github.com/shareandsave/marketplace/internal/realtime"
)

var ErrNotFound = errors.New("notifications: not found")

// TypeFood marks notices about new food listings.
const TypeFood = "food"

// Notification is one entry in a member's feed
type Notification struct {
	ID            int64     `json:"id"`
	UserID        int64     `json:"-"`
	Type          string    `json:"type"`
	Message       string    `json:"message"`
	Read          bool      `json:"read"`
	RelatedItemID *int64    `json:"related_item_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Store persists notifications
type Store interface {
	// Fanout writes one copy of n per recipient and returns how many were
	// stored.
	Fanout(ctx context.Context, recipients []int64, n Notification) (int, error)
	// DeleteRelated removes every notice of type typ about item relatedID.
	DeleteRelated(ctx context.Context, typ string, relatedID int64) (int, error)
	List(ctx context.Context, userID int64, unreadOnly bool, after *pagination.Cursor, limit int) ([]*Notification, error)
	UnreadCount(ctx context.Context, userID int64) (int, error)
	MarkRead(ctx context.Context, userID, id int64) error
	MarkAllRead(ctx context.Context, userID int64) (int, error)
}

// Recipients lists the members a broadcast notice goes to.
type Recipients interface {
	MemberIDs(ctx context.Context) ([]int64, error)
}

// Publisher pushes fan-out summaries to live clients.
type Publisher interface {
	BroadcastNotice(n realtime.Notice, at time.Time)
}

// Service implements the notification feed
type Service struct {
	store      Store
	recipients Recipients
	publisher  Publisher
	logger     *slog.Logger
	now        func() time.Time
}

// NewService wires the notification feed. publisher may be nil.
func NewService(store Store, recipients Recipients, publisher Publisher, logger *slog.Logger) *Service {
	return &Service{store: store, recipients: recipients, publisher: publisher, logger: logger, now: time.Now}
}

var _ listings.Notifier = (*Service)(nil)

// ListingCreated tells every other member about a new food listing.
func (s *Service) ListingCreated(ctx context.Context, l *listings.Listing) {
	if l.Kind != listings.KindFood {
		return
	}
	log := logging.LOr(ctx, s.logger)

	n, err := s.notifyAllExcept(ctx, l.OwnerID, Notification{
		Type:          TypeFood,
		Message:       truncate(fmt.Sprintf("New food item added: %s", l.Title), MaxMessageLength),
		RelatedItemID: &l.ID,
	})
	if err != nil {
		log.Error("food listing notification failed", "listing_id", l.ID, "error", err)
		return
	}
	log.Info("food listing notification sent", "listing_id", l.ID, "recipients", n)
}

// ListingDeleted withdraws the notices about a removed food listing.
func (s *Service) ListingDeleted(ctx context.Context, l *listings.Listing) {
	if l.Kind != listings.KindFood {
		return
	}
	log := logging.LOr(ctx, s.logger)

	n, err := s.store.DeleteRelated(ctx, TypeFood, l.ID)
	if err != nil {
		log.Error("food listing notification cleanup failed", "listing_id", l.ID, "error", err)
		return
	}
	log.Info("food listing notifications removed", "listing_id", l.ID, "count", n)
}

// MaxMessageLength bounds a stored notice message in runes.
const MaxMessageLength = 255

func (s *Service) notifyAllExcept(ctx context.Context, actor int64, n Notification) (int, error) {
	members, err := s.recipients.MemberIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list members: %w", err)
	}
	to := make([]int64, 0, len(members))
	for _, id := range members {
		if id != actor {
			to = append(to, id)
		}
	}
	if len(to) == 0 {
		return 0, nil
	}

	n.CreatedAt = s.now().UTC()
	stored, err := s.store.Fanout(ctx, to, n)
	if err != nil {
		return 0, err
	}
	metrics.NotificationsCreatedTotal.WithLabelValues(n.Type).Add(float64(stored))

	if s.publisher != nil {
		s.publisher.BroadcastNotice(realtime.Notice{
			ActorID:       actor,
			Type:          n.Type,
			Message:       n.Message,
			RelatedItemID: n.RelatedItemID,
			Recipients:    stored,
		}, n.CreatedAt)
	}
	return stored, nil
}

// List returns the caller's feed newest first
func (s *Service) List(ctx context.Context, userID int64, unreadOnly bool, after *pagination.Cursor, limit int) ([]*Notification, error) {
	return s.store.List(ctx, userID, unreadOnly, after, limit)
}

// UnreadCount returns how many of the caller's notices are unread
func (s *Service) UnreadCount(ctx context.Context, userID int64) (int, error) {
	return s.store.UnreadCount(ctx, userID)
}

// MarkRead flags one of the caller's notices as read. Notices that belong
// to someone else report ErrNotFound.
func (s *Service) MarkRead(ctx context.Context, userID, id int64) error {
	return s.store.MarkRead(ctx, userID, id)
}

// MarkAllRead flags every unread notice of the caller as read
func (s *Service) MarkAllRead(ctx context.Context, userID int64) (int, error) {
	return s.store.MarkAllRead(ctx, userID)
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
