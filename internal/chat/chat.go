// Package chat provides two-person rooms tied to marketplace exchanges.
//
// A sent message and the sender's community_interaction award are written
// in one transaction: if the award fails the message is discarded too.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/shareandsave/marketplace/internal/logging"
	"github.com/shareandsave/marketplace/internal/metrics"
	"github.com/shareandsave/marketplace/internal/pagination"
	"github.com/shareandsave/marketplace/internal/reputation"
	"github.com/shareandsave/marketplace/internal/traces"
	"github.com/shareandsave/marketplace/internal/txn"
	"github.com/shareandsave/marketplace/internal/users"
	"github.com/shareandsave/marketplace/internal/validation"
)

var (
	ErrInvalidInput   = errors.New("chat: invalid input")
	ErrRoomNotFound   = errors.New("chat: room not found")
	ErrUserNotFound   = errors.New("chat: user not found")
	ErrNotParticipant = errors.New("chat: not a participant")
	ErrSelfChat       = errors.New("chat: cannot chat with yourself")
)

const (
	MaxMessageLength = 2000

	InteractionDescription = "Sent a message in community chat"
)

// Room is a conversation between two members. UserA is always the
// smaller id.
type Room struct {
	ID        int64     `json:"id"`
	UserA     int64     `json:"user_a"`
	UserB     int64     `json:"user_b"`
	ListingID *int64    `json:"listing_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// HasParticipant reports whether userID belongs to the room
func (r *Room) HasParticipant(userID int64) bool {
	return r.UserA == userID || r.UserB == userID
}

// Message is one chat line
type Message struct {
	ID        int64     `json:"id"`
	RoomID    int64     `json:"room_id"`
	SenderID  int64     `json:"sender_id"`
	Content   string    `json:"content"`
	IsRead    bool      `json:"is_read"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists rooms and messages
type Store interface {
	// GetOrCreateRoom returns the room for the ordered pair (a < b),
	// creating it when missing.
	GetOrCreateRoom(ctx context.Context, a, b int64, listingID *int64, now time.Time) (*Room, error)
	GetRoom(ctx context.Context, id int64) (*Room, error)
	ListRooms(ctx context.Context, userID int64) ([]*Room, error)
	InsertMessage(ctx context.Context, m *Message) error
	ListMessages(ctx context.Context, roomID int64, after *pagination.Cursor, limit int) ([]*Message, error)
	// MarkRead flags messages in the room not sent by reader as read and
	// returns how many changed.
	MarkRead(ctx context.Context, roomID, reader int64) (int, error)
}

// Members looks up accounts
type Members interface {
	Get(ctx context.Context, id int64) (*users.User, error)
}

// Awarder grants reputation points
type Awarder interface {
	Award(ctx context.Context, a reputation.Award) (int, error)
}

// Service implements chat rooms and messaging
type Service struct {
	store   Store
	members Members
	awarder Awarder
	runner  txn.Runner
	logger  *slog.Logger
	now     func() time.Time
}

// NewService wires the chat service
func NewService(store Store, members Members, awarder Awarder, runner txn.Runner, logger *slog.Logger) *Service {
	return &Service{store: store, members: members, awarder: awarder, runner: runner, logger: logger, now: time.Now}
}

// GetOrCreateRoom returns the room shared by requester and other.
func (s *Service) GetOrCreateRoom(ctx context.Context, requester, other int64, listingID *int64) (*Room, error) {
	if other <= 0 {
		return nil, fmt.Errorf("%w: user_id must be positive", ErrInvalidInput)
	}
	if requester == other {
		return nil, ErrSelfChat
	}
	if _, err := s.members.Get(ctx, other); err != nil {
		if errors.Is(err, users.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}

	a, b := requester, other
	if a > b {
		a, b = b, a
	}
	return s.store.GetOrCreateRoom(ctx, a, b, listingID, s.now().UTC())
}

// Rooms lists the rooms a member belongs to, newest first
func (s *Service) Rooms(ctx context.Context, userID int64) ([]*Room, error) {
	return s.store.ListRooms(ctx, userID)
}

// Send stores a message and awards the sender in one transaction.
func (s *Service) Send(ctx context.Context, roomID, sender int64, content string) (*Message, error) {
	content = validation.SanitizeString(content, 0)
	if content == "" || utf8.RuneCountInString(content) > MaxMessageLength {
		return nil, fmt.Errorf("%w: content must be 1-%d characters", ErrInvalidInput, MaxMessageLength)
	}

	ctx, span := traces.StartSpan(ctx, "chat.Send", traces.RoomID(roomID), traces.UserID(sender))
	defer span.End()

	room, err := s.participantRoom(ctx, roomID, sender)
	if err != nil {
		traces.RecordError(span, err)
		return nil, err
	}

	m := &Message{
		RoomID:    room.ID,
		SenderID:  sender,
		Content:   content,
		CreatedAt: s.now().UTC(),
	}
	err = s.runner.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.store.InsertMessage(ctx, m); err != nil {
			return err
		}
		award := reputation.NewAward(sender, reputation.ActionCommunityInteraction, InteractionDescription).
			About(room.ID, reputation.ItemTypeChat)
		if _, err := s.awarder.Award(ctx, award); err != nil {
			return fmt.Errorf("award community_interaction: %w", err)
		}
		txn.AfterCommit(ctx, metrics.ChatMessagesTotal.Inc)
		return nil
	})
	if err != nil {
		traces.RecordError(span, err)
		return nil, err
	}

	logging.LOr(ctx, s.logger).Debug("chat message sent", "room_id", room.ID, "message_id", m.ID)
	return m, nil
}

// Messages returns a page of a room's messages, newest first.
func (s *Service) Messages(ctx context.Context, roomID, reader int64, after *pagination.Cursor, limit int) ([]*Message, error) {
	if _, err := s.participantRoom(ctx, roomID, reader); err != nil {
		return nil, err
	}
	return s.store.ListMessages(ctx, roomID, after, limit)
}

// MarkRead marks the other participant's messages as read
func (s *Service) MarkRead(ctx context.Context, roomID, reader int64) (int, error) {
	if _, err := s.participantRoom(ctx, roomID, reader); err != nil {
		return 0, err
	}
	return s.store.MarkRead(ctx, roomID, reader)
}

func (s *Service) participantRoom(ctx context.Context, roomID, userID int64) (*Room, error) {
	room, err := s.store.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !room.HasParticipant(userID) {
		return nil, ErrNotParticipant
	}
	return room, nil
}
