// Package listings manages shared items and their claims.
//
// Creating a listing and the owner's sharing awards happen in one
// transaction, so a failed award also discards the listing. The
// first-listing bonus is decided from the counters returned by the award,
// read under the owner's lock, so two concurrent first listings cannot
// both earn it.
//
// Owners may edit, withdraw or delete a listing until it is claimed. A
// claimed listing is the record of a completed exchange and is frozen.
// Points already earned are never taken back.
package listings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shareandsave/marketplace/internal/logging"
	"github.com/shareandsave/marketplace/internal/metrics"
	"github.com/shareandsave/marketplace/internal/pagination"
	"github.com/shareandsave/marketplace/internal/reputation"
	"github.com/shareandsave/marketplace/internal/traces"
	"github.com/shareandsave/marketplace/internal/txn"
	"github.com/shareandsave/marketplace/internal/validation"
)

var (
	ErrInvalidInput   = errors.New("listings: invalid input")
	ErrNotFound       = errors.New("listings: not found")
	ErrOwnListing     = errors.New("listings: cannot claim your own listing")
	ErrAlreadyClaimed = errors.New("listings: already claimed")
	ErrUnavailable    = errors.New("listings: no longer available")
	ErrNotOwner       = errors.New("listings: not the owner")
)

const (
	MaxTitleLength       = 200
	MaxDescriptionLength = 5000
	MaxCategoryLength    = 50
	MaxLocationLength    = 200

	FirstListingDescription = "First item shared!"
)

// Kind is the type of a listing
type Kind string

const (
	KindFood     Kind = "food"
	KindFree     Kind = "free"
	KindDiscount Kind = "discount"
)

// Valid reports whether k is a known kind
func (k Kind) Valid() bool {
	switch k {
	case KindFood, KindFree, KindDiscount:
		return true
	}
	return false
}

// Label is the human-readable noun used in award descriptions
func (k Kind) Label() string {
	switch k {
	case KindFood:
		return "food item"
	case KindFree:
		return "free product"
	case KindDiscount:
		return "discount product"
	}
	return "item"
}

// Listing is an item offered by a member
type Listing struct {
	ID          int64      `json:"id"`
	OwnerID     int64      `json:"owner_id"`
	Kind        Kind       `json:"kind"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Category    string     `json:"category,omitempty"`
	Location    string     `json:"location,omitempty"`
	PriceCents  *int64     `json:"price_cents,omitempty"`
	Available   bool       `json:"available"`
	ClaimedBy   *int64     `json:"claimed_by,omitempty"`
	ClaimedAt   *time.Time `json:"claimed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Filter narrows List results
type Filter struct {
	OwnerID       int64 // 0 means any owner
	AvailableOnly bool
}

// Store persists listings
type Store interface {
	Create(ctx context.Context, l *Listing) error
	Get(ctx context.Context, id int64) (*Listing, error)
	// GetForUpdate reads the listing and holds it until the enclosing
	// transaction ends.
	GetForUpdate(ctx context.Context, id int64) (*Listing, error)
	MarkClaimed(ctx context.Context, id, claimant int64, at time.Time) error
	// MarkUnavailable withdraws an available listing. It returns
	// ErrUnavailable when the listing is already off the market.
	MarkUnavailable(ctx context.Context, id int64, at time.Time) error
	// Update overwrites the editable fields of l.
	Update(ctx context.Context, l *Listing) error
	Delete(ctx context.Context, id int64) error
	List(ctx context.Context, f Filter, after *pagination.Cursor, limit int) ([]*Listing, error)
}

// Awarder applies reputation awards and reports the resulting state
type Awarder interface {
	Apply(ctx context.Context, a reputation.Award) (*reputation.State, error)
}

// Notifier hears about committed listing changes. Calls are best-effort
// and happen after the change is durable.
type Notifier interface {
	ListingCreated(ctx context.Context, l *Listing)
	ListingDeleted(ctx context.Context, l *Listing)
}

// Service implements listing creation and claims
type Service struct {
	store    Store
	awarder  Awarder
	runner   txn.Runner
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// NewService wires the listings service
func NewService(store Store, awarder Awarder, runner txn.Runner, logger *slog.Logger) *Service {
	return &Service{store: store, awarder: awarder, runner: runner, logger: logger, now: time.Now}
}

// WithNotifier registers n for listing lifecycle events.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// CreateRequest is the input for Create
type CreateRequest struct {
	Kind        Kind   `json:"kind" binding:"required"`
	Title       string `json:"title" binding:"required"`
	Description string `json:"description"`
	Category    string `json:"category"`
	Location    string `json:"location"`
	PriceCents  *int64 `json:"price_cents"`
}

func (r *CreateRequest) validate() error {
	r.Title = validation.SanitizeString(r.Title, 0)
	r.Description = validation.SanitizeString(r.Description, 0)
	r.Category = validation.SanitizeString(r.Category, 0)
	r.Location = validation.SanitizeString(r.Location, 0)

	errs := validation.Validate(
		validation.OneOf("kind", string(r.Kind), string(KindFood), string(KindFree), string(KindDiscount)),
		validation.Required("title", r.Title),
		validation.MaxLength("title", r.Title, MaxTitleLength),
		validation.MaxLength("description", r.Description, MaxDescriptionLength),
		validation.MaxLength("category", r.Category, MaxCategoryLength),
		validation.MaxLength("location", r.Location, MaxLocationLength),
		validation.Check("price_cents", r.PriceCents == nil || *r.PriceCents >= 0, "cannot be negative"),
		validation.Check("price_cents", r.Kind != KindDiscount || r.PriceCents != nil, "is required for discount listings"),
		validation.Check("price_cents", r.Kind != KindFree || r.PriceCents == nil || *r.PriceCents == 0, "must be empty for free listings"),
	)
	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidInput, errs.Error())
	}
	return nil
}

// Create stores a listing and awards its owner in one transaction.
func (s *Service) Create(ctx context.Context, owner int64, req CreateRequest) (*Listing, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	ctx, span := traces.StartSpan(ctx, "listings.Create", traces.UserID(owner))
	defer span.End()

	l := &Listing{
		OwnerID:     owner,
		Kind:        req.Kind,
		Title:       req.Title,
		Description: req.Description,
		Category:    req.Category,
		Location:    req.Location,
		PriceCents:  req.PriceCents,
		Available:   true,
		CreatedAt:   s.now().UTC(),
	}
	l.UpdatedAt = l.CreatedAt

	err := s.runner.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.store.Create(ctx, l); err != nil {
			return err
		}

		shared := reputation.NewAward(owner, reputation.ActionItemShared,
			fmt.Sprintf("Shared %s: %s", l.Kind.Label(), l.Title)).About(l.ID, string(l.Kind))
		state, err := s.awarder.Apply(ctx, shared)
		if err != nil {
			return fmt.Errorf("award item_shared: %w", err)
		}

		if state.TotalItemsShared == 1 {
			first := reputation.NewAward(owner, reputation.ActionFirstListing, FirstListingDescription).
				About(l.ID, string(l.Kind))
			if _, err := s.awarder.Apply(ctx, first); err != nil {
				return fmt.Errorf("award first_listing: %w", err)
			}
		}

		txn.AfterCommit(ctx, func() { metrics.ListingsCreatedTotal.WithLabelValues(string(l.Kind)).Inc() })
		return nil
	})
	if err != nil {
		traces.RecordError(span, err)
		return nil, err
	}

	span.SetAttributes(traces.ListingID(l.ID))
	logging.LOr(ctx, s.logger).Info("listing created", "listing_id", l.ID, "kind", l.Kind)
	if s.notifier != nil {
		s.notifier.ListingCreated(ctx, l)
	}
	return l, nil
}

// Claim hands a listing to claimant. The claimant earns item_received and
// both parties earn transaction_completed, all in one transaction.
func (s *Service) Claim(ctx context.Context, id, claimant int64) (*Listing, error) {
	ctx, span := traces.StartSpan(ctx, "listings.Claim", traces.ListingID(id), traces.UserID(claimant))
	defer span.End()

	var claimed *Listing
	err := s.runner.RunInTx(ctx, func(ctx context.Context) error {
		l, err := s.store.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if l.OwnerID == claimant {
			return ErrOwnListing
		}
		if !l.Available {
			if l.ClaimedBy != nil {
				return ErrAlreadyClaimed
			}
			return ErrUnavailable
		}

		at := s.now().UTC()
		if err := s.store.MarkClaimed(ctx, id, claimant, at); err != nil {
			return err
		}

		received := reputation.NewAward(claimant, reputation.ActionItemReceived,
			fmt.Sprintf("Received %s: %s", l.Kind.Label(), l.Title)).About(l.ID, string(l.Kind))
		completedClaimant := reputation.NewAward(claimant, reputation.ActionTransactionCompleted,
			fmt.Sprintf("Completed exchange: %s", l.Title)).About(l.ID, string(l.Kind))
		completedOwner := reputation.NewAward(l.OwnerID, reputation.ActionTransactionCompleted,
			fmt.Sprintf("Completed exchange: %s", l.Title)).About(l.ID, string(l.Kind))

		// Lock users in id order so crossing claims cannot deadlock.
		awards := []reputation.Award{received, completedClaimant, completedOwner}
		if l.OwnerID < claimant {
			awards = []reputation.Award{completedOwner, received, completedClaimant}
		}
		for _, a := range awards {
			if _, err := s.awarder.Apply(ctx, a); err != nil {
				return fmt.Errorf("award %s: %w", a.Action, err)
			}
		}

		l.Available = false
		l.ClaimedBy = &claimant
		l.ClaimedAt = &at
		claimed = l
		txn.AfterCommit(ctx, metrics.ListingsClaimedTotal.Inc)
		return nil
	})
	if err != nil {
		traces.RecordError(span, err)
		return nil, err
	}

	logging.LOr(ctx, s.logger).Info("listing claimed", "listing_id", id, "claimant", claimant)
	return claimed, nil
}

// Get returns one listing
func (s *Service) Get(ctx context.Context, id int64) (*Listing, error) {
	return s.store.Get(ctx, id)
}

// List returns listings newest first
func (s *Service) List(ctx context.Context, f Filter, after *pagination.Cursor, limit int) ([]*Listing, error) {
	return s.store.List(ctx, f, after, limit)
}

// ListByOwner returns a member's listings newest first
func (s *Service) ListByOwner(ctx context.Context, owner int64, after *pagination.Cursor, limit int) ([]*Listing, error) {
	return s.store.List(ctx, Filter{OwnerID: owner}, after, limit)
}

// UpdateRequest carries the listing fields to change. Nil fields are left
// as they are. The kind of a listing cannot change.
type UpdateRequest struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
	Category    *string `json:"category"`
	Location    *string `json:"location"`
	PriceCents  *int64  `json:"price_cents"`
}

// Update edits an unclaimed listing owned by actor.
func (s *Service) Update(ctx context.Context, id, actor int64, req UpdateRequest) (*Listing, error) {
	var updated *Listing
	err := s.runner.RunInTx(ctx, func(ctx context.Context) error {
		l, err := s.ownedForUpdate(ctx, id, actor)
		if err != nil {
			return err
		}

		edit := CreateRequest{
			Kind:        l.Kind,
			Title:       l.Title,
			Description: l.Description,
			Category:    l.Category,
			Location:    l.Location,
			PriceCents:  l.PriceCents,
		}
		if req.Title != nil {
			edit.Title = *req.Title
		}
		if req.Description != nil {
			edit.Description = *req.Description
		}
		if req.Category != nil {
			edit.Category = *req.Category
		}
		if req.Location != nil {
			edit.Location = *req.Location
		}
		if req.PriceCents != nil {
			edit.PriceCents = req.PriceCents
		}
		if err := edit.validate(); err != nil {
			return err
		}

		l.Title = edit.Title
		l.Description = edit.Description
		l.Category = edit.Category
		l.Location = edit.Location
		l.PriceCents = edit.PriceCents
		l.UpdatedAt = s.now().UTC()
		if err := s.store.Update(ctx, l); err != nil {
			return err
		}
		updated = l
		return nil
	})
	if err != nil {
		return nil, err
	}
	logging.LOr(ctx, s.logger).Info("listing updated", "listing_id", id)
	return updated, nil
}

// MarkUnavailable takes an unclaimed listing off the market without an
// exchange. No points are awarded.
func (s *Service) MarkUnavailable(ctx context.Context, id, actor int64) (*Listing, error) {
	var withdrawn *Listing
	err := s.runner.RunInTx(ctx, func(ctx context.Context) error {
		l, err := s.ownedForUpdate(ctx, id, actor)
		if err != nil {
			return err
		}
		if !l.Available {
			return ErrUnavailable
		}
		l.Available = false
		l.UpdatedAt = s.now().UTC()
		if err := s.store.MarkUnavailable(ctx, id, l.UpdatedAt); err != nil {
			return err
		}
		withdrawn = l
		return nil
	})
	if err != nil {
		return nil, err
	}
	logging.LOr(ctx, s.logger).Info("listing withdrawn", "listing_id", id)
	return withdrawn, nil
}

// Delete removes an unclaimed listing owned by actor. The owner's ledger
// keeps the sharing awards.
func (s *Service) Delete(ctx context.Context, id, actor int64) error {
	var deleted *Listing
	err := s.runner.RunInTx(ctx, func(ctx context.Context) error {
		l, err := s.ownedForUpdate(ctx, id, actor)
		if err != nil {
			return err
		}
		if err := s.store.Delete(ctx, id); err != nil {
			return err
		}
		deleted = l
		return nil
	})
	if err != nil {
		return err
	}
	logging.LOr(ctx, s.logger).Info("listing deleted", "listing_id", id)
	if s.notifier != nil {
		s.notifier.ListingDeleted(ctx, deleted)
	}
	return nil
}

// ownedForUpdate locks listing id and checks that actor may change it.
func (s *Service) ownedForUpdate(ctx context.Context, id, actor int64) (*Listing, error) {
	l, err := s.store.GetForUpdate(ctx, id)
	if err != nil {
		return nil, err
	}
	if l.OwnerID != actor {
		return nil, ErrNotOwner
	}
	if l.ClaimedBy != nil {
		return nil, ErrAlreadyClaimed
	}
	return l, nil
}
