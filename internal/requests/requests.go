// Package requests is the community request board: members post items
// they need and close the request once someone has helped.
package requests

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shareandsave/marketplace/internal/logging"
	"github.com/shareandsave/marketplace/internal/metrics"
	"github.com/shareandsave/marketplace/internal/pagination"
	"github.com/shareandsave/marketplace/internal/txn"
	"github.com/shareandsave/marketplace/internal/validation"
)

var (
	ErrInvalidInput = errors.New("requests: invalid input")
	ErrNotFound     = errors.New("requests: not found")
	ErrNotOwner     = errors.New("requests: not the owner")
	ErrFulfilled    = errors.New("requests: already fulfilled")
)

const (
	MaxTitleLength       = 200
	MaxDescriptionLength = 5000
	MaxLocationLength    = 200
)

// Status of a request
type Status string

const (
	StatusActive    Status = "active"
	StatusFulfilled Status = "fulfilled"
)

// Category groups requests on the board
type Category string

const (
	CategoryFurniture Category = "furniture"
	CategoryClothing  Category = "clothing"
	CategoryBooks     Category = "books"
	CategoryOther     Category = "other"
)

var categories = []string{
	string(CategoryFurniture), string(CategoryClothing), string(CategoryBooks), string(CategoryOther),
}

// Request is something a member is looking for
type Request struct {
	ID          int64      `json:"id"`
	UserID      int64      `json:"user_id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Category    Category   `json:"category"`
	Location    string     `json:"location"`
	Status      Status     `json:"status"`
	FulfilledAt *time.Time `json:"fulfilled_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	UserID   int64
	Status   Status
	Category Category
}

// Store persists requests
type Store interface {
	Create(ctx context.Context, r *Request) error
	Get(ctx context.Context, id int64) (*Request, error)
	// GetForUpdate reads the request and holds it until the enclosing
	// transaction ends.
	GetForUpdate(ctx context.Context, id int64) (*Request, error)
	// Update overwrites the mutable fields of r.
	Update(ctx context.Context, r *Request) error
	Delete(ctx context.Context, id int64) error
	List(ctx context.Context, f Filter, after *pagination.Cursor, limit int) ([]*Request, error)
}

// Service implements the request board
type Service struct {
	store  Store
	runner txn.Runner
	logger *slog.Logger
	now    func() time.Time
}

// NewService wires the request board
func NewService(store Store, runner txn.Runner, logger *slog.Logger) *Service {
	return &Service{store: store, runner: runner, logger: logger, now: time.Now}
}

// CreateRequest is the input for Create
type CreateRequest struct {
	Title       string   `json:"title" binding:"required"`
	Description string   `json:"description"`
	Category    Category `json:"category" binding:"required"`
	Location    string   `json:"location"`
}

func (r *CreateRequest) validate() error {
	r.Title = validation.SanitizeString(r.Title, 0)
	r.Description = validation.SanitizeString(r.Description, 0)
	r.Location = validation.SanitizeString(r.Location, 0)

	errs := validation.Validate(
		validation.Required("title", r.Title),
		validation.MaxLength("title", r.Title, MaxTitleLength),
		validation.MaxLength("description", r.Description, MaxDescriptionLength),
		validation.OneOf("category", string(r.Category), categories...),
		validation.MaxLength("location", r.Location, MaxLocationLength),
	)
	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidInput, errs.Error())
	}
	return nil
}

// Create posts a new active request
func (s *Service) Create(ctx context.Context, userID int64, req CreateRequest) (*Request, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	r := &Request{
		UserID:      userID,
		Title:       req.Title,
		Description: req.Description,
		Category:    req.Category,
		Location:    req.Location,
		Status:      StatusActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Create(ctx, r); err != nil {
		return nil, err
	}
	metrics.RequestsTotal.WithLabelValues("created").Inc()
	logging.LOr(ctx, s.logger).Info("request posted", "request_id", r.ID, "category", r.Category)
	return r, nil
}

// Get returns one request
func (s *Service) Get(ctx context.Context, id int64) (*Request, error) {
	return s.store.Get(ctx, id)
}

// List returns requests newest first
func (s *Service) List(ctx context.Context, f Filter, after *pagination.Cursor, limit int) ([]*Request, error) {
	return s.store.List(ctx, f, after, limit)
}

// UpdateRequest carries the request fields to change. Nil fields are left
// as they are.
type UpdateRequest struct {
	Title       *string   `json:"title"`
	Description *string   `json:"description"`
	Category    *Category `json:"category"`
	Location    *string   `json:"location"`
}

// Update edits an active request owned by actor
func (s *Service) Update(ctx context.Context, id, actor int64, req UpdateRequest) (*Request, error) {
	var updated *Request
	err := s.runner.RunInTx(ctx, func(ctx context.Context) error {
		r, err := s.activeOwned(ctx, id, actor)
		if err != nil {
			return err
		}

		edit := CreateRequest{Title: r.Title, Description: r.Description, Category: r.Category, Location: r.Location}
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
		if err := edit.validate(); err != nil {
			return err
		}

		r.Title, r.Description, r.Category, r.Location = edit.Title, edit.Description, edit.Category, edit.Location
		r.UpdatedAt = s.now().UTC()
		if err := s.store.Update(ctx, r); err != nil {
			return err
		}
		updated = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Fulfill closes an active request owned by actor
func (s *Service) Fulfill(ctx context.Context, id, actor int64) (*Request, error) {
	var fulfilled *Request
	err := s.runner.RunInTx(ctx, func(ctx context.Context) error {
		r, err := s.activeOwned(ctx, id, actor)
		if err != nil {
			return err
		}
		at := s.now().UTC()
		r.Status = StatusFulfilled
		r.FulfilledAt = &at
		r.UpdatedAt = at
		if err := s.store.Update(ctx, r); err != nil {
			return err
		}
		fulfilled = r
		txn.AfterCommit(ctx, func() { metrics.RequestsTotal.WithLabelValues("fulfilled").Inc() })
		return nil
	})
	if err != nil {
		return nil, err
	}
	logging.LOr(ctx, s.logger).Info("request fulfilled", "request_id", id)
	return fulfilled, nil
}

// Delete removes a request owned by actor, whatever its status
func (s *Service) Delete(ctx context.Context, id, actor int64) error {
	err := s.runner.RunInTx(ctx, func(ctx context.Context) error {
		r, err := s.store.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if r.UserID != actor {
			return ErrNotOwner
		}
		if err := s.store.Delete(ctx, id); err != nil {
			return err
		}
		txn.AfterCommit(ctx, func() { metrics.RequestsTotal.WithLabelValues("deleted").Inc() })
		return nil
	})
	if err != nil {
		return err
	}
	logging.LOr(ctx, s.logger).Info("request deleted", "request_id", id)
	return nil
}

func (s *Service) activeOwned(ctx context.Context, id, actor int64) (*Request, error) {
	r, err := s.store.GetForUpdate(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.UserID != actor {
		return nil, ErrNotOwner
	}
	if r.Status != StatusActive {
		return nil, ErrFulfilled
	}
	return r, nil
}
