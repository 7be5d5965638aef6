// Package users manages marketplace accounts.
//
// Registration creates the account and its zeroed reputation in one
// transaction, issues an API key, then grants the welcome award. The award
// is best-effort: a failure is logged and the account stands.
package users

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/crypto/bcrypt"

	"github.com/shareandsave/marketplace/internal/auth"
	"github.com/shareandsave/marketplace/internal/logging"
	"github.com/shareandsave/marketplace/internal/reputation"
	"github.com/shareandsave/marketplace/internal/txn"
	"github.com/shareandsave/marketplace/internal/validation"
)

var (
	ErrInvalidInput       = errors.New("users: invalid input")
	ErrEmailTaken         = errors.New("users: email already registered")
	ErrNotFound           = errors.New("users: not found")
	ErrInvalidCredentials = errors.New("users: invalid email or password")
)

const (
	MinPasswordLength  = 8
	MaxPasswordLength  = 72 // bcrypt input limit
	MaxDisplayNameLen  = 100
	MaxBioLength       = 1000
	MaxPhoneLength     = 15
	MaxAddressLength   = 500
	WelcomeDescription = "Welcome!"
)

// User is a marketplace account. Reputation columns are owned by the
// reputation package and are not part of this type.
type User struct {
	ID           int64     `json:"id"`
	Email        string    `json:"email"`
	DisplayName  string    `json:"display_name"`
	PasswordHash string    `json:"-"`
	Bio          string    `json:"bio"`
	PhoneNumber  string    `json:"phone_number"`
	Address      string    `json:"address"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Store persists users
type Store interface {
	Create(ctx context.Context, u *User) error
	GetByID(ctx context.Context, id int64) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	// UpdateProfile overwrites the editable profile fields of u.
	UpdateProfile(ctx context.Context, u *User) error
	// ListIDs returns every account id in ascending order.
	ListIDs(ctx context.Context) ([]int64, error)
}

// StateInitializer prepares reputation state for a new account.
type StateInitializer interface {
	InitState(ctx context.Context, userID int64) error
}

// Awarder grants reputation points.
type Awarder interface {
	Award(ctx context.Context, a reputation.Award) (int, error)
}

// Service implements registration and login.
type Service struct {
	store   Store
	states  StateInitializer
	awarder Awarder
	keys    *auth.Manager
	runner  txn.Runner
	logger  *slog.Logger
	cost    int
}

// NewService wires the account service.
func NewService(store Store, states StateInitializer, awarder Awarder, keys *auth.Manager, runner txn.Runner, logger *slog.Logger) *Service {
	return &Service{
		store:   store,
		states:  states,
		awarder: awarder,
		keys:    keys,
		runner:  runner,
		logger:  logger,
		cost:    bcrypt.DefaultCost,
	}
}

// WithHashCost overrides the bcrypt cost. Tests use bcrypt.MinCost.
func (s *Service) WithHashCost(cost int) *Service {
	s.cost = cost
	return s
}

// RegisterRequest is the input for Register
type RegisterRequest struct {
	Email       string `json:"email" binding:"required"`
	Password    string `json:"password" binding:"required"`
	DisplayName string `json:"display_name"`
}

// Register creates an account and returns it with a fresh API key.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*User, string, error) {
	email, err := normalizeEmail(req.Email)
	if err != nil {
		return nil, "", err
	}
	if n := len(req.Password); n < MinPasswordLength || n > MaxPasswordLength {
		return nil, "", fmt.Errorf("%w: password must be %d-%d bytes", ErrInvalidInput, MinPasswordLength, MaxPasswordLength)
	}
	name := strings.TrimSpace(req.DisplayName)
	if name == "" {
		name = email[:strings.IndexByte(email, '@')]
	}
	if utf8.RuneCountInString(name) > MaxDisplayNameLen {
		return nil, "", fmt.Errorf("%w: display name exceeds %d characters", ErrInvalidInput, MaxDisplayNameLen)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.cost)
	if err != nil {
		return nil, "", fmt.Errorf("hash password: %w", err)
	}

	u := &User{
		Email:        email,
		DisplayName:  name,
		PasswordHash: string(hash),
		CreatedAt:    time.Now().UTC(),
	}
	u.UpdatedAt = u.CreatedAt
	err = s.runner.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.store.Create(ctx, u); err != nil {
			return err
		}
		return s.states.InitState(ctx, u.ID)
	})
	if err != nil {
		return nil, "", err
	}

	rawKey, _, err := s.keys.GenerateKey(ctx, u.ID, "default")
	if err != nil {
		return nil, "", fmt.Errorf("issue api key: %w", err)
	}

	log := logging.LOr(ctx, s.logger)
	if _, err := s.awarder.Award(ctx, reputation.NewAward(u.ID, reputation.ActionProfileCompleted, WelcomeDescription)); err != nil {
		log.Warn("welcome award failed", "user_id", u.ID, "error", err)
	}

	log.Info("user registered", "user_id", u.ID)
	return u, rawKey, nil
}

// Login verifies credentials and issues a new API key.
func (s *Service) Login(ctx context.Context, email, password string) (*User, string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	u, err := s.store.GetByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		return nil, "", ErrInvalidCredentials
	}
	if err != nil {
		return nil, "", err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return nil, "", ErrInvalidCredentials
	}

	rawKey, _, err := s.keys.GenerateKey(ctx, u.ID, "login")
	if err != nil {
		return nil, "", fmt.Errorf("issue api key: %w", err)
	}
	return u, rawKey, nil
}

// Get returns a user by id.
func (s *Service) Get(ctx context.Context, id int64) (*User, error) {
	return s.store.GetByID(ctx, id)
}

// MemberIDs lists every account id.
func (s *Service) MemberIDs(ctx context.Context) ([]int64, error) {
	return s.store.ListIDs(ctx)
}

// ProfileUpdate carries the profile fields to change. Nil fields are left
// as they are.
type ProfileUpdate struct {
	DisplayName *string `json:"display_name"`
	Bio         *string `json:"bio"`
	PhoneNumber *string `json:"phone_number"`
	Address     *string `json:"address"`
}

// UpdateProfile applies a partial profile update to the account.
func (s *Service) UpdateProfile(ctx context.Context, id int64, req ProfileUpdate) (*User, error) {
	u, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if req.DisplayName != nil {
		u.DisplayName = validation.SanitizeString(*req.DisplayName, 0)
	}
	if req.Bio != nil {
		u.Bio = validation.SanitizeString(*req.Bio, 0)
	}
	if req.PhoneNumber != nil {
		u.PhoneNumber = strings.TrimSpace(*req.PhoneNumber)
	}
	if req.Address != nil {
		u.Address = validation.SanitizeString(*req.Address, 0)
	}

	errs := validation.Validate(
		validation.Required("display_name", u.DisplayName),
		validation.MaxLength("display_name", u.DisplayName, MaxDisplayNameLen),
		validation.MaxLength("bio", u.Bio, MaxBioLength),
		validation.MaxLength("phone_number", u.PhoneNumber, MaxPhoneLength),
		validation.Check("phone_number", validPhone(u.PhoneNumber), "may contain only digits, spaces, '+' and '-'"),
		validation.MaxLength("address", u.Address, MaxAddressLength),
	)
	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidInput, errs.Error())
	}

	u.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateProfile(ctx, u); err != nil {
		return nil, err
	}
	logging.LOr(ctx, s.logger).Info("profile updated", "user_id", u.ID)
	return u, nil
}

func validPhone(p string) bool {
	for _, r := range p {
		if (r < '0' || r > '9') && r != '+' && r != '-' && r != ' ' {
			return false
		}
	}
	return true
}

func normalizeEmail(raw string) (string, error) {
	addr, err := mail.ParseAddress(strings.TrimSpace(raw))
	if err != nil || addr.Name != "" || len(addr.Address) > 254 {
		return "", fmt.Errorf("%w: email is not valid", ErrInvalidInput)
	}
	return strings.ToLower(addr.Address), nil
}
