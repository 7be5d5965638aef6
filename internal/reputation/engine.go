package reputation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"

	"github.com/shareandsave/marketplace/internal/logging"
	"github.com/shareandsave/marketplace/internal/metrics"
	"github.com/shareandsave/marketplace/internal/traces"
	"github.com/shareandsave/marketplace/internal/txn"
)

const (
	DefaultMaxAttempts = 5
	DefaultRetryDelay  = 20 * time.Millisecond

	maxRetryInterval = time.Second
)

// Listener observes committed awards. It runs after the enclosing
// transaction commits and never for awards that rolled back.
type Listener func(ctx context.Context, entry Entry, state State)

// Engine is the only writer of reputation points and counters.
type Engine struct {
	store       Store
	logger      *slog.Logger
	now         func() time.Time
	maxAttempts int
	retryDelay  time.Duration
	listeners   []Listener
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the fallback logger used when the context carries none.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock overrides the timestamp source for ledger entries.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithRetry bounds the retries after a serialization conflict.
func WithRetry(maxAttempts int, baseDelay time.Duration) Option {
	return func(e *Engine) {
		if maxAttempts > 0 {
			e.maxAttempts = maxAttempts
		}
		e.retryDelay = baseDelay
	}
}

// WithListener registers a committed-award observer.
func WithListener(l Listener) Option {
	return func(e *Engine) { e.listeners = append(e.listeners, l) }
}

// NewEngine creates an award engine over store.
func NewEngine(store Store, opts ...Option) *Engine {
	e := &Engine{
		store:       store,
		logger:      slog.Default(),
		now:         time.Now,
		maxAttempts: DefaultMaxAttempts,
		retryDelay:  DefaultRetryDelay,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Store exposes the engine's store for read paths.
func (e *Engine) Store() Store {
	return e.store
}

// Award records the award and returns the user's new point total.
func (e *Engine) Award(ctx context.Context, a Award) (int, error) {
	s, err := e.Apply(ctx, a)
	if err != nil {
		return 0, err
	}
	return s.ReputationPoints, nil
}

// Apply records the award and returns the user's full state after it.
//
// The ledger append and the counter update form one unit: either both
// persist or neither does. Awards to the same user are serialized. When
// ctx already carries a transaction the award joins it and is not retried
// on its own, since the conflict invalidates the whole outer unit.
func (e *Engine) Apply(ctx context.Context, a Award) (*State, error) {
	if err := validate(a); err != nil {
		metrics.ReputationAwardFailuresTotal.WithLabelValues("validation").Inc()
		return nil, err
	}

	log := logging.LOr(ctx, e.logger)
	if !a.Action.Known() {
		log.Warn("award with unknown action", "action", a.Action, "user_id", a.UserID)
	}

	ctx, span := traces.StartSpan(ctx, "reputation.Award",
		traces.UserID(a.UserID), traces.Action(string(a.Action)), traces.Points(a.Points))
	defer span.End()
	start := time.Now()
	defer func() { metrics.ReputationAwardDuration.Observe(time.Since(start).Seconds()) }()

	attempts := 1
	if !txn.InTx(ctx) {
		attempts = e.maxAttempts
	}

	var (
		state *State
		entry *Entry
	)
	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		s, en, err := e.applyOnce(ctx, a)
		if err == nil {
			state, entry = s, en
			return nil
		}
		if errors.Is(err, ErrConflict) {
			return err
		}
		return backoff.Permanent(err)
	}, e.retryPolicy(ctx, attempts), func(err error, wait time.Duration) {
		metrics.ReputationAwardRetriesTotal.Inc()
		log.Warn("award conflict, retrying",
			"user_id", a.UserID, "action", a.Action, "attempt", attempt, "wait", wait, "error", err)
	})
	if err != nil {
		if errors.Is(err, ErrConflict) {
			err = fmt.Errorf("%w: %v", ErrTransientFailure, err)
		}
		metrics.ReputationAwardFailuresTotal.WithLabelValues(failureReason(err)).Inc()
		traces.RecordError(span, err)
		return nil, err
	}

	committed, after := *entry, *state
	txn.AfterCommit(ctx, func() {
		metrics.ReputationAwardsTotal.WithLabelValues(string(committed.Action)).Inc()
		metrics.ReputationPointsTotal.WithLabelValues(string(committed.Action)).Add(abs(committed.PointsEarned))
		for _, l := range e.listeners {
			l(ctx, committed, after)
		}
	})

	log.Debug("reputation awarded",
		"user_id", a.UserID, "action", a.Action, "points", a.Points, "total", state.ReputationPoints)
	return state, nil
}

// retryPolicy allows attempts-1 retries, doubling from retryDelay with jitter.
func (e *Engine) retryPolicy(ctx context.Context, attempts int) backoff.BackOff {
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(e.retryDelay),
		backoff.WithMaxInterval(maxRetryInterval),
		backoff.WithMaxElapsedTime(0),
	)
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}

func (e *Engine) applyOnce(ctx context.Context, a Award) (*State, *Entry, error) {
	var (
		state *State
		entry *Entry
	)
	err := e.store.LockUser(ctx, a.UserID, func(ctx context.Context, current *State) error {
		en := &Entry{
			UserID:          a.UserID,
			Action:          a.Action,
			PointsEarned:    a.Points,
			Description:     a.Description,
			CreatedAt:       e.now().UTC(),
			RelatedItemID:   a.RelatedItemID,
			RelatedItemType: a.RelatedItemType,
		}
		if err := e.store.AppendEntry(ctx, en); err != nil {
			return err
		}

		next := *current
		next.apply(a.Action, a.Points)
		if err := e.store.SaveState(ctx, &next); err != nil {
			return err
		}
		state, entry = &next, en
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return state, entry, nil
}

func validate(a Award) error {
	if a.UserID <= 0 {
		return fmt.Errorf("%w: user id must be positive", ErrValidation)
	}
	if a.Action == "" || len(a.Action) > MaxActionLength {
		return fmt.Errorf("%w: action must be 1-%d characters", ErrValidation, MaxActionLength)
	}
	if strings.TrimSpace(a.Description) == "" {
		return fmt.Errorf("%w: description is required", ErrValidation)
	}
	if utf8.RuneCountInString(a.Description) > MaxDescriptionLength {
		return fmt.Errorf("%w: description exceeds %d characters", ErrValidation, MaxDescriptionLength)
	}
	if a.RelatedItemID != nil && a.RelatedItemType == nil {
		return fmt.Errorf("%w: related item id requires a type", ErrValidation)
	}
	if a.RelatedItemType != nil && !relatedItemTypes[*a.RelatedItemType] {
		return fmt.Errorf("%w: unknown related item type %q", ErrValidation, *a.RelatedItemType)
	}
	return nil
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrUserNotFound):
		return "user_not_found"
	case errors.Is(err, ErrTransientFailure):
		return "transient"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}

func abs(n int) float64 {
	if n < 0 {
		return float64(-n)
	}
	return float64(n)
}
