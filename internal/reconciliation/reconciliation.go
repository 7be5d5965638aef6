// Package reconciliation compares stored reputation against the ledger.
//
// Each user's points and counters must equal what their ledger entries add
// up to. A run recomputes the totals and reports every user that disagrees.
// It never repairs anything; drift means a bug and needs a human.
package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shareandsave/marketplace/internal/reputation"
)

// Source exposes stored state and ledger aggregates. reputation.Store
// satisfies it.
type Source interface {
	AllStates(ctx context.Context) ([]*reputation.State, error)
	LedgerTotals(ctx context.Context) (map[int64]reputation.Totals, error)
}

// Drift describes one user whose stored state disagrees with the ledger.
// Stored is nil when ledger entries exist for a user with no state.
type Drift struct {
	UserID int64             `json:"user_id"`
	Stored *reputation.State `json:"stored,omitempty"`
	Ledger reputation.Totals `json:"ledger"`
	Fields []string          `json:"fields"`
}

// Report is the outcome of one run
type Report struct {
	CheckedUsers int           `json:"checked_users"`
	Drifts       []Drift       `json:"drifts"`
	Healthy      bool          `json:"healthy"`
	StartedAt    time.Time     `json:"started_at"`
	Duration     time.Duration `json:"duration_ns"`
}

// Service runs reconciliation checks and keeps the latest report.
type Service struct {
	source Source
	logger *slog.Logger
	now    func() time.Time

	mu   sync.RWMutex
	last *Report
}

// NewService creates a reconciliation service.
func NewService(source Source, logger *slog.Logger) *Service {
	return &Service{source: source, logger: logger, now: time.Now}
}

// Run performs a full comparison and records the report.
func (s *Service) Run(ctx context.Context) (*Report, error) {
	start := s.now()
	defer func() { reconcileDuration.Observe(time.Since(start).Seconds()) }()

	states, err := s.source.AllStates(ctx)
	if err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("load reputation states: %w", err)
	}
	totals, err := s.source.LedgerTotals(ctx)
	if err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("load ledger totals: %w", err)
	}

	report := &Report{CheckedUsers: len(states), Drifts: []Drift{}, StartedAt: start.UTC()}
	seen := make(map[int64]bool, len(states))
	for _, st := range states {
		seen[st.UserID] = true
		t := totals[st.UserID]
		if fields := mismatched(st, t); len(fields) > 0 {
			report.Drifts = append(report.Drifts, Drift{UserID: st.UserID, Stored: st, Ledger: t, Fields: fields})
		}
	}
	for userID, t := range totals {
		if !seen[userID] {
			report.Drifts = append(report.Drifts, Drift{UserID: userID, Ledger: t, Fields: []string{"state"}})
		}
	}
	sort.Slice(report.Drifts, func(i, j int) bool { return report.Drifts[i].UserID < report.Drifts[j].UserID })

	report.Healthy = len(report.Drifts) == 0
	report.Duration = s.now().Sub(start)

	reconcileUsersChecked.Set(float64(report.CheckedUsers))
	reconcileDriftedUsers.Set(float64(len(report.Drifts)))

	if report.Healthy {
		s.logger.Info("reconciliation passed", "users", report.CheckedUsers)
	} else {
		for _, d := range report.Drifts {
			s.logger.Error("reputation drift detected", "user_id", d.UserID, "fields", d.Fields)
		}
	}

	s.mu.Lock()
	s.last = report
	s.mu.Unlock()
	return report, nil
}

// Last returns the most recent report, or nil before the first run.
func (s *Service) Last() *Report {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

func mismatched(s *reputation.State, t reputation.Totals) []string {
	var fields []string
	if s.ReputationPoints != t.Points {
		fields = append(fields, "reputation_points")
	}
	if s.TotalItemsShared != t.ItemsShared {
		fields = append(fields, "total_items_shared")
	}
	if s.TotalItemsReceived != t.ItemsReceived {
		fields = append(fields, "total_items_received")
	}
	if s.SuccessfulTransactions != t.SuccessfulTransactions {
		fields = append(fields, "successful_transactions")
	}
	return fields
}
