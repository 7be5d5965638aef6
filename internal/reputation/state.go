package reputation

// State is the aggregate reputation of one user. It lives on the users row
// and changes only through the Engine.
type State struct {
	UserID                 int64 `json:"user_id"`
	ReputationPoints       int   `json:"reputation_points"`
	TotalItemsShared       int   `json:"total_items_shared"`
	TotalItemsReceived     int   `json:"total_items_received"`
	SuccessfulTransactions int   `json:"successful_transactions"`
}

// apply folds a ledger entry into the counters. At most one counter moves.
func (s *State) apply(action ActionKind, points int) {
	s.ReputationPoints += points
	switch action {
	case ActionItemShared:
		s.TotalItemsShared++
	case ActionItemReceived:
		s.TotalItemsReceived++
	case ActionTransactionCompleted:
		s.SuccessfulTransactions++
	}
}

// revert undoes apply. Used by in-memory compensations.
func (s *State) revert(action ActionKind, points int) {
	s.ReputationPoints -= points
	switch action {
	case ActionItemShared:
		s.TotalItemsShared--
	case ActionItemReceived:
		s.TotalItemsReceived--
	case ActionTransactionCompleted:
		s.SuccessfulTransactions--
	}
}

// Totals are the aggregates recomputed from the ledger for one user.
type Totals struct {
	Points                 int `json:"reputation_points"`
	ItemsShared            int `json:"total_items_shared"`
	ItemsReceived          int `json:"total_items_received"`
	SuccessfulTransactions int `json:"successful_transactions"`
}

// Add folds one entry into the totals.
func (t *Totals) Add(e *Entry) {
	s := State{}
	s.apply(e.Action, e.PointsEarned)
	t.Points += s.ReputationPoints
	t.ItemsShared += s.TotalItemsShared
	t.ItemsReceived += s.TotalItemsReceived
	t.SuccessfulTransactions += s.SuccessfulTransactions
}

// Matches reports whether the stored state agrees with the totals.
func (t Totals) Matches(s *State) bool {
	return s.ReputationPoints == t.Points &&
		s.TotalItemsShared == t.ItemsShared &&
		s.TotalItemsReceived == t.ItemsReceived &&
		s.SuccessfulTransactions == t.SuccessfulTransactions
}
