package reputation

import "math"

// Levels, highest first.
const (
	LevelChampion  = "Community Champion"
	LevelTrusted   = "Trusted Member"
	LevelActive    = "Active Contributor"
	LevelMember    = "Community Member"
	LevelNewMember = "New Member"
)

type threshold struct {
	min  int
	name string
}

var levels = []threshold{
	{1000, LevelChampion},
	{500, LevelTrusted},
	{200, LevelActive},
	{50, LevelMember},
}

// Badge groups. Each contributes at most one badge, highest threshold first.
var (
	sharingBadges = []threshold{
		{50, "Super Sharer"},
		{20, "Generous Giver"},
		{5, "Community Helper"},
	}
	transactionBadges = []threshold{
		{100, "Transaction Master"},
		{50, "Reliable Trader"},
		{10, "Trusted Exchanger"},
	}
	pointBadges = []threshold{
		{1000, "Reputation Star"},
		{500, "Community Leader"},
	}
)

func highest(tiers []threshold, v int) (string, bool) {
	for _, t := range tiers {
		if v >= t.min {
			return t.name, true
		}
	}
	return "", false
}

// Level maps a point total to its tier name.
func Level(points int) string {
	if name, ok := highest(levels, points); ok {
		return name
	}
	return LevelNewMember
}

// Badges returns earned badges in group order: sharing, transactions,
// points. Never nil.
func Badges(s *State) []string {
	badges := make([]string, 0, 3)
	if b, ok := highest(sharingBadges, s.TotalItemsShared); ok {
		badges = append(badges, b)
	}
	if b, ok := highest(transactionBadges, s.SuccessfulTransactions); ok {
		badges = append(badges, b)
	}
	if b, ok := highest(pointBadges, s.ReputationPoints); ok {
		badges = append(badges, b)
	}
	return badges
}

// TrustScore is a 0-100 composite of points, transactions and sharing.
// Each component is capped and the 0-175 raw sum is rescaled to 0-100.
func TrustScore(s *State) float64 {
	points := math.Max(float64(s.ReputationPoints), 0)
	raw := math.Min(points/10, 100) +
		math.Min(float64(s.SuccessfulTransactions)*2, 50) +
		math.Min(float64(s.TotalItemsShared), 25)
	return math.Min(raw/1.75, 100)
}

// RoundTrust rounds a trust score to one decimal place for display.
func RoundTrust(score float64) float64 {
	return math.Round(score*10) / 10
}

// Summary is the read model served to the owner of the reputation.
type Summary struct {
	ReputationPoints       int      `json:"reputation_points"`
	ReputationLevel        string   `json:"reputation_level"`
	ReputationBadges       []string `json:"reputation_badges"`
	TrustScore             float64  `json:"trust_score"`
	TotalItemsShared       int      `json:"total_items_shared"`
	TotalItemsReceived     int      `json:"total_items_received"`
	SuccessfulTransactions int      `json:"successful_transactions"`
}

// PublicProfile omits the raw activity counters.
type PublicProfile struct {
	UserID           int64    `json:"user_id"`
	ReputationPoints int      `json:"reputation_points"`
	ReputationLevel  string   `json:"reputation_level"`
	ReputationBadges []string `json:"reputation_badges"`
	TrustScore       float64  `json:"trust_score"`
}

// Summarize derives the full read model from stored state.
func Summarize(s *State) Summary {
	return Summary{
		ReputationPoints:       s.ReputationPoints,
		ReputationLevel:        Level(s.ReputationPoints),
		ReputationBadges:       Badges(s),
		TrustScore:             RoundTrust(TrustScore(s)),
		TotalItemsShared:       s.TotalItemsShared,
		TotalItemsReceived:     s.TotalItemsReceived,
		SuccessfulTransactions: s.SuccessfulTransactions,
	}
}

// Public derives the public profile from stored state.
func Public(s *State) PublicProfile {
	return PublicProfile{
		UserID:           s.UserID,
		ReputationPoints: s.ReputationPoints,
		ReputationLevel:  Level(s.ReputationPoints),
		ReputationBadges: Badges(s),
		TrustScore:       RoundTrust(TrustScore(s)),
	}
}
