// Package reputation implements the marketplace's reputation system.
//
// Users earn points for participating:
//   - Sharing and receiving items
//   - Completing exchanges
//   - Feedback from other members
//   - Talking in community chat
//
// Every award is recorded in an append-only ledger and folded into the
// aggregate counters on the user record in the same transaction. Level,
// badges and trust score are derived from those counters at read time.
package reputation

// ActionKind is the category of behavior that earned an award.
type ActionKind string

const (
	ActionItemShared           ActionKind = "item_shared"
	ActionItemReceived         ActionKind = "item_received"
	ActionTransactionCompleted ActionKind = "transaction_completed"
	ActionPositiveFeedback     ActionKind = "positive_feedback"
	ActionNegativeFeedback     ActionKind = "negative_feedback"
	ActionProfileCompleted     ActionKind = "profile_completed"
	ActionFirstListing         ActionKind = "first_listing"
	ActionCommunityInteraction ActionKind = "community_interaction"
)

// MaxActionLength bounds the stored action name.
const MaxActionLength = 30

var catalog = map[ActionKind]int{
	ActionItemShared:           10,
	ActionItemReceived:         5,
	ActionTransactionCompleted: 15,
	ActionPositiveFeedback:     20,
	ActionNegativeFeedback:     -10,
	ActionProfileCompleted:     10,
	ActionFirstListing:         25,
	ActionCommunityInteraction: 5,
}

// PointsFor returns the default award for an action. Unknown actions are
// worth 0 so collaborators can introduce new kinds before the catalog
// learns about them.
func PointsFor(action ActionKind) int {
	return catalog[action]
}

// Known reports whether the action is in the catalog.
func (a ActionKind) Known() bool {
	_, ok := catalog[a]
	return ok
}

// Actions lists the catalog in a stable order.
func Actions() []ActionKind {
	return []ActionKind{
		ActionItemShared,
		ActionItemReceived,
		ActionTransactionCompleted,
		ActionPositiveFeedback,
		ActionNegativeFeedback,
		ActionProfileCompleted,
		ActionFirstListing,
		ActionCommunityInteraction,
	}
}
