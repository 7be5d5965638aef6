package reputation

import "time"

// Related item types an award may reference.
const (
	ItemTypeFood     = "food"
	ItemTypeFree     = "free"
	ItemTypeDiscount = "discount"
	ItemTypeRequest  = "request"
	ItemTypeChat     = "chat"
)

const (
	MaxDescriptionLength = 255
	MaxItemTypeLength    = 20
)

var relatedItemTypes = map[string]bool{
	ItemTypeFood:     true,
	ItemTypeFree:     true,
	ItemTypeDiscount: true,
	ItemTypeRequest:  true,
	ItemTypeChat:     true,
}

// Entry is one row of the reputation ledger. Entries are never updated or
// deleted once written.
type Entry struct {
	ID              int64      `json:"id"`
	UserID          int64      `json:"user_id"`
	Action          ActionKind `json:"action"`
	PointsEarned    int        `json:"points_earned"`
	Description     string     `json:"description"`
	CreatedAt       time.Time  `json:"created_at"`
	RelatedItemID   *int64     `json:"related_item_id,omitempty"`
	RelatedItemType *string    `json:"related_item_type,omitempty"`
}

// Award is a request to the engine.
type Award struct {
	UserID          int64
	Action          ActionKind
	Points          int
	Description     string
	RelatedItemID   *int64
	RelatedItemType *string
}

// NewAward builds an award carrying the catalog's default points.
func NewAward(userID int64, action ActionKind, description string) Award {
	return Award{
		UserID:      userID,
		Action:      action,
		Points:      PointsFor(action),
		Description: description,
	}
}

// About attaches a related item reference.
func (a Award) About(itemID int64, itemType string) Award {
	a.RelatedItemID = &itemID
	a.RelatedItemType = &itemType
	return a
}
