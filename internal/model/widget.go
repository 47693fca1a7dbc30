package model

import "time"

// WidgetPlacement positions one widget on the dashboard grid.
// Width and height come from the widget catalog entry named by ID.
type WidgetPlacement struct {
	ID    string                 `json:"id" bson:"id"`
	X     int                    `json:"x" bson:"x"`
	Y     int                    `json:"y" bson:"y"`
	Props map[string]interface{} `json:"props,omitempty" bson:"props,omitempty"`
}

// Layout maps placement keys to placements
type Layout map[string]WidgetPlacement

// Clone returns a copy of the layout that can be mutated independently.
// Props maps are shared; placements never mutate them.
func (l Layout) Clone() Layout {
	out := make(Layout, len(l))
	for k, v := range l {
		out[k] = v
	}
	return out
}

// Equal reports whether both layouts hold the same keys at the same positions
func (l Layout) Equal(other Layout) bool {
	if len(l) != len(other) {
		return false
	}
	for k, a := range l {
		b, ok := other[k]
		if !ok || a.ID != b.ID || a.X != b.X || a.Y != b.Y {
			return false
		}
	}
	return true
}

// StoredLayout is a user's persisted widget configuration
type StoredLayout struct {
	UserID    string    `json:"userId" bson:"user_id"`
	Widgets   Layout    `json:"widgets" bson:"widgets"`
	UpdatedAt time.Time `json:"updatedAt" bson:"updated_at"`
}
