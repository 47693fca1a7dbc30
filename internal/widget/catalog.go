package widget

import "sort"

// Reserved widget type identifiers
const (
	TypeUnknown = "unknown"
	TypeDemo    = "demo"
)

// Type describes a kind of dashboard widget and its fixed grid footprint
type Type struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	Creatable bool   `json:"creatable"` // users can add it from the dashboard

	requirementsMet func() bool
}

// RequirementsMet reports whether the widget can be rendered in this deployment
func (t Type) RequirementsMet() bool {
	if t.requirementsMet == nil {
		return true
	}
	return t.requirementsMet()
}

// Unknown is the placeholder used for any unresolvable widget type
var Unknown = Type{
	ID:     TypeUnknown,
	Name:   "Unknown",
	Width:  1,
	Height: 1,
}

// Demo is a 3x3 panel with a title and a color swatch
var Demo = Type{
	ID:        TypeDemo,
	Name:      "Demo",
	Width:     3,
	Height:    3,
	Creatable: true,
}

// Catalog is a registry of widget types keyed by id.
// Lookups are total: anything missing resolves to Unknown.
type Catalog struct {
	types map[string]Type
}

// NewCatalog creates a catalog holding the given types plus Unknown
func NewCatalog(types ...Type) *Catalog {
	c := &Catalog{types: map[string]Type{TypeUnknown: Unknown}}
	for _, t := range types {
		c.types[t.ID] = t
	}
	return c
}

// DefaultCatalog returns the catalog of built-in widget types
func DefaultCatalog() *Catalog {
	return NewCatalog(Demo)
}

// WithRequirement returns a copy of t that is only usable while fn returns true
func WithRequirement(t Type, fn func() bool) Type {
	t.requirementsMet = fn
	return t
}

// Resolve returns the widget type for id, falling back to Unknown when the id
// is not registered or its requirements are not met
func (c *Catalog) Resolve(id string) Type {
	if c == nil {
		return Unknown
	}
	t, ok := c.types[id]
	if !ok || !t.RequirementsMet() {
		return Unknown
	}
	return t
}

// Size returns the grid footprint of the widget type id
func (c *Catalog) Size(id string) (width, height int) {
	t := c.Resolve(id)
	return t.Width, t.Height
}

// Creatable lists the types users may add, restricted to accepted ids when
// any are given
func (c *Catalog) Creatable(accepted ...string) []Type {
	ids := accepted
	if len(ids) == 0 {
		for id := range c.types {
			ids = append(ids, id)
		}
		sort.Strings(ids)
	}

	out := make([]Type, 0, len(ids))
	for _, id := range ids {
		t := c.Resolve(id)
		if t.Creatable {
			out = append(out, t)
		}
	}
	return out
}
