package layout

import (
	"log/slog"
	"sort"

	"github.com/dandantas/dcm/internal/model"
	"github.com/dandantas/dcm/internal/widget"
)

const (
	// Columns is the fixed width of the dashboard grid
	Columns = 12

	// MaxResolvePasses bounds the collision resolution effort. Layouts that
	// still conflict after this many passes are returned as they are.
	MaxResolvePasses = 10
)

// Rect is an axis-aligned box on the integer grid
type Rect struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// Bottom returns the first row below the rect
func (r Rect) Bottom() int {
	return r.Y + r.H
}

// InConflict reports whether the half-open boxes a and b overlap on both axes
func InConflict(a, b Rect) bool {
	return ((a.X >= b.X && a.X < b.X+b.W) || (b.X >= a.X && b.X < a.X+a.W)) &&
		((a.Y >= b.Y && a.Y < b.Y+b.H) || (b.Y >= a.Y && b.Y < a.Y+a.H))
}

// RectOf returns the grid box occupied by a placement
func RectOf(catalog *widget.Catalog, p model.WidgetPlacement) Rect {
	w, h := catalog.Size(p.ID)
	return Rect{X: p.X, Y: p.Y, W: w, H: h}
}

// Resolve removes overlaps in place by pushing widgets downwards and returns
// the same layout. Each pass walks all pairs ordered by row; the first
// conflict found moves the second widget directly below the first and starts
// a new pass. Locked keys are never moved. At most MaxResolvePasses passes
// are made.
func Resolve(widgets model.Layout, catalog *widget.Catalog, locked []string) model.Layout {
	lock := make(map[string]struct{}, len(locked))
	for _, key := range locked {
		lock[key] = struct{}{}
	}

	for pass := 0; pass < MaxResolvePasses; pass++ {
		order := orderByRow(widgets)
		moved := false

	outer:
		for _, keyA := range order {
			a := widgets[keyA]
			rectA := RectOf(catalog, a)
			for _, keyB := range order {
				if keyA == keyB {
					continue
				}
				if _, isLocked := lock[keyB]; isLocked {
					continue
				}
				b := widgets[keyB]
				if !InConflict(rectA, RectOf(catalog, b)) {
					continue
				}
				b.Y = rectA.Bottom()
				widgets[keyB] = b
				moved = true
				break outer
			}
		}

		if !moved {
			return widgets
		}
	}

	if Conflicts(widgets, catalog) > 0 {
		slog.Debug("Layout still has conflicts after bounded resolution",
			"passes", MaxResolvePasses,
			"widgets", len(widgets),
		)
	}
	return widgets
}

// Conflicts counts overlapping placement pairs
func Conflicts(widgets model.Layout, catalog *widget.Catalog) int {
	order := orderByRow(widgets)
	n := 0
	for i, keyA := range order {
		rectA := RectOf(catalog, widgets[keyA])
		for _, keyB := range order[i+1:] {
			if InConflict(rectA, RectOf(catalog, widgets[keyB])) {
				n++
			}
		}
	}
	return n
}

// orderByRow returns the layout keys sorted by row. Keys are pre-sorted so
// that widgets on the same row keep a deterministic order.
func orderByRow(widgets model.Layout) []string {
	keys := make([]string, 0, len(widgets))
	for key := range widgets {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	sort.SliceStable(keys, func(i, j int) bool {
		return widgets[keys[i]].Y < widgets[keys[j]].Y
	})
	return keys
}
