package layout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/dandantas/dcm/internal/model"
	"github.com/dandantas/dcm/internal/widget"
)

// DefaultRowHeight is the pixel height of one grid row
const DefaultRowHeight = 100.0

var (
	ErrNotEditing     = errors.New("layout is not in edit mode")
	ErrWidgetNotFound = errors.New("widget not found")
	ErrNotCreatable   = errors.New("widget type cannot be added")
)

// State is the drag state of a Controller
type State int

const (
	StateIdle State = iota
	StateDragging
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDragging:
		return "dragging"
	default:
		return "unknown"
	}
}

// Cell is a grid coordinate
type Cell struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Persister stores a user's committed layout
type Persister interface {
	PersistWidgetLayout(ctx context.Context, layout model.Layout) error
}

// CommitFunc receives every layout the controller commits
type CommitFunc func(layout model.Layout)

// Options tunes a Controller
type Options struct {
	RowHeight float64
	Now       func() time.Time
}

// WidgetView is a placement resolved against the catalog, in grid and pixel units
type WidgetView struct {
	Key      string                 `json:"key"`
	Type     string                 `json:"type"`
	Name     string                 `json:"name"`
	Cell     Cell                   `json:"cell"`
	Width    int                    `json:"width"`
	Height   int                    `json:"height"`
	Left     float64                `json:"left"`
	Top      float64                `json:"top"`
	PxWidth  float64                `json:"pxWidth"`
	PxHeight float64                `json:"pxHeight"`
	Dragged  bool                   `json:"dragged,omitempty"`
	Props    map[string]interface{} `json:"props,omitempty"`
}

// Snapshot is the displayable state of a Controller
type Snapshot struct {
	State           string       `json:"state"`
	EditMode        bool         `json:"editMode"`
	DraggedKey      string       `json:"draggedKey,omitempty"`
	Target          Cell         `json:"target"`
	ContainerHeight float64      `json:"containerHeight"`
	UnitWidth       float64      `json:"unitWidth"`
	Widgets         []WidgetView `json:"widgets"`
}

// Controller implements drag-and-drop editing of a widget layout.
// While dragging, a working copy of the committed layout is rearranged on
// every grid cell change and committed when the pointer is released.
type Controller struct {
	mu sync.Mutex

	catalog   *widget.Catalog
	persister Persister
	onCommit  CommitFunc
	rowHeight float64
	now       func() time.Time

	unitWidth  float64
	offsetLeft float64
	offsetTop  float64

	editMode   bool
	state      State
	committed  model.Layout
	working    model.Layout
	draggedKey string
	dragDX     float64
	dragDY     float64
	target     Cell
}

// NewController creates a layout controller for the given committed layout
func NewController(catalog *widget.Catalog, committed model.Layout, persister Persister, onCommit CommitFunc, opts Options) *Controller {
	if opts.RowHeight <= 0 {
		opts.RowHeight = DefaultRowHeight
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if committed == nil {
		committed = model.Layout{}
	}

	return &Controller{
		catalog:   catalog,
		persister: persister,
		onCommit:  onCommit,
		rowHeight: opts.RowHeight,
		now:       opts.Now,
		committed: committed.Clone(),
		working:   committed.Clone(),
	}
}

// SetCommitted replaces the committed layout after an external change and
// discards the working copy
func (c *Controller) SetCommitted(layout model.Layout) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if layout == nil {
		layout = model.Layout{}
	}
	c.committed = layout.Clone()
	c.working = layout.Clone()
}

// Committed returns a copy of the committed layout
func (c *Controller) Committed() model.Layout {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.committed.Clone()
}

// Resize recomputes the column width from the container width
func (c *Controller) Resize(containerWidth float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unitWidth = containerWidth / Columns
}

// SetContainerOffset records the container's position on the page
func (c *Controller) SetContainerOffset(left, top float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offsetLeft = left
	c.offsetTop = top
}

// MapToGridCoords converts page pixel coordinates to a grid cell
func (c *Controller) MapToGridCoords(x, y float64) Cell {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mapToGridCoords(x, y)
}

func (c *Controller) mapToGridCoords(x, y float64) Cell {
	cell := Cell{}
	if c.unitWidth > 0 {
		cell.X = clamp(int(math.Floor((x-c.offsetLeft)/c.unitWidth)), 0, Columns)
	}
	cell.Y = int(math.Max(0, math.Floor((y-c.offsetTop)/c.rowHeight)))
	return cell
}

// PointerDown starts dragging the widget key. It returns false when not in
// edit mode, already dragging or the key is unknown.
func (c *Controller) PointerDown(key string, x, y float64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.editMode || c.state != StateIdle {
		return false
	}
	w, ok := c.committed[key]
	if !ok {
		return false
	}

	c.working = c.committed.Clone()
	c.draggedKey = key
	c.dragDX = x - float64(w.X)*c.unitWidth - c.offsetLeft
	c.dragDY = y - float64(w.Y)*c.rowHeight - c.offsetTop
	c.target = Cell{X: w.X, Y: w.Y}
	c.state = StateDragging

	slog.Debug("Widget drag started", "key", key, "x", w.X, "y", w.Y)
	return true
}

// PointerMove follows the pointer while dragging and rearranges the working
// layout whenever the targeted cell changes
func (c *Controller) PointerMove(x, y float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateDragging {
		return
	}
	cell := c.mapToGridCoords(x-c.dragDX, y-c.dragDY)
	current := c.working[c.draggedKey]
	if cell.X == current.X && cell.Y == current.Y {
		return
	}
	c.target = cell
	c.placeWidget(c.draggedKey, cell)
}

// PointerUp ends the drag and commits the working layout
func (c *Controller) PointerUp() {
	c.mu.Lock()
	if c.state != StateDragging {
		c.mu.Unlock()
		return
	}
	committed := c.finishDrag()
	c.mu.Unlock()

	c.publish(committed)
}

func (c *Controller) finishDrag() model.Layout {
	slog.Debug("Widget drag finished", "key", c.draggedKey)

	c.committed = c.working.Clone()
	c.draggedKey = ""
	c.state = StateIdle
	return c.committed.Clone()
}

// PlaceWidget moves key to cell within the working layout
func (c *Controller) PlaceWidget(key string, cell Cell) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.placeWidget(key, cell)
}

// placeWidget rebuilds the working layout from the committed one with key
// moved to cell. The widget is kept inside the grid and everything else is
// locked in place while collisions are resolved.
func (c *Controller) placeWidget(key string, cell Cell) {
	w, ok := c.working[key]
	if !ok {
		return
	}
	if w.X == cell.X && w.Y == cell.Y {
		return
	}

	width, _ := c.catalog.Size(w.ID)
	w.X = max(0, min(Columns-width, cell.X))
	w.Y = max(0, cell.Y)

	candidate := c.committed.Clone()
	candidate[key] = w

	locked := make([]string, 0, len(candidate))
	for k := range candidate {
		if k != key {
			locked = append(locked, k)
		}
	}
	c.working = Resolve(candidate, c.catalog, locked)
}

// Move places key at cell and commits the result outside of a drag
func (c *Controller) Move(key string, cell Cell) error {
	c.mu.Lock()
	if c.state == StateDragging {
		c.mu.Unlock()
		return fmt.Errorf("cannot move %s during a drag", key)
	}
	if _, ok := c.committed[key]; !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrWidgetNotFound, key)
	}
	c.working = c.committed.Clone()
	c.placeWidget(key, cell)
	c.committed = c.working.Clone()
	committed := c.committed.Clone()
	c.mu.Unlock()

	c.publish(committed)
	return nil
}

// EditMode reports whether the layout is editable
func (c *Controller) EditMode() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.editMode
}

// SetEditMode switches edit mode. Leaving edit mode persists the committed
// layout and stays in edit mode if that fails. Changes committed while the
// save runs are saved again before edit mode ends.
func (c *Controller) SetEditMode(ctx context.Context, on bool) error {
	c.mu.Lock()
	if on {
		c.editMode = true
		c.mu.Unlock()
		return nil
	}
	if !c.editMode {
		c.mu.Unlock()
		return nil
	}
	var dropped model.Layout
	if c.state == StateDragging {
		dropped = c.finishDrag()
	}
	layout := c.committed.Clone()
	c.mu.Unlock()

	if dropped != nil {
		c.publish(dropped)
	}

	for {
		if c.persister != nil {
			if err := c.persister.PersistWidgetLayout(ctx, layout); err != nil {
				return fmt.Errorf("failed to persist widget layout: %w", err)
			}
		}

		c.mu.Lock()
		if !c.editMode || c.committed.Equal(layout) {
			c.editMode = false
			c.mu.Unlock()
			return nil
		}
		layout = c.committed.Clone()
		c.mu.Unlock()
	}
}

// AddWidget adds a placement under a fresh timestamp key. Existing widgets
// stay where they are and the new one is pushed below any overlap.
func (c *Controller) AddWidget(p model.WidgetPlacement) (string, error) {
	t := c.catalog.Resolve(p.ID)
	if t.ID != p.ID || !t.Creatable {
		return "", fmt.Errorf("%w: %s", ErrNotCreatable, p.ID)
	}

	c.mu.Lock()
	if !c.editMode {
		c.mu.Unlock()
		return "", ErrNotEditing
	}

	key := c.freshKey()
	locked := make([]string, 0, len(c.committed))
	for k := range c.committed {
		locked = append(locked, k)
	}
	p.X = max(0, min(Columns-t.Width, p.X))
	p.Y = max(0, p.Y)

	next := c.committed.Clone()
	next[key] = p
	c.committed = Resolve(next, c.catalog, locked)
	c.working = c.committed.Clone()
	committed := c.committed.Clone()
	c.mu.Unlock()

	c.publish(committed)
	return key, nil
}

func (c *Controller) freshKey() string {
	ms := c.now().UnixMilli()
	for {
		key := strconv.FormatInt(ms, 10)
		if _, taken := c.committed[key]; !taken {
			return key
		}
		ms++
	}
}

// DeleteWidget removes key from the layout and commits the result
func (c *Controller) DeleteWidget(key string) error {
	c.mu.Lock()
	if !c.editMode {
		c.mu.Unlock()
		return ErrNotEditing
	}
	if _, ok := c.working[key]; !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrWidgetNotFound, key)
	}

	next := c.working.Clone()
	delete(next, key)
	c.committed = next
	c.working = next.Clone()
	committed := next.Clone()
	c.mu.Unlock()

	c.publish(committed)
	return nil
}

func (c *Controller) publish(layout model.Layout) {
	if c.onCommit != nil {
		c.onCommit(layout)
	}
}

// ContainerHeight returns the pixel height needed to show the displayed
// layout plus one spare row
func (c *Controller) ContainerHeight() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.containerHeight(c.displayed())
}

func (c *Controller) containerHeight(layout model.Layout) float64 {
	bottom := widget.Unknown.Height
	for _, w := range layout {
		if b := RectOf(c.catalog, w).Bottom(); b > bottom {
			bottom = b
		}
	}
	return float64(bottom+1) * c.rowHeight
}

// displayed is the working copy, which matches the committed layout except
// while a placement is in progress
func (c *Controller) displayed() model.Layout {
	return c.working
}

// Render lists the displayed widgets ordered by position
func (c *Controller) Render() []WidgetView {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.render(c.displayed())
}

func (c *Controller) render(layout model.Layout) []WidgetView {
	views := make([]WidgetView, 0, len(layout))
	for key, w := range layout {
		t := c.catalog.Resolve(w.ID)
		views = append(views, WidgetView{
			Key:      key,
			Type:     t.ID,
			Name:     t.Name,
			Cell:     Cell{X: w.X, Y: w.Y},
			Width:    t.Width,
			Height:   t.Height,
			Left:     float64(w.X) * c.unitWidth,
			Top:      float64(w.Y) * c.rowHeight,
			PxWidth:  float64(t.Width) * c.unitWidth,
			PxHeight: float64(t.Height) * c.rowHeight,
			Dragged:  key == c.draggedKey,
			Props:    w.Props,
		})
	}
	sort.Slice(views, func(i, j int) bool {
		if views[i].Cell.Y != views[j].Cell.Y {
			return views[i].Cell.Y < views[j].Cell.Y
		}
		if views[i].Cell.X != views[j].Cell.X {
			return views[i].Cell.X < views[j].Cell.X
		}
		return views[i].Key < views[j].Key
	})
	return views
}

// Snapshot returns the current displayable state
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	layout := c.displayed()
	return Snapshot{
		State:           c.state.String(),
		EditMode:        c.editMode,
		DraggedKey:      c.draggedKey,
		Target:          c.target,
		ContainerHeight: c.containerHeight(layout),
		UnitWidth:       c.unitWidth,
		Widgets:         c.render(layout),
	}
}

func clamp(v, lo, hi int) int {
	return max(lo, min(hi, v))
}
