package store

import (
	"sync"

	"github.com/dandantas/dcm/internal/model"
)

// LayoutChange is published whenever a user's committed layout is replaced
type LayoutChange struct {
	UserID string
	Layout model.Layout
}

// LayoutStore holds the committed widget layout of each user
type LayoutStore struct {
	mu      sync.RWMutex
	layouts map[string]model.Layout
	subs    subscribers[LayoutChange]
}

// NewLayoutStore creates an empty layout store
func NewLayoutStore() *LayoutStore {
	return &LayoutStore{layouts: make(map[string]model.Layout)}
}

// Layout returns a copy of the user's layout
func (s *LayoutStore) Layout(userID string) (model.Layout, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	layout, ok := s.layouts[userID]
	if !ok {
		return nil, false
	}
	return layout.Clone(), true
}

// SetLayout replaces the user's layout and notifies subscribers
func (s *LayoutStore) SetLayout(userID string, layout model.Layout) {
	if layout == nil {
		layout = model.Layout{}
	}

	s.mu.Lock()
	s.layouts[userID] = layout.Clone()
	s.mu.Unlock()

	s.subs.notify(LayoutChange{UserID: userID, Layout: layout.Clone()})
}

// Subscribe registers fn for layout changes of any user
func (s *LayoutStore) Subscribe(fn func(LayoutChange)) func() {
	return s.subs.add(fn)
}
