package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dandantas/dcm/internal/database"
	"github.com/dandantas/dcm/internal/layout"
	"github.com/dandantas/dcm/internal/model"
	"github.com/dandantas/dcm/internal/store"
	"github.com/dandantas/dcm/internal/widget"
)

// LayoutRepository persists widget layouts per user
type LayoutRepository interface {
	Get(ctx context.Context, userID string) (*model.StoredLayout, error)
	Put(ctx context.Context, userID string, layout model.Layout) error
}

// LayoutService loads and saves widget layouts and owns one layout
// controller per user. Committed layouts are shared through the LayoutStore
// so every session of a user sees the same layout. A controller lives while
// it is in use and is dropped once its last user releases it outside edit
// mode.
type LayoutService struct {
	repo    LayoutRepository
	store   *store.LayoutStore
	catalog *widget.Catalog
	opts    layout.Options

	mu          sync.Mutex
	controllers map[string]*controllerEntry
	unsubscribe func()
}

type controllerEntry struct {
	ctrl *layout.Controller
	refs int
	// edit serializes REST edits of one user
	edit sync.Mutex
}

// NewLayoutService creates a new layout service
func NewLayoutService(repo LayoutRepository, layouts *store.LayoutStore, catalog *widget.Catalog, opts layout.Options) *LayoutService {
	s := &LayoutService{
		repo:        repo,
		store:       layouts,
		catalog:     catalog,
		opts:        opts,
		controllers: make(map[string]*controllerEntry),
	}
	s.unsubscribe = layouts.Subscribe(s.layoutChanged)
	return s
}

// Close stops following layout changes
func (s *LayoutService) Close() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
}

// Catalog returns the widget catalog used for all layouts
func (s *LayoutService) Catalog() *widget.Catalog {
	return s.catalog
}

// Layout returns the committed layout of a user, loading it on first use.
// Users without a stored layout start with an empty one.
func (s *LayoutService) Layout(ctx context.Context, userID string) (model.Layout, error) {
	if l, ok := s.store.Layout(userID); ok {
		return l, nil
	}

	stored, err := s.repo.Get(ctx, userID)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return nil, fmt.Errorf("failed to load layout of user '%s': %w", userID, err)
	}

	l := model.Layout{}
	if stored != nil {
		l = stored.Widgets
	}
	s.store.SetLayout(userID, l)
	return l.Clone(), nil
}

// Save overwrites the layout of a user. Overlaps are resolved before the
// layout is stored.
func (s *LayoutService) Save(ctx context.Context, userID string, l model.Layout) (model.Layout, error) {
	if l == nil {
		l = model.Layout{}
	}
	resolved := layout.Resolve(l.Clone(), s.catalog, nil)

	if err := s.repo.Put(ctx, userID, resolved); err != nil {
		return nil, fmt.Errorf("failed to save layout of user '%s': %w", userID, err)
	}
	s.store.SetLayout(userID, resolved)

	slog.Info("Widget layout saved", "user_id", userID, "widgets", len(resolved))
	return resolved.Clone(), nil
}

// Controller returns the layout controller of a user. The caller must call
// release when done with it.
func (s *LayoutService) Controller(ctx context.Context, userID string) (*layout.Controller, func(), error) {
	e, err := s.acquire(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	var once sync.Once
	return e.ctrl, func() { once.Do(func() { s.release(userID, e) }) }, nil
}

// Controllers returns the number of live layout controllers
func (s *LayoutService) Controllers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.controllers)
}

func (s *LayoutService) acquire(ctx context.Context, userID string) (*controllerEntry, error) {
	s.mu.Lock()
	if e, ok := s.controllers[userID]; ok {
		e.refs++
		s.mu.Unlock()
		return e, nil
	}
	s.mu.Unlock()

	committed, err := s.Layout(ctx, userID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.controllers[userID]
	if !ok {
		e = &controllerEntry{ctrl: layout.NewController(
			s.catalog,
			committed,
			userPersister{repo: s.repo, userID: userID},
			func(l model.Layout) { s.store.SetLayout(userID, l) },
			s.opts,
		)}
		s.controllers[userID] = e
	}
	e.refs++
	return e, nil
}

// release drops a controller once nobody uses it. A controller left in edit
// mode stays until a later session closes it.
func (s *LayoutService) release(userID string, e *controllerEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e.refs--
	if e.refs > 0 || e.ctrl.EditMode() {
		return
	}
	if s.controllers[userID] == e {
		delete(s.controllers, userID)
		slog.Debug("Layout controller released", "user_id", userID)
	}
}

// AddWidget adds a widget to a user's layout. Outside an edit session the
// change is persisted right away.
func (s *LayoutService) AddWidget(ctx context.Context, userID string, p model.WidgetPlacement) (string, model.Layout, error) {
	var key string
	l, err := s.edit(ctx, userID, func(c *layout.Controller) error {
		var err error
		key, err = c.AddWidget(p)
		return err
	})
	if err != nil {
		return "", nil, err
	}
	return key, l, nil
}

// DeleteWidget removes a widget from a user's layout
func (s *LayoutService) DeleteWidget(ctx context.Context, userID, key string) (model.Layout, error) {
	return s.edit(ctx, userID, func(c *layout.Controller) error {
		return c.DeleteWidget(key)
	})
}

// MoveWidget places a widget at cell, pushing overlapped widgets down
func (s *LayoutService) MoveWidget(ctx context.Context, userID, key string, cell layout.Cell) (model.Layout, error) {
	return s.edit(ctx, userID, func(c *layout.Controller) error {
		return c.Move(key, cell)
	})
}

// edit runs fn in edit mode. When the user has no open edit session, one is
// opened for fn and closed afterwards, which persists the result. Edits of
// one user run one at a time so a closing edit never hides a newer one.
func (s *LayoutService) edit(ctx context.Context, userID string, fn func(c *layout.Controller) error) (model.Layout, error) {
	e, err := s.acquire(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer s.release(userID, e)

	e.edit.Lock()
	defer e.edit.Unlock()

	c := e.ctrl
	session := c.EditMode()
	if !session {
		if err := c.SetEditMode(ctx, true); err != nil {
			return nil, err
		}
	}

	opErr := fn(c)

	if !session {
		if err := c.SetEditMode(ctx, false); err != nil {
			return nil, err
		}
	}
	if opErr != nil {
		return nil, opErr
	}
	return c.Committed(), nil
}

// Watch calls fn with every new committed layout of userID. Controllers are
// synced before fn runs.
func (s *LayoutService) Watch(userID string, fn func(model.Layout)) (unwatch func()) {
	return s.store.Subscribe(func(change store.LayoutChange) {
		if change.UserID == userID {
			fn(change.Layout)
		}
	})
}

// layoutChanged brings a user's controller in line with the shared layout
func (s *LayoutService) layoutChanged(change store.LayoutChange) {
	s.mu.Lock()
	e, ok := s.controllers[change.UserID]
	s.mu.Unlock()
	if !ok {
		return
	}
	c := e.ctrl
	if c.Committed().Equal(change.Layout) {
		return
	}
	c.SetCommitted(change.Layout)
	slog.Debug("Layout controller synced with shared layout", "user_id", change.UserID)
}

// userPersister stores one user's layout when an edit session ends
type userPersister struct {
	repo   LayoutRepository
	userID string
}

func (p userPersister) PersistWidgetLayout(ctx context.Context, l model.Layout) error {
	return p.repo.Put(ctx, p.userID, l)
}
