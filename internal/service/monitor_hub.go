package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/dandantas/dcm/internal/model"
	"github.com/dandantas/dcm/internal/monitor"
	"github.com/dandantas/dcm/internal/store"
	"github.com/dandantas/dcm/internal/worker"
)

// JobArchiver stores the final job info of finished jobs
type JobArchiver interface {
	Save(ctx context.Context, info *model.JobInfo) error
}

// HubOptions configures a MonitorHub
type HubOptions struct {
	Monitor   monitor.Options
	Scheduler monitor.Scheduler
	// Archive is optional; finished jobs are not archived without it
	Archive        JobArchiver
	ArchiveTimeout time.Duration
	// ArchiveWorkers saves in the background when positive; otherwise
	// saves run on the goroutine that updated the job store
	ArchiveWorkers int
	ArchiveQueue   int
	// ArchiveMemory is how many archived tokens are remembered to skip
	// repeated saves. A forgotten token is saved again, which overwrites
	// the same archive entry.
	ArchiveMemory int
}

// DefaultArchiveMemory is the default of HubOptions.ArchiveMemory
const DefaultArchiveMemory = 10000

// MonitorSession is one monitor bound to one client
type MonitorSession struct {
	ID         string
	Token      string
	Controller *monitor.Controller

	hub  *MonitorHub
	once sync.Once
}

// Close hides the monitor and forgets the session
func (s *MonitorSession) Close() {
	s.once.Do(func() {
		s.Controller.Hide()
		s.hub.remove(s.ID)
	})
}

// MonitorHub creates job monitors for clients and archives every job info
// that reaches a terminal status
type MonitorHub struct {
	jobs    *store.JobStore
	aborter monitor.JobAborter
	opts    HubOptions

	mu       sync.Mutex
	sessions map[string]*MonitorSession
	archived *lru.Cache[string, struct{}]

	pool        *worker.Pool
	unsubscribe func()
}

// NewMonitorHub creates a new monitor hub
func NewMonitorHub(jobs *store.JobStore, aborter monitor.JobAborter, opts HubOptions) *MonitorHub {
	if opts.ArchiveTimeout <= 0 {
		opts.ArchiveTimeout = 10 * time.Second
	}
	if opts.ArchiveMemory <= 0 {
		opts.ArchiveMemory = DefaultArchiveMemory
	}
	// lru.New only fails for a non-positive size
	archived, _ := lru.New[string, struct{}](opts.ArchiveMemory)
	h := &MonitorHub{
		jobs:     jobs,
		aborter:  aborter,
		opts:     opts,
		sessions: make(map[string]*MonitorSession),
		archived: archived,
	}
	if opts.Archive != nil {
		if opts.ArchiveWorkers > 0 {
			if opts.ArchiveQueue <= 0 {
				opts.ArchiveQueue = 100
			}
			h.pool = worker.NewPool(opts.ArchiveWorkers, opts.ArchiveQueue, opts.ArchiveTimeout)
			h.pool.Start()
		}
		h.unsubscribe = jobs.Subscribe(h.archive)
	}
	return h
}

// Open starts monitoring token for a new client
func (h *MonitorHub) Open(token string, scroller monitor.Scroller) *MonitorSession {
	c := monitor.New(monitor.Deps{
		Jobs:      h.jobs,
		Aborter:   h.aborter,
		Scheduler: h.opts.Scheduler,
		Scroller:  scroller,
	}, h.opts.Monitor)

	session := &MonitorSession{
		ID:         uuid.New().String(),
		Token:      token,
		Controller: c,
		hub:        h,
	}

	h.mu.Lock()
	h.sessions[session.ID] = session
	h.mu.Unlock()

	slog.Info("Monitor session opened", "session_id", session.ID, "token", token)
	c.Show(token)
	return session
}

// Session returns an open session by id
func (h *MonitorHub) Session(id string) (*MonitorSession, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[id]
	return s, ok
}

// Count returns the number of open sessions
func (h *MonitorHub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Close hides all monitors, stops archiving and waits for queued saves
func (h *MonitorHub) Close() {
	h.mu.Lock()
	sessions := make([]*MonitorSession, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	if h.unsubscribe != nil {
		h.unsubscribe()
	}
	if h.pool != nil {
		h.pool.Stop()
	}
}

func (h *MonitorHub) remove(id string) {
	h.mu.Lock()
	delete(h.sessions, id)
	h.mu.Unlock()

	slog.Info("Monitor session closed", "session_id", id)
}

// archive saves the job info of token once it is terminal
func (h *MonitorHub) archive(token string) {
	info, ok := h.jobs.JobInfo(token)
	if !ok || !info.Status.IsTerminal() {
		return
	}

	if done, _ := h.archived.ContainsOrAdd(token, struct{}{}); done {
		return
	}

	if h.pool == nil {
		ctx, cancel := context.WithTimeout(context.Background(), h.opts.ArchiveTimeout)
		defer cancel()
		_ = h.save(ctx, info)
		return
	}

	err := h.pool.Submit(worker.Task{
		Name: "archive " + token,
		Run: func(ctx context.Context) error {
			return h.save(ctx, info)
		},
	})
	if err != nil {
		h.unmark(token)
		slog.Warn("Job not queued for archiving", "token", token, "error", err)
	}
}

func (h *MonitorHub) save(ctx context.Context, info *model.JobInfo) error {
	if err := h.opts.Archive.Save(ctx, info); err != nil {
		h.unmark(info.Token)
		slog.Error("Failed to archive job", "token", info.Token, "error", err)
		return err
	}
	slog.Info("Job archived", "token", info.Token, "status", info.Status)
	return nil
}

func (h *MonitorHub) unmark(token string) {
	h.archived.Remove(token)
}
