package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/dandantas/dcm/internal/model"
)

const (
	// DefaultSchedule polls once per second
	DefaultSchedule = "@every 1s"
	// DefaultWatchTTL drops watches nobody asked about for a minute
	DefaultWatchTTL = time.Minute
	// DefaultMaxFailures drops watches after five failed fetches in a row
	DefaultMaxFailures = 5
)

// ConfigFetcher loads job configurations
type ConfigFetcher interface {
	FetchJobConfig(ctx context.Context, id string) (*model.JobConfig, error)
}

// JobRefresher reloads job infos into the shared cache
type JobRefresher interface {
	FetchJobInfo(ctx context.Context, token string, forceReload bool) (*model.JobInfo, error)
}

// Options configures a JobConfigPoller
type Options struct {
	Schedule    string
	Concurrency int
	Timeout     time.Duration
	// WatchTTL is how long a watch lives without Watch or Latest calls
	WatchTTL time.Duration
	// MaxFailures is the number of consecutive failed fetches after which
	// a watch is dropped
	MaxFailures int
	Now         func() time.Time
}

// JobConfigPoller keeps the latest execution of watched job configurations
// fresh. On every scheduled round it fetches each watched configuration and
// force-reloads the job info of its latest execution. Watches expire when
// nobody reads them or when their configuration keeps failing to load.
type JobConfigPoller struct {
	configs     ConfigFetcher
	jobs        JobRefresher
	schedule    cron.Schedule
	expr        string
	timeout     time.Duration
	ttl         time.Duration
	maxFailures int
	now         func() time.Time
	instanceID  string
	semaphore   chan struct{}

	mu      sync.RWMutex
	watched map[string]*watch
	latest  map[string]*model.JobConfig
	running bool

	roundMu  sync.Mutex
	stopChan chan struct{}
	wg       sync.WaitGroup
}

type watch struct {
	seen     time.Time
	failures int
}

var scheduleParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSchedule validates a cron expression or descriptor such as "@every 2s"
func ParseSchedule(expr string) (cron.Schedule, error) {
	schedule, err := scheduleParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid poll schedule '%s': %w", expr, err)
	}
	return schedule, nil
}

// NewJobConfigPoller creates a poller; it does nothing until started
func NewJobConfigPoller(configs ConfigFetcher, jobs JobRefresher, opts Options) (*JobConfigPoller, error) {
	if opts.Schedule == "" {
		opts.Schedule = DefaultSchedule
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.WatchTTL <= 0 {
		opts.WatchTTL = DefaultWatchTTL
	}
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = DefaultMaxFailures
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	schedule, err := ParseSchedule(opts.Schedule)
	if err != nil {
		return nil, err
	}

	instanceID, err := os.Hostname()
	if err != nil {
		instanceID = uuid.New().String()
		slog.Warn("Failed to get hostname, using UUID as poller ID", "poller_id", instanceID)
	}

	return &JobConfigPoller{
		configs:     configs,
		jobs:        jobs,
		schedule:    schedule,
		expr:        opts.Schedule,
		timeout:     opts.Timeout,
		ttl:         opts.WatchTTL,
		maxFailures: opts.MaxFailures,
		now:         opts.Now,
		instanceID:  instanceID,
		semaphore:   make(chan struct{}, opts.Concurrency),
		watched:     make(map[string]*watch),
		latest:      make(map[string]*model.JobConfig),
	}, nil
}

// Watch adds a job configuration to the polled set or renews its watch
func (p *JobConfigPoller) Watch(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w, ok := p.watched[id]; ok {
		w.seen = p.now()
		return
	}
	p.watched[id] = &watch{seen: p.now()}
}

// Unwatch removes a job configuration from the polled set
func (p *JobConfigPoller) Unwatch(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.watched, id)
	delete(p.latest, id)
}

// Watched lists the polled job configurations
func (p *JobConfigPoller) Watched() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, 0, len(p.watched))
	for id := range p.watched {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Latest returns the last fetched configuration and renews its watch
func (p *JobConfigPoller) Latest(id string) (*model.JobConfig, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w, ok := p.watched[id]; ok {
		w.seen = p.now()
	}
	cfg, ok := p.latest[id]
	return cfg, ok
}

// expire drops watches nobody renewed within the TTL
func (p *JobConfigPoller) expire() {
	cutoff := p.now().Add(-p.ttl)

	p.mu.Lock()
	defer p.mu.Unlock()
	for id, w := range p.watched {
		if w.seen.Before(cutoff) {
			delete(p.watched, id)
			delete(p.latest, id)
			slog.Debug("Job config watch expired", "job_config_id", id)
		}
	}
}

// Start begins polling in the background
func (p *JobConfigPoller) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stopChan = make(chan struct{})
	p.mu.Unlock()

	slog.Info("Starting job config poller",
		"poller_id", p.instanceID,
		"schedule", p.expr,
		"concurrency", cap(p.semaphore),
	)

	p.wg.Add(1)
	go p.run(ctx)
}

// Stop ends polling and waits for the current round
func (p *JobConfigPoller) Stop(ctx context.Context) {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopChan)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("Job config poller stopped", "poller_id", p.instanceID)
	case <-ctx.Done():
		slog.Warn("Timeout waiting for job config poll round to complete")
	}
}

func (p *JobConfigPoller) run(ctx context.Context) {
	defer p.wg.Done()

	for {
		now := time.Now()
		timer := time.NewTimer(p.schedule.Next(now).Sub(now))

		select {
		case <-timer.C:
			p.PollOnce(ctx)
		case <-p.stopChan:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

// PollOnce runs one round over all watched configurations. A round that
// starts while another is still running is skipped.
func (p *JobConfigPoller) PollOnce(ctx context.Context) {
	if !p.roundMu.TryLock() {
		slog.Debug("Previous poll round still running, skipping", "poller_id", p.instanceID)
		return
	}
	defer p.roundMu.Unlock()

	p.expire()

	var wg sync.WaitGroup
	for _, id := range p.Watched() {
		select {
		case p.semaphore <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return
		}

		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			defer func() { <-p.semaphore }()
			p.poll(ctx, id)
		}(id)
	}
	wg.Wait()
}

func (p *JobConfigPoller) poll(ctx context.Context, id string) {
	ctxTimeout, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	cfg, err := p.configs.FetchJobConfig(ctxTimeout, id)
	if err != nil {
		slog.Warn("Failed to fetch job config", "job_config_id", id, "error", err)
		p.failed(id)
		return
	}

	p.mu.Lock()
	if w, ok := p.watched[id]; ok {
		w.failures = 0
		p.latest[id] = cfg
	}
	p.mu.Unlock()

	if cfg.LatestExec == "" {
		return
	}
	if _, err := p.jobs.FetchJobInfo(ctxTimeout, cfg.LatestExec, true); err != nil {
		slog.Warn("Failed to refresh latest job execution",
			"job_config_id", id,
			"token", cfg.LatestExec,
			"error", err,
		)
	}
}

// failed counts a failed fetch and drops the watch after too many in a row
func (p *JobConfigPoller) failed(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.watched[id]
	if !ok {
		return
	}
	w.failures++
	if w.failures >= p.maxFailures {
		delete(p.watched, id)
		delete(p.latest, id)
		slog.Warn("Job config watch dropped after repeated failures",
			"job_config_id", id,
			"failures", w.failures,
		)
	}
}
