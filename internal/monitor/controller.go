// Package monitor follows the execution of a single job by polling its job
// info and keeps the selection and scroll state of a monitor view.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/dandantas/dcm/internal/model"
	"github.com/dandantas/dcm/internal/report"
)

// State is the polling state of a Controller
type State string

const (
	StateStopped          State = "stopped"
	StatePolling          State = "polling"
	StateStoppedOnFailure State = "stopped_on_failure"
)

const (
	DefaultInterval     = 1000 * time.Millisecond
	DefaultMaxErrors    = 5
	DefaultFetchTimeout = 30 * time.Second
)

// JobSource provides cached and fresh job infos
type JobSource interface {
	FetchJobInfo(ctx context.Context, token string, forceReload bool) (*model.JobInfo, error)
	JobInfo(token string) (*model.JobInfo, bool)
	Subscribe(fn func(token string)) (unsubscribe func())
}

// JobAborter cancels job executions
type JobAborter interface {
	AbortJob(ctx context.Context, token string) error
}

// Scroller moves the log viewport of the monitor view
type Scroller interface {
	ScrollToBottom()
	ScrollToTop()
}

// Deps are the collaborators of a Controller. Scroller is optional.
type Deps struct {
	Jobs      JobSource
	Aborter   JobAborter
	Scheduler Scheduler
	Scroller  Scroller
}

// Options tunes polling
type Options struct {
	Interval     time.Duration
	MaxErrors    int
	TokenLength  int
	FetchTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.MaxErrors <= 0 {
		o.MaxErrors = DefaultMaxErrors
	}
	if o.TokenLength <= 0 {
		o.TokenLength = model.TokenLength
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = DefaultFetchTimeout
	}
	return o
}

// Snapshot is the displayable state of a Controller
type Snapshot struct {
	Token         string         `json:"token"`
	Shown         bool           `json:"shown"`
	State         State          `json:"state"`
	Failures      int            `json:"failures"`
	AutoScroll    bool           `json:"autoScroll"`
	Selection     Selection      `json:"selection"`
	ImportChildID string         `json:"importChildId,omitempty"`
	Aborting      bool           `json:"aborting"`
	CanAbort      bool           `json:"canAbort"`
	Messages      []Message      `json:"messages"`
	Batch         *Batch         `json:"batch,omitempty"`
	Job           *model.JobInfo `json:"job,omitempty"`
	View          View           `json:"view"`
}

// Batch locates the monitored job within a batch of several executions.
// Index is -1 when the job is missing from its own collection.
type Batch struct {
	Index     int  `json:"index"`
	Count     int  `json:"count"`
	Completed bool `json:"completed"`
}

type fetchKind int

const (
	// fetchInitial opens a polling session and does not count failures
	fetchInitial fetchKind = iota
	// fetchPoll is issued by the interval and counts failures
	fetchPoll
	// fetchReload refreshes after an abort, outside the polling cycle
	fetchReload
)

// Controller polls the job info of one token while the monitor is shown.
//
// Polling starts on Show with a well-formed token: one immediate fetch,
// then one fetch per interval. It stops once the cached job is finished,
// including the rest of its batch, or after MaxErrors consecutive failed
// interval fetches. Results of fetches issued before the last Show,
// SetToken or Hide are discarded. While auto-scroll is on the controller
// follows a growing batch to its newest execution.
type Controller struct {
	mu sync.Mutex

	jobs     JobSource
	aborter  JobAborter
	sched    Scheduler
	scroller Scroller
	opts     Options
	messages *MessageBoard

	shown        bool
	token        string
	initialToken string
	state        State
	gen          uint64
	failures     int
	inFlight     bool
	cancelTick   func()
	unsubscribe  func()

	selection     Selection
	importChildID string
	autoScroll    bool
	aborting      bool

	onChange func()
}

// New creates a hidden, stopped controller
func New(deps Deps, opts Options) *Controller {
	if deps.Scheduler == nil {
		deps.Scheduler = TickerScheduler{}
	}
	return &Controller{
		jobs:       deps.Jobs,
		aborter:    deps.Aborter,
		sched:      deps.Scheduler,
		scroller:   deps.Scroller,
		opts:       opts.withDefaults(),
		messages:   &MessageBoard{},
		state:      StateStopped,
		autoScroll: true,
	}
}

// OnChange registers fn to be called after every state change
func (c *Controller) OnChange(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = fn
}

// SetScroller replaces the scroller
func (c *Controller) SetScroller(s Scroller) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scroller = s
}

// Show opens the monitor for token, clearing messages and any previous
// failure state
func (c *Controller) Show(token string) {
	c.mu.Lock()
	c.shown = true
	c.token = token
	c.initialToken = token
	c.messages.Clear()
	first := c.restartLocked()
	c.mu.Unlock()

	c.start(first)
	c.changed()
}

// Hide closes the monitor. No further fetches are issued and pending
// results are ignored.
func (c *Controller) Hide() {
	c.mu.Lock()
	if !c.shown {
		c.mu.Unlock()
		return
	}
	c.shown = false
	c.gen++
	c.stopLocked(StateStopped)
	c.unsubscribeLocked()
	token := c.token
	c.mu.Unlock()

	slog.Debug("Job monitor hidden", "token", token)
	c.changed()
}

// SetToken switches the monitored job
func (c *Controller) SetToken(token string) {
	c.mu.Lock()
	if token == c.token {
		c.mu.Unlock()
		return
	}
	c.token = token
	c.messages.Remove(MessageFetchFailed, MessageFetchError, MessageAbortFailed)
	first := c.restartLocked()
	c.mu.Unlock()

	c.start(first)
	c.changed()
}

// restartLocked ends the current polling session and prepares a new one.
// It returns the initial fetch to run, if polling started.
func (c *Controller) restartLocked() func() {
	c.gen++
	c.stopLocked(StateStopped)
	c.unsubscribeLocked()
	c.failures = 0
	c.inFlight = false
	c.importChildID = ""
	c.selection = Selection{}

	if !c.shown || len(c.token) != c.opts.TokenLength {
		if c.shown {
			slog.Debug("Not polling malformed job token", "token", c.token)
		}
		return nil
	}

	gen, token := c.gen, c.token
	if info, ok := c.jobs.JobInfo(token); ok {
		c.importChildID, _ = report.ImportChildID(info.Report)
	}
	c.unsubscribe = c.jobs.Subscribe(c.jobUpdated)
	c.cancelTick = c.sched.Every(c.opts.Interval, func() { c.tick(gen) })
	c.state = StatePolling
	c.inFlight = true

	slog.Info("Job monitor polling started", "token", token, "interval", c.opts.Interval)

	return func() { c.fetch(gen, token, fetchInitial) }
}

func (c *Controller) start(first func()) {
	if first != nil {
		c.sched.Go(first)
	}
}

func (c *Controller) stopLocked(state State) {
	if c.cancelTick != nil {
		c.cancelTick()
		c.cancelTick = nil
	}
	c.state = state
}

func (c *Controller) unsubscribeLocked() {
	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}
}

// tick runs once per interval. A finished job stops polling before another
// fetch is issued.
func (c *Controller) tick(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.state != StatePolling || c.inFlight {
		c.mu.Unlock()
		return
	}
	token := c.token
	if info, ok := c.jobs.JobInfo(token); ok && info.Finished() {
		c.stopLocked(StateStopped)
		c.mu.Unlock()

		slog.Info("Job finished, monitor polling stopped", "token", token, "status", info.Status)
		c.changed()
		return
	}
	c.inFlight = true
	c.mu.Unlock()

	c.fetch(gen, token, fetchPoll)
}

// fetch force-reloads the job info. Only interval fetches count towards
// the failure threshold.
func (c *Controller) fetch(gen uint64, token string, kind fetchKind) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.FetchTimeout)
	_, err := c.jobs.FetchJobInfo(ctx, token, true)
	cancel()

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		slog.Debug("Discarding job info result of a closed monitor session", "token", token)
		return
	}
	if kind != fetchReload {
		c.inFlight = false
	}

	if err == nil {
		c.failures = 0
		c.messages.Remove(MessageFetchFailed, MessageFetchError)
		c.mu.Unlock()
		c.changed()
		return
	}

	c.messages.PushError(MessageFetchFailed, err)
	if kind == fetchPoll && c.state == StatePolling {
		c.failures++
		slog.Warn("Failed to fetch job info",
			"token", token,
			"consecutive_failures", c.failures,
			"error", err,
		)
		if c.failures >= c.opts.MaxErrors {
			c.stopLocked(StateStoppedOnFailure)
			c.messages.Push(MessageFetchError, fmt.Sprintf(
				"Fetching results for job '%s' failed repeatedly. Please try again later.", token))
			slog.Error("Giving up on job info polling", "token", token, "failures", c.failures)
		}
	}
	c.mu.Unlock()
	c.changed()
}

// jobUpdated reacts to new job infos in the store
func (c *Controller) jobUpdated(token string) {
	c.mu.Lock()
	if !c.shown || token != c.token {
		c.mu.Unlock()
		return
	}
	info, ok := c.jobs.JobInfo(token)
	if !ok {
		c.mu.Unlock()
		return
	}
	var next string
	var follow bool
	if c.autoScroll {
		next, follow = info.Collection.NextBatch(token)
	}
	if c.importChildID == "" {
		c.importChildID, _ = report.ImportChildID(info.Report)
	}
	scroll := c.autoScroll && !c.selectionSettledLocked(info)
	scroller := c.scroller
	c.mu.Unlock()

	if follow {
		slog.Info("Following newest batch of job", "token", token, "next", next)
		c.SetToken(next)
		return
	}

	if scroll && scroller != nil {
		scroller.ScrollToBottom()
	}
	c.changed()
}

// selectionSettledLocked reports whether the selected view no longer changes
func (c *Controller) selectionSettledLocked(info *model.JobInfo) bool {
	if c.selection.RecordID != "" {
		record, _ := report.Record(info.Report, c.selection.RecordID)
		return record.IsCompleted()
	}
	if c.selection.ImportSelected {
		return !report.ImportRunning(info.Report, c.importChildID)
	}
	return info.Status != model.JobStatusRunning
}

// SelectRecord shows the timeline of one record
func (c *Controller) SelectRecord(recordID string) {
	c.selectView(Selection{RecordID: recordID})
}

// SelectJob shows the job-level timeline
func (c *Controller) SelectJob() {
	c.selectView(Selection{})
}

// SelectImport shows the import step
func (c *Controller) SelectImport() {
	c.selectView(Selection{ImportSelected: true})
}

func (c *Controller) selectView(sel Selection) {
	c.mu.Lock()
	if c.selection == sel {
		c.mu.Unlock()
		return
	}
	c.selection = sel
	bottom := c.autoScroll
	scroller := c.scroller
	c.mu.Unlock()

	if scroller != nil {
		if bottom {
			scroller.ScrollToBottom()
		} else {
			scroller.ScrollToTop()
		}
	}
	c.changed()
}

// SelectBatch switches to the execution at index of the monitored job's
// batch
func (c *Controller) SelectBatch(index int) {
	c.mu.Lock()
	info, ok := c.jobs.JobInfo(c.token)
	c.mu.Unlock()
	if !ok || info.Collection == nil || index < 0 || index >= len(info.Collection.Tokens) {
		return
	}
	c.SetToken(info.Collection.Tokens[index])
}

// SetAutoScroll enables or disables following new log lines
func (c *Controller) SetAutoScroll(on bool) {
	c.mu.Lock()
	changed := c.autoScroll != on
	c.autoScroll = on
	c.mu.Unlock()

	if changed {
		c.changed()
	}
}

// ToggleAutoScroll flips auto-scroll
func (c *Controller) ToggleAutoScroll() {
	c.mu.Lock()
	c.autoScroll = !c.autoScroll
	c.mu.Unlock()
	c.changed()
}

// Abort asks the backend to cancel the job and reloads its info on
// success. Failures are shown as a message.
func (c *Controller) Abort(ctx context.Context) {
	c.mu.Lock()
	token, gen := c.token, c.gen
	if len(token) != c.opts.TokenLength || c.aborting {
		c.mu.Unlock()
		return
	}
	c.aborting = true
	c.mu.Unlock()
	c.changed()

	slog.Info("Aborting job", "token", token)
	err := c.aborter.AbortJob(ctx, token)

	c.mu.Lock()
	c.aborting = false
	stale := gen != c.gen
	if !stale {
		if err != nil {
			c.messages.Push(MessageAbortFailed, fmt.Sprintf("Aborting job '%s' failed: %v", token, err))
		} else {
			c.messages.Remove(MessageAbortFailed)
		}
	}
	c.mu.Unlock()

	if err != nil {
		slog.Error("Failed to abort job", "token", token, "error", err)
	}
	if err == nil && !stale {
		c.fetch(gen, token, fetchReload)
		return
	}
	c.changed()
}

// Messages returns the messages to show. Not-found errors of the token the
// monitor was opened with are left out since a freshly submitted job may
// not be known to the backend yet.
func (c *Controller) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.visibleMessagesLocked()
}

func (c *Controller) visibleMessagesLocked() []Message {
	return c.messages.Visible(c.token == c.initialToken)
}

// Snapshot returns the current displayable state
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Snapshot{
		Token:         c.token,
		Shown:         c.shown,
		State:         c.state,
		Failures:      c.failures,
		AutoScroll:    c.autoScroll,
		Selection:     c.selection,
		ImportChildID: c.importChildID,
		Aborting:      c.aborting,
		Messages:      c.visibleMessagesLocked(),
	}
	if info, ok := c.jobs.JobInfo(c.token); ok {
		s.Job = info
		s.CanAbort = !c.aborting && (info.Status == model.JobStatusQueued || info.Status == model.JobStatusRunning)
		if col := info.Collection; col != nil && len(col.Tokens) > 1 {
			s.Batch = &Batch{
				Index:     slices.Index(col.Tokens, c.token),
				Count:     len(col.Tokens),
				Completed: col.Completed,
			}
		}
	}
	s.View = BuildView(s.Job, c.importChildID, c.selection)
	return s
}

func (c *Controller) changed() {
	c.mu.Lock()
	fn := c.onChange
	c.mu.Unlock()

	if fn != nil {
		fn()
	}
}
