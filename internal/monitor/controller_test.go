package monitor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dandantas/dcm/internal/model"
	"github.com/dandantas/dcm/internal/store"
)

const testToken = "0f8fad5b-d9cb-469f-a165-70867728950e"

type manualTask struct {
	task      func()
	cancelled bool
}

// manualScheduler runs background work synchronously and ticks on demand
type manualScheduler struct {
	mu    sync.Mutex
	tasks []*manualTask
}

func (s *manualScheduler) Every(_ time.Duration, task func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &manualTask{task: task}
	s.tasks = append(s.tasks, t)
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		t.cancelled = true
	}
}

func (s *manualScheduler) Go(task func()) {
	task()
}

func (s *manualScheduler) Tick(n int) {
	for i := 0; i < n; i++ {
		s.mu.Lock()
		var due []func()
		for _, t := range s.tasks {
			if !t.cancelled {
				due = append(due, t.task)
			}
		}
		s.mu.Unlock()

		for _, fn := range due {
			fn()
		}
	}
}

func (s *manualScheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.tasks {
		if !t.cancelled {
			n++
		}
	}
	return n
}

type stubFetcher struct {
	mu      sync.Mutex
	calls   int
	next    func(call int) (*model.JobInfo, error)
	byToken func(token string) (*model.JobInfo, error)
}

func (f *stubFetcher) FetchJobInfo(_ context.Context, token string) (*model.JobInfo, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()
	if f.byToken != nil {
		return f.byToken(token)
	}
	return f.next(call)
}

func (f *stubFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type stubAborter struct {
	tokens []string
	err    error
}

func (a *stubAborter) AbortJob(_ context.Context, token string) error {
	a.tokens = append(a.tokens, token)
	return a.err
}

type recordingScroller struct {
	events []string
}

func (s *recordingScroller) ScrollToBottom() { s.events = append(s.events, "bottom") }
func (s *recordingScroller) ScrollToTop()    { s.events = append(s.events, "top") }

type harness struct {
	ctrl     *Controller
	sched    *manualScheduler
	fetcher  *stubFetcher
	aborter  *stubAborter
	scroller *recordingScroller
	jobs     *store.JobStore
}

func newHarness(next func(call int) (*model.JobInfo, error)) *harness {
	h := &harness{
		sched:    &manualScheduler{},
		fetcher:  &stubFetcher{next: next},
		aborter:  &stubAborter{},
		scroller: &recordingScroller{},
	}
	h.jobs = store.NewJobStore(h.fetcher)
	h.ctrl = New(Deps{
		Jobs:      h.jobs,
		Aborter:   h.aborter,
		Scheduler: h.sched,
		Scroller:  h.scroller,
	}, Options{})
	return h
}

func jobWithStatus(status model.JobStatus) func(int) (*model.JobInfo, error) {
	return func(int) (*model.JobInfo, error) {
		return &model.JobInfo{Token: testToken, Status: status}, nil
	}
}

func TestPollingStopsOnTerminalStatus(t *testing.T) {
	h := newHarness(func(int) (*model.JobInfo, error) {
		return &model.JobInfo{Token: testToken, Status: model.JobStatusCompleted, Success: model.BoolPtr(true)}, nil
	})

	h.ctrl.Show(testToken)
	if got := h.fetcher.Calls(); got != 1 {
		t.Fatalf("expected one immediate fetch, got %d", got)
	}

	h.sched.Tick(2)

	if got := h.fetcher.Calls(); got != 1 {
		t.Fatalf("expected no fetch after a terminal status, got %d", got)
	}
	if s := h.ctrl.Snapshot(); s.State != StateStopped {
		t.Fatalf("expected stopped, got %s", s.State)
	}
	if h.sched.Active() != 0 {
		t.Fatal("expected the interval to be cancelled")
	}
}

func TestPollingGivesUpAfterConsecutiveFailures(t *testing.T) {
	h := newHarness(func(int) (*model.JobInfo, error) {
		return nil, errors.New("connection refused")
	})

	h.ctrl.Show(testToken)
	if s := h.ctrl.Snapshot(); s.Failures != 0 || s.State != StatePolling {
		t.Fatalf("expected the initial fetch not to count, got state=%s failures=%d", s.State, s.Failures)
	}
	h.sched.Tick(10)

	if got := h.fetcher.Calls(); got != 1+DefaultMaxErrors {
		t.Fatalf("expected the initial fetch plus %d interval fetches, got %d", DefaultMaxErrors, got)
	}

	s := h.ctrl.Snapshot()
	if s.State != StateStoppedOnFailure {
		t.Fatalf("expected stopped on failure, got %s", s.State)
	}
	if !h.ctrl.messages.Has(MessageFetchError) || !h.ctrl.messages.Has(MessageFetchFailed) {
		t.Fatalf("expected both fetch messages, got %+v", s.Messages)
	}
	if len(s.Messages) != 2 {
		t.Fatalf("expected repeated failures to update one message, got %+v", s.Messages)
	}
}

func TestSuccessResetsFailureCounter(t *testing.T) {
	h := newHarness(func(call int) (*model.JobInfo, error) {
		if call%4 == 0 {
			return &model.JobInfo{Token: testToken, Status: model.JobStatusRunning}, nil
		}
		return nil, errors.New("temporarily unavailable")
	})

	h.ctrl.Show(testToken)
	h.sched.Tick(6)

	s := h.ctrl.Snapshot()
	if s.State != StatePolling {
		t.Fatalf("expected to keep polling, got %s", s.State)
	}
	if s.Failures != 3 {
		t.Fatalf("expected 3 consecutive failures since the last success, got %d", s.Failures)
	}
}

func TestSuccessClearsFetchMessages(t *testing.T) {
	fail := true
	h := newHarness(func(int) (*model.JobInfo, error) {
		if fail {
			return nil, errors.New("boom")
		}
		return &model.JobInfo{Token: testToken, Status: model.JobStatusRunning}, nil
	})

	h.ctrl.Show(testToken)
	if !h.ctrl.messages.Has(MessageFetchFailed) {
		t.Fatal("expected a fetch failure message")
	}

	fail = false
	h.sched.Tick(1)
	if len(h.ctrl.Messages()) != 0 {
		t.Fatalf("expected messages cleared, got %+v", h.ctrl.Messages())
	}
}

func TestMalformedTokenDoesNotPoll(t *testing.T) {
	h := newHarness(jobWithStatus(model.JobStatusRunning))

	h.ctrl.Show("too-short")
	h.sched.Tick(3)

	if got := h.fetcher.Calls(); got != 0 {
		t.Fatalf("expected no fetches, got %d", got)
	}
	if s := h.ctrl.Snapshot(); s.State != StateStopped {
		t.Fatalf("expected stopped, got %s", s.State)
	}
}

func TestHideStopsPolling(t *testing.T) {
	h := newHarness(jobWithStatus(model.JobStatusRunning))

	h.ctrl.Show(testToken)
	h.sched.Tick(2)
	h.ctrl.Hide()
	h.sched.Tick(5)

	if got := h.fetcher.Calls(); got != 3 {
		t.Fatalf("expected 3 fetches before hide, got %d", got)
	}
	if h.sched.Active() != 0 {
		t.Fatal("expected no active interval after hide")
	}
}

func TestStaleResultIsIgnored(t *testing.T) {
	var h *harness
	h = newHarness(func(call int) (*model.JobInfo, error) {
		if call == 2 {
			h.ctrl.Hide()
			return nil, errors.New("late failure")
		}
		return &model.JobInfo{Token: testToken, Status: model.JobStatusRunning}, nil
	})

	h.ctrl.Show(testToken)
	h.sched.Tick(1)

	s := h.ctrl.Snapshot()
	if s.Failures != 0 || len(s.Messages) != 0 {
		t.Fatalf("expected late result to be discarded, got failures=%d messages=%+v", s.Failures, s.Messages)
	}
}

func TestReshowResetsFailureState(t *testing.T) {
	h := newHarness(func(int) (*model.JobInfo, error) {
		return nil, errors.New("down")
	})

	h.ctrl.Show(testToken)
	h.sched.Tick(DefaultMaxErrors)
	if h.ctrl.Snapshot().State != StateStoppedOnFailure {
		t.Fatal("expected stopped on failure")
	}

	h.ctrl.Hide()
	h.ctrl.Show(testToken)

	s := h.ctrl.Snapshot()
	if s.State != StatePolling || s.Failures != 0 {
		t.Fatalf("expected a fresh polling session, got state=%s failures=%d", s.State, s.Failures)
	}
	if h.ctrl.messages.Has(MessageFetchError) {
		t.Fatal("expected the give-up message to be cleared")
	}
}

func TestSelectionScrollsAccordingToAutoScroll(t *testing.T) {
	h := newHarness(jobWithStatus(model.JobStatusCompleted))
	h.ctrl.Show(testToken)
	h.scroller.events = nil

	h.ctrl.SelectRecord("rec-1")
	h.ctrl.SelectRecord("rec-1")
	h.ctrl.SetAutoScroll(false)
	h.ctrl.SelectJob()
	h.ctrl.ToggleAutoScroll()
	h.ctrl.SelectImport()

	want := []string{"bottom", "top", "bottom"}
	if strings.Join(h.scroller.events, ",") != strings.Join(want, ",") {
		t.Fatalf("scroll events = %v, want %v", h.scroller.events, want)
	}
	if s := h.ctrl.Snapshot(); !s.Selection.ImportSelected || s.Selection.RecordID != "" {
		t.Fatalf("unexpected selection %+v", s.Selection)
	}
}

func TestUpdatesScrollOnlyWhileSelectionIsActive(t *testing.T) {
	status := model.JobStatusRunning
	completed := false
	h := newHarness(func(int) (*model.JobInfo, error) {
		return &model.JobInfo{
			Token:  testToken,
			Status: status,
			Report: &model.JobReport{Data: model.ReportData{Records: map[string]model.RecordReport{
				"rec-1": {Completed: model.BoolPtr(completed)},
			}}},
		}, nil
	})

	h.ctrl.Show(testToken)
	if len(h.scroller.events) != 1 {
		t.Fatalf("expected a scroll for a running job, got %v", h.scroller.events)
	}

	status = model.JobStatusCompleted
	h.scroller.events = nil
	h.sched.Tick(1)
	if len(h.scroller.events) != 0 {
		t.Fatalf("expected no scroll once the job is finished, got %v", h.scroller.events)
	}

	h.ctrl.SelectRecord("rec-1")
	h.scroller.events = nil
	h.ctrl.Abort(context.Background())
	if len(h.scroller.events) != 1 {
		t.Fatalf("expected a scroll for an incomplete record, got %v", h.scroller.events)
	}

	completed = true
	h.scroller.events = nil
	h.ctrl.Abort(context.Background())
	if len(h.scroller.events) != 0 {
		t.Fatalf("expected no scroll for a completed record, got %v", h.scroller.events)
	}

	h.ctrl.SetAutoScroll(false)
	completed = false
	h.ctrl.Abort(context.Background())
	if len(h.scroller.events) != 0 {
		t.Fatalf("expected no scroll with auto-scroll off, got %v", h.scroller.events)
	}
}

func TestAbortReloadsJobInfo(t *testing.T) {
	h := newHarness(jobWithStatus(model.JobStatusRunning))
	h.ctrl.Show(testToken)

	h.fetcher.next = jobWithStatus(model.JobStatusAborted)
	h.ctrl.Abort(context.Background())

	if len(h.aborter.tokens) != 1 || h.aborter.tokens[0] != testToken {
		t.Fatalf("unexpected abort calls: %v", h.aborter.tokens)
	}
	if got := h.fetcher.Calls(); got != 2 {
		t.Fatalf("expected a forced reload after abort, got %d fetches", got)
	}

	s := h.ctrl.Snapshot()
	if s.Job == nil || s.Job.Status != model.JobStatusAborted {
		t.Fatalf("expected aborted job info, got %+v", s.Job)
	}
	if s.CanAbort {
		t.Fatal("expected abort to be unavailable for an aborted job")
	}

	h.sched.Tick(1)
	if h.ctrl.Snapshot().State != StateStopped {
		t.Fatal("expected polling to stop after the job was aborted")
	}
}

func TestAbortFailureShowsMessage(t *testing.T) {
	h := newHarness(jobWithStatus(model.JobStatusRunning))
	h.aborter.err = errors.New("forbidden")
	h.ctrl.Show(testToken)

	h.ctrl.Abort(context.Background())

	if !h.ctrl.messages.Has(MessageAbortFailed) {
		t.Fatal("expected abort failure message")
	}
	if got := h.fetcher.Calls(); got != 1 {
		t.Fatalf("expected no reload after failed abort, got %d fetches", got)
	}
}

func TestSetTokenRestartsPolling(t *testing.T) {
	h := newHarness(func(int) (*model.JobInfo, error) {
		return &model.JobInfo{Status: model.JobStatusRunning}, nil
	})
	h.ctrl.Show(testToken)

	other := "1f8fad5b-d9cb-469f-a165-70867728950e"
	h.ctrl.SetToken(other)

	if h.sched.Active() != 1 {
		t.Fatalf("expected exactly one active interval, got %d", h.sched.Active())
	}
	if _, ok := h.jobs.JobInfo(other); !ok {
		t.Fatal("expected the new token to be fetched")
	}
}

func TestImportChildIsDetected(t *testing.T) {
	h := newHarness(func(int) (*model.JobInfo, error) {
		return &model.JobInfo{
			Token:  testToken,
			Status: model.JobStatusRunning,
			Report: &model.JobReport{Children: map[string]model.LogEntry{
				"x@import_ips": {Progress: &model.Progress{Status: model.JobStatusRunning}},
			}},
		}, nil
	})

	h.ctrl.Show(testToken)

	s := h.ctrl.Snapshot()
	if s.ImportChildID != "x@import_ips" {
		t.Fatalf("expected import child, got %q", s.ImportChildID)
	}
	if len(s.View.Sidebar) != 2 || s.View.Sidebar[1].Kind != ItemImport {
		t.Fatalf("expected job and import sidebar items, got %+v", s.View.Sidebar)
	}
}

const batchToken = "1f8fad5b-d9cb-469f-a165-70867728950e"

// batchFetcher answers with one info per token of a two job batch
func batchFetcher(first, second model.JobStatus, completed bool) func(string) (*model.JobInfo, error) {
	return func(token string) (*model.JobInfo, error) {
		status := first
		if token == batchToken {
			status = second
		}
		return &model.JobInfo{
			Status:     status,
			Collection: &model.JobCollection{Tokens: []string{testToken, batchToken}, Completed: completed},
		}, nil
	}
}

func TestPollingWaitsForBatchToComplete(t *testing.T) {
	completed := false
	h := newHarness(nil)
	h.fetcher.byToken = func(string) (*model.JobInfo, error) {
		return &model.JobInfo{
			Status:     model.JobStatusCompleted,
			Collection: &model.JobCollection{Tokens: []string{testToken}, Completed: completed},
		}, nil
	}

	h.ctrl.Show(testToken)
	h.sched.Tick(1)
	if got := h.fetcher.Calls(); got != 2 {
		t.Fatalf("expected polling to go on while the batch grows, got %d fetches", got)
	}

	completed = true
	h.sched.Tick(3)
	if got := h.fetcher.Calls(); got != 3 {
		t.Fatalf("expected polling to stop once the batch completed, got %d fetches", got)
	}
	if s := h.ctrl.Snapshot(); s.State != StateStopped {
		t.Fatalf("expected stopped, got %s", s.State)
	}
}

func TestAutoScrollFollowsNewestBatch(t *testing.T) {
	h := newHarness(nil)
	h.fetcher.byToken = batchFetcher(model.JobStatusCompleted, model.JobStatusRunning, false)

	h.ctrl.Show(testToken)

	s := h.ctrl.Snapshot()
	if s.Token != batchToken {
		t.Fatalf("expected to follow the newest batch, got %s", s.Token)
	}
	if s.Batch == nil || s.Batch.Index != 1 || s.Batch.Count != 2 {
		t.Fatalf("unexpected batch %+v", s.Batch)
	}
	if h.sched.Active() != 1 {
		t.Fatalf("expected one active interval, got %d", h.sched.Active())
	}
}

func TestBatchIsNotFollowedWithoutAutoScroll(t *testing.T) {
	h := newHarness(nil)
	h.fetcher.byToken = batchFetcher(model.JobStatusCompleted, model.JobStatusRunning, false)
	h.ctrl.SetAutoScroll(false)

	h.ctrl.Show(testToken)
	if s := h.ctrl.Snapshot(); s.Token != testToken || s.Batch == nil || s.Batch.Index != 0 {
		t.Fatalf("expected to stay on the first batch, got %s %+v", s.Token, s.Batch)
	}

	h.ctrl.SelectBatch(5)
	if got := h.ctrl.Snapshot().Token; got != testToken {
		t.Fatalf("out of range batch must be ignored, got %s", got)
	}

	h.ctrl.SelectBatch(1)
	if got := h.ctrl.Snapshot().Token; got != batchToken {
		t.Fatalf("expected second batch selected, got %s", got)
	}
}

type notFoundError struct{}

func (notFoundError) Error() string  { return "job not found" }
func (notFoundError) NotFound() bool { return true }

func TestNotFoundIsHiddenForInitialToken(t *testing.T) {
	h := newHarness(func(int) (*model.JobInfo, error) {
		return nil, notFoundError{}
	})

	h.ctrl.Show(testToken)
	if !h.ctrl.messages.Has(MessageFetchFailed) {
		t.Fatal("expected the failure to be recorded")
	}
	if msgs := h.ctrl.Snapshot().Messages; len(msgs) != 0 {
		t.Fatalf("expected not-found hidden for the initial token, got %+v", msgs)
	}

	h.ctrl.SetToken(batchToken)
	msgs := h.ctrl.Messages()
	if len(msgs) != 1 || !msgs[0].NotFound {
		t.Fatalf("expected not-found shown for another token, got %+v", msgs)
	}
}
