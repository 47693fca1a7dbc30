package store

import (
	"context"
	"errors"
	"testing"

	"github.com/dandantas/dcm/internal/model"
)

type countingFetcher struct {
	calls int
	info  *model.JobInfo
	err   error
}

func (f *countingFetcher) FetchJobInfo(_ context.Context, token string) (*model.JobInfo, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	info := *f.info
	return &info, nil
}

func TestJobStoreFetchUsesCacheUnlessForced(t *testing.T) {
	fetcher := &countingFetcher{info: &model.JobInfo{Token: "t1", Status: model.JobStatusRunning}}
	s := NewJobStore(fetcher)
	ctx := context.Background()

	if _, err := s.FetchJobInfo(ctx, "t1", false); err != nil {
		t.Fatalf("FetchJobInfo: %v", err)
	}
	if _, err := s.FetchJobInfo(ctx, "t1", false); err != nil {
		t.Fatalf("FetchJobInfo: %v", err)
	}
	if fetcher.calls != 1 {
		t.Fatalf("expected one backend call with cache, got %d", fetcher.calls)
	}

	fetcher.info = &model.JobInfo{Token: "t1", Status: model.JobStatusCompleted}
	info, err := s.FetchJobInfo(ctx, "t1", true)
	if err != nil {
		t.Fatalf("FetchJobInfo: %v", err)
	}
	if fetcher.calls != 2 || info.Status != model.JobStatusCompleted {
		t.Fatalf("expected forced reload, calls=%d status=%s", fetcher.calls, info.Status)
	}
	if cached, _ := s.JobInfo("t1"); cached.Status != model.JobStatusCompleted {
		t.Fatalf("expected cache replaced, got %s", cached.Status)
	}
}

func TestJobStoreFetchErrorKeepsCache(t *testing.T) {
	fetcher := &countingFetcher{err: errors.New("boom")}
	s := NewJobStore(fetcher)
	s.Put(&model.JobInfo{Token: "t1", Status: model.JobStatusRunning})

	_, err := s.FetchJobInfo(context.Background(), "t1", true)
	if err == nil || !errors.Is(err, fetcher.err) {
		t.Fatalf("expected wrapped fetch error, got %v", err)
	}
	if cached, ok := s.JobInfo("t1"); !ok || cached.Status != model.JobStatusRunning {
		t.Fatal("expected cached entry to survive a failed fetch")
	}
}

func TestJobStoreNotifiesSubscribers(t *testing.T) {
	s := NewJobStore(&countingFetcher{})

	var got []string
	unsubscribe := s.Subscribe(func(token string) { got = append(got, token) })

	s.Put(&model.JobInfo{Token: "a"})
	s.Put(nil)
	s.Put(&model.JobInfo{})
	unsubscribe()
	unsubscribe()
	s.Put(&model.JobInfo{Token: "b"})

	if len(got) != 1 || got[0] != "a" {
		t.Fatalf("unexpected notifications: %v", got)
	}
}

func TestJobStoreEvictsLeastRecentlyUsed(t *testing.T) {
	s := NewJobStoreSize(&countingFetcher{}, 2)

	s.Put(&model.JobInfo{Token: "t1"})
	s.Put(&model.JobInfo{Token: "t2"})
	if _, ok := s.JobInfo("t1"); !ok {
		t.Fatal("expected t1 cached")
	}
	s.Put(&model.JobInfo{Token: "t3"})

	if s.Len() != 2 {
		t.Fatalf("expected the store capped at 2, got %d", s.Len())
	}
	if _, ok := s.JobInfo("t2"); ok {
		t.Fatal("expected the least recently read t2 evicted")
	}
	if _, ok := s.JobInfo("t1"); !ok {
		t.Fatal("expected recently read t1 kept")
	}

	s.Delete("t1")
	if _, ok := s.JobInfo("t1"); ok {
		t.Fatal("expected t1 deleted")
	}
}

func TestLayoutStore(t *testing.T) {
	s := NewLayoutStore()

	if _, ok := s.Layout("u1"); ok {
		t.Fatal("expected no layout for unknown user")
	}

	var changes []LayoutChange
	s.Subscribe(func(c LayoutChange) { changes = append(changes, c) })

	layout := model.Layout{"w": {ID: "demo", X: 1, Y: 2}}
	s.SetLayout("u1", layout)
	layout["w"] = model.WidgetPlacement{ID: "demo", X: 9, Y: 9}

	stored, ok := s.Layout("u1")
	if !ok || stored["w"].X != 1 {
		t.Fatalf("expected stored copy unaffected by caller mutation, got %+v", stored)
	}
	if len(changes) != 1 || changes[0].UserID != "u1" {
		t.Fatalf("unexpected changes: %+v", changes)
	}
}
