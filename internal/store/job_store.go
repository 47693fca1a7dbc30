package store

import (
	"context"
	"fmt"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/dandantas/dcm/internal/model"
)

// DefaultMaxJobs is the number of job infos a JobStore keeps by default
const DefaultMaxJobs = 1000

// JobFetcher loads job infos from the backend
type JobFetcher interface {
	FetchJobInfo(ctx context.Context, token string) (*model.JobInfo, error)
}

// JobStore is an in-memory cache of job infos keyed by token.
// Entries are replaced wholesale; the last successful fetch wins. The least
// recently used entry is evicted once the store is full.
type JobStore struct {
	jobs    *lru.Cache[string, *model.JobInfo]
	fetcher JobFetcher
	subs    subscribers[string]
}

// NewJobStore creates a job store backed by fetcher holding up to
// DefaultMaxJobs entries
func NewJobStore(fetcher JobFetcher) *JobStore {
	return NewJobStoreSize(fetcher, DefaultMaxJobs)
}

// NewJobStoreSize creates a job store holding up to maxJobs entries
func NewJobStoreSize(fetcher JobFetcher, maxJobs int) *JobStore {
	if maxJobs <= 0 {
		maxJobs = DefaultMaxJobs
	}
	// lru.New only fails for a non-positive size
	jobs, _ := lru.New[string, *model.JobInfo](maxJobs)
	return &JobStore{
		jobs:    jobs,
		fetcher: fetcher,
	}
}

// JobInfo returns the cached job info for token
func (s *JobStore) JobInfo(token string) (*model.JobInfo, bool) {
	return s.jobs.Get(token)
}

// Len returns the number of cached job infos
func (s *JobStore) Len() int {
	return s.jobs.Len()
}

// Put stores a job info and notifies subscribers
func (s *JobStore) Put(info *model.JobInfo) {
	if info == nil || info.Token == "" {
		return
	}

	if evicted := s.jobs.Add(info.Token, info); evicted {
		slog.Debug("Job store full, evicted least recently used job info", "size", s.jobs.Len())
	}

	s.subs.notify(info.Token)
}

// Delete removes a job info
func (s *JobStore) Delete(token string) {
	s.jobs.Remove(token)
}

// FetchJobInfo returns the job info for token. A cached entry is returned
// unless forceReload is set; otherwise the backend is asked and the result
// replaces the cached entry.
func (s *JobStore) FetchJobInfo(ctx context.Context, token string, forceReload bool) (*model.JobInfo, error) {
	if !forceReload {
		if info, ok := s.JobInfo(token); ok {
			return info, nil
		}
	}

	info, err := s.fetcher.FetchJobInfo(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch job '%s': %w", token, err)
	}
	if info.Token == "" {
		info.Token = token
	}

	slog.Debug("Job info fetched", "token", token, "status", info.Status)

	s.Put(info)
	return info, nil
}

// Subscribe registers fn to be called with the token of every updated job.
// The returned function removes the subscription.
func (s *JobStore) Subscribe(fn func(token string)) func() {
	return s.subs.add(fn)
}
