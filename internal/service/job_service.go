package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dandantas/dcm/internal/model"
	"github.com/dandantas/dcm/internal/report"
	"github.com/dandantas/dcm/internal/store"
)

// JobBackend starts, cancels and describes jobs on the backend
type JobBackend interface {
	SubmitJob(ctx context.Context, jobConfigID string) (string, error)
	AbortJob(ctx context.Context, token string) error
	FetchJobConfig(ctx context.Context, id string) (*model.JobConfig, error)
}

// ConfigWatcher tracks the latest execution of job configurations
type ConfigWatcher interface {
	Watch(id string)
	Latest(id string) (*model.JobConfig, bool)
}

// JobArchive is the read side of the job archive
type JobArchive interface {
	Get(ctx context.Context, token string) (*model.ArchivedJob, error)
	List(ctx context.Context, jobConfigID string, page, limit int) ([]model.ArchivedJob, int64, error)
}

// RecordSummary is one record of a job with its derived state
type RecordSummary struct {
	ID     string        `json:"id"`
	Title  string        `json:"title,omitempty"`
	Status report.Status `json:"status"`
}

// JobDetails is a job info with the statuses derived from its report
type JobDetails struct {
	Info          *model.JobInfo  `json:"info"`
	Status        report.Status   `json:"status"`
	ProcessStatus report.Status   `json:"processStatus"`
	ImportChildID string          `json:"importChildId,omitempty"`
	ImportStatus  report.Status   `json:"importStatus,omitempty"`
	Records       []RecordSummary `json:"records"`
}

// LatestExecution is the latest known job of a job configuration
type LatestExecution struct {
	Config *model.JobConfig `json:"config"`
	Job    *JobDetails      `json:"job,omitempty"`
}

// JobService handles job submission, lookup and archive queries
type JobService struct {
	backend JobBackend
	jobs    *store.JobStore
	watcher ConfigWatcher
	archive JobArchive
}

// NewJobService creates a new job service. watcher and archive are optional.
func NewJobService(backend JobBackend, jobs *store.JobStore, watcher ConfigWatcher, archive JobArchive) *JobService {
	return &JobService{
		backend: backend,
		jobs:    jobs,
		watcher: watcher,
		archive: archive,
	}
}

// Submit starts a job for a job configuration and returns its token
func (s *JobService) Submit(ctx context.Context, jobConfigID string) (string, error) {
	if jobConfigID == "" {
		return "", fmt.Errorf("job config id is required")
	}
	token, err := s.backend.SubmitJob(ctx, jobConfigID)
	if err != nil {
		return "", err
	}
	slog.Info("Job submitted", "job_config_id", jobConfigID, "token", token)
	return token, nil
}

// Details reloads a job and derives its display statuses
func (s *JobService) Details(ctx context.Context, token string) (*JobDetails, error) {
	info, err := s.jobs.FetchJobInfo(ctx, token, true)
	if err != nil {
		return nil, err
	}
	return Describe(info), nil
}

// Abort cancels a job and returns its reloaded details
func (s *JobService) Abort(ctx context.Context, token string) (*JobDetails, error) {
	if err := s.backend.AbortJob(ctx, token); err != nil {
		return nil, fmt.Errorf("failed to abort job '%s': %w", token, err)
	}
	slog.Info("Job aborted", "token", token)
	return s.Details(ctx, token)
}

// Latest returns the latest execution of a job configuration. Until the
// poller has seen the configuration it is fetched directly, and only
// configurations that load are handed to the poller.
func (s *JobService) Latest(ctx context.Context, jobConfigID string) (*LatestExecution, error) {
	var cfg *model.JobConfig
	if s.watcher != nil {
		cfg, _ = s.watcher.Latest(jobConfigID)
	}
	if cfg == nil {
		var err error
		cfg, err = s.backend.FetchJobConfig(ctx, jobConfigID)
		if err != nil {
			return nil, err
		}
		if s.watcher != nil {
			s.watcher.Watch(jobConfigID)
		}
	}

	latest := &LatestExecution{Config: cfg}
	if cfg.LatestExec == "" {
		return latest, nil
	}
	info, err := s.jobs.FetchJobInfo(ctx, cfg.LatestExec, false)
	if err != nil {
		return nil, err
	}
	latest.Job = Describe(info)
	return latest, nil
}

// ArchivedJob returns one archived job
func (s *JobService) ArchivedJob(ctx context.Context, token string) (*model.ArchivedJob, error) {
	if s.archive == nil {
		return nil, ErrArchiveDisabled
	}
	return s.archive.Get(ctx, token)
}

// ArchivedJobs lists archived jobs, newest first
func (s *JobService) ArchivedJobs(ctx context.Context, jobConfigID string, page, limit int) ([]model.ArchivedJob, int64, error) {
	if s.archive == nil {
		return nil, 0, ErrArchiveDisabled
	}
	return s.archive.List(ctx, jobConfigID, page, limit)
}

// Describe derives the display statuses of a job info
func Describe(info *model.JobInfo) *JobDetails {
	d := &JobDetails{
		Info:          info,
		Status:        report.OverallJobStatus(info),
		ProcessStatus: report.StatusPending,
		Records:       []RecordSummary{},
	}
	if info == nil || info.Report == nil {
		return d
	}

	r := info.Report
	d.ProcessStatus = report.ProcessStatus(r)
	if id, ok := report.ImportChildID(r); ok {
		d.ImportChildID = id
		d.ImportStatus = report.ImportStatus(r, id)
	}
	for _, id := range report.RecordIDs(r) {
		record, _ := report.Record(r, id)
		d.Records = append(d.Records, RecordSummary{
			ID:     id,
			Title:  report.RecordTitle(r, id),
			Status: report.RecordStatus(record),
		})
	}
	return d
}
