package model

import "time"

// JobStatus is the execution status reported by the backend for a job token
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusAborted   JobStatus = "aborted"
)

// IsTerminal reports whether no further progress is expected for the job
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusAborted
}

// TriggerType describes how a job execution was started
type TriggerType string

const (
	TriggerManual    TriggerType = "manual"
	TriggerOnetime   TriggerType = "onetime"
	TriggerScheduled TriggerType = "scheduled"
	TriggerTest      TriggerType = "test"
)

// Log severities used as keys of LogEntry.Log
const (
	SeverityInfo    = "INFO"
	SeverityWarning = "WARNING"
	SeverityError   = "ERROR"
)

// Severities lists the log severities in presentation order
var Severities = []string{SeverityInfo, SeverityWarning, SeverityError}

// TokenLength is the length of a well-formed job token
const TokenLength = 36

// JobInfo is the backend's description of one job execution.
// It is replaced wholesale on every successful fetch.
type JobInfo struct {
	Token             string         `json:"token" bson:"token"`
	JobConfigID       string         `json:"jobConfigId,omitempty" bson:"job_config_id,omitempty"`
	UserTriggered     string         `json:"userTriggered,omitempty" bson:"user_triggered,omitempty"`
	WorkspaceID       string         `json:"workspaceId,omitempty" bson:"workspace_id,omitempty"`
	TemplateID        string         `json:"templateId,omitempty" bson:"template_id,omitempty"`
	Status            JobStatus      `json:"status,omitempty" bson:"status,omitempty"`
	TriggerType       TriggerType    `json:"triggerType,omitempty" bson:"trigger_type,omitempty"`
	DatetimeTriggered string         `json:"datetimeTriggered,omitempty" bson:"datetime_triggered,omitempty"`
	DatetimeStarted   string         `json:"datetimeStarted,omitempty" bson:"datetime_started,omitempty"`
	DatetimeEnded     string         `json:"datetimeEnded,omitempty" bson:"datetime_ended,omitempty"`
	Success           *bool          `json:"success,omitempty" bson:"success,omitempty"`
	Report            *JobReport     `json:"report,omitempty" bson:"report,omitempty"`
	Collection        *JobCollection `json:"collection,omitempty" bson:"collection,omitempty"`
}

// JobCollection links the executions of a batch job. Tokens are listed in
// submission order and Completed is set once no further batch follows.
type JobCollection struct {
	Tokens    []string `json:"tokens" bson:"tokens"`
	Completed bool     `json:"completed" bson:"completed"`
}

// Finished reports whether the job and the batch it belongs to are done
func (i *JobInfo) Finished() bool {
	return i.Status.IsTerminal() && (i.Collection == nil || i.Collection.Completed)
}

// NextBatch returns the token submitted after token while the batch is
// still growing and token is the second to last one
func (c *JobCollection) NextBatch(token string) (string, bool) {
	if c == nil || c.Completed || len(c.Tokens) < 2 {
		return "", false
	}
	if c.Tokens[len(c.Tokens)-2] != token {
		return "", false
	}
	return c.Tokens[len(c.Tokens)-1], true
}

// JobReport is the nested status/log document produced by the backend.
// The job-level log lives on the report itself.
type JobReport struct {
	Data     ReportData              `json:"data" bson:"data"`
	Children map[string]LogEntry     `json:"children,omitempty" bson:"children,omitempty"`
	Progress *Progress               `json:"progress,omitempty" bson:"progress,omitempty"`
	Log      map[string][]LogMessage `json:"log,omitempty" bson:"log,omitempty"`
}

// ReportData holds the job-level result and per-record reports
type ReportData struct {
	Success *bool                   `json:"success,omitempty" bson:"success,omitempty"`
	Records map[string]RecordReport `json:"records,omitempty" bson:"records,omitempty"`
}

// RecordReport tracks one record through the processing stages
type RecordReport struct {
	Success   *bool                  `json:"success,omitempty" bson:"success,omitempty"`
	Completed *bool                  `json:"completed,omitempty" bson:"completed,omitempty"`
	Stages    map[string]StageReport `json:"stages,omitempty" bson:"stages,omitempty"`
}

// IsCompleted reports whether the record has finished processing
func (r RecordReport) IsCompleted() bool {
	return r.Completed != nil && *r.Completed
}

// StageReport is one stage of a record; LogID points into JobReport.Children
type StageReport struct {
	Completed *bool  `json:"completed,omitempty" bson:"completed,omitempty"`
	Success   *bool  `json:"success,omitempty" bson:"success,omitempty"`
	LogID     string `json:"logId,omitempty" bson:"log_id,omitempty"`
}

// LogEntry is a report node with optional data, progress and severity-keyed logs
type LogEntry struct {
	Data     map[string]interface{}  `json:"data,omitempty" bson:"data,omitempty"`
	Progress *Progress               `json:"progress,omitempty" bson:"progress,omitempty"`
	Log      map[string][]LogMessage `json:"log,omitempty" bson:"log,omitempty"`
}

// Progress is the execution progress of a report child
type Progress struct {
	Status  JobStatus `json:"status,omitempty" bson:"status,omitempty"`
	Verbose string    `json:"verbose,omitempty" bson:"verbose,omitempty"`
	Numeric int       `json:"numeric,omitempty" bson:"numeric,omitempty"`
}

// LogMessage is one log line of a LogEntry
type LogMessage struct {
	Body     string `json:"body" bson:"body"`
	Datetime string `json:"datetime" bson:"datetime"`
	Origin   string `json:"origin" bson:"origin"`
}

// JobConfig is the subset of a backend job configuration the dashboard uses
type JobConfig struct {
	ID          string `json:"id" bson:"id"`
	Status      string `json:"status,omitempty" bson:"status,omitempty"`
	Name        string `json:"name,omitempty" bson:"name,omitempty"`
	WorkspaceID string `json:"workspaceId,omitempty" bson:"workspace_id,omitempty"`
	TemplateID  string `json:"templateId,omitempty" bson:"template_id,omitempty"`
	LatestExec  string `json:"latestExec,omitempty" bson:"latest_exec,omitempty"`
}

// ArchivedJob is a terminal JobInfo kept by the dashboard service
type ArchivedJob struct {
	JobInfo    `bson:",inline"`
	ArchivedAt time.Time `json:"archivedAt" bson:"archived_at"`
}

// BoolPtr returns a pointer to b
func BoolPtr(b bool) *bool {
	return &b
}
