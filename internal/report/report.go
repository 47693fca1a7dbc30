// Package report derives display status and logs from job reports.
// All accessors are total: missing links resolve to a pending state or an
// empty result, never to an error.
package report

import (
	"log/slog"
	"reflect"
	"sort"
	"strings"

	"github.com/oliveagle/jsonpath"

	"github.com/dandantas/dcm/internal/model"
)

// Status is the display state of a job, record, stage or report child
type Status string

const (
	StatusPending Status = "pending"
	StatusWaiting Status = "waiting"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// Line is one log line as shown in a timeline
type Line struct {
	Origin string `json:"origin"`
	Body   string `json:"body"`
}

// StageStatus returns the status of a record's stage
func StageStatus(r *model.JobReport, recordID, stage string) Status {
	s, ok := stageReport(r, recordID, stage)
	if !ok || s.Success == nil {
		return StatusPending
	}
	return fromBool(*s.Success)
}

// RecordStatus returns the status of a record
func RecordStatus(record model.RecordReport) Status {
	if !record.IsCompleted() {
		return StatusRunning
	}
	if record.Success != nil && *record.Success {
		return StatusSuccess
	}
	return StatusFailure
}

// LogsForStage returns the log lines of the given severity attached to a
// record's stage
func LogsForStage(r *model.JobReport, recordID, stage, severity string) []Line {
	s, ok := stageReport(r, recordID, stage)
	if !ok || s.LogID == "" {
		return []Line{}
	}
	child, ok := r.Children[s.LogID]
	if !ok {
		return []Line{}
	}
	return Logs(child.Log, severity)
}

// Logs returns the lines of one severity from a severity-keyed log
func Logs(log map[string][]model.LogMessage, severity string) []Line {
	messages := log[severity]
	lines := make([]Line, 0, len(messages))
	for _, m := range messages {
		lines = append(lines, Line{Origin: m.Origin, Body: m.Body})
	}
	return lines
}

// OverallJobStatus returns the status of a whole job
func OverallJobStatus(info *model.JobInfo) Status {
	if info == nil {
		return StatusWaiting
	}
	switch info.Status {
	case "", model.JobStatusQueued:
		return StatusWaiting
	case model.JobStatusRunning:
		return StatusRunning
	case model.JobStatusAborted:
		return StatusFailure
	}
	if info.Success != nil && *info.Success {
		return StatusSuccess
	}
	return StatusFailure
}

// ProcessStatus returns the state of the job-level timeline entry
func ProcessStatus(r *model.JobReport) Status {
	if r == nil || r.Data.Success == nil {
		return StatusPending
	}
	return fromBool(*r.Data.Success)
}

// OrderedStages lists the stages present on a record in StageOrder.
// Stages outside StageOrder are not shown.
func OrderedStages(r *model.JobReport, recordID string) []string {
	record, ok := Record(r, recordID)
	if !ok {
		return nil
	}
	stages := make([]string, 0, len(record.Stages))
	for _, stage := range StageOrder {
		if _, ok := record.Stages[stage]; ok {
			stages = append(stages, stage)
		}
	}
	return stages
}

// Record looks up a record by id
func Record(r *model.JobReport, recordID string) (model.RecordReport, bool) {
	if r == nil {
		return model.RecordReport{}, false
	}
	record, ok := r.Data.Records[recordID]
	return record, ok
}

// RecordIDs returns the ids of all records, sorted
func RecordIDs(r *model.JobReport) []string {
	if r == nil {
		return nil
	}
	ids := make([]string, 0, len(r.Data.Records))
	for id := range r.Data.Records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ImportChildID returns the key of the child holding the import step
func ImportChildID(r *model.JobReport) (string, bool) {
	if r == nil {
		return "", false
	}
	ids := make([]string, 0, len(r.Children))
	for id := range r.Children {
		if strings.HasSuffix(id, StageImportIEs) || strings.HasSuffix(id, StageImportIPs) {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return "", false
	}
	sort.Strings(ids)
	return ids[0], true
}

// ImportStatus returns the status of a report child from its progress
func ImportStatus(r *model.JobReport, childID string) Status {
	if r == nil {
		return StatusWaiting
	}
	child, ok := r.Children[childID]
	if !ok || child.Progress == nil {
		return StatusWaiting
	}
	switch child.Progress.Status {
	case "", model.JobStatusQueued:
		return StatusWaiting
	case model.JobStatusRunning:
		return StatusRunning
	case model.JobStatusAborted:
		return StatusFailure
	}
	if success, ok := child.Data["success"].(bool); ok && success {
		return StatusSuccess
	}
	return StatusFailure
}

// ImportRunning reports whether the child is still in progress
func ImportRunning(r *model.JobReport, childID string) bool {
	if r == nil {
		return false
	}
	child, ok := r.Children[childID]
	return ok && child.Progress != nil && child.Progress.Status == model.JobStatusRunning
}

const recordTitlePath = "$.bagInfoMetadata.DC-Title"

var recordTitle, recordTitleErr = jsonpath.Compile(recordTitlePath)

// RecordTitle returns the title found in the record's metadata validation
// step, or an empty string
func RecordTitle(r *model.JobReport, recordID string) string {
	s, ok := stageReport(r, recordID, StageValidationMetadata)
	if !ok || s.LogID == "" {
		return ""
	}
	child, ok := r.Children[s.LogID]
	if !ok || child.Data == nil {
		return ""
	}
	if recordTitleErr != nil {
		slog.Error("Invalid record title path", "path", recordTitlePath, "error", recordTitleErr)
		return ""
	}

	value, err := recordTitle.Lookup(child.Data)
	if err != nil {
		return ""
	}
	return firstString(value)
}

// firstString unwraps the first element of a slice. Slices decoded from
// BSON use named types, so they are matched by kind.
func firstString(value interface{}) string {
	if s, ok := value.(string); ok {
		return s
	}
	v := reflect.ValueOf(value)
	if v.Kind() != reflect.Slice || v.Len() == 0 {
		return ""
	}
	return firstString(v.Index(0).Interface())
}

func stageReport(r *model.JobReport, recordID, stage string) (model.StageReport, bool) {
	record, ok := Record(r, recordID)
	if !ok {
		return model.StageReport{}, false
	}
	s, ok := record.Stages[stage]
	return s, ok
}

func fromBool(success bool) Status {
	if success {
		return StatusSuccess
	}
	return StatusFailure
}
