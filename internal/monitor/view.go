package monitor

import (
	"github.com/dandantas/dcm/internal/model"
	"github.com/dandantas/dcm/internal/report"
)

// Sidebar item kinds
const (
	ItemJob    = "job"
	ItemImport = "import"
	ItemRecord = "record"
)

// SidebarItem is one selectable entry next to the timeline
type SidebarItem struct {
	Kind    string        `json:"kind"`
	ID      string        `json:"id"`
	Label   string        `json:"label"`
	Subtext string        `json:"subtext,omitempty"`
	Status  report.Status `json:"status"`
	Active  bool          `json:"active"`
}

// TimelineEntry is one step shown for the selected view
type TimelineEntry struct {
	Stage  string                   `json:"stage"`
	Title  string                   `json:"title"`
	Detail string                   `json:"detail,omitempty"`
	Status report.Status            `json:"status"`
	Logs   map[string][]report.Line `json:"logs"`
}

// View is the sidebar and timeline derived from a job info
type View struct {
	JobStatus report.Status   `json:"jobStatus"`
	Sidebar   []SidebarItem   `json:"sidebar"`
	Timeline  []TimelineEntry `json:"timeline"`
}

// Selection identifies what the timeline shows
type Selection struct {
	RecordID       string `json:"recordId,omitempty"`
	ImportSelected bool   `json:"importSelected,omitempty"`
}

// BuildView derives the sidebar and timeline of a job for a selection
func BuildView(info *model.JobInfo, importChildID string, sel Selection) View {
	v := View{JobStatus: report.OverallJobStatus(info)}
	if info == nil {
		return v
	}
	r := info.Report

	v.Sidebar = append(v.Sidebar, SidebarItem{
		Kind:   ItemJob,
		ID:     info.Token,
		Label:  "Job",
		Status: v.JobStatus,
		Active: sel.RecordID == "" && !sel.ImportSelected,
	})
	if importChildID != "" {
		v.Sidebar = append(v.Sidebar, SidebarItem{
			Kind:   ItemImport,
			ID:     importChildID,
			Label:  "Import",
			Status: report.ImportStatus(r, importChildID),
			Active: sel.RecordID == "" && sel.ImportSelected,
		})
	}
	for _, id := range report.RecordIDs(r) {
		record, _ := report.Record(r, id)
		v.Sidebar = append(v.Sidebar, SidebarItem{
			Kind:    ItemRecord,
			ID:      id,
			Label:   id,
			Subtext: report.RecordTitle(r, id),
			Status:  report.RecordStatus(record),
			Active:  sel.RecordID == id,
		})
	}

	switch {
	case sel.RecordID != "":
		for _, stage := range report.OrderedStages(r, sel.RecordID) {
			logs := make(map[string][]report.Line, len(model.Severities))
			for _, severity := range model.Severities {
				logs[severity] = report.LogsForStage(r, sel.RecordID, stage, severity)
			}
			v.Timeline = append(v.Timeline, TimelineEntry{
				Stage:  stage,
				Title:  report.StageTitle(stage),
				Status: report.StageStatus(r, sel.RecordID, stage),
				Logs:   logs,
			})
		}
	case sel.ImportSelected:
		var child model.LogEntry
		if r != nil {
			child = r.Children[importChildID]
		}
		status := report.StatusPending
		if success, ok := child.Data["success"].(bool); ok {
			status = report.StatusFailure
			if success {
				status = report.StatusSuccess
			}
		}
		v.Timeline = append(v.Timeline, TimelineEntry{
			Stage:  report.StageImport,
			Title:  report.StageTitle(report.StageImport),
			Detail: importChildID,
			Status: status,
			Logs:   severityLogs(child.Log),
		})
	default:
		var log map[string][]model.LogMessage
		if r != nil {
			log = r.Log
		}
		v.Timeline = append(v.Timeline, TimelineEntry{
			Stage:  report.StageProcess,
			Title:  report.StageTitle(report.StageProcess),
			Detail: info.Token,
			Status: report.ProcessStatus(r),
			Logs:   severityLogs(log),
		})
	}
	return v
}

func severityLogs(log map[string][]model.LogMessage) map[string][]report.Line {
	out := make(map[string][]report.Line, len(model.Severities))
	for _, severity := range model.Severities {
		out[severity] = report.Logs(log, severity)
	}
	return out
}
