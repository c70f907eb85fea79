package domain

// DefaultReportPageSize bounds the entry list of a drilldown.
const DefaultReportPageSize = 100

// ReportFilter selects one level of the severity, category, what
// drilldown over the latest attempt of every completed task of a pair.
// Severity alone lists categories, Severity and Category list whats, and
// all three list the matching entries one page at a time.
type ReportFilter struct {
	CorpusID  int64
	ServiceID int64
	Severity  string
	Category  string
	What      string
	Offset    int
	Limit     int
}

// EntryLevel reports whether the filter is deep enough to list entries.
func (f *ReportFilter) EntryLevel() bool {
	return f.Severity != "" && f.Category != "" && f.What != ""
}

// ReportRow is one bucket of a drilldown level.
type ReportRow struct {
	Name     string `json:"name"`
	Tasks    int64  `json:"tasks"`
	Messages int64  `json:"messages"`
}

// ReportEntry is one task listed at the deepest drilldown level.
type ReportEntry struct {
	TaskID  int64  `json:"task_id"`
	Entry   string `json:"entry"`
	Details string `json:"details,omitempty"`
}

// TaskReport is one level of the drilldown. Tasks counts the distinct
// tasks under the selected level; Entries is set only at the entry level.
type TaskReport struct {
	Severity string         `json:"severity,omitempty"`
	Category string         `json:"category,omitempty"`
	What     string         `json:"what,omitempty"`
	Tasks    int64          `json:"tasks"`
	Rows     []*ReportRow   `json:"rows,omitempty"`
	Entries  []*ReportEntry `json:"entries,omitempty"`
}
