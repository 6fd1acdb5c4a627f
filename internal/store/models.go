package store

import (
	"encoding/json"
	"time"
)

// RunStatus enumerates pipeline run states.
type RunStatus string

const (
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
	StatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status ends a run. completed_at is non-null
// iff the status is terminal.
func (s RunStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// RunCounters are the per-run progress counters shared by the extraction
// pipelines.
type RunCounters struct {
	Discovered  int `json:"discovered"`
	Processed   int `json:"processed"`
	Skipped     int `json:"skipped"`
	Extracted   int `json:"extracted"`
	Valid       int `json:"valid"`
	UniqueHash  int `json:"unique_hash"`
	APIFailures int `json:"api_failures"`
}

// ExtractionRun is one SQL-corpus pipeline invocation.
type ExtractionRun struct {
	ID          string
	UserID      string
	OrgID       string
	Workspace   string
	Cutoff      *time.Time
	Counters    RunCounters
	Status      RunStatus
	Error       string
	StartedAt   time.Time
	CompletedAt *time.Time
}

// ExtractedSQL is one SQL statement extracted from one notebook cell.
type ExtractedSQL struct {
	ID           int64
	RunID        string
	OrgID        string
	NotebookPath string
	NotebookName string
	Language     string
	CellIndex    int
	FileType     string
	CleanedSQL   string
	SQLHash      string // 64-hex sha256 over the stripped cleaned SQL
	IsValid      bool
	Snippet      string // redacted original snippet
	Hint         string // natural-language hint, when present
}

// NotebookStatus enumerates per-notebook crawl outcomes.
type NotebookStatus string

const (
	NotebookProcessed    NotebookStatus = "Processed"
	NotebookSkippedStale NotebookStatus = "Skipped_Stale"
)

// TriggerType classifies the jobs backing a notebook.
type TriggerType string

const (
	TriggerPeriodic TriggerType = "PERIODIC"
	TriggerOneTime  TriggerType = "ONE_TIME"
)

// NotebookMetadata is one workspace object observed during a run.
type NotebookMetadata struct {
	ID             int64
	RunID          string
	Path           string
	Language       string
	CreatedAt      *time.Time
	ModifiedAt     *time.Time
	ContentPresent bool
	Status         NotebookStatus

	JobIDs              string // comma-joined unique job ids
	JobName             string
	ConsecutiveSuccess  int
	EarliestRunDate     *time.Time
	JobTrigger          TriggerType
	HasAssociatedJobs   bool
}

// AnalysisRun is one SQL analysis over an extraction run's corpus.
type AnalysisRun struct {
	ID              string
	ExtractionRunID string
	OrgID           string
	Version         int
	Status          RunStatus
	Error           string
	Counters        json.RawMessage // aggregated counter tables
	Clusters        json.RawMessage
	Filters         json.RawMessage // classified filters
	Fingerprints    json.RawMessage
	LiteralValues   json.RawMessage // per-column literal frequency tables
	AliasFrequency  json.RawMessage // per-table alias frequency tables
	TotalWeight     int
	StartedAt       time.Time
	CompletedAt     *time.Time
}

// ConfigExtractionRun is one configuration-object pipeline invocation.
type ConfigExtractionRun struct {
	ID          string
	UserID      string
	OrgID       string
	Host        string
	Counters    RunCounters
	Status      RunStatus
	Error       string
	CallLog     json.RawMessage // per-request tracking records
	StartedAt   time.Time
	CompletedAt *time.Time
}

// ConfigAnalysisRun stores the config-pipeline analysis as one document.
type ConfigAnalysisRun struct {
	ID              string
	ExtractionRunID string
	OrgID           string
	Version         int
	Status          RunStatus
	Error           string
	Analysis        json.RawMessage // inventory, summaries, fingerprints, clusters
	StartedAt       time.Time
	CompletedAt     *time.Time
}

// Doc source types.
const (
	SourceDatabricks = "databricks"
	SourceConfigAPIs = "config_apis"
)

// Doc statuses.
const (
	DocActive     = "active"
	DocSuperseded = "superseded"
)

// ContextDoc is one authored context document.
type ContextDoc struct {
	ID          int64
	SourceType  string // databricks | config_apis
	SourceRunID string // analysis run that produced it
	OrgID       string
	DocKey      string // stable slot: 01_MASTER, 02_SCHEMA, ...
	DocName     string
	Content     string // markdown
	Model       string
	Provider    string
	SystemPrompt string
	Payload     json.RawMessage // payload sent, kept for audit
	TokenCount  int
	Status      string // active | superseded
	Promoted    bool   // survives deletion of the generating analysis run
	CreatedAt   time.Time
}

// TreeProgressEntry is one append-only (phase, detail, status) triple.
type TreeProgressEntry struct {
	Phase  string    `json:"phase"`
	Detail string    `json:"detail"`
	Status string    `json:"status"`
	At     time.Time `json:"at"`
}

// ContextTreeRun is one context-tree invocation.
type ContextTreeRun struct {
	ID          string
	UserID      string
	OrgID       string
	InputSource string
	TreeData    json.RawMessage
	Model       string
	TokenUsage  json.RawMessage
	Progress    []TreeProgressEntry
	Status      RunStatus
	Error       string
	StartedAt   time.Time
	CompletedAt *time.Time
}
