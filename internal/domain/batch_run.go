package domain

import "time"

// RunStatus represents the lifecycle state of a backfill run.
type RunStatus string

const (
	RunStatusPending     RunStatus = "pending"
	RunStatusRunning     RunStatus = "running"
	RunStatusCompleted   RunStatus = "completed"
	RunStatusFailed      RunStatus = "failed"
	RunStatusInterrupted RunStatus = "interrupted"
)

// Resumable reports whether a later run may continue from this one's checkpoint.
func (s RunStatus) Resumable() bool {
	return s == RunStatusRunning || s == RunStatusFailed || s == RunStatusInterrupted
}

// BatchRun records one execution of a backfill job and its progress.
// LastSafeID is the highest id below which every record has been handled.
type BatchRun struct {
	ID             string     `gorm:"type:text;primaryKey" json:"id"`
	JobName        string     `gorm:"type:text;not null;index:idx_batch_runs_job" json:"job_name"`
	Status         RunStatus  `gorm:"type:text;default:pending" json:"status"`
	StartAfterID   int64      `gorm:"default:0" json:"start_after_id"`
	LastSafeID     int64      `gorm:"default:0" json:"last_safe_id"`
	TotalItems     int64      `gorm:"default:0" json:"total_items"`
	ProcessedItems int64      `gorm:"default:0" json:"processed_items"`
	ModifiedItems  int64      `gorm:"default:0" json:"modified_items"`
	FailedItems    int64      `gorm:"default:0" json:"failed_items"`
	DryRun         bool       `gorm:"default:false" json:"dry_run"`
	ReportKey      string     `gorm:"type:text" json:"report_key,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	ErrorLog       string     `json:"error_log,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// TableName returns the database table name for BatchRun.
func (BatchRun) TableName() string {
	return "batch_runs"
}
