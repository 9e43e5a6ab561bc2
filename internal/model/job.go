package model

import "time"

type JobStatus string

const (
	JobStatusIdle    JobStatus = "idle"
	JobStatusRunning JobStatus = "running"
	JobStatusError   JobStatus = "error"
	JobStatusSuccess JobStatus = "success"
)

// DiffStatus is the outcome of the last pre-flight comparison. The zero
// value means no check has run yet.
type DiffStatus string

const (
	DiffUnknown   DiffStatus = ""
	DiffSynced    DiffStatus = "synced"
	DiffDifferent DiffStatus = "different"
	DiffChecking  DiffStatus = "checking"
	DiffError     DiffStatus = "error"
)

// TransferDetail describes one in-flight transfer stream of a running job.
type TransferDetail struct {
	Name       string  `json:"name"`
	Size       int64   `json:"size"`
	Bytes      int64   `json:"bytes"`
	Percentage int     `json:"percentage"`
	Speed      float64 `json:"speed"`
	ETA        string  `json:"eta"`
}

// Job is a recurring source->destination synchronization task. Progress
// fields are only meaningful while the job is running; success and error
// keep a snapshot of the final values.
type Job struct {
	ID          string `gorm:"primaryKey" json:"id"`
	Name        string `json:"name"`
	Source      string `json:"source"`
	Destination string `json:"destination"`

	IntervalMinutes int `json:"intervalMinutes"`
	Transfers       int `json:"transfers"`
	Checkers        int `json:"checkers"`
	TimeoutSeconds  int `json:"timeoutSeconds"`
	Retries         int `json:"retries"`

	Status    JobStatus  `gorm:"default:'idle'" json:"status"`
	LastError string     `json:"lastError,omitempty"`
	LastRun   *time.Time `json:"lastRun,omitempty"`
	NextRun   *time.Time `json:"nextRun,omitempty"`

	Progress     int              `json:"progress"`
	Bytes        int64            `json:"bytes"`
	TotalBytes   int64            `json:"totalBytes"`
	Files        int64            `json:"files"`
	TotalFiles   int64            `json:"totalFiles"`
	Speed        float64          `json:"speed"`
	ETA          string           `json:"eta,omitempty"`
	CurrentFile  string           `json:"currentFile,omitempty"`
	CurrentSize  int64            `json:"currentSize,omitempty"`
	Transferring []TransferDetail `gorm:"serializer:json" json:"transferring"`

	DiffStatus DiffStatus `json:"diffStatus"`
	LastCheck  *time.Time `json:"lastCheck,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// JobPatch carries a partial job update; nil fields are left untouched.
type JobPatch struct {
	Name            *string `json:"name"`
	Source          *string `json:"source"`
	Destination     *string `json:"destination"`
	IntervalMinutes *int    `json:"intervalMinutes"`
	Transfers       *int    `json:"transfers"`
	Checkers        *int    `json:"checkers"`
	TimeoutSeconds  *int    `json:"timeoutSeconds"`
	Retries         *int    `json:"retries"`
}

// JobView is the externally visible job shape: the job record merged with
// its historical analytics.
type JobView struct {
	Job
	Analytics AnalyticsRecord `json:"analytics"`
}
