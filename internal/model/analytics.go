package model

// AnalyticsRecord holds per-job rolling counters, mutated only when a run
// finishes. It lives and dies with its job.
type AnalyticsRecord struct {
	JobID        string  `gorm:"primaryKey" json:"jobId"`
	SuccessCount int     `json:"successCount"`
	ErrorCount   int     `json:"errorCount"`
	TotalBytes   int64   `json:"totalBytes"`
	AvgSpeed     float64 `json:"avgSpeed"`
}
