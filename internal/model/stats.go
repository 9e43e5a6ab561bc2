package model

import "time"

// QuotaSnapshot is the storage usage of the designated quota remote,
// refreshed on a slow timer.
type QuotaSnapshot struct {
	Total       int64     `json:"total"`
	Used        int64     `json:"used"`
	Free        int64     `json:"free"`
	UsedPercent float64   `json:"usedPercent"`
	CheckedAt   time.Time `json:"checkedAt"`
}

// Stats aggregates live telemetry across all currently running jobs.
type Stats struct {
	Speed      float64       `json:"speed"`
	Bytes      int64         `json:"bytes"`
	Files      int64         `json:"files"`
	ActiveJobs int           `json:"activeJobs"`
	Quota      QuotaSnapshot `json:"quota"`
}
