package model

import (
	"fmt"
	"math/rand/v2"
	"time"
)

type ActivityType string

const (
	ActivityInfo     ActivityType = "info"
	ActivityWarning  ActivityType = "warning"
	ActivityError    ActivityType = "error"
	ActivitySuccess  ActivityType = "success"
	ActivityProgress ActivityType = "progress"
)

// ActivityDetail is the optional structured payload of a progress entry.
type ActivityDetail struct {
	Progress    int     `json:"progress"`
	Speed       float64 `json:"speed"`
	Bytes       int64   `json:"bytes"`
	TotalBytes  int64   `json:"totalBytes"`
	Files       int64   `json:"files"`
	TotalFiles  int64   `json:"totalFiles"`
	ETA         string  `json:"eta,omitempty"`
	CurrentFile string  `json:"currentFile,omitempty"`
}

// ActivityEntry is one record of the bounded, append-only activity ledger.
type ActivityEntry struct {
	ID        string          `gorm:"primaryKey" json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Type      ActivityType    `json:"type"`
	JobID     string          `gorm:"index" json:"jobId"`
	JobName   string          `json:"jobName"`
	Message   string          `json:"message"`
	Detail    *ActivityDetail `gorm:"serializer:json" json:"detail,omitempty"`
}

// NewActivityID builds a time plus random composite id, sortable by
// creation time.
func NewActivityID(now time.Time) string {
	return fmt.Sprintf("%013d-%06x", now.UnixMilli(), rand.Uint32N(1<<24))
}
