// Package telemetry turns the transfer tool's line-delimited event stream
// into stable progress updates for the orchestrator.
package telemetry

import (
	"bytes"
	"encoding/json"
	"sync"
	"time"

	"driftsync/internal/model"
)

const (
	// minSampleGap is the minimum spacing between two byte samples used
	// for a speed recompute.
	minSampleGap = 2 * time.Second
	// speedCap clamps measurement artifacts; anything above this rate is
	// not a real transfer speed on the links we care about.
	speedCap = 125 * 1024 * 1024
	// speedFloor zeroes residual trickle so idle jobs do not jitter.
	speedFloor = 1024

	prevWeight = 0.6
	newWeight  = 0.4
)

// Update is one progress snapshot derived from a stats record.
type Update struct {
	Progress     int
	Bytes        int64
	TotalBytes   int64
	Files        int64
	TotalFiles   int64
	Speed        float64
	ETA          string
	Transferring []model.TransferDetail
	CurrentFile  string
	CurrentSize  int64
}

type transferPayload struct {
	Name       string  `json:"name"`
	Size       int64   `json:"size"`
	Bytes      int64   `json:"bytes"`
	Percentage int     `json:"percentage"`
	Speed      float64 `json:"speed"`
	ETA        *int64  `json:"eta"`
}

type statsPayload struct {
	Bytes          int64             `json:"bytes"`
	TotalBytes     int64             `json:"totalBytes"`
	Transfers      int64             `json:"transfers"`
	TotalTransfers int64             `json:"totalTransfers"`
	Speed          float64           `json:"speed"`
	ETA            *int64            `json:"eta"`
	Transferring   []transferPayload `json:"transferring"`
}

type logRecord struct {
	Level string        `json:"level"`
	Msg   string        `json:"msg"`
	Stats *statsPayload `json:"stats"`
}

// stream holds per-job parse state: the trailing partial line and the
// smoothing accumulators. These never leave the parser.
type stream struct {
	partial    []byte
	haveSample bool
	lastAt     time.Time
	lastBytes  int64
	speed      float64
	lastError  string
}

// Parser is safe for concurrent use across jobs; all state is keyed by
// job id.
type Parser struct {
	mu      sync.Mutex
	now     func() time.Time
	streams map[string]*stream
}

func NewParser() *Parser {
	return &Parser{
		now:     time.Now,
		streams: make(map[string]*stream),
	}
}

// Feed consumes a raw output chunk for a job and returns the updates
// produced by any complete stats records it contained. Malformed or
// diagnostic lines are ignored.
func (p *Parser) Feed(jobID string, chunk []byte) []Update {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.stream(jobID)
	s.partial = append(s.partial, chunk...)

	var updates []Update
	for {
		idx := bytes.IndexByte(s.partial, '\n')
		if idx < 0 {
			break
		}
		line := s.partial[:idx]
		s.partial = s.partial[idx+1:]

		if u, ok := p.parseLine(s, line); ok {
			updates = append(updates, u)
		}
	}

	return updates
}

func (p *Parser) parseLine(s *stream, line []byte) (Update, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] != '{' {
		return Update{}, false
	}

	var rec logRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		return Update{}, false
	}

	if rec.Level == "error" && rec.Msg != "" {
		s.lastError = rec.Msg
	}
	if rec.Stats == nil {
		return Update{}, false
	}

	st := rec.Stats
	u := Update{
		Bytes:      st.Bytes,
		TotalBytes: st.TotalBytes,
		Files:      st.Transfers,
		TotalFiles: st.TotalTransfers,
		Progress:   percent(st),
		Speed:      s.sample(p.now(), st.Bytes),
	}

	if st.ETA != nil && *st.ETA > 0 {
		u.ETA = FormatETA(*st.ETA)
	}

	for _, t := range st.Transferring {
		detail := model.TransferDetail{
			Name:       t.Name,
			Size:       t.Size,
			Bytes:      t.Bytes,
			Percentage: t.Percentage,
			Speed:      t.Speed,
		}
		if t.ETA != nil && *t.ETA > 0 {
			detail.ETA = FormatETA(*t.ETA)
		}
		u.Transferring = append(u.Transferring, detail)
	}
	if len(u.Transferring) > 0 {
		u.CurrentFile = u.Transferring[0].Name
		u.CurrentSize = u.Transferring[0].Size
	}

	return u, true
}

// sample blends a new byte reading into the carried speed. Samples closer
// than minSampleGap keep the previous value.
func (s *stream) sample(now time.Time, total int64) float64 {
	if !s.haveSample {
		s.haveSample = true
		s.lastAt = now
		s.lastBytes = total
		return s.speed
	}

	dt := now.Sub(s.lastAt)
	if dt < minSampleGap {
		return s.speed
	}

	raw := float64(total-s.lastBytes) / dt.Seconds()
	if raw < 0 {
		raw = 0
	}
	if raw > speedCap {
		raw = speedCap
	}

	blended := prevWeight*s.speed + newWeight*raw
	if blended < speedFloor {
		blended = 0
	}

	s.speed = blended
	s.lastAt = now
	s.lastBytes = total
	return blended
}

func percent(st *statsPayload) int {
	var pct int64
	switch {
	case st.TotalBytes > 0:
		pct = st.Bytes * 100 / st.TotalBytes
	case st.TotalTransfers > 0:
		pct = st.Transfers * 100 / st.TotalTransfers
	default:
		return 0
	}

	return int(min(max(pct, 0), 100))
}

// FinalSpeed returns the last smoothed speed for a job, used when a run
// finishes.
func (p *Parser) FinalSpeed(jobID string) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s, ok := p.streams[jobID]; ok {
		return s.speed
	}
	return 0
}

// LastError returns the most recent error-level message seen on the job's
// stream, if any.
func (p *Parser) LastError(jobID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s, ok := p.streams[jobID]; ok {
		return s.lastError
	}
	return ""
}

// Reset drops all parse state for a job once its run has been finalized.
func (p *Parser) Reset(jobID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.streams, jobID)
}

func (p *Parser) stream(jobID string) *stream {
	s, ok := p.streams[jobID]
	if !ok {
		s = &stream{}
		p.streams[jobID] = s
	}
	return s
}
