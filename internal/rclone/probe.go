package rclone

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"driftsync/internal/model"
)

const probeTimeout = 5 * time.Second

// Probe checks that a remote is currently reachable with a shallow,
// short-timeout listing.
func (r *Runner) Probe(ctx context.Context, remote string) error {
	args := []string{"lsf", remote, "--max-depth", "1"}

	_, err := r.Run(ctx, args, RunOptions{Timeout: probeTimeout})
	if err != nil {
		return fmt.Errorf("remote %s unreachable: %w", RemoteName(remote), err)
	}
	return nil
}

type aboutPayload struct {
	Total int64 `json:"total"`
	Used  int64 `json:"used"`
	Free  int64 `json:"free"`
}

// About queries storage usage for a remote. Comparatively expensive, so
// callers refresh it on a slow timer.
func (r *Runner) About(ctx context.Context, remote string) (model.QuotaSnapshot, error) {
	var out []byte
	args := []string{"about", remote, "--json"}

	_, err := r.Run(ctx, args, RunOptions{
		Timeout:  time.Minute,
		OnOutput: func(chunk []byte) { out = append(out, chunk...) },
	})
	if err != nil {
		return model.QuotaSnapshot{}, err
	}

	var payload aboutPayload
	if err := json.Unmarshal(out, &payload); err != nil {
		return model.QuotaSnapshot{}, fmt.Errorf("failed to parse about output: %w", err)
	}

	snap := model.QuotaSnapshot{
		Total:     payload.Total,
		Used:      payload.Used,
		Free:      payload.Free,
		CheckedAt: time.Now(),
	}
	if payload.Total > 0 {
		snap.UsedPercent = float64(payload.Used) / float64(payload.Total) * 100
	}
	return snap, nil
}
