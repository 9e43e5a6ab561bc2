package orchestrator

import (
	"time"

	"driftsync/internal/model"

	"go.uber.org/zap"
)

// schedulerLoop drives autonomous runs on a fixed wall-clock tick. The
// trigger policy is interval-only: a job runs when its next-run time has
// passed, never because a difference check found changes.
func (o *Orchestrator) schedulerLoop() {
	defer o.wg.Done()

	// Catch up recently-missed runs right away instead of waiting for
	// the first tick.
	if o.online.Load() {
		o.schedulerPass(time.Now())
	}

	ticker := time.NewTicker(o.opts.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case now := <-ticker.C:
			if !o.online.Load() {
				continue
			}
			o.schedulerPass(now)
		}
	}
}

// schedulerPass starts every job whose schedule is due. Running jobs and
// jobs mid-check are skipped; a failure of one job never reaches another.
func (o *Orchestrator) schedulerPass(now time.Time) {
	o.mu.RLock()
	var due []string
	for id, job := range o.jobs {
		if o.procs.has(id) || job.DiffStatus == model.DiffChecking {
			continue
		}
		if nextRun(job).After(now) {
			continue
		}
		due = append(due, id)
	}
	o.mu.RUnlock()

	for _, id := range due {
		if o.execute(id) {
			o.log.Debug("scheduled run started", zap.String("id", id))
		}
	}
}

func nextRun(job *model.Job) time.Time {
	if job.NextRun != nil {
		return *job.NextRun
	}
	if job.LastRun != nil {
		return job.LastRun.Add(interval(job.IntervalMinutes))
	}
	// Never ran and no schedule recorded: due now.
	return time.Time{}
}
