package orchestrator

import (
	"time"

	"driftsync/internal/model"
	"driftsync/internal/rclone"

	"go.uber.org/zap"
)

// diffTimeout bounds the comparison run; a check is lightweight compared
// to a sync and should never hang indefinitely.
const diffTimeout = 10 * time.Minute

// CheckDiff runs the tool's one-way comparison to find out whether a sync
// would change anything. It is a no-op (returns false) when the job is
// unknown, already running or already mid-check.
func (o *Orchestrator) CheckDiff(id string) bool {
	if o.ctx.Err() != nil {
		return false
	}

	o.mu.Lock()
	job, ok := o.jobs[id]
	if !ok || o.procs.has(id) || job.DiffStatus == model.DiffChecking {
		o.mu.Unlock()
		return false
	}

	job.DiffStatus = model.DiffChecking
	src, dst := job.Source, job.Destination
	o.mu.Unlock()

	o.publishJobs()

	o.wg.Add(1)
	go o.runDiff(id, src, dst)
	return true
}

func (o *Orchestrator) runDiff(id, src, dst string) {
	defer o.wg.Done()

	// Exit 0 means identical, 1 means differences found; both are
	// successful outcomes of the check itself.
	code, err := o.runner.Run(o.ctx, rclone.CheckArgs(src, dst), rclone.RunOptions{
		AllowedExitCodes: []int{0, 1},
		Timeout:          diffTimeout,
	})

	now := time.Now()

	o.mu.Lock()
	job, ok := o.jobs[id]
	if !ok {
		o.mu.Unlock()
		return
	}

	job.LastCheck = &now
	switch {
	case err != nil:
		job.DiffStatus = model.DiffError
	case code == 0:
		job.DiffStatus = model.DiffSynced
	default:
		job.DiffStatus = model.DiffDifferent
	}
	status := job.DiffStatus
	o.persistLocked(job)
	o.mu.Unlock()

	if err != nil {
		o.log.Warn("difference check failed", zap.String("id", id), zap.Error(err))
	} else {
		o.log.Debug("difference check finished",
			zap.String("id", id),
			zap.String("result", string(status)))
	}

	o.publishJobs()
}
