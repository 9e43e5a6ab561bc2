package orchestrator

import (
	"context"
	"fmt"
	"os"
	"time"

	"driftsync/internal/model"
	"driftsync/internal/rclone"
	"driftsync/internal/telemetry"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

// RunNow starts an execution for the job unless it is unknown or already
// running. It returns immediately; the run proceeds asynchronously.
func (o *Orchestrator) RunNow(id string) bool {
	o.mu.RLock()
	_, ok := o.jobs[id]
	o.mu.RUnlock()
	if !ok {
		return false
	}
	return o.execute(id)
}

// StopJob signals the supervised process to terminate. It returns false
// when nothing is running for the id. The finalizer classifies the exit as
// a user stop, not a failure.
func (o *Orchestrator) StopJob(id string) bool {
	h, ok := o.procs.get(id)
	if !ok {
		return false
	}
	h.stop()
	return true
}

// execute claims the job's process slot and launches the run. The claim is
// what makes concurrent start requests idempotent. Once shutdown has begun
// no new run may start.
func (o *Orchestrator) execute(id string) bool {
	if o.ctx.Err() != nil {
		return false
	}

	h, ok := o.procs.claim(id)
	if !ok {
		return false
	}

	o.wg.Add(1)
	go o.run(id, h)
	return true
}

func (o *Orchestrator) run(id string, h *procHandle) {
	defer o.wg.Done()
	start := time.Now()

	o.mu.RLock()
	jobPtr, ok := o.jobs[id]
	var job model.Job
	if ok {
		job = *jobPtr
	}
	o.mu.RUnlock()
	if !ok {
		o.procs.release(id)
		return
	}

	if err := o.preflight(job); err != nil {
		// A stop that raced the spawn wins over the preflight failure.
		if h.stopped() {
			o.finalize(id, start, nil, "", 0, true)
		} else {
			o.failBeforeSpawn(id, err)
		}
		o.procs.release(id)
		return
	}

	o.markRunning(id, start)

	ctx, cancel := context.WithCancel(o.ctx)
	defer cancel()
	h.bind(cancel)

	args := rclone.SyncArgs(job.Source, job.Destination, rclone.SyncParams{
		Transfers:      job.Transfers,
		Checkers:       job.Checkers,
		TimeoutSeconds: job.TimeoutSeconds,
		Retries:        job.Retries,
	})

	_, err := o.runner.Run(ctx, args, rclone.RunOptions{
		OnSpawn: func() {
			o.log.Debug("sync process spawned", zap.String("id", id))
		},
		OnOutput: func(chunk []byte) {
			o.ingest(id, chunk)
		},
	})

	finalSpeed := o.parser.FinalSpeed(id)
	toolErr := o.parser.LastError(id)
	o.parser.Reset(id)

	// The slot frees only after the outcome is fully recorded, so the
	// next claimant always observes settled state.
	o.finalize(id, start, err, toolErr, finalSpeed, h.stopped())
	o.procs.release(id)
}

// preflight validates a run before any process is spawned. A failure here
// is fatal for this run only, never for the job's future runs.
func (o *Orchestrator) preflight(job model.Job) error {
	if job.Source == "" || job.Destination == "" {
		return fmt.Errorf("source and destination must be set")
	}

	if !rclone.IsRemote(job.Source) {
		if _, err := os.Stat(job.Source); err != nil {
			return fmt.Errorf("source path %s does not exist", job.Source)
		}
	}

	if rclone.IsRemote(job.Destination) {
		if err := o.runner.Probe(o.ctx, job.Destination); err != nil {
			return err
		}
	}

	return nil
}

func (o *Orchestrator) failBeforeSpawn(id string, cause error) {
	o.mu.Lock()
	job, ok := o.jobs[id]
	if !ok {
		o.mu.Unlock()
		return
	}
	job.Status = model.JobStatusError
	job.LastError = cause.Error()
	job.Speed = 0
	o.persistLocked(job)
	name := job.Name
	o.mu.Unlock()

	o.logActivity(model.ActivityError, id, name, fmt.Sprintf("sync failed: %s", cause), nil)
	o.publishJobs()

	o.log.Error("sync preconditions failed", zap.String("id", id), zap.Error(cause))
}

func (o *Orchestrator) markRunning(id string, start time.Time) {
	o.mu.Lock()
	job, ok := o.jobs[id]
	if !ok {
		o.mu.Unlock()
		return
	}

	job.Status = model.JobStatusRunning
	job.LastError = ""
	job.Progress = 0
	job.Bytes = 0
	job.TotalBytes = 0
	job.Files = 0
	job.TotalFiles = 0
	job.Speed = 0
	job.ETA = ""
	job.CurrentFile = ""
	job.CurrentSize = 0
	job.Transferring = nil
	job.LastRun = &start

	o.persistLocked(job)
	name, src, dst := job.Name, job.Source, job.Destination
	o.mu.Unlock()

	o.logActivity(model.ActivityInfo, id, name, fmt.Sprintf("starting sync: %s -> %s", src, dst), nil)
	o.publishJobs()
}

// ingest feeds raw process output into the telemetry parser and applies
// the resulting updates to the job.
func (o *Orchestrator) ingest(id string, chunk []byte) {
	for _, u := range o.parser.Feed(id, chunk) {
		o.applyUpdate(id, u)
	}
}

func (o *Orchestrator) applyUpdate(id string, u telemetry.Update) {
	o.mu.Lock()
	job, ok := o.jobs[id]
	if !ok || job.Status != model.JobStatusRunning {
		o.mu.Unlock()
		return
	}

	job.Progress = u.Progress
	job.Bytes = u.Bytes
	job.TotalBytes = u.TotalBytes
	job.Files = u.Files
	job.TotalFiles = u.TotalFiles
	job.Speed = u.Speed
	job.ETA = u.ETA
	job.Transferring = u.Transferring
	job.CurrentFile = u.CurrentFile
	job.CurrentSize = u.CurrentSize

	name := job.Name
	detail := model.ActivityDetail{
		Progress:    u.Progress,
		Speed:       u.Speed,
		Bytes:       u.Bytes,
		TotalBytes:  u.TotalBytes,
		Files:       u.Files,
		TotalFiles:  u.TotalFiles,
		ETA:         u.ETA,
		CurrentFile: u.CurrentFile,
	}
	o.mu.Unlock()

	// Notifications are coalesced so downstream consumers see at most a
	// handful per second per job.
	o.emitMu.Lock()
	last := o.lastEmit[id]
	now := time.Now()
	if now.Sub(last) < progressEmitGap {
		o.emitMu.Unlock()
		return
	}
	o.lastEmit[id] = now
	o.emitMu.Unlock()

	o.logActivity(model.ActivityProgress, id, name,
		fmt.Sprintf("syncing: %d%% at %s/s", u.Progress, humanize.Bytes(uint64(u.Speed))), &detail)
	o.publishJobs()
}

// finalize settles the job after its process exited. A user-requested stop
// returns the job to idle; everything else is success or error.
func (o *Orchestrator) finalize(id string, start time.Time, runErr error, toolErr string, finalSpeed float64, userStopped bool) {
	now := time.Now()

	o.mu.Lock()
	job, ok := o.jobs[id]
	if !ok {
		// Removed while running; nothing left to record.
		o.mu.Unlock()
		return
	}

	duration := now.Sub(start).Round(time.Second)
	next := now.Add(interval(job.IntervalMinutes))
	bytes := job.Bytes
	name := job.Name

	job.Speed = 0
	job.ETA = ""
	job.CurrentFile = ""
	job.CurrentSize = 0
	job.Transferring = nil

	var (
		entryType model.ActivityType
		message   string
	)

	switch {
	case userStopped:
		job.Status = model.JobStatusIdle
		job.Progress = 0
		entryType = model.ActivityInfo
		if o.ctx.Err() != nil {
			message = "stopped for shutdown"
		} else {
			message = "stopped by user"
		}

	case runErr == nil:
		job.Status = model.JobStatusSuccess
		job.Progress = 100
		job.NextRun = &next
		entryType = model.ActivitySuccess
		message = fmt.Sprintf("sync finished in %s (%s)", duration, humanize.Bytes(uint64(bytes)))

	default:
		job.Status = model.JobStatusError
		msg := runErr.Error()
		if toolErr != "" {
			msg = fmt.Sprintf("%s: %s", msg, toolErr)
		}
		job.LastError = msg
		job.NextRun = &next
		entryType = model.ActivityError
		message = fmt.Sprintf("sync failed: %s", msg)
	}

	o.persistLocked(job)
	o.mu.Unlock()

	o.emitMu.Lock()
	delete(o.lastEmit, id)
	o.emitMu.Unlock()

	switch {
	case userStopped:
		o.log.Info("sync stopped", zap.String("id", id))
	case runErr == nil:
		o.recordOutcome(id, true, bytes, finalSpeed)
		o.log.Info("sync finished",
			zap.String("id", id),
			zap.Duration("duration", duration),
			zap.Int64("bytes", bytes))
	default:
		o.recordOutcome(id, false, 0, 0)
		o.log.Error("sync failed", zap.String("id", id), zap.Error(runErr))
	}

	o.logActivity(entryType, id, name, message, nil)
	o.publishJobs()
}

// recordOutcome folds a finished run into the job's analytics. The average
// speed is smoothed exponentially across runs.
func (o *Orchestrator) recordOutcome(id string, success bool, bytes int64, speed float64) {
	o.mu.Lock()
	rec := o.analytics[id]
	rec.JobID = id

	if success {
		rec.SuccessCount++
		rec.TotalBytes += bytes
		if rec.AvgSpeed == 0 {
			rec.AvgSpeed = speed
		} else {
			rec.AvgSpeed = 0.7*rec.AvgSpeed + 0.3*speed
		}
	} else {
		rec.ErrorCount++
	}

	o.analytics[id] = rec
	o.mu.Unlock()

	if err := o.analyticsRepo.Save(rec); err != nil {
		o.log.Warn("failed to persist analytics", zap.String("id", id), zap.Error(err))
	}
}
