package orchestrator

import (
	"fmt"
	"time"

	"driftsync/internal/model"

	"go.uber.org/zap"
)

const connectTimeout = 5 * time.Second

// connectivityLoop keeps the online flag fresh. Going offline pauses the
// autonomous scheduler; coming back online re-arms jobs parked in error
// and triggers an immediate catch-up pass. User-initiated runs are never
// gated by this flag.
func (o *Orchestrator) connectivityLoop() {
	defer o.wg.Done()

	ticker := time.NewTicker(o.opts.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			up := o.probeConnectivity() == nil
			was := o.online.Swap(up)
			switch {
			case up && !was:
				o.onOnline()
			case !up && was:
				o.onOffline()
			}
		}
	}
}

func (o *Orchestrator) probeConnectivity() error {
	conn, err := o.dial("tcp", o.opts.ProbeTarget, connectTimeout)
	if err != nil {
		return fmt.Errorf("connectivity probe failed: %w", err)
	}
	_ = conn.Close()
	return nil
}

func (o *Orchestrator) onOnline() {
	o.log.Info("connection restored")
	o.logActivity(model.ActivityInfo, "", "", "connection restored, resuming scheduler", nil)

	// Jobs that failed while offline get another chance from the
	// scheduler.
	o.mu.Lock()
	rearmed := 0
	for _, job := range o.jobs {
		if job.Status == model.JobStatusError {
			job.Status = model.JobStatusIdle
			o.persistLocked(job)
			rearmed++
		}
	}
	o.mu.Unlock()

	if rearmed > 0 {
		o.log.Info("re-armed jobs after reconnect", zap.Int("count", rearmed))
		o.publishJobs()
	}

	o.schedulerPass(time.Now())
}

func (o *Orchestrator) onOffline() {
	o.log.Warn("connection lost", zap.String("probe_target", o.opts.ProbeTarget))
	o.logActivity(model.ActivityWarning, "", "", "connection lost, scheduler paused", nil)
}
