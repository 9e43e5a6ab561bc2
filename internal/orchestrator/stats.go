package orchestrator

import (
	"time"

	"driftsync/internal/model"

	"go.uber.org/zap"
)

// Stats aggregates live telemetry across running jobs plus the most recent
// storage-quota snapshot.
func (o *Orchestrator) Stats() model.Stats {
	stats := model.Stats{ActiveJobs: o.procs.size()}

	o.mu.RLock()
	for id, job := range o.jobs {
		if !o.procs.has(id) {
			continue
		}
		stats.Speed += job.Speed
		stats.Bytes += job.Bytes
		stats.Files += job.Files
	}
	o.mu.RUnlock()

	o.quotaMu.RLock()
	stats.Quota = o.quota
	o.quotaMu.RUnlock()

	return stats
}

// quotaLoop refreshes the storage snapshot for the designated remote on a
// slow timer; the query is comparatively expensive.
func (o *Orchestrator) quotaLoop() {
	defer o.wg.Done()

	o.refreshQuota()

	ticker := time.NewTicker(o.opts.QuotaInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			o.refreshQuota()
		}
	}
}

func (o *Orchestrator) refreshQuota() {
	snap, err := o.runner.About(o.ctx, o.opts.QuotaRemote)
	if err != nil {
		o.log.Warn("failed to refresh storage quota",
			zap.String("remote", o.opts.QuotaRemote),
			zap.Error(err))
		return
	}

	o.quotaMu.Lock()
	o.quota = snap
	o.quotaMu.Unlock()
}
