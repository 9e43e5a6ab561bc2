// Package orchestrator owns the job lifecycle: scheduling, supervision of
// the external transfer tool, telemetry, activity history and analytics.
package orchestrator

import (
	"context"
	"net"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"driftsync/internal/model"
	"driftsync/internal/notify"
	"driftsync/internal/rclone"
	"driftsync/internal/store"
	"driftsync/internal/telemetry"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ToolRunner is the external transfer tool boundary. *rclone.Runner is the
// production implementation.
type ToolRunner interface {
	Run(ctx context.Context, args []string, opts rclone.RunOptions) (int, error)
	Probe(ctx context.Context, remote string) error
	About(ctx context.Context, remote string) (model.QuotaSnapshot, error)
}

type Options struct {
	Tick          time.Duration
	ProbeInterval time.Duration
	ProbeTarget   string
	QuotaRemote   string
	QuotaInterval time.Duration
	ShutdownGrace time.Duration
}

func (o *Options) withDefaults() {
	if o.Tick <= 0 {
		o.Tick = time.Minute
	}
	if o.ProbeInterval <= 0 {
		o.ProbeInterval = 30 * time.Second
	}
	if o.ProbeTarget == "" {
		o.ProbeTarget = "8.8.8.8:53"
	}
	if o.QuotaInterval <= 0 {
		o.QuotaInterval = 5 * time.Minute
	}
	if o.ShutdownGrace <= 0 {
		o.ShutdownGrace = 10 * time.Second
	}
}

const (
	defaultIntervalMinutes = 60
	defaultTransfers       = 8
	defaultCheckers        = 8
	defaultTimeoutSeconds  = 30
	defaultRetries         = 10

	// progressEmitGap coalesces progress notifications to roughly five
	// per second per job.
	progressEmitGap = 200 * time.Millisecond
)

type Orchestrator struct {
	log    *zap.Logger
	runner ToolRunner
	parser *telemetry.Parser
	bus    *notify.Bus
	opts   Options

	jobRepo       *store.JobRepository
	activityRepo  *store.ActivityRepository
	analyticsRepo *store.AnalyticsRepository

	mu        sync.RWMutex
	jobs      map[string]*model.Job
	analytics map[string]model.AnalyticsRecord

	procs  *registry
	online atomic.Bool

	quotaMu sync.RWMutex
	quota   model.QuotaSnapshot

	emitMu   sync.Mutex
	lastEmit map[string]time.Time

	// dial is swapped out in tests.
	dial func(network, addr string, timeout time.Duration) (net.Conn, error)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New loads persisted state and builds the orchestrator. Jobs persisted as
// running belong to a previous process and are reset to idle.
func New(runner ToolRunner, jobRepo *store.JobRepository, activityRepo *store.ActivityRepository,
	analyticsRepo *store.AnalyticsRepository, bus *notify.Bus, log *zap.Logger, opts Options) (*Orchestrator, error) {

	opts.withDefaults()

	jobs, err := jobRepo.GetAll()
	if err != nil {
		return nil, err
	}
	analytics, err := analyticsRepo.GetAll()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	o := &Orchestrator{
		log:           log,
		runner:        runner,
		parser:        telemetry.NewParser(),
		bus:           bus,
		opts:          opts,
		jobRepo:       jobRepo,
		activityRepo:  activityRepo,
		analyticsRepo: analyticsRepo,
		jobs:          make(map[string]*model.Job, len(jobs)),
		analytics:     analytics,
		procs:         newRegistry(),
		lastEmit:      make(map[string]time.Time),
		dial:          net.DialTimeout,
		ctx:           ctx,
		cancel:        cancel,
	}

	for i := range jobs {
		job := jobs[i]
		if job.Status == model.JobStatusRunning {
			job.Status = model.JobStatusIdle
			job.Speed = 0
			job.Progress = 0
		}
		if job.DiffStatus == model.DiffChecking {
			job.DiffStatus = model.DiffUnknown
		}
		o.jobs[job.ID] = &job
	}

	return o, nil
}

// Start probes connectivity once and launches the background loops.
func (o *Orchestrator) Start() {
	o.online.Store(o.probeConnectivity() == nil)
	if !o.online.Load() {
		o.log.Warn("starting offline", zap.String("probe_target", o.opts.ProbeTarget))
	}

	o.wg.Add(2)
	go o.schedulerLoop()
	go o.connectivityLoop()

	if o.opts.QuotaRemote != "" {
		o.wg.Add(1)
		go o.quotaLoop()
	}
}

// Shutdown stops every supervised process in parallel and waits for all
// runs to settle, bounded by the context or the configured grace period.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	for _, id := range o.procs.ids() {
		if h, ok := o.procs.get(id); ok {
			h.stop()
		}
	}

	o.cancel()

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.opts.ShutdownGrace)
		defer cancel()
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.log.Info("orchestrator stopped")
	case <-ctx.Done():
		o.log.Warn("shutdown grace period expired with runs still settling")
	}
}

// AddJob registers a new job, filling in an id and tuning defaults.
func (o *Orchestrator) AddJob(def model.Job) model.JobView {
	now := time.Now()

	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	if def.Name == "" {
		def.Name = def.Source
	}
	if def.IntervalMinutes < 1 {
		def.IntervalMinutes = defaultIntervalMinutes
	}
	if def.Transfers <= 0 {
		def.Transfers = defaultTransfers
	}
	if def.Checkers <= 0 {
		def.Checkers = defaultCheckers
	}
	if def.TimeoutSeconds <= 0 {
		def.TimeoutSeconds = defaultTimeoutSeconds
	}
	if def.Retries <= 0 {
		def.Retries = defaultRetries
	}

	def.Status = model.JobStatusIdle
	def.DiffStatus = model.DiffUnknown
	def.CreatedAt = now
	next := now.Add(interval(def.IntervalMinutes))
	def.NextRun = &next

	o.mu.Lock()
	o.jobs[def.ID] = &def
	o.persistLocked(&def)
	view := o.viewLocked(&def)
	o.mu.Unlock()

	o.logActivity(model.ActivityInfo, def.ID, def.Name, "job created", nil)
	o.publishJobs()

	o.log.Info("job added",
		zap.String("id", def.ID),
		zap.String("source", def.Source),
		zap.String("destination", def.Destination))

	return view
}

// UpdateJob merges the patch into an existing job. It returns nil when the
// id is unknown.
func (o *Orchestrator) UpdateJob(id string, patch model.JobPatch) *model.JobView {
	o.mu.Lock()
	job, ok := o.jobs[id]
	if !ok {
		o.mu.Unlock()
		return nil
	}

	if patch.Name != nil {
		job.Name = *patch.Name
	}
	if patch.Source != nil {
		job.Source = *patch.Source
	}
	if patch.Destination != nil {
		job.Destination = *patch.Destination
	}
	if patch.Transfers != nil {
		job.Transfers = *patch.Transfers
	}
	if patch.Checkers != nil {
		job.Checkers = *patch.Checkers
	}
	if patch.TimeoutSeconds != nil {
		job.TimeoutSeconds = *patch.TimeoutSeconds
	}
	if patch.Retries != nil {
		job.Retries = *patch.Retries
	}
	if patch.IntervalMinutes != nil && *patch.IntervalMinutes >= 1 {
		job.IntervalMinutes = *patch.IntervalMinutes
		base := time.Now()
		if job.LastRun != nil {
			base = *job.LastRun
		}
		next := base.Add(interval(job.IntervalMinutes))
		job.NextRun = &next
	}

	o.persistLocked(job)
	view := o.viewLocked(job)
	name := job.Name
	o.mu.Unlock()

	o.logActivity(model.ActivityInfo, id, name, "job updated", nil)
	o.publishJobs()

	return &view
}

// RemoveJob stops any supervised process first, then deletes the job and
// its analytics. It returns false when the id is unknown.
func (o *Orchestrator) RemoveJob(id string) bool {
	o.mu.RLock()
	job, ok := o.jobs[id]
	var name string
	if ok {
		name = job.Name
	}
	o.mu.RUnlock()
	if !ok {
		return false
	}

	o.StopJob(id)

	o.mu.Lock()
	delete(o.jobs, id)
	delete(o.analytics, id)
	o.mu.Unlock()

	if err := o.jobRepo.Delete(id); err != nil {
		o.log.Warn("failed to delete job record", zap.String("id", id), zap.Error(err))
	}
	if err := o.analyticsRepo.Delete(id); err != nil {
		o.log.Warn("failed to delete analytics record", zap.String("id", id), zap.Error(err))
	}

	o.logActivity(model.ActivityInfo, id, name, "job deleted", nil)
	o.publishJobs()

	return true
}

func (o *Orchestrator) Jobs() []model.JobView {
	o.mu.RLock()
	defer o.mu.RUnlock()

	views := make([]model.JobView, 0, len(o.jobs))
	for _, job := range o.jobs {
		views = append(views, o.viewLocked(job))
	}

	slices.SortFunc(views, func(a, b model.JobView) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})

	return views
}

func (o *Orchestrator) Job(id string) *model.JobView {
	o.mu.RLock()
	defer o.mu.RUnlock()

	job, ok := o.jobs[id]
	if !ok {
		return nil
	}
	view := o.viewLocked(job)
	return &view
}

// ActivityLog returns the newest entries first, at most limit of them.
func (o *Orchestrator) ActivityLog(limit int) []model.ActivityEntry {
	entries, err := o.activityRepo.Recent(limit)
	if err != nil {
		o.log.Warn("failed to read activity log", zap.Error(err))
		return nil
	}
	return entries
}

func (o *Orchestrator) ClearActivityLog() {
	if err := o.activityRepo.Clear(); err != nil {
		o.log.Warn("failed to clear activity log", zap.Error(err))
		return
	}
	o.bus.Publish(notify.Event{Type: notify.EventActivityCleared})
}

func (o *Orchestrator) viewLocked(job *model.Job) model.JobView {
	view := model.JobView{Job: *job}
	if rec, ok := o.analytics[job.ID]; ok {
		view.Analytics = rec
	} else {
		view.Analytics = model.AnalyticsRecord{JobID: job.ID}
	}
	return view
}

// persistLocked writes the job record. Write failures are logged and
// swallowed; in-memory state stays authoritative.
func (o *Orchestrator) persistLocked(job *model.Job) {
	if err := o.jobRepo.Save(job); err != nil {
		o.log.Warn("failed to persist job", zap.String("id", job.ID), zap.Error(err))
	}
}

func (o *Orchestrator) publishJobs() {
	o.bus.Publish(notify.Event{Type: notify.EventJobs, Jobs: o.Jobs()})
}

func (o *Orchestrator) logActivity(typ model.ActivityType, jobID, jobName, msg string, detail *model.ActivityDetail) {
	now := time.Now()
	entry := model.ActivityEntry{
		ID:        model.NewActivityID(now),
		Timestamp: now,
		Type:      typ,
		JobID:     jobID,
		JobName:   jobName,
		Message:   msg,
		Detail:    detail,
	}

	if err := o.activityRepo.Append(entry); err != nil {
		o.log.Warn("failed to persist activity entry", zap.Error(err))
	}

	o.bus.Publish(notify.Event{Type: notify.EventActivity, Entry: &entry})
}

func interval(minutes int) time.Duration {
	return time.Duration(minutes) * time.Minute
}
