package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"driftsync/internal/db"
	"driftsync/internal/model"
	"driftsync/internal/notify"
	"driftsync/internal/rclone"
	"driftsync/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeRunner stands in for the external transfer tool. Sync runs can be
// held open with block to keep a job "running" while assertions happen.
type fakeRunner struct {
	mu         sync.Mutex
	syncCalls  int
	checkCalls int
	probeCalls int
	block      chan struct{}
	output     []byte
	exitErr    error
	checkCode  int
	checkErr   error
	probeErr   error
	quota      model.QuotaSnapshot
	aboutErr   error
}

func (f *fakeRunner) Run(ctx context.Context, args []string, opts rclone.RunOptions) (int, error) {
	f.mu.Lock()
	kind := args[0]
	switch kind {
	case "sync":
		f.syncCalls++
	case "check":
		f.checkCalls++
	}
	block := f.block
	output := f.output
	exitErr := f.exitErr
	checkCode, checkErr := f.checkCode, f.checkErr
	f.mu.Unlock()

	if kind == "check" {
		return checkCode, checkErr
	}

	if opts.OnSpawn != nil {
		opts.OnSpawn()
	}
	if len(output) > 0 && opts.OnOutput != nil {
		opts.OnOutput(output)
	}

	if block != nil {
		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case <-block:
		}
	}

	if exitErr != nil {
		return 1, exitErr
	}
	return 0, nil
}

func (f *fakeRunner) Probe(ctx context.Context, remote string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probeCalls++
	return f.probeErr
}

func (f *fakeRunner) About(ctx context.Context, remote string) (model.QuotaSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.quota, f.aboutErr
}

func (f *fakeRunner) syncCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.syncCalls
}

func newTestOrchestrator(t *testing.T, runner ToolRunner) *Orchestrator {
	t.Helper()

	gormDB, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)

	o, err := New(runner,
		store.NewJobRepository(gormDB),
		store.NewActivityRepository(gormDB, 100),
		store.NewAnalyticsRepository(gormDB),
		notify.NewBus(),
		zap.NewNop(),
		Options{})
	require.NoError(t, err)

	t.Cleanup(o.cancel)
	return o
}

func addLocalJob(t *testing.T, o *Orchestrator) model.JobView {
	t.Helper()
	return o.AddJob(model.Job{
		Source:          t.TempDir(),
		Destination:     "remote1:backup",
		IntervalMinutes: 5,
	})
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func countMessages(entries []model.ActivityEntry, prefix string) int {
	n := 0
	for _, e := range entries {
		if strings.HasPrefix(e.Message, prefix) {
			n++
		}
	}
	return n
}

func TestAddJobAssignsDefaults(t *testing.T) {
	o := newTestOrchestrator(t, &fakeRunner{})

	before := time.Now()
	view := o.AddJob(model.Job{Source: "/tmp/a", Destination: "remote1:backup", IntervalMinutes: 5})

	assert.NotEmpty(t, view.ID)
	assert.Equal(t, model.JobStatusIdle, view.Status)
	assert.Equal(t, 5, view.IntervalMinutes)
	assert.Equal(t, 8, view.Transfers)
	assert.Equal(t, 8, view.Checkers)
	assert.Equal(t, 30, view.TimeoutSeconds)
	assert.Equal(t, 10, view.Retries)

	require.NotNil(t, view.NextRun)
	assert.WithinDuration(t, before.Add(5*time.Minute), *view.NextRun, time.Second)

	entries := o.ActivityLog(0)
	assert.Equal(t, 1, countMessages(entries, "job created"))

	got := o.Job(view.ID)
	require.NotNil(t, got)
	assert.Equal(t, view.ID, got.Analytics.JobID)
}

func TestRunNowIsIdempotentWhileRunning(t *testing.T) {
	runner := &fakeRunner{block: make(chan struct{})}
	o := newTestOrchestrator(t, runner)
	job := addLocalJob(t, o)

	require.True(t, o.RunNow(job.ID))
	assert.False(t, o.RunNow(job.ID), "second start while in flight must be refused")

	waitFor(t, func() bool {
		return o.Job(job.ID).Status == model.JobStatusRunning
	}, "job to reach running")

	close(runner.block)
	waitFor(t, func() bool { return !o.procs.has(job.ID) }, "process to be released")

	assert.Equal(t, 1, runner.syncCount())
	assert.Equal(t, 1, countMessages(o.ActivityLog(0), "starting sync"))
}

func TestRunNowUnknownJob(t *testing.T) {
	o := newTestOrchestrator(t, &fakeRunner{})
	assert.False(t, o.RunNow("no-such-id"))
}

func TestStatusMatchesSupervisedTable(t *testing.T) {
	runner := &fakeRunner{block: make(chan struct{})}
	o := newTestOrchestrator(t, runner)
	job := addLocalJob(t, o)

	require.True(t, o.RunNow(job.ID))
	waitFor(t, func() bool {
		return o.Job(job.ID).Status == model.JobStatusRunning
	}, "job to reach running")
	assert.True(t, o.procs.has(job.ID))

	close(runner.block)
	waitFor(t, func() bool {
		return o.Job(job.ID).Status != model.JobStatusRunning
	}, "job to finish")
	assert.False(t, o.procs.has(job.ID))
}

func TestStopJobReturnsToIdleNotError(t *testing.T) {
	runner := &fakeRunner{block: make(chan struct{})}
	o := newTestOrchestrator(t, runner)
	job := addLocalJob(t, o)

	require.True(t, o.RunNow(job.ID))
	waitFor(t, func() bool {
		return o.Job(job.ID).Status == model.JobStatusRunning
	}, "job to reach running")

	require.True(t, o.StopJob(job.ID))

	waitFor(t, func() bool {
		return o.Job(job.ID).Status == model.JobStatusIdle
	}, "job to settle idle")

	got := o.Job(job.ID)
	assert.Empty(t, got.LastError)
	assert.Zero(t, got.Progress)
	assert.Zero(t, got.Speed)

	// A user stop never counts as an error in analytics.
	assert.Zero(t, got.Analytics.ErrorCount)
	assert.Zero(t, got.Analytics.SuccessCount)

	assert.Equal(t, 1, countMessages(o.ActivityLog(0), "stopped by user"))
	assert.False(t, o.StopJob(job.ID), "nothing left to stop")
}

func TestRemoveJobStopsRunningProcessFirst(t *testing.T) {
	runner := &fakeRunner{block: make(chan struct{})}
	o := newTestOrchestrator(t, runner)
	job := addLocalJob(t, o)

	require.True(t, o.RunNow(job.ID))
	waitFor(t, func() bool { return o.procs.has(job.ID) }, "process to register")

	require.True(t, o.RemoveJob(job.ID))

	waitFor(t, func() bool { return !o.procs.has(job.ID) }, "process to be released")
	assert.Nil(t, o.Job(job.ID))
	assert.False(t, o.RemoveJob(job.ID), "second remove finds nothing")
}

func TestSuccessfulRunUpdatesJobAndAnalytics(t *testing.T) {
	stats := []byte(`{"level":"info","stats":{"bytes":4096,"totalBytes":4096,"transfers":3,"totalTransfers":3}}` + "\n")
	runner := &fakeRunner{output: stats}
	o := newTestOrchestrator(t, runner)
	job := addLocalJob(t, o)

	before := time.Now()
	require.True(t, o.RunNow(job.ID))

	waitFor(t, func() bool {
		return o.Job(job.ID).Status == model.JobStatusSuccess
	}, "job to succeed")

	got := o.Job(job.ID)
	assert.Equal(t, 100, got.Progress)
	assert.Zero(t, got.Speed)
	require.NotNil(t, got.NextRun)
	assert.WithinDuration(t, before.Add(5*time.Minute), *got.NextRun, 2*time.Second)

	assert.Equal(t, 1, got.Analytics.SuccessCount)
	assert.Equal(t, int64(4096), got.Analytics.TotalBytes)

	assert.Equal(t, 1, countMessages(o.ActivityLog(0), "sync finished"))
}

func TestFailedRunRecordsErrorAndReschedules(t *testing.T) {
	runner := &fakeRunner{exitErr: errors.New("rclone exited with code 3")}
	o := newTestOrchestrator(t, runner)
	job := addLocalJob(t, o)

	require.True(t, o.RunNow(job.ID))

	waitFor(t, func() bool {
		return o.Job(job.ID).Status == model.JobStatusError
	}, "job to fail")

	got := o.Job(job.ID)
	assert.Contains(t, got.LastError, "code 3")
	assert.NotNil(t, got.NextRun, "failed jobs stay on the schedule")
	assert.Equal(t, 1, got.Analytics.ErrorCount)
	assert.Equal(t, 1, countMessages(o.ActivityLog(0), "sync failed"))
}

func TestUnreachableDestinationFailsBeforeSpawn(t *testing.T) {
	runner := &fakeRunner{probeErr: fmt.Errorf("remote %s unreachable: connection refused", "remote1")}
	o := newTestOrchestrator(t, runner)
	job := addLocalJob(t, o)

	require.True(t, o.RunNow(job.ID))

	waitFor(t, func() bool {
		return o.Job(job.ID).Status == model.JobStatusError
	}, "job to fail preconditions")

	got := o.Job(job.ID)
	assert.Contains(t, got.LastError, "remote1")
	assert.Zero(t, runner.syncCount(), "no process may be spawned")
	assert.False(t, o.procs.has(job.ID))
}

func TestMissingLocalSourceFailsBeforeSpawn(t *testing.T) {
	runner := &fakeRunner{}
	o := newTestOrchestrator(t, runner)
	view := o.AddJob(model.Job{
		Source:      "/nonexistent/driftsync-test-src",
		Destination: "remote1:backup",
	})

	require.True(t, o.RunNow(view.ID))

	waitFor(t, func() bool {
		return o.Job(view.ID).Status == model.JobStatusError
	}, "job to fail preconditions")

	assert.Contains(t, o.Job(view.ID).LastError, "does not exist")
	assert.Zero(t, runner.syncCount())
}

func TestUpdateJob(t *testing.T) {
	o := newTestOrchestrator(t, &fakeRunner{})
	job := addLocalJob(t, o)

	name := "renamed"
	interval := 15
	view := o.UpdateJob(job.ID, model.JobPatch{Name: &name, IntervalMinutes: &interval})
	require.NotNil(t, view)
	assert.Equal(t, "renamed", view.Name)
	assert.Equal(t, 15, view.IntervalMinutes)
	require.NotNil(t, view.NextRun)
	assert.WithinDuration(t, time.Now().Add(15*time.Minute), *view.NextRun, 2*time.Second)

	assert.Nil(t, o.UpdateJob("no-such-id", model.JobPatch{Name: &name}))
}

func TestCheckDiffOutcomes(t *testing.T) {
	runner := &fakeRunner{checkCode: 0}
	o := newTestOrchestrator(t, runner)
	job := addLocalJob(t, o)

	require.True(t, o.CheckDiff(job.ID))
	waitFor(t, func() bool {
		return o.Job(job.ID).DiffStatus == model.DiffSynced
	}, "check to report synced")
	require.NotNil(t, o.Job(job.ID).LastCheck)

	// No sync is triggered by the check result alone.
	assert.Zero(t, runner.syncCount())

	runner.mu.Lock()
	runner.checkCode = 1
	runner.mu.Unlock()

	require.True(t, o.CheckDiff(job.ID))
	waitFor(t, func() bool {
		return o.Job(job.ID).DiffStatus == model.DiffDifferent
	}, "check to report differences")

	runner.mu.Lock()
	runner.checkErr = errors.New("rclone exited with code 2")
	runner.mu.Unlock()

	require.True(t, o.CheckDiff(job.ID))
	waitFor(t, func() bool {
		return o.Job(job.ID).DiffStatus == model.DiffError
	}, "check to report failure")
}

func TestCheckDiffRefusedWhileRunningOrChecking(t *testing.T) {
	runner := &fakeRunner{block: make(chan struct{})}
	o := newTestOrchestrator(t, runner)
	job := addLocalJob(t, o)

	require.True(t, o.RunNow(job.ID))
	waitFor(t, func() bool { return o.procs.has(job.ID) }, "process to register")
	assert.False(t, o.CheckDiff(job.ID), "no check while running")
	close(runner.block)

	waitFor(t, func() bool { return !o.procs.has(job.ID) }, "process to be released")

	o.mu.Lock()
	o.jobs[job.ID].DiffStatus = model.DiffChecking
	o.mu.Unlock()
	assert.False(t, o.CheckDiff(job.ID), "no concurrent checks")

	assert.False(t, o.CheckDiff("no-such-id"))
}

func TestSchedulerPassRunsDueJobsOnly(t *testing.T) {
	runner := &fakeRunner{block: make(chan struct{})}
	defer close(runner.block)
	o := newTestOrchestrator(t, runner)

	due := addLocalJob(t, o)
	notDue := addLocalJob(t, o)

	past := time.Now().Add(-time.Minute)
	o.mu.Lock()
	o.jobs[due.ID].NextRun = &past
	o.mu.Unlock()

	o.schedulerPass(time.Now())

	waitFor(t, func() bool { return o.procs.has(due.ID) }, "due job to start")
	assert.False(t, o.procs.has(notDue.ID))
	waitFor(t, func() bool { return runner.syncCount() == 1 }, "sync process to spawn")

	// A second pass does not double-start the running job.
	o.schedulerPass(time.Now())
	assert.Equal(t, 1, runner.syncCount())
}

func TestSchedulerSkipsJobsMidCheck(t *testing.T) {
	runner := &fakeRunner{}
	o := newTestOrchestrator(t, runner)
	job := addLocalJob(t, o)

	past := time.Now().Add(-time.Minute)
	o.mu.Lock()
	o.jobs[job.ID].NextRun = &past
	o.jobs[job.ID].DiffStatus = model.DiffChecking
	o.mu.Unlock()

	o.schedulerPass(time.Now())
	assert.Zero(t, runner.syncCount())
}

func TestOnlineTransitionRearmsErroredJobs(t *testing.T) {
	runner := &fakeRunner{block: make(chan struct{})}
	defer close(runner.block)
	o := newTestOrchestrator(t, runner)

	errored := addLocalJob(t, o)
	healthy := addLocalJob(t, o)

	future := time.Now().Add(time.Hour)
	o.mu.Lock()
	o.jobs[errored.ID].Status = model.JobStatusError
	o.jobs[errored.ID].NextRun = &future
	o.jobs[healthy.ID].NextRun = &future
	o.mu.Unlock()

	o.onOnline()

	assert.Equal(t, model.JobStatusIdle, o.Job(errored.ID).Status)
	assert.Equal(t, model.JobStatusIdle, o.Job(healthy.ID).Status)
	assert.Equal(t, 1, countMessages(o.ActivityLog(0), "connection restored"))
}

func TestStatsAggregatesRunningJobs(t *testing.T) {
	stats := []byte(`{"level":"info","stats":{"bytes":500,"totalBytes":1000,"transfers":2,"totalTransfers":4}}` + "\n")
	runner := &fakeRunner{block: make(chan struct{}), output: stats}
	o := newTestOrchestrator(t, runner)

	a := addLocalJob(t, o)
	b := addLocalJob(t, o)

	require.True(t, o.RunNow(a.ID))
	require.True(t, o.RunNow(b.ID))

	waitFor(t, func() bool {
		return o.Job(a.ID).Bytes == 500 && o.Job(b.ID).Bytes == 500
	}, "both jobs to report progress")

	agg := o.Stats()
	assert.Equal(t, 2, agg.ActiveJobs)
	assert.Equal(t, int64(1000), agg.Bytes)
	assert.Equal(t, int64(4), agg.Files)

	close(runner.block)
	waitFor(t, func() bool { return o.procs.size() == 0 }, "all processes to settle")
	assert.Zero(t, o.Stats().ActiveJobs)
}

func TestQuotaRefresh(t *testing.T) {
	runner := &fakeRunner{quota: model.QuotaSnapshot{
		Total:       1000,
		Used:        250,
		Free:        750,
		UsedPercent: 25,
		CheckedAt:   time.Now(),
	}}
	o := newTestOrchestrator(t, runner)
	o.opts.QuotaRemote = "remote1:"

	o.refreshQuota()

	quota := o.Stats().Quota
	assert.Equal(t, int64(1000), quota.Total)
	assert.Equal(t, float64(25), quota.UsedPercent)
}

func TestClearActivityLog(t *testing.T) {
	o := newTestOrchestrator(t, &fakeRunner{})
	addLocalJob(t, o)

	require.NotEmpty(t, o.ActivityLog(0))
	o.ClearActivityLog()
	assert.Empty(t, o.ActivityLog(0))
}

func TestSlotFreedOnlyAfterRunSettles(t *testing.T) {
	runner := &fakeRunner{block: make(chan struct{})}
	o := newTestOrchestrator(t, runner)
	job := addLocalJob(t, o)

	require.True(t, o.RunNow(job.ID))
	waitFor(t, func() bool {
		return o.Job(job.ID).Status == model.JobStatusRunning
	}, "job to reach running")

	// Hammer the slot so a new claim lands the moment it frees.
	claimed := make(chan struct{})
	go func() {
		for !o.execute(job.ID) {
		}
		close(claimed)
	}()

	// One token releases only the first run; the reclaimed one stays
	// blocked in the runner.
	runner.block <- struct{}{}
	<-claimed

	// A freed slot means the previous run fully settled: its outcome,
	// analytics and activity were recorded before anyone could claim
	// the job again, so the new run's state cannot be overwritten.
	got := o.Job(job.ID)
	assert.Equal(t, 1, got.Analytics.SuccessCount)
	assert.Equal(t, 1, countMessages(o.ActivityLog(0), "sync finished"))
}

func TestProgressNotificationsAreCoalesced(t *testing.T) {
	runner := &fakeRunner{block: make(chan struct{})}
	defer close(runner.block)
	o := newTestOrchestrator(t, runner)
	job := addLocalJob(t, o)

	require.True(t, o.RunNow(job.ID))
	waitFor(t, func() bool {
		return o.Job(job.ID).Status == model.JobStatusRunning
	}, "job to reach running")

	line := func(bytes int64) []byte {
		return fmt.Appendf(nil,
			`{"level":"info","stats":{"bytes":%d,"totalBytes":1000}}`+"\n", bytes)
	}

	// Five rapid stats records land inside one coalescing window: only
	// the first becomes an activity entry.
	for i := int64(1); i <= 5; i++ {
		o.ingest(job.ID, line(i*100))
	}
	assert.Equal(t, 1, countMessages(o.ActivityLog(0), "syncing:"))

	// The job record itself still tracks every update.
	assert.Equal(t, int64(500), o.Job(job.ID).Bytes)

	// Once the window has passed, the next update is emitted again.
	o.emitMu.Lock()
	o.lastEmit[job.ID] = time.Now().Add(-2 * progressEmitGap)
	o.emitMu.Unlock()

	o.ingest(job.ID, line(600))
	assert.Equal(t, 2, countMessages(o.ActivityLog(0), "syncing:"))
}

// slowProbeRunner holds the reachability probe open so a stop can land
// while preconditions are still being checked.
type slowProbeRunner struct {
	fakeRunner
	probeStarted chan struct{}
	probeRelease chan struct{}
}

func (r *slowProbeRunner) Probe(ctx context.Context, remote string) error {
	close(r.probeStarted)
	<-r.probeRelease
	return errors.New("probe interrupted")
}

func TestStopDuringPreflightSettlesIdle(t *testing.T) {
	runner := &slowProbeRunner{
		probeStarted: make(chan struct{}),
		probeRelease: make(chan struct{}),
	}
	o := newTestOrchestrator(t, runner)
	job := addLocalJob(t, o)

	require.True(t, o.RunNow(job.ID))
	<-runner.probeStarted

	// The stop arrives before any process could spawn.
	require.True(t, o.StopJob(job.ID))
	close(runner.probeRelease)

	waitFor(t, func() bool { return !o.procs.has(job.ID) }, "run to settle")

	got := o.Job(job.ID)
	assert.Equal(t, model.JobStatusIdle, got.Status)
	assert.Empty(t, got.LastError)
	assert.Zero(t, got.Analytics.ErrorCount)
	assert.Equal(t, 1, countMessages(o.ActivityLog(0), "stopped by user"))
	assert.Zero(t, countMessages(o.ActivityLog(0), "sync failed"))
}

func TestNoNewWorkAfterShutdown(t *testing.T) {
	runner := &fakeRunner{}
	o := newTestOrchestrator(t, runner)
	job := addLocalJob(t, o)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	o.Shutdown(ctx)

	assert.False(t, o.RunNow(job.ID), "no runs once shutdown has begun")
	assert.False(t, o.CheckDiff(job.ID), "no checks once shutdown has begun")
	assert.Zero(t, runner.syncCount())
}

func TestRestartResetsStaleRunningStatus(t *testing.T) {
	gormDB, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)

	jobRepo := store.NewJobRepository(gormDB)
	require.NoError(t, jobRepo.Save(&model.Job{
		ID:          "stale",
		Source:      "/tmp/a",
		Destination: "remote1:backup",
		Status:      model.JobStatusRunning,
		Speed:       4096,
		Progress:    40,
		DiffStatus:  model.DiffChecking,
	}))

	o, err := New(&fakeRunner{}, jobRepo,
		store.NewActivityRepository(gormDB, 100),
		store.NewAnalyticsRepository(gormDB),
		notify.NewBus(), zap.NewNop(), Options{})
	require.NoError(t, err)
	t.Cleanup(o.cancel)

	got := o.Job("stale")
	require.NotNil(t, got)
	assert.Equal(t, model.JobStatusIdle, got.Status)
	assert.Zero(t, got.Speed)
	assert.Zero(t, got.Progress)
	assert.Equal(t, model.DiffUnknown, got.DiffStatus)
}
