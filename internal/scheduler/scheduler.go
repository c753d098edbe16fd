// Package scheduler runs registered sync and housekeeping jobs on their own
// loops, with retries, per-run timeouts and a bounded run history.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chatbuddy-io/chatbuddy/internal/bus"
	"github.com/chatbuddy-io/chatbuddy/internal/cache"
	. "github.com/chatbuddy-io/chatbuddy/internal/logging"
)

// defaultHistoryCap bounds the in-memory run history ring when no limit is
// configured.
const defaultHistoryCap = 1000

// Scheduler owns one goroutine per enabled job. Runs of one job are strictly
// sequential; jobs are independent of each other.
type Scheduler struct {
	mu         sync.Mutex
	jobs       map[string]Job
	executors  map[Kind]Executor
	history    []JobRun
	historyCap int

	store cache.Store
	bus   *bus.Bus

	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds a scheduler. store persists run records (nil to skip); b
// receives sync events (nil to skip); historyCap bounds the run history
// ring (defaultHistoryCap when <= 0).
func New(store cache.Store, b *bus.Bus, historyCap int) *Scheduler {
	if historyCap <= 0 {
		historyCap = defaultHistoryCap
	}
	return &Scheduler{
		jobs:       make(map[string]Job),
		executors:  make(map[Kind]Executor),
		historyCap: historyCap,
		store:      store,
		bus:        b,
	}
}

// RegisterExecutor binds a job kind to its executor.
func (s *Scheduler) RegisterExecutor(kind Kind, exec Executor) {
	s.mu.Lock()
	s.executors[kind] = exec
	s.mu.Unlock()
}

// Register adds or replaces a job config. Takes effect on the next Start;
// a running scheduler picks up replacements only after restart.
func (s *Scheduler) Register(job Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.jobs[job.ID] = job
	s.mu.Unlock()
	L_debug("scheduler: job registered", "id", job.ID, "kind", string(job.Kind), "enabled", job.Enabled)
	return nil
}

// Jobs returns the registered job configs.
func (s *Scheduler) Jobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	return out
}

// Start launches one loop per enabled job.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	jobs := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if j.Enabled {
			jobs = append(jobs, j)
		}
	}
	s.mu.Unlock()

	for _, job := range jobs {
		s.wg.Add(1)
		go s.runLoop(runCtx, job)
	}
	L_info("scheduler: started", "jobs", len(jobs))
}

// Stop cancels every job loop and waits for in-flight runs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	L_info("scheduler: stopped")
}

// runLoop executes one job on its schedule. The interval is measured from
// run start; an overrunning execution drops the next tick instead of
// accumulating a backlog.
func (s *Scheduler) runLoop(ctx context.Context, job Job) {
	defer s.wg.Done()

	for {
		start := time.Now()
		s.RunNow(ctx, job)

		next := job.nextAfter(start)
		for !next.After(time.Now()) {
			// Overrun: skip past ticks.
			next = job.nextAfter(next)
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// RunNow executes one run of the job including retry logic, records the
// JobRun and notifies subscribers. Exposed for the admin surface and tests.
func (s *Scheduler) RunNow(ctx context.Context, job Job) JobRun {
	s.mu.Lock()
	exec := s.executors[job.Kind]
	s.mu.Unlock()

	run := JobRun{
		RunID:     uuid.NewString(),
		JobID:     job.ID,
		Kind:      job.Kind,
		StartedAt: time.Now().UTC(),
	}

	if exec == nil {
		run.FinishedAt = time.Now().UTC()
		run.Error = fmt.Sprintf("no executor for kind %s", job.Kind)
		s.record(ctx, run)
		return run
	}

	result, err := s.attempt(ctx, job, exec)
	run.Attempts = 1

	for err != nil && run.Attempts <= job.RetryCount {
		select {
		case <-ctx.Done():
			err = ctx.Err()
		case <-time.After(job.RetryDelay):
			result, err = s.attempt(ctx, job, exec)
			run.Attempts++
			continue
		}
		break
	}

	run.FinishedAt = time.Now().UTC()
	run.Success = err == nil
	run.Result = result
	if err != nil {
		run.Error = err.Error()
		L_warn("scheduler: job failed", "id", job.ID, "attempts", run.Attempts, "error", err)
	} else {
		L_debug("scheduler: job completed", "id", job.ID, "attempts", run.Attempts,
			"elapsed", run.FinishedAt.Sub(run.StartedAt).String())
	}

	s.record(ctx, run)
	return run
}

// attempt runs the executor once under the job's execution budget.
func (s *Scheduler) attempt(ctx context.Context, job Job, exec Executor) (map[string]any, error) {
	if job.MaxExecutionTime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, job.MaxExecutionTime)
		defer cancel()
	}
	return exec(ctx)
}

// record appends the run to the history ring, persists it and publishes the
// outcome event.
func (s *Scheduler) record(ctx context.Context, run JobRun) {
	s.mu.Lock()
	s.history = append(s.history, run)
	if len(s.history) > s.historyCap {
		s.history = s.history[len(s.history)-s.historyCap:]
	}
	s.mu.Unlock()

	if s.store != nil {
		key := fmt.Sprintf("run:%s:%s", run.JobID, run.RunID)
		if err := s.store.Set(ctx, key, run, cache.NSJobHistory, 0); err != nil {
			L_warn("scheduler: run persist failed", "run", run.RunID, "error", err)
		}
	}

	if s.bus != nil {
		eventType := bus.EventSyncCompleted
		if !run.Success {
			eventType = bus.EventSyncFailed
		}
		s.bus.Publish(bus.Event{
			Type:   eventType,
			Source: "scheduler",
			Payload: map[string]any{
				"run_id":   run.RunID,
				"job_id":   run.JobID,
				"kind":     string(run.Kind),
				"success":  run.Success,
				"attempts": run.Attempts,
			},
		})
	}
}

// History returns up to limit most recent runs, newest first. limit <= 0
// returns everything in the ring.
func (s *Scheduler) History(limit int) []JobRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]JobRun, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, s.history[i])
	}
	return out
}

// JobHistory filters History to one job id.
func (s *Scheduler) JobHistory(jobID string, limit int) []JobRun {
	all := s.History(0)
	out := make([]JobRun, 0, limit)
	for _, run := range all {
		if run.JobID == jobID {
			out = append(out, run)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out
}
