package scheduler

import (
	"context"
	"fmt"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// Kind identifies a job variant.
type Kind string

const (
	KindProductSync         Kind = "product_sync"
	KindInventorySync       Kind = "inventory_sync"
	KindPriceSync           Kind = "price_sync"
	KindOrderSync           Kind = "order_sync"
	KindFullSync            Kind = "full_sync"
	KindAbandonedCartDetect Kind = "abandoned_cart_detect"
	KindCleanup             Kind = "cleanup"
)

// Executor performs one run of a job and returns a result payload.
type Executor func(ctx context.Context) (map[string]any, error)

// Job is one registered periodic job. Either Interval or CronExpr drives the
// schedule; CronExpr wins when both are set.
type Job struct {
	ID               string        `json:"job_id" toml:"id"`
	Kind             Kind          `json:"kind" toml:"kind"`
	Interval         time.Duration `json:"interval" toml:"interval"`
	CronExpr         string        `json:"cron_expr,omitempty" toml:"cron"`
	Enabled          bool          `json:"enabled" toml:"enabled"`
	RetryCount       int           `json:"retry_count" toml:"retry_count"`
	RetryDelay       time.Duration `json:"retry_delay" toml:"retry_delay"`
	MaxExecutionTime time.Duration `json:"max_execution_time" toml:"max_execution_time"`
}

// JobRun is one append-only history entry.
type JobRun struct {
	RunID      string         `json:"run_id"`
	JobID      string         `json:"job_id"`
	Kind       Kind           `json:"kind"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Success    bool           `json:"success"`
	Attempts   int            `json:"attempts"`
	Result     map[string]any `json:"result_payload,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// cronParser accepts standard 5-field expressions.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow)

// Validate checks a job config at registration time.
func (j *Job) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("job id required")
	}
	if j.CronExpr != "" {
		if _, err := cronParser.Parse(j.CronExpr); err != nil {
			return fmt.Errorf("job %s: invalid cron expression %q: %w", j.ID, j.CronExpr, err)
		}
	} else if j.Interval <= 0 {
		return fmt.Errorf("job %s: interval must be positive", j.ID)
	}
	if j.RetryCount < 0 {
		return fmt.Errorf("job %s: negative retry count", j.ID)
	}
	return nil
}

// nextAfter returns the next tick strictly after t.
func (j *Job) nextAfter(t time.Time) time.Time {
	if j.CronExpr != "" {
		// Validated at registration.
		sched, _ := cronParser.Parse(j.CronExpr)
		return sched.Next(t)
	}
	return t.Add(j.Interval)
}
