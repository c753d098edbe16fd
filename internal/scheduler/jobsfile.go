package scheduler

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"

	. "github.com/chatbuddy-io/chatbuddy/internal/logging"
)

// jobsFile is the on-disk shape of a jobs override file.
type jobsFile struct {
	Jobs []jobEntry `toml:"jobs"`
}

// jobEntry mirrors Job with string durations for TOML friendliness.
type jobEntry struct {
	ID               string `toml:"id"`
	Kind             string `toml:"kind"`
	Interval         string `toml:"interval"`
	Cron             string `toml:"cron"`
	Enabled          bool   `toml:"enabled"`
	RetryCount       int    `toml:"retry_count"`
	RetryDelay       string `toml:"retry_delay"`
	MaxExecutionTime string `toml:"max_execution_time"`
}

// LoadJobsFile reads job overrides from a TOML file.
func LoadJobsFile(path string) ([]Job, error) {
	var file jobsFile
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return nil, fmt.Errorf("jobs file %s: %w", path, err)
	}

	jobs := make([]Job, 0, len(file.Jobs))
	for _, e := range file.Jobs {
		job := Job{
			ID:         e.ID,
			Kind:       Kind(e.Kind),
			CronExpr:   e.Cron,
			Enabled:    e.Enabled,
			RetryCount: e.RetryCount,
		}
		var err error
		if job.Interval, err = parseDuration(e.Interval); err != nil {
			return nil, fmt.Errorf("jobs file %s: job %s interval: %w", path, e.ID, err)
		}
		if job.RetryDelay, err = parseDuration(e.RetryDelay); err != nil {
			return nil, fmt.Errorf("jobs file %s: job %s retry_delay: %w", path, e.ID, err)
		}
		if job.MaxExecutionTime, err = parseDuration(e.MaxExecutionTime); err != nil {
			return nil, fmt.Errorf("jobs file %s: job %s max_execution_time: %w", path, e.ID, err)
		}
		if err := job.Validate(); err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

// WatchJobsFile reloads the jobs file on change and hands the parsed jobs to
// apply. Editors that replace the file are handled by watching the parent
// directory. Returns a stop function.
func WatchJobsFile(path string, apply func([]Job)) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("jobs watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("jobs watcher: %w", err)
	}

	target, _ := filepath.Abs(path)
	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				evPath, _ := filepath.Abs(ev.Name)
				if evPath != target {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				if _, err := os.Stat(path); err != nil {
					continue
				}
				jobs, err := LoadJobsFile(path)
				if err != nil {
					L_warn("scheduler: jobs file reload failed", "path", path, "error", err)
					continue
				}
				L_info("scheduler: jobs file reloaded", "path", path, "jobs", len(jobs))
				apply(jobs)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				L_warn("scheduler: jobs watcher error", "error", err)
			}
		}
	}()

	return func() { watcher.Close() }, nil
}
