// Package watcher keeps the bot's job alive. It polls the platform and runs
// the restart sequence when the job is gone, has failed, or stopped writing
// its log.
package watcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bboozzoo/relaunch/config"
	"github.com/bboozzoo/relaunch/jobs"
	"github.com/bboozzoo/relaunch/logfile"
	"github.com/bboozzoo/relaunch/restart"
)

// Restarter runs one restart sequence. Implemented by restart.Restarter.
type Restarter interface {
	Run(ctx context.Context) (*restart.Report, error)
}

const (
	defaultInterval = 5 * time.Minute
	// maxRestartGap bounds the growth of the gap between failing
	// restarts.
	maxRestartGap = 6 * time.Hour
)

// A Watcher supervises a single continuous job.
type Watcher struct {
	cfg       *config.Config
	client    jobs.Client
	restarter Restarter

	kick chan struct{}

	mu          sync.Mutex
	restarting  bool
	lastReport  *restart.Report
	lastRestart time.Time
	failures    int
}

// Status is a snapshot of the watcher for the control API.
type Status struct {
	Job         string     `json:"job"`
	Restarting  bool       `json:"restarting"`
	LastRestart *time.Time `json:"last_restart,omitempty"`
	// Failures counts restarts which failed in a row, it resets on
	// success.
	Failures int `json:"consecutive_failures"`
}

// New returns a Watcher for the configured job. Restarts go through r,
// status queries through client.
func New(cfg *config.Config, client jobs.Client, r Restarter) *Watcher {
	return &Watcher{
		cfg:       cfg,
		client:    client,
		restarter: r,
		kick:      make(chan struct{}, 1),
	}
}

// Kick requests a restart outside the regular schedule, eg. on behalf of an
// operator. It never blocks, a pending kick is enough.
func (w *Watcher) Kick() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

// LastReport returns the report of the most recent restart, or nil when none
// has run yet.
func (w *Watcher) LastReport() *restart.Report {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastReport
}

// Restarting reports whether a restart sequence is running right now.
func (w *Watcher) Restarting() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.restarting
}

// Status returns a snapshot of the watcher.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	st := Status{
		Job:        w.cfg.Job.Name,
		Restarting: w.restarting,
		Failures:   w.failures,
	}
	if !w.lastRestart.IsZero() {
		at := w.lastRestart
		st.LastRestart = &at
	}
	return st
}

// Run supervises the job until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	interval := time.Duration(w.cfg.Watch.Interval)
	if interval <= 0 {
		interval = defaultInterval
	}
	logrus.Infof("watching job %q, checking every %v", w.cfg.Job.Name, interval)
	if w.cfg.Watch.RestartOnStart {
		w.restartNow(ctx, "startup")
	}
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			logrus.Infof("watcher stopping")
			return nil
		case <-tick.C:
			w.check(ctx)
		case <-w.kick:
			// an explicit request skips the checks and the gap
			w.restartNow(ctx, "requested")
		}
	}
}

func (w *Watcher) check(ctx context.Context) {
	reason, need := w.needsRestart(ctx)
	if !need {
		return
	}
	if wait := w.restartGapLeft(); wait > 0 {
		logrus.Infof("job %q needs a restart (%v), holding off for another %v",
			w.cfg.Job.Name, reason, wait.Round(time.Second))
		return
	}
	w.restartNow(ctx, reason)
}

func (w *Watcher) needsRestart(ctx context.Context) (reason string, need bool) {
	st, err := w.client.Show(ctx, w.cfg.Job.Name)
	if errors.Is(err, jobs.NotFoundError) {
		return "job not found", true
	}
	if err != nil {
		// trouble reaching the platform is no reason to pile up
		// restarts
		logrus.Errorf("cannot query job %q: %v", w.cfg.Job.Name, err)
		return "", false
	}
	switch st.State {
	case jobs.StateFailed:
		return "job failed", true
	case jobs.StateUnknown:
		logrus.Tracef("job %q state not recognized: %q", w.cfg.Job.Name, st.Raw)
	}

	stale := time.Duration(w.cfg.Watch.StaleAfter)
	if stale <= 0 || !w.cfg.Job.Filelog {
		return "", false
	}
	fresh, err := logfile.ModifiedWithin(w.cfg.Job.StdoutLog, stale)
	if err != nil {
		if os.IsNotExist(err) {
			// an active job with file logging should have one
			return "log file missing", true
		}
		logrus.Errorf("cannot check log freshness: %v", err)
		return "", false
	}
	if !fresh {
		return fmt.Sprintf("log quiet for over %v", stale), true
	}
	return "", false
}

// restartGapLeft returns how long to wait before the watcher may restart
// again. The gap doubles while restarts keep failing, a crash looping job
// should not hammer the platform.
func (w *Watcher) restartGapLeft() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.lastRestart.IsZero() {
		return 0
	}
	gap := time.Duration(w.cfg.Watch.MinRestartGap)
	if gap <= 0 {
		return 0
	}
	for i := 0; i < w.failures; i++ {
		gap *= 2
		if gap >= maxRestartGap {
			gap = maxRestartGap
			break
		}
	}
	left := gap - time.Since(w.lastRestart)
	if left < 0 {
		return 0
	}
	return left
}

func (w *Watcher) restartNow(ctx context.Context, reason string) {
	logrus.Infof("restarting job %q: %v", w.cfg.Job.Name, reason)
	w.mu.Lock()
	w.restarting = true
	w.mu.Unlock()

	rep, err := w.restarter.Run(ctx)

	w.mu.Lock()
	w.restarting = false
	if errors.Is(err, restart.AlreadyLockedError) {
		// someone is restarting the job by hand right now, leave the
		// bookkeeping alone
		w.mu.Unlock()
		logrus.Infof("restart already in progress elsewhere")
		return
	}
	w.lastRestart = time.Now()
	if err != nil {
		w.failures++
	} else {
		w.failures = 0
	}
	if rep != nil {
		w.lastReport = rep
	}
	w.mu.Unlock()

	if err != nil {
		logrus.Errorf("cannot restart job %q: %v", w.cfg.Job.Name, err)
	}
	if rep != nil {
		if herr := w.appendHistory(rep); herr != nil {
			logrus.Errorf("cannot record restart history: %v", herr)
		}
	}
}

// appendHistory records the report as a single JSON line.
func (w *Watcher) appendHistory(rep *restart.Report) error {
	path := w.cfg.Watch.HistoryPath
	if path == "" {
		return nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("cannot open history file: %v", err)
	}
	defer f.Close()
	if err := json.NewEncoder(f).Encode(rep); err != nil {
		return fmt.Errorf("cannot append to history: %v", err)
	}
	return nil
}
