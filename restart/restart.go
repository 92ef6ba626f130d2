// Package restart implements the restart sequence for the bot's job: delete
// the job from the platform, clear its logs, submit it again. The sequence
// replaces a pair of shell scripts which did the same with no retries and no
// way to tell which step had failed.
package restart

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/bboozzoo/relaunch/config"
	"github.com/bboozzoo/relaunch/jobs"
	"github.com/bboozzoo/relaunch/logfile"
)

// StepResult records the outcome of a single step of the sequence.
type StepResult struct {
	Name     string        `json:"name"`
	Attempts int           `json:"attempts"`
	Duration time.Duration `json:"duration"`
	OK       bool          `json:"ok"`
	// Benign marks an outcome the sequence tolerates, eg. deleting a job
	// the platform did not know.
	Benign bool   `json:"benign,omitempty"`
	Detail string `json:"detail,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Report describes one full run of the sequence. Reports of failed runs
// still carry the results of every step attempted.
type Report struct {
	ID      string        `json:"id"`
	Job     string        `json:"job"`
	Started time.Time     `json:"started"`
	Took    time.Duration `json:"took"`
	OK      bool          `json:"ok"`
	Steps   []StepResult  `json:"steps"`
}

// A Restarter runs the restart sequence for one job.
type Restarter struct {
	cfg    *config.Config
	client jobs.Client
}

// New returns a Restarter for the configured job, talking to the platform
// through client.
func New(cfg *config.Config, client jobs.Client) *Restarter {
	return &Restarter{
		cfg:    cfg,
		client: client,
	}
}

// JobSpec assembles the platform job description from the configuration.
func JobSpec(cfg *config.Config) jobs.Spec {
	return jobs.Spec{
		Name:       cfg.Job.Name,
		Image:      cfg.Job.Image,
		Command:    cfg.Job.Command,
		Memory:     cfg.Job.Memory,
		CPU:        cfg.Job.CPU,
		Continuous: cfg.Job.Continuous,
		Mount:      cfg.Job.Mount,
		Filelog:    cfg.Job.Filelog,
		StdoutLog:  cfg.Job.StdoutLog,
		StderrLog:  cfg.Job.StderrLog,
	}
}

// Run executes the sequence, strictly in order, retrying each step
// independently. Exactly one delete and one submission reach the platform
// per successful run. The returned report is filled in even when Run also
// returns an error. A concurrent run of the same sequence is refused with
// AlreadyLockedError.
func (r *Restarter) Run(ctx context.Context) (*Report, error) {
	release, err := acquireLock(lockPath(r.cfg.Restart.LockPath, r.cfg.Job.Name))
	if err != nil {
		return nil, err
	}
	defer release()

	rep := &Report{
		ID:      "restart." + uuid.NewString(),
		Job:     r.cfg.Job.Name,
		Started: time.Now(),
	}
	logrus.Infof("restarting job %q (%v)", r.cfg.Job.Name, rep.ID)
	steps := []struct {
		name string
		fn   stepFunc
	}{
		{"delete", r.stepDelete},
		{"clear-logs", r.stepClearLogs},
		{"submit", r.stepSubmit},
	}
	for _, step := range steps {
		if err := r.runStep(ctx, rep, step.name, step.fn); err != nil {
			rep.Took = time.Since(rep.Started)
			logrus.Errorf("cannot restart job %q: step %v failed: %v",
				r.cfg.Job.Name, step.name, err)
			return rep, fmt.Errorf("step %v failed: %v", step.name, err)
		}
	}
	rep.OK = true
	rep.Took = time.Since(rep.Started)
	logrus.Infof("job %q restarted", r.cfg.Job.Name)
	return rep, nil
}

type stepOutcome struct {
	detail string
	benign bool
}

type stepFunc func(ctx context.Context) (stepOutcome, error)

func (r *Restarter) runStep(ctx context.Context, rep *Report, name string, fn stepFunc) error {
	attempts := r.cfg.Restart.Attempts
	if attempts < 1 {
		attempts = 1
	}
	res := StepResult{Name: name}
	start := time.Now()
	var out stepOutcome
	var err error
	for try := 1; ; try++ {
		res.Attempts = try
		out, err = fn(ctx)
		if err == nil || try >= attempts {
			break
		}
		delay := backoffDelay(try,
			time.Duration(r.cfg.Restart.RetryBaseDelay),
			time.Duration(r.cfg.Restart.RetryMaxDelay))
		logrus.Tracef("step %v attempt %v/%v failed: %v, retry in %v",
			name, try, attempts, err, delay)
		select {
		case <-ctx.Done():
			err = ctx.Err()
		case <-time.After(delay):
			continue
		}
		break
	}
	res.Duration = time.Since(start)
	res.Detail = out.detail
	res.Benign = out.benign
	res.OK = err == nil
	if err != nil {
		res.Error = err.Error()
	}
	rep.Steps = append(rep.Steps, res)
	return err
}

// backoffDelay doubles the base delay with every attempt already made,
// capped at max when max is set.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if max > 0 && d >= max {
			return max
		}
	}
	if max > 0 && d > max {
		return max
	}
	return d
}

func (r *Restarter) stepDelete(ctx context.Context) (stepOutcome, error) {
	err := r.client.Delete(ctx, r.cfg.Job.Name)
	if errors.Is(err, jobs.NotFoundError) {
		// nothing to delete, the job is gone already, which is exactly
		// what this step is after
		return stepOutcome{detail: "job was not present", benign: true}, nil
	}
	if err != nil {
		return stepOutcome{}, err
	}
	return stepOutcome{detail: "job deleted"}, nil
}

func (r *Restarter) stepClearLogs(ctx context.Context) (stepOutcome, error) {
	opts := logfile.ClearOptions{
		Mode:         logfile.ClearMode(r.cfg.Restart.ClearMode),
		BackupSuffix: r.cfg.Restart.BackupSuffix,
		Compress:     r.cfg.Restart.CompressBackup,
	}
	var details []string
	for _, p := range []string{r.cfg.Job.StdoutLog, r.cfg.Job.StderrLog} {
		if p == "" {
			continue
		}
		backup, err := logfile.Clear(p, opts)
		if err != nil {
			return stepOutcome{}, err
		}
		if backup != "" {
			details = append(details, fmt.Sprintf("%v -> %v", p, backup))
		} else {
			details = append(details, fmt.Sprintf("%v removed", p))
		}
	}
	return stepOutcome{detail: strings.Join(details, ", ")}, nil
}

func (r *Restarter) stepSubmit(ctx context.Context) (stepOutcome, error) {
	if err := r.client.Run(ctx, JobSpec(r.cfg)); err != nil {
		return stepOutcome{}, err
	}
	return stepOutcome{detail: "job submitted"}, nil
}
