// Package jobs talks to the job scheduling platform which runs the bot.
package jobs

import (
	"context"
	"errors"
)

// NotFoundError is returned when the platform does not know the job.
var NotFoundError = errors.New("job not found")

// State of a job as reported by the platform.
type State string

const (
	StateActive  State = "active"
	StateFailed  State = "failed"
	StateUnknown State = "unknown"
)

// Spec describes a single job submission.
type Spec struct {
	Name  string
	Image string
	// Command is the startup command as a single shell like string. It is
	// handed to the platform verbatim, splitting happens on the far side.
	Command    string
	Memory     string
	CPU        string
	Continuous bool
	Mount      string
	// Filelog asks the platform to capture the job's output in the two
	// files below.
	Filelog   bool
	StdoutLog string
	StderrLog string
}

// Status of a job as reported by the platform.
type Status struct {
	Name  string
	State State
	// Raw holds the unparsed status output, useful when State came out
	// unknown.
	Raw string
}

// Client is the platform facing side of the restart tooling.
type Client interface {
	// Delete requests removal of the named job. Removing a job the
	// platform does not know returns NotFoundError.
	Delete(ctx context.Context, name string) error
	// Run submits a new job.
	Run(ctx context.Context, spec Spec) error
	// Show queries the current state of the named job. A job the
	// platform does not know returns NotFoundError.
	Show(ctx context.Context, name string) (*Status, error)
}
