package jobs

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// CLI drives the platform through its command line job management tool.
type CLI struct {
	// Bin is the tool, eg. toolforge-jobs, either a bare name resolved
	// through PATH or an explicit location.
	Bin string
	// Timeout bounds a single tool invocation. Zero means a sane default.
	Timeout time.Duration
}

const defaultTimeout = time.Minute

var cmdCombinedOutput = func(cmd *exec.Cmd) ([]byte, error) {
	return cmd.CombinedOutput()
}

// DeleteArgs returns the tool's argument vector for deleting the named job.
func (c *CLI) DeleteArgs(name string) []string {
	return []string{"delete", name}
}

// RunArgs returns the tool's argument vector for submitting a job described
// by spec.
func (c *CLI) RunArgs(spec Spec) []string {
	args := []string{"run", spec.Name,
		"--command", spec.Command,
		"--image", spec.Image,
	}
	if spec.Memory != "" {
		args = append(args, "--mem", spec.Memory)
	}
	if spec.CPU != "" {
		args = append(args, "--cpu", spec.CPU)
	}
	if spec.Continuous {
		args = append(args, "--continuous")
	}
	if spec.Mount != "" {
		args = append(args, "--mount", spec.Mount)
	}
	if spec.Filelog {
		args = append(args, "--filelog",
			"-o", spec.StdoutLog,
			"-e", spec.StderrLog)
	}
	return args
}

// ShowArgs returns the tool's argument vector for querying the named job.
func (c *CLI) ShowArgs(name string) []string {
	return []string{"show", name}
}

func (c *CLI) Delete(ctx context.Context, name string) error {
	_, err := c.run(ctx, c.DeleteArgs(name))
	return err
}

func (c *CLI) Run(ctx context.Context, spec Spec) error {
	_, err := c.run(ctx, c.RunArgs(spec))
	return err
}

func (c *CLI) Show(ctx context.Context, name string) (*Status, error) {
	out, err := c.run(ctx, c.ShowArgs(name))
	if err != nil {
		return nil, err
	}
	return parseShowOutput(name, out), nil
}

func (c *CLI) run(ctx context.Context, args []string) (string, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	logrus.Tracef("running %v", CmdString(c.Bin, args))
	cmd := exec.CommandContext(ctx, c.Bin, args...)
	out, err := cmdCombinedOutput(cmd)
	outStr := strings.TrimSpace(string(out))
	logrus.Tracef("output: %q err: %v", outStr, err)
	if err == nil {
		return outStr, nil
	}
	if ctx.Err() == context.DeadlineExceeded {
		return outStr, fmt.Errorf("cannot run %v: timed out after %v", c.Bin, timeout)
	}
	if isNotFoundOutput(outStr) {
		return outStr, NotFoundError
	}
	return outStr, fmt.Errorf("cannot run %v: %v (output: %q)", c.Bin, err, outStr)
}

// the tool has no dedicated exit codes, go by its error text
func isNotFoundOutput(out string) bool {
	l := strings.ToLower(out)
	return strings.Contains(l, "does not exist") ||
		strings.Contains(l, "not found") ||
		strings.Contains(l, "no job named")
}

// parseShowOutput extracts the job state from the tool's show output, a YAML
// key/value listing. Output which cannot be parsed yields state unknown
// rather than an error, the raw text is kept for the caller.
func parseShowOutput(name, out string) *Status {
	st := &Status{Name: name, State: StateUnknown, Raw: out}
	var fields map[string]interface{}
	if err := yaml.Unmarshal([]byte(out), &fields); err != nil {
		logrus.Tracef("cannot parse show output: %v", err)
		return st
	}
	norm := make(map[string]string, len(fields))
	for k, v := range fields {
		s, ok := v.(string)
		if !ok {
			continue
		}
		norm[strings.ToLower(strings.ReplaceAll(k, " ", "_"))] = s
	}
	// the tool has renamed this field across versions
	for _, key := range []string{"status_short", "status", "state"} {
		s, ok := norm[key]
		if !ok {
			continue
		}
		st.State = stateFromText(s)
		break
	}
	return st
}

func stateFromText(s string) State {
	l := strings.ToLower(s)
	switch {
	case strings.Contains(l, "running"), strings.Contains(l, "active"):
		return StateActive
	case strings.Contains(l, "fail"), strings.Contains(l, "error"),
		strings.Contains(l, "crash"):
		return StateFailed
	}
	return StateUnknown
}

// CmdString renders bin and args the way a shell user would type them,
// quoting arguments which would otherwise fall apart.
func CmdString(bin string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	for _, a := range append([]string{bin}, args...) {
		if a == "" || strings.ContainsAny(a, " \t'\"") {
			parts = append(parts, strconv.Quote(a))
			continue
		}
		parts = append(parts, a)
	}
	return strings.Join(parts, " ")
}
