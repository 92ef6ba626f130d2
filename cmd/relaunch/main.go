package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/sirupsen/logrus"

	"github.com/bboozzoo/relaunch/config"
	"github.com/bboozzoo/relaunch/jobs"
	"github.com/bboozzoo/relaunch/logfile"
	"github.com/bboozzoo/relaunch/restart"
	"github.com/bboozzoo/relaunch/utils"
)

type cmdRestart struct {
	DryRun    bool   `long:"dry-run" description:"Only show the calls the sequence would make"`
	ClearMode string `long:"clear-mode" choice:"rotate" choice:"remove" description:"Override how the previous logs are cleared"`
}

type cmdSubmit struct {
	DryRun bool `long:"dry-run" description:"Only show the submission call"`
}

type cmdDelete struct{}

type cmdStatus struct{}

type cmdLogs struct {
	Lines    int  `short:"n" long:"lines" default:"10" description:"Number of trailing lines to show"`
	Follow   bool `short:"f" long:"follow" description:"Keep following new output"`
	Stderr   bool `long:"stderr" description:"Show the stderr log instead of stdout"`
	Previous bool `long:"previous" description:"Show the backup from before the last restart"`
}

type commonMixin struct {
	Config string `long:"config" description:"config file path, without one the built in rustbot settings apply"`
	Debug  bool   `long:"debug"`
}

type options struct {
	commonMixin

	CmdRestart cmdRestart `command:"restart"`
	CmdSubmit  cmdSubmit  `command:"submit"`
	CmdDelete  cmdDelete  `command:"delete"`
	CmdStatus  cmdStatus  `command:"status"`
	CmdLogs    cmdLogs    `command:"logs"`
}

var (
	opts   options
	stdout io.Writer = os.Stdout
)

func parser() *flags.Parser {
	p := flags.NewParser(&opts, flags.Default)
	p.CommandHandler = func(command flags.Commander, args []string) error {
		if opts.Debug {
			logrus.SetLevel(logrus.TraceLevel)
		}
		return command.Execute(args)
	}
	return p
}

func main() {
	p := parser()
	_, err := p.ParseArgs(os.Args[1:])
	if err != nil {
		if utils.IsErrHelp(err) {
			os.Exit(0)
		}
		os.Exit(1)
	}
}

func loadConfig(from string) (*config.Config, error) {
	if from == "" {
		cfg := config.Default()
		return &cfg, nil
	}
	return config.Load(from)
}

func (c *commonMixin) setup() (*config.Config, *jobs.CLI, error) {
	cfg, err := loadConfig(c.Config)
	if err != nil {
		return nil, nil, fmt.Errorf("cannot load config: %v", err)
	}
	client := &jobs.CLI{
		Bin:     cfg.CLI.Bin,
		Timeout: time.Duration(cfg.CLI.Timeout),
	}
	return cfg, client, nil
}

func (c *cmdRestart) Execute(args []string) error {
	logrus.Tracef("restart: %+v", c)
	cfg, client, err := opts.setup()
	if err != nil {
		return err
	}
	if c.ClearMode != "" {
		cfg.Restart.ClearMode = c.ClearMode
	}
	if c.DryRun {
		return printPlan(stdout, cfg, client)
	}
	rep, err := restart.New(cfg, client).Run(context.Background())
	if rep != nil {
		printReport(stdout, rep)
	}
	if err != nil {
		return fmt.Errorf("cannot restart job: %v", err)
	}
	return nil
}

// printPlan shows what the sequence would do, without touching anything.
func printPlan(w io.Writer, cfg *config.Config, client *jobs.CLI) error {
	spec := restart.JobSpec(cfg)
	fmt.Fprintln(w, jobs.CmdString(cfg.CLI.Bin, client.DeleteArgs(spec.Name)))
	for _, p := range []string{spec.StdoutLog, spec.StderrLog} {
		if p == "" {
			continue
		}
		if cfg.Restart.ClearMode == "remove" {
			fmt.Fprintf(w, "remove %v\n", p)
			continue
		}
		backup := p + cfg.Restart.BackupSuffix
		if cfg.Restart.CompressBackup {
			backup += ".gz"
		}
		fmt.Fprintf(w, "rotate %v -> %v\n", p, backup)
	}
	fmt.Fprintln(w, jobs.CmdString(cfg.CLI.Bin, client.RunArgs(spec)))
	return nil
}

func printReport(w io.Writer, rep *restart.Report) {
	for _, step := range rep.Steps {
		b := &bytes.Buffer{}
		fmt.Fprintf(b, "%v: ", step.Name)
		if step.OK {
			b.WriteString("ok")
		} else {
			b.WriteString("failed")
		}
		if step.Detail != "" {
			fmt.Fprintf(b, " (%v)", step.Detail)
		}
		if step.Error != "" {
			fmt.Fprintf(b, " (%v)", step.Error)
		}
		if step.Attempts > 1 {
			fmt.Fprintf(b, " [attempts: %v]", step.Attempts)
		}
		b.WriteRune('\n')
		w.Write(b.Bytes())
	}
}

func (c *cmdSubmit) Execute(args []string) error {
	logrus.Tracef("submit: %+v", c)
	cfg, client, err := opts.setup()
	if err != nil {
		return err
	}
	spec := restart.JobSpec(cfg)
	if c.DryRun {
		fmt.Fprintln(stdout, jobs.CmdString(cfg.CLI.Bin, client.RunArgs(spec)))
		return nil
	}
	if err := client.Run(context.Background(), spec); err != nil {
		return fmt.Errorf("cannot submit job: %v", err)
	}
	fmt.Fprintln(stdout, "job submitted")
	return nil
}

func (c *cmdDelete) Execute(args []string) error {
	logrus.Tracef("delete: %+v", c)
	cfg, client, err := opts.setup()
	if err != nil {
		return err
	}
	err = client.Delete(context.Background(), cfg.Job.Name)
	if errors.Is(err, jobs.NotFoundError) {
		// same contract as during a restart, a job which is gone
		// already is fine
		fmt.Fprintln(stdout, "job was not present")
		return nil
	}
	if err != nil {
		return fmt.Errorf("cannot delete job: %v", err)
	}
	fmt.Fprintln(stdout, "job deleted")
	return nil
}

func (c *cmdStatus) Execute(args []string) error {
	cfg, client, err := opts.setup()
	if err != nil {
		return err
	}
	st, err := client.Show(context.Background(), cfg.Job.Name)
	if errors.Is(err, jobs.NotFoundError) {
		fmt.Fprintln(stdout, "absent")
		return nil
	}
	if err != nil {
		return fmt.Errorf("cannot query job status: %v", err)
	}
	return printStatus(stdout, st)
}

func printStatus(w io.Writer, st *jobs.Status) error {
	b := &bytes.Buffer{}
	switch st.State {
	case jobs.StateActive:
		b.WriteString("active")
	case jobs.StateFailed:
		b.WriteString("failed")
	default:
		b.WriteString("unknown")
	}
	b.WriteRune('\n')
	_, err := w.Write(b.Bytes())
	return err
}

func (c *cmdLogs) Execute(args []string) error {
	logrus.Tracef("logs: %+v", c)
	cfg, _, err := opts.setup()
	if err != nil {
		return err
	}
	path := cfg.Job.StdoutLog
	if c.Stderr {
		path = cfg.Job.StderrLog
	}
	if path == "" {
		return fmt.Errorf("cannot show logs of a job without file logging")
	}
	if c.Previous {
		path = previousPath(cfg, path)
	}
	lines, err := logfile.Tail(path, c.Lines)
	if err != nil {
		return fmt.Errorf("cannot read log: %v", err)
	}
	for _, line := range lines {
		fmt.Fprintln(stdout, line)
	}
	if !c.Follow || c.Previous {
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer stop()
	chunks, err := logfile.Follow(ctx, path)
	if err != nil {
		return fmt.Errorf("cannot follow log: %v", err)
	}
	for chunk := range chunks {
		stdout.Write(chunk)
	}
	return nil
}

// previousPath locates the backup from before the last restart, compressed
// or not.
func previousPath(cfg *config.Config, live string) string {
	base := live + cfg.Restart.BackupSuffix
	if _, err := os.Stat(base + ".gz"); err == nil {
		return base + ".gz"
	}
	return base
}
