// Package config describes the tunables of the restart tooling. The zero
// config is not useful, start from Default(), which carries the well known
// settings of the rustbot deployment, and override through a YAML file.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/shlex"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/bboozzoo/relaunch/utils"
)

// Duration wraps time.Duration so that YAML values like "90s" or "5m"
// decode.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("cannot parse duration %q: %v", s, err)
	}
	*d = Duration(dur)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Job describes the continuous job submitted to the scheduling platform.
type Job struct {
	// Name identifies the job on the platform, submission and deletion
	// both key on it.
	Name  string `yaml:"name"`
	Image string `yaml:"image"`
	// Command is the startup command, a single shell like string. The
	// platform runs it inside the image with the tool home as the working
	// directory.
	Command    string `yaml:"command"`
	Memory     string `yaml:"memory"`
	CPU        string `yaml:"cpu"`
	Continuous bool   `yaml:"continuous"`
	Mount      string `yaml:"mount"`
	// Filelog makes the platform capture the job's stdout and stderr in
	// the files named below.
	Filelog   bool   `yaml:"filelog"`
	StdoutLog string `yaml:"stdout-log"`
	StderrLog string `yaml:"stderr-log"`
}

// CLI describes how to reach the platform's job management tool.
type CLI struct {
	Bin     string   `yaml:"bin"`
	Timeout Duration `yaml:"timeout"`
}

// Restart holds the knobs of the restart sequence.
type Restart struct {
	// ClearMode is either "rotate", which keeps the previous log content
	// under a backup name, or "remove", which drops it.
	ClearMode      string   `yaml:"clear-mode"`
	BackupSuffix   string   `yaml:"backup-suffix"`
	CompressBackup bool     `yaml:"compress-backup"`
	Attempts       int      `yaml:"attempts"`
	RetryBaseDelay Duration `yaml:"retry-base-delay"`
	RetryMaxDelay  Duration `yaml:"retry-max-delay"`
	// LockPath is the advisory lock guarding against concurrent restarts
	// of the same job. Empty means a per job name default under the
	// system temporary directory.
	LockPath string `yaml:"lock-path"`
}

// Watch holds the daemon's supervision knobs.
type Watch struct {
	Interval Duration `yaml:"interval"`
	// MinRestartGap is the shortest allowed time between two restarts
	// triggered by the watcher. The gap grows while restarts keep
	// failing.
	MinRestartGap Duration `yaml:"min-restart-gap"`
	// StaleAfter triggers a restart when the job's stdout log has not
	// grown for this long. Zero disables the check.
	StaleAfter     Duration `yaml:"stale-after"`
	RestartOnStart bool     `yaml:"restart-on-start"`
	// HistoryPath appends a JSON line per restart when set.
	HistoryPath string `yaml:"history-path"`
}

// API describes the daemon's control endpoint.
type API struct {
	// Address to listen on, empty disables the API.
	Address string `yaml:"address"`
	// Tokens maps a bearer token to the operations it allows.
	Tokens map[string][]string `yaml:"tokens"`
}

type Config struct {
	Job     Job     `yaml:"job"`
	CLI     CLI     `yaml:"cli"`
	Restart Restart `yaml:"restart"`
	Watch   Watch   `yaml:"watch"`
	API     API     `yaml:"api"`
}

const (
	defaultJobName   = "rustbot"
	defaultImage     = "tool-rustbot/bot:latest"
	defaultCommand   = "./rustbot config.json"
	defaultMemory    = "2000Mi"
	defaultCPU       = "1"
	defaultMount     = "all"
	defaultStdoutLog = "/data/project/rustbot/rustbot.out"
	defaultStderrLog = "/data/project/rustbot/rustbot.err"

	defaultCLIBin     = "toolforge-jobs"
	defaultCLITimeout = Duration(time.Minute)

	defaultClearMode    = "rotate"
	defaultBackupSuffix = ".old"
	defaultAttempts     = 3
	defaultRetryBase    = Duration(2 * time.Second)
	defaultRetryMax     = Duration(30 * time.Second)

	defaultWatchInterval = Duration(5 * time.Minute)
	defaultMinRestartGap = Duration(15 * time.Minute)
)

// Default returns the configuration of the rustbot deployment. Running the
// restart sequence with it reproduces the historical restart script, delete
// the job, rotate the logs, submit the job again with the same image, memory
// and CPU settings.
func Default() Config {
	return Config{
		Job: Job{
			Name:       defaultJobName,
			Image:      defaultImage,
			Command:    defaultCommand,
			Memory:     defaultMemory,
			CPU:        defaultCPU,
			Continuous: true,
			Mount:      defaultMount,
			Filelog:    true,
			StdoutLog:  defaultStdoutLog,
			StderrLog:  defaultStderrLog,
		},
		CLI: CLI{
			Bin:     defaultCLIBin,
			Timeout: defaultCLITimeout,
		},
		Restart: Restart{
			ClearMode:      defaultClearMode,
			BackupSuffix:   defaultBackupSuffix,
			Attempts:       defaultAttempts,
			RetryBaseDelay: defaultRetryBase,
			RetryMaxDelay:  defaultRetryMax,
		},
		Watch: Watch{
			Interval:      defaultWatchInterval,
			MinRestartGap: defaultMinRestartGap,
		},
	}
}

// Load reads the configuration from a YAML file at path. Settings not
// present in the file keep their Default() values. Relative paths are
// interpreted relative to the config file location.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cfg := Default()
	dec := yaml.NewDecoder(f)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("cannot decode config: %v", err)
	}

	cfg.Job.StdoutLog = utils.FixupPathIfRelative(cfg.Job.StdoutLog, path)
	cfg.Job.StderrLog = utils.FixupPathIfRelative(cfg.Job.StderrLog, path)
	cfg.Restart.LockPath = utils.FixupPathIfRelative(cfg.Restart.LockPath, path)
	cfg.Watch.HistoryPath = utils.FixupPathIfRelative(cfg.Watch.HistoryPath, path)
	// a bare tool name resolves through PATH, but an explicit location is
	// relative to the config
	if strings.Contains(cfg.CLI.Bin, "/") {
		cfg.CLI.Bin = utils.FixupPathIfRelative(cfg.CLI.Bin, path)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logrus.Tracef("config: %+v", cfg)
	return &cfg, nil
}

// Validate checks the invariants the restart sequence relies on.
func (c *Config) Validate() error {
	if c.Job.Name == "" {
		return fmt.Errorf("cannot use empty job name")
	}
	if c.Job.Image == "" {
		return fmt.Errorf("cannot use empty job image")
	}
	args, err := c.CommandArgs()
	if err != nil {
		return fmt.Errorf("cannot parse job command: %v", err)
	}
	if len(args) == 0 {
		return fmt.Errorf("cannot use empty job command")
	}
	if c.Job.Filelog && (c.Job.StdoutLog == "" || c.Job.StderrLog == "") {
		return fmt.Errorf("cannot capture job output without log paths")
	}
	if c.CLI.Bin == "" {
		return fmt.Errorf("cannot use empty jobs tool")
	}
	switch c.Restart.ClearMode {
	case "rotate", "remove":
	default:
		return fmt.Errorf("cannot use unknown log clear mode %q", c.Restart.ClearMode)
	}
	if c.Restart.Attempts < 1 {
		return fmt.Errorf("cannot retry steps with %v attempts", c.Restart.Attempts)
	}
	return nil
}

// CommandArgs returns the job startup command split into an argument vector,
// the way the platform will eventually exec it.
func (c *Config) CommandArgs() ([]string, error) {
	return shlex.Split(c.Job.Command)
}
