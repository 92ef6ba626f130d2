package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bboozzoo/relaunch/config"
	"github.com/bboozzoo/relaunch/testutils"
)

func TestDefaultMatchesDeployment(t *testing.T) {
	cfg := config.Default()

	assert.Equal(t, "rustbot", cfg.Job.Name)
	assert.Equal(t, "tool-rustbot/bot:latest", cfg.Job.Image)
	assert.Equal(t, "2000Mi", cfg.Job.Memory)
	assert.Equal(t, "1", cfg.Job.CPU)
	assert.True(t, cfg.Job.Continuous)
	assert.Equal(t, "all", cfg.Job.Mount)
	assert.True(t, cfg.Job.Filelog)
	assert.Equal(t, "/data/project/rustbot/rustbot.out", cfg.Job.StdoutLog)
	assert.Equal(t, "/data/project/rustbot/rustbot.err", cfg.Job.StderrLog)
	assert.Equal(t, "toolforge-jobs", cfg.CLI.Bin)
	assert.Equal(t, "rotate", cfg.Restart.ClearMode)

	require.NoError(t, cfg.Validate())

	// the bot takes its config file and nothing else
	args, err := cfg.CommandArgs()
	require.NoError(t, err)
	require.EqualValues(t, []string{"./rustbot", "config.json"}, args)
}

func TestLoadOverridesKeepDefaults(t *testing.T) {
	d := t.TempDir()
	cfgPath := filepath.Join(d, "relaunch.yaml")
	testutils.MockFile(t, cfgPath, `
job:
  name: other-bot
  memory: 512Mi
cli:
  timeout: 90s
restart:
  attempts: 5
  retry-base-delay: 1s
watch:
  interval: 30s
  stale-after: 1h
`)
	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)

	assert.Equal(t, "other-bot", cfg.Job.Name)
	assert.Equal(t, "512Mi", cfg.Job.Memory)
	assert.Equal(t, 90*time.Second, time.Duration(cfg.CLI.Timeout))
	assert.Equal(t, 5, cfg.Restart.Attempts)
	assert.Equal(t, time.Second, time.Duration(cfg.Restart.RetryBaseDelay))
	assert.Equal(t, 30*time.Second, time.Duration(cfg.Watch.Interval))
	assert.Equal(t, time.Hour, time.Duration(cfg.Watch.StaleAfter))

	// untouched settings keep their defaults
	assert.Equal(t, "tool-rustbot/bot:latest", cfg.Job.Image)
	assert.Equal(t, "./rustbot config.json", cfg.Job.Command)
	assert.True(t, cfg.Job.Continuous)
	assert.Equal(t, "rotate", cfg.Restart.ClearMode)
	assert.Equal(t, 30*time.Second, time.Duration(cfg.Restart.RetryMaxDelay))
}

func TestLoadPathFixup(t *testing.T) {
	d := t.TempDir()
	cfgPath := filepath.Join(d, "relaunch.yaml")
	testutils.MockFile(t, cfgPath, `
job:
  stdout-log: logs/bot.out
  stderr-log: /var/log/bot.err
cli:
  bin: ./fake-jobs
restart:
  lock-path: run/restart.lock
watch:
  history-path: run/history.jsonl
`)
	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(d, "logs/bot.out"), cfg.Job.StdoutLog)
	// absolute paths are left alone
	assert.Equal(t, "/var/log/bot.err", cfg.Job.StderrLog)
	assert.Equal(t, filepath.Join(d, "fake-jobs"), cfg.CLI.Bin)
	assert.Equal(t, filepath.Join(d, "run/restart.lock"), cfg.Restart.LockPath)
	assert.Equal(t, filepath.Join(d, "run/history.jsonl"), cfg.Watch.HistoryPath)
}

func TestLoadBareToolName(t *testing.T) {
	d := t.TempDir()
	cfgPath := filepath.Join(d, "relaunch.yaml")
	testutils.MockFile(t, cfgPath, `
cli:
  bin: kubectl-jobs
`)
	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)
	// resolved through PATH at exec time
	assert.Equal(t, "kubectl-jobs", cfg.CLI.Bin)
}

func TestLoadInvalid(t *testing.T) {
	for _, tc := range []struct {
		name string
		in   string
		err  string
	}{{
		name: "empty job name",
		in:   "job:\n  name: \"\"\n",
		err:  "cannot use empty job name",
	}, {
		name: "empty image",
		in:   "job:\n  image: \"\"\n",
		err:  "cannot use empty job image",
	}, {
		name: "unbalanced command quoting",
		in:   "job:\n  command: './rustbot \"config.json'\n",
		err:  "cannot parse job command: .*",
	}, {
		name: "empty command",
		in:   "job:\n  command: \"\"\n",
		err:  "cannot use empty job command",
	}, {
		name: "filelog without paths",
		in:   "job:\n  stdout-log: \"\"\n",
		err:  "cannot capture job output without log paths",
	}, {
		name: "unknown clear mode",
		in:   "restart:\n  clear-mode: shred\n",
		err:  `cannot use unknown log clear mode "shred"`,
	}, {
		name: "no attempts",
		in:   "restart:\n  attempts: 0\n",
		err:  "cannot retry steps with 0 attempts",
	}, {
		name: "bogus duration",
		in:   "cli:\n  timeout: soonish\n",
		err:  `.*cannot parse duration "soonish".*`,
	}, {
		name: "not yaml",
		in:   "{{{",
		err:  "cannot decode config: .*",
	}} {
		t.Run(tc.name, func(t *testing.T) {
			d := t.TempDir()
			cfgPath := filepath.Join(d, "relaunch.yaml")
			testutils.MockFile(t, cfgPath, tc.in)
			_, err := config.Load(cfgPath)
			require.Error(t, err)
			assert.Regexp(t, tc.err, err.Error())
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.True(t, os.IsNotExist(err))
}
