package main_test

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bboozzoo/relaunch/cmd/relaunchd"
	"github.com/bboozzoo/relaunch/testutils"
)

type testEnv struct {
	cfgPath     string
	callsPath   string
	historyPath string
	stdoutLog   string
}

const fakeToolScript = `#!/bin/sh
echo "$@" >> CALLS
case "$1" in
show)
	echo "Status: Running"
	;;
esac
exit 0
`

// setUpTest prepares a config file pointing at a fake jobs tool. Extra
// config sections come in through more.
func setUpTest(t *testing.T, more string) *testEnv {
	d := t.TempDir()
	e := &testEnv{
		cfgPath:     filepath.Join(d, "relaunchd.yaml"),
		callsPath:   filepath.Join(d, "calls"),
		historyPath: filepath.Join(d, "history.jsonl"),
		stdoutLog:   filepath.Join(d, "rustbot.out"),
	}
	binPath := filepath.Join(d, "fake-jobs")
	testutils.MockScript(t, binPath,
		strings.ReplaceAll(fakeToolScript, "CALLS", e.callsPath))
	testutils.MockFile(t, e.cfgPath, fmt.Sprintf(`
job:
  stdout-log: %s
  stderr-log: %s
cli:
  bin: %s
  timeout: 5s
restart:
  attempts: 1
  lock-path: %s
watch:
  interval: 1h
  history-path: %s
%s`, e.stdoutLog, filepath.Join(d, "rustbot.err"), binPath,
		filepath.Join(d, "restart.lock"), e.historyPath, more))
	return e
}

func toolCalls(t *testing.T, e *testEnv) []string {
	d, err := os.ReadFile(e.callsPath)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	return strings.Split(strings.TrimRight(string(d), "\n"), "\n")
}

func hasCall(t *testing.T, e *testEnv, prefix string) bool {
	for _, call := range toolCalls(t, e) {
		if strings.HasPrefix(call, prefix) {
			return true
		}
	}
	return false
}

func doRequest(t *testing.T, method, url, token string) (int, []byte) {
	req, err := http.NewRequest(method, url, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rsp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer rsp.Body.Close()
	body, err := io.ReadAll(rsp.Body)
	require.NoError(t, err)
	return rsp.StatusCode, body
}

func TestDaemonCycle(t *testing.T) {
	gin.SetMode(gin.TestMode)
	e := setUpTest(t, `api:
  address: localhost:1
  tokens:
    admin-token:
      - status
      - report
      - restart
    ro-token:
      - status
`)

	// for syncing with listen in the daemon
	waitForListen := make(chan struct{})
	var l net.Listener
	var listenAddr string
	t.Cleanup(main.MockNetListen(func(network, address string) (net.Listener, error) {
		listenAddr = address
		listener, err := net.Listen("tcp", "localhost:0")
		require.NoError(t, err)
		l = listener
		defer close(waitForListen)
		return l, nil
	}))

	opt := &main.Options{
		Config: e.cfgPath,
		// overrides the address from the config
		Address: "localhost:9999",
	}
	runDoneC := make(chan error)
	go func() {
		runDoneC <- main.Run(opt)
	}()
	<-waitForListen
	require.NotNil(t, l)
	defer l.Close()
	assert.Equal(t, "localhost:9999", listenAddr)

	base := "http://" + l.Addr().String()
	require.Eventually(t, func() bool {
		code, _ := doRequest(t, "GET", base+"/healthz", "")
		return code == http.StatusOK
	}, 5*time.Second, 5*time.Millisecond)

	// nothing has happened yet
	code, body := doRequest(t, "GET", base+"/api/v1/status", "ro-token")
	require.Equal(t, http.StatusOK, code)
	var st struct {
		Job         string     `json:"job"`
		Restarting  bool       `json:"restarting"`
		LastRestart *time.Time `json:"last_restart"`
		Failures    int        `json:"consecutive_failures"`
	}
	require.NoError(t, json.Unmarshal(body, &st))
	assert.Equal(t, "rustbot", st.Job)
	assert.False(t, st.Restarting)
	assert.Nil(t, st.LastRestart)

	code, _ = doRequest(t, "GET", base+"/api/v1/report", "admin-token")
	assert.Equal(t, http.StatusNotFound, code)

	// authz is enforced
	code, _ = doRequest(t, "GET", base+"/api/v1/status", "no-such-token")
	assert.Equal(t, http.StatusUnauthorized, code)
	code, _ = doRequest(t, "POST", base+"/api/v1/restart", "ro-token")
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.False(t, hasCall(t, e, "delete"))

	code, body = doRequest(t, "POST", base+"/api/v1/restart", "admin-token")
	require.Equal(t, http.StatusAccepted, code)
	assert.JSONEq(t, `{"status": "restart requested"}`, string(body))

	require.Eventually(t, func() bool {
		return hasCall(t, e, "delete rustbot") && hasCall(t, e, "run rustbot")
	}, 5*time.Second, 5*time.Millisecond)

	var rep struct {
		ID    string `json:"id"`
		Job   string `json:"job"`
		OK    bool   `json:"ok"`
		Steps []struct {
			Name string `json:"name"`
			OK   bool   `json:"ok"`
		} `json:"steps"`
	}
	require.Eventually(t, func() bool {
		code, body = doRequest(t, "GET", base+"/api/v1/report", "admin-token")
		return code == http.StatusOK
	}, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, json.Unmarshal(body, &rep))
	assert.True(t, strings.HasPrefix(rep.ID, "restart."))
	assert.Equal(t, "rustbot", rep.Job)
	assert.True(t, rep.OK)
	require.Len(t, rep.Steps, 3)
	for i, name := range []string{"delete", "clear-logs", "submit"} {
		assert.Equal(t, name, rep.Steps[i].Name)
		assert.True(t, rep.Steps[i].OK)
	}

	code, body = doRequest(t, "GET", base+"/api/v1/status", "ro-token")
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(body, &st))
	assert.NotNil(t, st.LastRestart)
	assert.Equal(t, 0, st.Failures)

	// every restart leaves a history entry behind
	require.Eventually(t, func() bool {
		history, err := os.ReadFile(e.historyPath)
		return err == nil && strings.Count(string(history), "\n") == 1
	}, 5*time.Second, 5*time.Millisecond)

	l.Close()
	err := <-runDoneC
	require.Error(t, err)
	// test closed it, so this is expected
	assert.Contains(t, err.Error(), "use of closed network connection")
}

func TestDaemonNoAPI(t *testing.T) {
	gin.SetMode(gin.TestMode)
	e := setUpTest(t, `  restart-on-start: true
`)

	opt := &main.Options{
		Config: e.cfgPath,
	}
	runDoneC := make(chan error)
	go func() {
		runDoneC <- main.Run(opt)
	}()

	// the startup restart is the readiness signal
	require.Eventually(t, func() bool {
		return len(toolCalls(t, e)) >= 2
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGTERM))
	err := <-runDoneC
	require.NoError(t, err)

	calls := toolCalls(t, e)
	require.Len(t, calls, 2)
	assert.Equal(t, "delete rustbot", calls[0])
	assert.Contains(t, calls[1], "run rustbot")
	testutils.TextFileEquals(t, e.stdoutLog+".old", "")
}

func TestDaemonListenFails(t *testing.T) {
	gin.SetMode(gin.TestMode)
	e := setUpTest(t, `api:
  address: localhost:1
  tokens:
    admin-token:
      - status
`)

	t.Cleanup(main.MockNetListen(func(string, string) (net.Listener, error) {
		return nil, fmt.Errorf("port busy")
	}))

	err := main.Run(&main.Options{Config: e.cfgPath})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot listen on \"localhost:1\": port busy")
}

func TestDaemonBadConfig(t *testing.T) {
	err := main.Run(&main.Options{
		Config: filepath.Join(t.TempDir(), "missing.yaml"),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot load config")
}
