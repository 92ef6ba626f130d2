package jobs

import (
	"os/exec"
)

var (
	StateFromText    = stateFromText
	IsNotFoundOutput = isNotFoundOutput
)

func MockCmdCombinedOutput(m func(cmd *exec.Cmd) ([]byte, error)) (restore func()) {
	old := cmdCombinedOutput
	cmdCombinedOutput = m
	return func() {
		cmdCombinedOutput = old
	}
}
