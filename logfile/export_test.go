package logfile

import (
	"time"
)

var TrailingLines = trailingLines

func MockFollowInterval(d time.Duration) (restore func()) {
	old := followInterval
	followInterval = d
	return func() {
		followInterval = old
	}
}
