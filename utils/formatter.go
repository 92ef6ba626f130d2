package utils

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// TagFormatter is a text formatter which prefixes each entry with a fixed
// tag, eg. the name of the daemon, so that lines remain attributable when
// output from several tools ends up interleaved in one terminal or log.
type TagFormatter struct {
	Tag string
	logrus.TextFormatter
}

func (t *TagFormatter) Format(en *logrus.Entry) ([]byte, error) {
	l, err := t.TextFormatter.Format(en)
	if err != nil {
		return nil, err
	}
	tagged := append([]byte(fmt.Sprintf("[%v]", t.Tag)), l...)
	return tagged, nil
}
