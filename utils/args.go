package utils

import (
	"errors"

	"github.com/jessevdk/go-flags"
)

// IsErrHelp returns true when the error indicates that help was requested and
// shown, rather than an actual parsing failure.
func IsErrHelp(err error) bool {
	var ferr *flags.Error
	return errors.As(err, &ferr) && ferr.Type == flags.ErrHelp
}
