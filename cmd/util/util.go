package util

import (
	"fmt"
	"io"
	"os"
	"runtime/debug"

	log "github.com/sirupsen/logrus"

	"github.com/sidkik/ftp-deploy/pkg/errors"
)

// Mocked for unit testing.
var (
	stderr io.Writer = os.Stderr
	exit             = os.Exit
)

// HandleFatalError prints the error and exits. Errors with a friendly message
// are printed as is, and the full error is only logged at the Debug level.
func HandleFatalError(err error) {
	if msg, ok := errors.GetFriendlyMessage(err); ok {
		fmt.Fprintln(stderr, msg)
		log.WithError(err).Debug("Fatal error")
	} else {
		log.WithError(err).Error("Fatal error")
	}
	exit(1)
}

// HandlePanic logs the stack trace of a panic and exits. It must be deferred
// directly, since recover only works in deferred calls.
func HandlePanic() {
	if r := recover(); r != nil {
		log.WithField("stack", string(debug.Stack())).Errorf("Unexpected panic: %v", r)
		exit(1)
	}
}
