package testutil

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Logs are only written for verbose test runs, at the most detailed level
func init() {
	logrus.SetLevel(logrus.TraceLevel)
	if !isVerbose() {
		logrus.SetOutput(io.Discard)
	}
}

// isVerbose inspects os.Args since test flags are not yet parsed during init
func isVerbose() bool {
	for _, arg := range os.Args[1:] {
		if arg == "-test.v=true" || arg == "-test.v" {
			return true
		}
	}
	return false
}

// DisableLogging silences the standard logger until reset is called
func DisableLogging() (reset func()) {
	logger := logrus.StandardLogger()
	original := logger.Out
	logger.SetOutput(io.Discard)
	return func() {
		logger.SetOutput(original)
	}
}
