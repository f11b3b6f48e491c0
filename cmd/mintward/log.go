// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jrick/logrotate/rotator"

	"github.com/mintward/mintward/wallet"
)

const maxLogRolls = 16

// logWriter implements an io.Writer that outputs to a rotating log file and
// optionally stdout.
type logWriter struct {
	*rotator.Rotator
	stdout bool
}

// Write writes the data in p to the log file.
func (w logWriter) Write(p []byte) (n int, err error) {
	if w.stdout {
		os.Stdout.Write(p)
	}
	return w.Rotator.Write(p)
}

// initLogging initializes the logging rotator to write logs to logPath and
// create roll files in the same directory.
func initLogging(logPath, lvl string, stdout bool) (*wallet.LoggerMaker, func(), error) {
	if err := os.MkdirAll(filepath.Dir(logPath), 0700); err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	logRotator, err := rotator.New(logPath, 32*1024, false, maxLogRolls)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create file rotator: %w", err)
	}
	lm, err := wallet.NewLoggerMaker(&logWriter{logRotator, stdout}, lvl)
	if err != nil {
		logRotator.Close()
		return nil, nil, err
	}
	return lm, func() { logRotator.Close() }, nil
}
