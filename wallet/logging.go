// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package wallet

import (
	"fmt"
	"io"
	"strings"

	"github.com/decred/slog"
)

// Every subsystem constructor will accept a Logger. All logging should take
// place through the provided logger.
type Logger = slog.Logger

// Disabled is a Logger that produces no output. Packages default to Disabled
// until a logger is provided via their UseLogger function.
var Disabled Logger = func() Logger {
	l := slog.NewBackend(io.Discard).Logger("OFF")
	l.SetLevel(slog.LevelOff)
	return l
}()

// LoggerMaker allows creation of new log subsystems with predefined levels.
type LoggerMaker struct {
	*slog.Backend
	DefaultLevel slog.Level
	Levels       map[string]slog.Level
}

// NewLoggerMaker parses the debug level string into a LoggerMaker. The string
// can specify a single level for all subsystems, or per-subsystem levels as a
// comma-separated list of subsys=level pairs.
func NewLoggerMaker(w io.Writer, debugLevel string) (*LoggerMaker, error) {
	lm := &LoggerMaker{
		Backend:      slog.NewBackend(w),
		DefaultLevel: slog.LevelDebug,
		Levels:       make(map[string]slog.Level),
	}
	if debugLevel == "" {
		return lm, nil
	}

	if !strings.Contains(debugLevel, ",") && !strings.Contains(debugLevel, "=") {
		lvl, ok := slog.LevelFromString(debugLevel)
		if !ok {
			return nil, fmt.Errorf("unknown log level: %q", debugLevel)
		}
		lm.DefaultLevel = lvl
		return lm, nil
	}

	for _, pair := range strings.Split(debugLevel, ",") {
		fields := strings.Split(pair, "=")
		if len(fields) != 2 {
			return nil, fmt.Errorf("malformed debug level pair: %q", pair)
		}
		lvl, ok := slog.LevelFromString(fields[1])
		if !ok {
			return nil, fmt.Errorf("unknown log level: %q", fields[1])
		}
		lm.Levels[fields[0]] = lvl
	}
	return lm, nil
}

// SubLogger creates a Logger with a subsystem name "parent[name]", using any
// known log level for the parent subsystem, defaulting to the DefaultLevel if
// the parent does not have an explicitly set level.
func (lm *LoggerMaker) SubLogger(parent, name string) Logger {
	level, ok := lm.Levels[parent]
	if !ok {
		level = lm.DefaultLevel
	}
	logger := lm.Backend.Logger(fmt.Sprintf("%s[%s]", parent, name))
	logger.SetLevel(level)
	return logger
}

// Logger creates a new Logger for the subsystem with the given name, using the
// level configured for that subsystem, else the DefaultLevel.
func (lm *LoggerMaker) Logger(name string) Logger {
	lvl, ok := lm.Levels[name]
	if !ok {
		lvl = lm.DefaultLevel
	}
	logger := lm.Backend.Logger(name)
	logger.SetLevel(lvl)
	return logger
}
