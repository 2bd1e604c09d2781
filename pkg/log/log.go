// Package log provides the leveled logging used throughout the agent:
// package level *log.Logger values per severity, with lower severities
// redirected to io.Discard by SetLevel rather than filtered at each call
// site.
package log

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
)

var (
	DebugWriter io.Writer = os.Stderr
	InfoWriter  io.Writer = os.Stderr
	WarnWriter  io.Writer = os.Stderr
	ErrWriter   io.Writer = os.Stderr
	CritWriter  io.Writer = os.Stderr
)

var (
	DebugPrefix string = "<7>[DEBUG]    "
	InfoPrefix  string = "<6>[INFO]     "
	WarnPrefix  string = "<4>[WARNING]  "
	ErrPrefix   string = "<3>[ERROR]    "
	CritPrefix  string = "<2>[CRITICAL] "
)

var (
	mu       sync.Mutex
	DebugLog = log.New(DebugWriter, DebugPrefix, log.LstdFlags)
	InfoLog  = log.New(InfoWriter, InfoPrefix, log.LstdFlags)
	WarnLog  = log.New(WarnWriter, WarnPrefix, log.LstdFlags)
	ErrLog   = log.New(ErrWriter, ErrPrefix, log.LstdFlags|log.Lshortfile)
	CritLog  = log.New(CritWriter, CritPrefix, log.LstdFlags|log.Llongfile)
)

// SetLevel discards everything below lvl. Valid values, from quietest to
// loudest: "crit", "err", "warn", "info", "debug".
func SetLevel(lvl string) {
	mu.Lock()
	defer mu.Unlock()

	switch lvl {
	case "crit":
		ErrLog.SetOutput(io.Discard)
		fallthrough
	case "err", "fatal":
		WarnLog.SetOutput(io.Discard)
		fallthrough
	case "warn":
		InfoLog.SetOutput(io.Discard)
		fallthrough
	case "info":
		DebugLog.SetOutput(io.Discard)
	case "debug":
		// nothing discarded
	default:
		WarnLog.Output(2, fmt.Sprintf("unknown log level %q, leaving levels unchanged", lvl))
	}
}

// UseConsole resets every writer back to stderr and applies lvl. Grounds the
// embedding API's UseConsoleLogger(level).
func UseConsole(lvl string) {
	mu.Lock()
	DebugLog.SetOutput(os.Stderr)
	InfoLog.SetOutput(os.Stderr)
	WarnLog.SetOutput(os.Stderr)
	ErrLog.SetOutput(os.Stderr)
	CritLog.SetOutput(os.Stderr)
	mu.Unlock()
	SetLevel(lvl)
}

// SetDirs points every level's logger at one append-mode atlas-agent.log
// file in the first directory of dirs where it can be opened; the file is
// not rotated. If none can be opened, the writers are left as they were
// and the last open error is returned. Grounds the embedding API's
// SetLoggingDirs(dirs).
func SetDirs(dirs []string) error {
	var lastErr error
	for _, d := range dirs {
		path := filepath.Join(d, "atlas-agent.log")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			lastErr = err
			continue
		}
		mu.Lock()
		DebugLog.SetOutput(f)
		InfoLog.SetOutput(f)
		WarnLog.SetOutput(f)
		ErrLog.SetOutput(f)
		CritLog.SetOutput(f)
		mu.Unlock()
		return nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no directories given")
	}
	return lastErr
}

func Debugf(format string, v ...any) { DebugLog.Output(2, fmt.Sprintf(format, v...)) }
func Infof(format string, v ...any)  { InfoLog.Output(2, fmt.Sprintf(format, v...)) }
func Warnf(format string, v ...any)  { WarnLog.Output(2, fmt.Sprintf(format, v...)) }
func Errorf(format string, v ...any) { ErrLog.Output(2, fmt.Sprintf(format, v...)) }

func Debug(v ...any) { DebugLog.Output(2, fmt.Sprint(v...)) }
func Info(v ...any)  { InfoLog.Output(2, fmt.Sprint(v...)) }
func Warn(v ...any)  { WarnLog.Output(2, fmt.Sprint(v...)) }
func Error(v ...any) { ErrLog.Output(2, fmt.Sprint(v...)) }

// Abortf logs at crit and terminates the process. Reserved for
// unrecoverable construction failures; never called on the ordinary
// error paths, which all return errors.
func Abortf(format string, v ...any) {
	CritLog.Output(2, fmt.Sprintf(format, v...))
	os.Exit(1)
}
