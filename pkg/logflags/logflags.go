package logflags

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var breakpoints = false
var scripts = false
var frame = false
var watch = false
var loader = false

var logOut io.WriteCloser

var session = ""

var textFormatterInstance = &textFormatter{}

func makeLogger(level logrus.Level, fields Fields) Logger {
	if session != "" {
		if fields == nil {
			fields = Fields{}
		}
		fields["session"] = session
	}
	if lf := loggerFactory; lf != nil {
		return lf(level, fields, logOut)
	}
	logger := logrus.New().WithFields(logrus.Fields(fields))
	logger.Logger.Formatter = textFormatterInstance
	if logOut != nil {
		logger.Logger.Out = logOut
	} else {
		logger.Logger.Out = os.Stderr
	}
	logger.Logger.Level = level
	return &logrusLogger{logger}
}

// makeFlaggableLogger returns a logger that logs at debug level when flag
// is set and only reports errors otherwise.
func makeFlaggableLogger(flag bool, fields Fields) Logger {
	if !flag {
		return makeLogger(logrus.ErrorLevel, fields)
	}
	return makeLogger(logrus.DebugLevel, fields)
}

// Breakpoints returns true if the breakpoint manager should log.
func Breakpoints() bool {
	return breakpoints
}

// BreakpointsLogger returns a logger for the breakpoint manager and the
// trap handler.
func BreakpointsLogger() Logger {
	return makeFlaggableLogger(breakpoints, Fields{"layer": "proc", "kind": "breakpoints"})
}

// Scripts returns true if the script bridge should log.
func Scripts() bool {
	return scripts
}

// ScriptsLogger returns a logger for script loading and execution.
func ScriptsLogger() Logger {
	return makeFlaggableLogger(scripts, Fields{"layer": "bridge"})
}

// Frame returns true if the frame driver should log.
func Frame() bool {
	return frame
}

// FrameLogger returns a logger for the frame driver.
func FrameLogger() Logger {
	return makeFlaggableLogger(frame, Fields{"layer": "frame"})
}

// Watch returns true if filesystem change notifications should be logged.
func Watch() bool {
	return watch
}

// WatchLogger returns a logger for the script directory watcher.
func WatchLogger() Logger {
	return makeFlaggableLogger(watch, Fields{"layer": "bridge", "kind": "watch"})
}

// Loader returns true if lifecycle events should be logged.
func Loader() bool {
	return loader
}

// LoaderLogger returns a logger for startup and shutdown.
func LoaderLogger() Logger {
	return makeFlaggableLogger(loader, Fields{"layer": "loader"})
}

// Session returns the identifier attached to every log entry of the
// current attach, or "" before Setup.
func Session() string {
	return session
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets logging flags based on the contents of logstr.
// If logDest is not empty logs will be redirected to the file it names.
func Setup(logFlag bool, logstr, logDest string) error {
	if logDest != "" {
		f, err := os.OpenFile(logDest, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("could not create log file: %v", err)
		}
		logOut = f
	}
	session = uuid.NewString()
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(io.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logOut != nil {
		log.SetOutput(logOut)
	}
	if logstr == "" {
		logstr = "loader"
	}
	v := strings.Split(logstr, ",")
	for _, logcmd := range v {
		switch strings.TrimSpace(logcmd) {
		case "breakpoints":
			breakpoints = true
		case "scripts":
			scripts = true
		case "frame":
			frame = true
		case "watch":
			watch = true
		case "loader":
			loader = true
		case "all":
			breakpoints, scripts, frame, watch, loader = true, true, true, true, true
		}
	}
	return nil
}

// Close closes the logger output.
func Close() {
	if logOut != nil {
		logOut.Close()
		logOut = nil
	}
}

// textFormatter is a simplified version of logrus.TextFormatter that
// doesn't make logs unreadable when they are output to a text file or to a
// terminal that doesn't support colors.
type textFormatter struct {
}

func (f *textFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var b strings.Builder
	b.WriteString(entry.Time.Format("2006-01-02T15:04:05Z07:00"))
	b.WriteByte(' ')
	b.WriteString(entry.Level.String())
	b.WriteByte(' ')
	for k, v := range entry.Data {
		if k == "session" {
			continue
		}
		fmt.Fprintf(&b, "%s=%v ", k, v)
	}
	b.WriteString(entry.Message)
	b.WriteByte('\n')
	return []byte(b.String()), nil
}
