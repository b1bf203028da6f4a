package cmds

import (
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"

	"github.com/overhook/overhook/pkg/bridge"
)

type style int

const (
	styleNormal style = iota
	styleOK
	styleError
	stylePending
	styleHeader
)

const (
	ansiReset  = "\033[0m"
	ansiBold   = "\033[1m"
	ansiRed    = "\033[31m"
	ansiGreen  = "\033[32m"
	ansiYellow = "\033[33m"
)

var styleEscapes = map[style]string{
	styleOK:      ansiGreen,
	styleError:   ansiRed,
	stylePending: ansiYellow,
	styleHeader:  ansiBold,
}

// output writes to the console, with colors when it is a terminal.
type output struct {
	w     io.Writer
	color bool
}

func newOutput(f *os.File) *output {
	if isatty.IsTerminal(f.Fd()) {
		return &output{w: colorable.NewColorable(f), color: true}
	}
	return &output{w: f}
}

func (o *output) Write(p []byte) (int, error) {
	return o.w.Write(p)
}

func (o *output) printf(s style, format string, args ...interface{}) {
	esc := styleEscapes[s]
	if !o.color || esc == "" {
		fmt.Fprintf(o.w, format, args...)
		return
	}
	fmt.Fprint(o.w, esc)
	fmt.Fprintf(o.w, format, args...)
	fmt.Fprint(o.w, ansiReset)
}

func statusStyle(s bridge.Script) style {
	switch {
	case s.IsError():
		return styleError
	case s.Result == bridge.StatusPending:
		return stylePending
	}
	return styleOK
}

// printScript prints the overlay lines of s followed by its status.
func (o *output) printScript(s bridge.Script) {
	o.printf(styleHeader, "%s v%s", s.Name, s.Version)
	fmt.Fprintf(o.w, " by %s (%s)\n", s.Author, s.Key)
	if s.StatusInfo != "" {
		fmt.Fprintf(o.w, "\tInfo: %s\n", s.StatusInfo)
	}
	fmt.Fprint(o.w, "\tStatus: ")
	o.printf(statusStyle(s), "%s\n", s.Result)
}
