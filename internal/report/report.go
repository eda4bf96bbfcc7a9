// Package report writes the human-readable output of a probe run: severity
// prefixed lines on stderr and the verbose dump on stdout.
package report

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"golang.org/x/term"
)

const (
	bodyHeader = "-- Message body ---------------------"
	bodyFooter = "-------------------------------------"
)

// Field is a single named value in the verbose option dump.
type Field struct {
	Name  string
	Value any
}

// Reporter prints diagnostics for a single run.
type Reporter struct {
	stdout io.Writer
	stderr io.Writer

	errorLabel *color.Color
	warnLabel  *color.Color
	infoLabel  *color.Color
}

// New creates a Reporter writing verbose output to stdout and diagnostics to
// stderr. Severity labels are coloured only when stderr is a terminal.
func New(stdout, stderr io.Writer) *Reporter {
	r := &Reporter{
		stdout:     stdout,
		stderr:     stderr,
		errorLabel: color.New(color.FgRed, color.Bold),
		warnLabel:  color.New(color.FgYellow, color.Bold),
		infoLabel:  color.New(color.FgCyan),
	}

	colorize := isTerminal(stderr) && os.Getenv("NO_COLOR") == ""
	for _, c := range []*color.Color{r.errorLabel, r.warnLabel, r.infoLabel} {
		if colorize {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return r
}

// Errorf writes an ERROR line to stderr.
func (r *Reporter) Errorf(format string, args ...any) {
	r.line(r.errorLabel, "ERROR", format, args...)
}

// Warnf writes a WARN line to stderr.
func (r *Reporter) Warnf(format string, args ...any) {
	r.line(r.warnLabel, "WARN", format, args...)
}

// Infof writes an INFO line to stderr.
func (r *Reporter) Infof(format string, args ...any) {
	r.line(r.infoLabel, "INFO", format, args...)
}

// Fields prints one "name: value" line per field on stdout.
func (r *Reporter) Fields(fields []Field) {
	for _, f := range fields {
		fmt.Fprintf(r.stdout, "%s: %v\n", f.Name, f.Value)
	}
}

// MessageBody prints msg between the body markers on stdout.
func (r *Reporter) MessageBody(msg string) {
	var b strings.Builder
	b.WriteString(bodyHeader + "\n")
	b.WriteString(msg + "\n")
	b.WriteString(bodyFooter + "\n")
	fmt.Fprint(r.stdout, b.String())
}

// Stderr returns the diagnostics stream, used for the protocol trace.
func (r *Reporter) Stderr() io.Writer {
	return r.stderr
}

func (r *Reporter) line(label *color.Color, severity, format string, args ...any) {
	fmt.Fprintf(r.stderr, "%s: %s\n", label.Sprint(severity), fmt.Sprintf(format, args...))
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}
