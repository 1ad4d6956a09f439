package progress

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// A Printer can return a new counter or print messages
// at different log levels.
// It must be safe to call its methods from concurrent goroutines.
type Printer interface {
	NewCounter(description string, total int64) *Counter

	E(msg string, args ...interface{})
	P(msg string, args ...interface{})
	V(msg string, args ...interface{})
	VV(msg string, args ...interface{})
}

// NoopPrinter discards all messages
type NoopPrinter struct{}

var _ Printer = (*NoopPrinter)(nil)

func (*NoopPrinter) NewCounter(_ string, _ int64) *Counter {
	return nil
}

func (*NoopPrinter) E(_ string, _ ...interface{}) {}

func (*NoopPrinter) P(_ string, _ ...interface{}) {}

func (*NoopPrinter) V(_ string, _ ...interface{}) {}

func (*NoopPrinter) VV(_ string, _ ...interface{}) {}

// TextPrinter writes messages to stdout and errors to stderr. On a terminal
// counters rewrite a single status line, otherwise they print a line on
// every update.
type TextPrinter struct {
	mu        sync.Mutex
	stdout    io.Writer
	stderr    io.Writer
	verbosity uint
	terminal  bool
	width     int
	interval  time.Duration
	status    string
}

var _ Printer = (*TextPrinter)(nil)

// NewTextPrinter returns a printer. Messages of V are shown with verbosity
// 2 and above, VV with 3 and above; verbosity 0 suppresses P as well. width
// is the terminal width, or 0 if stdout is not a terminal.
func NewTextPrinter(stdout, stderr io.Writer, verbosity uint, width int) *TextPrinter {
	p := &TextPrinter{
		stdout:    stdout,
		stderr:    stderr,
		verbosity: verbosity,
		terminal:  width > 0,
		width:     width,
		interval:  10 * time.Second,
	}
	if p.terminal {
		p.interval = time.Second / 6
	}
	return p
}

func (p *TextPrinter) print(w io.Writer, msg string, args ...interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.status != "" {
		p.clearStatus()
	}
	msg = fmt.Sprintf(msg, args...)
	if !strings.HasSuffix(msg, "\n") {
		msg += "\n"
	}
	_, _ = io.WriteString(w, msg)
	if p.status != "" {
		_, _ = io.WriteString(p.stdout, p.status)
	}
}

func (p *TextPrinter) clearStatus() {
	_, _ = io.WriteString(p.stdout, "\r"+strings.Repeat(" ", len(p.status))+"\r")
}

func (p *TextPrinter) setStatus(line string, final bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.terminal {
		_, _ = io.WriteString(p.stdout, line+"\n")
		return
	}

	if p.width > 1 && len(line) >= p.width {
		line = line[:p.width-1]
	}
	if p.status != "" {
		p.clearStatus()
	}
	if final {
		p.status = ""
		_, _ = io.WriteString(p.stdout, line+"\n")
		return
	}
	p.status = line
	_, _ = io.WriteString(p.stdout, line)
}

// NewCounter returns a counter that reports as a status line.
func (p *TextPrinter) NewCounter(description string, total int64) *Counter {
	if p.verbosity < 1 {
		return NewCounter(0, total, func(int64, int64, time.Duration, bool) {})
	}
	return NewCounter(p.interval, total, func(value, total int64, d time.Duration, final bool) {
		p.setStatus(FormatTransfer(description, value, total, d), final)
	})
}

// E prints an error message.
func (p *TextPrinter) E(msg string, args ...interface{}) {
	p.print(p.stderr, msg, args...)
}

// P prints a message at the default verbosity.
func (p *TextPrinter) P(msg string, args ...interface{}) {
	if p.verbosity >= 1 {
		p.print(p.stdout, msg, args...)
	}
}

// V prints a verbose message.
func (p *TextPrinter) V(msg string, args ...interface{}) {
	if p.verbosity >= 2 {
		p.print(p.stdout, msg, args...)
	}
}

// VV prints a debug message.
func (p *TextPrinter) VV(msg string, args ...interface{}) {
	if p.verbosity >= 3 {
		p.print(p.stdout, msg, args...)
	}
}
