// Package debug implements the debug log. It is disabled unless one of the
// DEBUG_LOG, DEBUG_FUNCS or DEBUG_FILES environment variables is set.
//
// DEBUG_LOG names a file that receives every message. DEBUG_FUNCS and
// DEBUG_FILES are comma separated glob patterns of function names and
// "dir/file.go:line" positions whose messages are echoed to stderr. A
// pattern prefixed with "-" suppresses matching messages, "all" matches
// everything.
package debug

import (
	"fmt"
	"log"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"
)

// filter maps glob patterns to whether matching keys are shown.
type filter map[string]bool

func parseFilter(spec string, pad func(string) string) (filter, error) {
	f := make(filter)

	for _, item := range strings.Split(spec, ",") {
		pattern := strings.TrimSpace(item)
		if pattern == "" {
			continue
		}

		show := true
		switch pattern[0] {
		case '-':
			show = false
			pattern = pattern[1:]
		case '+':
			pattern = pattern[1:]
		}
		pattern = pad(pattern)

		if _, err := path.Match(pattern, ""); err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
		}
		f[pattern] = show
	}

	return f, nil
}

// match reports whether messages for key are shown. Exact entries win over
// globs, "all" is the fallback.
func (f filter) match(key string) bool {
	if show, ok := f[key]; ok {
		return show
	}

	for pattern, show := range f {
		if ok, _ := path.Match(pattern, key); ok {
			return show
		}
	}

	return f["all"]
}

func padFunc(s string) string {
	return s
}

// padFile turns "file.go" into "*/file.go:*" so that a bare file name
// matches every line of the file in any directory.
func padFile(s string) string {
	if s == "all" || s == "" {
		return s
	}

	if !strings.Contains(s, "/") {
		s = "*/" + s
	}
	if !strings.Contains(s, ":") {
		s += ":*"
	}
	return s
}

type config struct {
	enabled bool
	logger  *log.Logger
	funcs   filter
	files   filter
}

var opts config

// make sure that all the initialization happens before the init() functions
// are called, cf https://golang.org/ref/spec#Package_initialization
var _ = initDebug()

func initDebug() bool {
	cfg, err := configure(os.Getenv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "debug: %v\n", err)
		os.Exit(5)
	}
	opts = cfg

	if opts.enabled {
		fmt.Fprintf(os.Stderr, "debug enabled\n")
	}
	return opts.enabled
}

func configure(getenv func(string) string) (config, error) {
	var cfg config
	var err error

	if filename := getenv("DEBUG_LOG"); filename != "" {
		f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return config{}, fmt.Errorf("unable to open debug log file: %w", err)
		}
		fmt.Fprintf(os.Stderr, "debug log file %v\n", filename)
		cfg.logger = log.New(f, "", log.LstdFlags|log.Lmicroseconds)
	}

	if cfg.funcs, err = parseFilter(getenv("DEBUG_FUNCS"), padFunc); err != nil {
		return config{}, err
	}
	if cfg.files, err = parseFilter(getenv("DEBUG_FILES"), padFile); err != nil {
		return config{}, err
	}

	cfg.enabled = cfg.logger != nil || len(cfg.funcs) > 0 || len(cfg.files) > 0
	return cfg, nil
}

// taken from https://github.com/VividCortex/trace
func goroutineNum() int {
	b := make([]byte, 20)
	runtime.Stack(b, false)
	var num int

	_, _ = fmt.Sscanf(string(b), "goroutine %d ", &num)
	return num
}

// caller returns the function name and the "dir/file.go:line" position of
// the caller of Log.
func caller() (fn, pos string) {
	pc, file, line, ok := runtime.Caller(2)
	if !ok {
		return "", ""
	}

	pos = fmt.Sprintf("%s/%s:%d", filepath.Base(filepath.Dir(file)), filepath.Base(file), line)
	if f := runtime.FuncForPC(pc); f != nil {
		fn = path.Base(f.Name())
	}
	return fn, pos
}

// Enabled reports whether the debug log is active.
func Enabled() bool {
	return opts.enabled
}

// Log prints a message to the debug log (if debug is enabled). Arguments with
// a Str() method are printed in their short form.
func Log(f string, args ...interface{}) {
	if !opts.enabled {
		return
	}

	fn, pos := caller()

	if !strings.HasSuffix(f, "\n") {
		f += "\n"
	}

	type shortener interface {
		Str() string
	}
	for i, item := range args {
		if s, ok := item.(shortener); ok {
			args[i] = s.Str()
		}
	}

	line := fmt.Sprintf("%s\t%s\t%d\t", pos, fn, goroutineNum()) + fmt.Sprintf(f, args...)

	if opts.logger != nil {
		opts.logger.Print(line)
	}
	if opts.files.match(pos) || opts.funcs.match(fn) {
		fmt.Fprint(os.Stderr, line)
	}
}
