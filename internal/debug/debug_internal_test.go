package debug

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
)

func TestFilterMatch(t *testing.T) {
	files, err := parseFilter("download/*, -source.go , +gate/gate.go:42", padFile)
	if err != nil {
		t.Fatal(err)
	}

	for key, want := range map[string]bool{
		"download/transfer.go:10": true,
		"x/source.go:7":           false,
		"gate/gate.go:42":         true,
		"gate/gate.go:43":         false,
		"api/api.go:1":            false,
	} {
		if got := files.match(key); got != want {
			t.Errorf("match(%q) = %v, want %v", key, got, want)
		}
	}

	funcs, err := parseFilter("all,-download.(*Fetcher).Fetch", padFunc)
	if err != nil {
		t.Fatal(err)
	}
	if !funcs.match("gate.(*Gate).Enter") {
		t.Error("all does not match")
	}
	if funcs.match("download.(*Fetcher).Fetch") {
		t.Error("excluded function matches")
	}
}

func TestParseFilterInvalid(t *testing.T) {
	if _, err := parseFilter("[", padFunc); err == nil {
		t.Fatal("invalid pattern accepted")
	}
}

func TestConfigure(t *testing.T) {
	env := map[string]string{}
	cfg, err := configure(func(k string) string { return env[k] })
	if err != nil {
		t.Fatal(err)
	}
	if cfg.enabled {
		t.Fatal("debug enabled without configuration")
	}

	env["DEBUG_LOG"] = filepath.Join(t.TempDir(), "debug.log")
	env["DEBUG_FILES"] = "gate.go"
	cfg, err = configure(func(k string) string { return env[k] })
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.enabled || cfg.logger == nil || !cfg.files.match("gate/gate.go:1") {
		t.Fatalf("unexpected config %+v", cfg)
	}

	env["DEBUG_LOG"] = filepath.Join(t.TempDir(), "missing", "debug.log")
	if _, err := configure(func(k string) string { return env[k] }); err == nil {
		t.Fatal("unwritable log file accepted")
	}
}

type shortRef struct{}

func (shortRef) Str() string { return "<short>" }

func TestLogUsesShortForm(t *testing.T) {
	buf := &bytes.Buffer{}
	TestLogTo(t, buf)

	Log("value %v", shortRef{})

	line := buf.String()
	if !strings.Contains(line, "value <short>") {
		t.Fatalf("short form not used: %q", line)
	}
	if !strings.Contains(line, "debug/debug_internal_test.go:") {
		t.Fatalf("position missing: %q", line)
	}
}
