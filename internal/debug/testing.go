package debug

import (
	"io"
	"log"
	"testing"
)

// TestLogTo redirects the debug log to w for the duration of the test.
func TestLogTo(t testing.TB, w io.Writer) {
	prev := opts
	opts.logger = log.New(w, "", 0)
	opts.enabled = true

	t.Cleanup(func() {
		opts = prev
	})
}
