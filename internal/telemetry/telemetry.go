// Package telemetry reports the outcome of downloads. Reporting is best
// effort: a failing sink never influences a download.
package telemetry

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/cryptdrive/drivedl/internal/debug"
	"github.com/cryptdrive/drivedl/internal/drive"
	"github.com/cryptdrive/drivedl/internal/errors"
	"github.com/google/uuid"
)

// DownloadEvent describes one settled download attempt.
type DownloadEvent struct {
	AttemptID      uuid.UUID         `json:"attempt_id"`
	Time           time.Time         `json:"time"`
	Revision       drive.RevisionRef `json:"revision"`
	ClaimedSize    int64             `json:"claimed_size"`
	DownloadedSize int64             `json:"downloaded_size"`
	Outcome        string            `json:"outcome"`
	Error          ErrorCategory     `json:"error,omitempty"`
	OriginalError  string            `json:"original_error,omitempty"`
}

// NewAttemptID returns a random identifier for a download attempt.
func NewAttemptID() uuid.UUID {
	return uuid.New()
}

// A Sink receives events.
type Sink interface {
	Emit(ctx context.Context, ev DownloadEvent) error
}

// Emit hands ev to sink. Errors and panics of the sink are logged and
// otherwise ignored.
func Emit(ctx context.Context, sink Sink, ev DownloadEvent) {
	if sink == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			debug.Log("telemetry sink panicked: %v", r)
		}
	}()

	if err := sink.Emit(ctx, ev); err != nil {
		debug.Log("dropping telemetry event for %v: %v", ev.Revision, err)
	}
}

type discard struct{}

func (discard) Emit(context.Context, DownloadEvent) error { return nil }

// Discard drops all events.
var Discard Sink = discard{}

type debugSink struct{}

func (debugSink) Emit(_ context.Context, ev DownloadEvent) error {
	debug.Log("download %v of %v: %v, %d/%d bytes, error %q",
		ev.AttemptID, ev.Revision, ev.Outcome, ev.DownloadedSize, ev.ClaimedSize, ev.Error)
	return nil
}

// DebugSink writes events to the debug log.
var DebugSink Sink = debugSink{}

// JSONLines writes one JSON document per event.
type JSONLines struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewJSONLines returns a sink writing to w.
func NewJSONLines(w io.Writer) *JSONLines {
	return &JSONLines{enc: json.NewEncoder(w)}
}

// Emit writes ev.
func (j *JSONLines) Emit(_ context.Context, ev DownloadEvent) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return errors.Wrap(j.enc.Encode(ev), "encode event")
}

// Multi sends events to all sinks. The first error is returned after every
// sink has been called.
type Multi []Sink

// Emit forwards ev to every sink.
func (m Multi) Emit(ctx context.Context, ev DownloadEvent) error {
	var errs []error
	for _, s := range m {
		if err := s.Emit(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
