package download

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cryptdrive/drivedl/internal/checkpoint"
	"github.com/cryptdrive/drivedl/internal/debug"
	"github.com/cryptdrive/drivedl/internal/drive"
	"github.com/cryptdrive/drivedl/internal/errors"
	"github.com/cryptdrive/drivedl/internal/telemetry"
	"github.com/google/uuid"
)

// State is the state of a Controller.
type State int

const (
	Running State = iota
	Paused
	Completed
	CompletedWithVerificationIssue
	Failed
	Canceled
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Paused:
		return "paused"
	case Completed:
		return "completed"
	case CompletedWithVerificationIssue:
		return "completed_with_verification_issue"
	case Failed:
		return "failed"
	case Canceled:
		return "canceled"
	}
	return "unknown"
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s != Running && s != Paused
}

// Options configure a single download.
type Options struct {
	// OwnsSink makes the controller close the output on Close. It must only
	// be set when the output was opened for this download.
	OwnsSink bool

	// OnProgress is called after each written block.
	OnProgress func(written, total int64)

	// OnSuccess is called once the content was written and verified. Both
	// sizes are reported as they are, even if they differ.
	OnSuccess func(claimed, written int64)

	// OnFailure is called whenever an attempt ends with an error, including
	// resumable errors and verification issues.
	OnFailure func(err error)

	// OnCheckpoint is called after each written block.
	OnCheckpoint func(checkpoint.State)
}

// Controller runs a RevisionTransfer and classifies its errors. Resumable
// errors pause the controller, a paused controller continues from where it
// stopped on Resume.
type Controller struct {
	transfer *RevisionTransfer
	st       *TransferState
	sink     io.Writer
	opts     Options
	metrics  telemetry.Sink
	attempt  uuid.UUID

	// onClose is called once from Close.
	onClose func()

	mu       sync.Mutex
	state    State
	err      error
	outcome  Outcome
	cancel   context.CancelFunc
	pause    chan struct{}
	pausing  bool
	canceled bool
	done     chan struct{}

	closeOnce sync.Once
	closeErr  error
}

func newController(transfer *RevisionTransfer, st *TransferState, sink io.Writer, metrics telemetry.Sink, opts Options) *Controller {
	c := &Controller{
		transfer: transfer,
		st:       st,
		sink:     sink,
		opts:     opts,
		metrics:  metrics,
		attempt:  telemetry.NewAttemptID(),
	}
	transfer.OnProgress = opts.OnProgress
	transfer.OnCheckpoint = opts.OnCheckpoint
	return c
}

func (c *Controller) start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startLocked(ctx)
}

// startLocked launches an attempt. c.mu must be held.
func (c *Controller) startLocked(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	pause := make(chan struct{})
	done := make(chan struct{})

	c.state = Running
	c.err = nil
	c.cancel = cancel
	c.pause = pause
	c.pausing = false
	c.done = done

	debug.Log("%v: starting attempt %v", c.st.Ref().Str(), c.attempt)
	go func() {
		defer close(done)
		defer cancel()

		outcome, err := c.transfer.Run(ctx, c.st, c.sink, pause)
		c.settle(ctx, outcome, err)
	}()
}

// isFatal reports errors that end the controller. Everything else pauses
// it so that the transfer can be resumed.
func isFatal(err error) bool {
	if errors.IsIntegrity(err) || errors.IsFatal(err) {
		return true
	}
	switch drive.HTTPStatus(err) {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return drive.IsClientRejection(err)
}

func (c *Controller) settle(ctx context.Context, outcome Outcome, err error) {
	c.mu.Lock()
	switch {
	case err == nil && outcome.Verification == VerificationOK:
		c.state = Completed
	case err == nil:
		c.state = CompletedWithVerificationIssue
		err = outcome.Err()
	case c.canceled:
		c.state = Canceled
		err = ErrCanceled
	case errors.Is(err, ErrPaused):
		c.state = Paused
	case isFatal(err):
		c.state = Failed
	default:
		c.state = Paused
	}
	c.err = err
	c.outcome = outcome
	state := c.state
	c.mu.Unlock()

	debug.Log("%v: attempt %v settled: %v, err %v", c.st.Ref().Str(), c.attempt, state, err)
	c.emit(ctx, state, err)

	switch {
	case state == Completed:
		if c.opts.OnSuccess != nil {
			c.opts.OnSuccess(outcome.ClaimedSize, outcome.BytesWritten)
		}
	case state == Canceled:
	case err != nil && !errors.Is(err, ErrPaused):
		if c.opts.OnFailure != nil {
			c.opts.OnFailure(err)
		}
	}
}

func (c *Controller) emit(ctx context.Context, state State, err error) {
	ev := telemetry.DownloadEvent{
		AttemptID:      c.attempt,
		Time:           time.Now(),
		Revision:       c.st.Ref(),
		ClaimedSize:    c.st.ClaimedSize(),
		DownloadedSize: c.st.BytesWritten(),
		Outcome:        state.String(),
	}
	if err != nil && !errors.Is(err, ErrPaused) && !errors.Is(err, ErrCanceled) {
		ev.Error = telemetry.Categorize(err)
		ev.OriginalError = err.Error()
	}
	telemetry.Emit(context.WithoutCancel(ctx), c.metrics, ev)
}

// Ref returns the revision downloaded by the controller.
func (c *Controller) Ref() drive.RevisionRef {
	return c.st.Ref()
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the error of the last settled attempt.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Outcome returns the outcome of a completed transfer. It is only
// meaningful in the states Completed and CompletedWithVerificationIssue.
func (c *Controller) Outcome() Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outcome
}

// BytesWritten returns the number of bytes written so far.
func (c *Controller) BytesWritten() int64 {
	return c.st.BytesWritten()
}

// Pause asks the running attempt to stop at the next block boundary.
func (c *Controller) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Running || c.pausing {
		return
	}
	c.pausing = true
	close(c.pause)
}

// Resume starts a new attempt if the controller is paused. ctx bounds the
// new attempt. Resume does nothing in any other state.
func (c *Controller) Resume(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Paused || c.canceled {
		return
	}
	c.startLocked(ctx)
}

// Cancel ends the download for good. A running attempt is interrupted.
func (c *Controller) Cancel() {
	c.mu.Lock()
	if c.state.Terminal() || c.canceled {
		c.mu.Unlock()
		return
	}
	c.canceled = true

	if c.state == Running {
		cancel := c.cancel
		c.mu.Unlock()
		cancel()
		return
	}

	// paused, there is no attempt to wait for
	c.state = Canceled
	c.err = ErrCanceled
	c.mu.Unlock()
	c.emit(context.Background(), Canceled, ErrCanceled)
}

// Wait blocks until the current attempt settles or ctx is cancelled and
// returns the error of the attempt.
func (c *Controller) Wait(ctx context.Context) error {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return c.Err()
}

// Close cancels a running attempt, waits for it and releases the transfer
// state. The output is closed only if the controller owns it.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() {
		c.Cancel()

		c.mu.Lock()
		done := c.done
		c.mu.Unlock()
		<-done

		errs := []error{c.st.Close()}
		if c.opts.OwnsSink {
			if closer, ok := c.sink.(io.Closer); ok {
				errs = append(errs, closer.Close())
			}
		}
		if c.onClose != nil {
			c.onClose()
		}
		c.closeErr = errors.Join(errs...)
	})
	return c.closeErr
}
