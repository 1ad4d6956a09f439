package download

import (
	"context"
	"io"

	"github.com/cryptdrive/drivedl/internal/checkpoint"
	"github.com/cryptdrive/drivedl/internal/crypto"
	"github.com/cryptdrive/drivedl/internal/debug"
	"github.com/cryptdrive/drivedl/internal/drive"
	"github.com/cryptdrive/drivedl/internal/errors"
	"github.com/cryptdrive/drivedl/internal/gate"
)

// Outcome describes a transfer that wrote all blocks.
type Outcome struct {
	Verification Verification
	BytesWritten int64
	ClaimedSize  int64
}

// Err returns a *ManifestVerificationError unless the manifest was verified.
func (o Outcome) Err() error {
	if o.Verification == VerificationOK {
		return nil
	}
	return &ManifestVerificationError{Verification: o.Verification}
}

// RevisionTransfer downloads the blocks of a revision into a writer.
// Blocks are fetched concurrently but written strictly in index order.
type RevisionTransfer struct {
	api      drive.API
	fetcher  *Fetcher
	verifier *ManifestVerifier
	gates    Gates
	cfg      Config

	// OnProgress is called after each written block with the bytes written
	// so far and the claimed size of the revision.
	OnProgress func(written, total int64)

	// OnCheckpoint is called after each written block.
	OnCheckpoint func(checkpoint.State)
}

// NewRevisionTransfer returns a transfer that uses the given collaborators.
func NewRevisionTransfer(api drive.API, fetcher *Fetcher, verifier *ManifestVerifier, gates Gates, cfg Config) *RevisionTransfer {
	return &RevisionTransfer{
		api:      api,
		fetcher:  fetcher,
		verifier: verifier,
		gates:    gates,
		cfg:      cfg.withDefaults(),
	}
}

// fetchTask is a block fetch in flight. done is closed when payload and err
// are set. Every task holds one unit of the blocks gate until it is
// drained.
type fetchTask struct {
	index   int
	done    chan struct{}
	payload BlockPayload
	err     error
}

// Run writes the blocks of st that were not written yet to out and checks
// the manifest afterwards. If st already has progress, out must implement
// io.Seeker.
//
// A closed pause channel stops the transfer at the next block boundary:
// blocks in flight are still written and Run returns ErrPaused.
//
// An unverified manifest is reported in the returned Outcome, not as an
// error.
func (t *RevisionTransfer) Run(ctx context.Context, st *TransferState, out io.Writer, pause <-chan struct{}) (Outcome, error) {
	if err := t.gates.valid(); err != nil {
		return Outcome{}, err
	}

	nodeKey, contentKey, err := st.keys()
	if err != nil {
		return Outcome{}, err
	}

	if offset := st.BytesWritten(); offset > 0 {
		seeker, ok := out.(io.Seeker)
		if !ok {
			return Outcome{}, errors.Fatal("cannot resume transfer: output is not seekable")
		}
		if _, err := seeker.Seek(offset, io.SeekStart); err != nil {
			return Outcome{}, errors.Wrap(err, "seek output")
		}
		debug.Log("%v: resuming at block %d, offset %d", st.Ref().Str(), st.NextBlockIndex(), offset)
	}

	fileSlot, err := gate.Reserve(ctx, t.gates.Files, 1)
	if err != nil {
		return Outcome{}, err
	}
	defer fileSlot.Close()

	source, err := NewBlockSource(ctx, t.api, t.gates.Listing, st.Ref(), st.NextBlockIndex(), t.cfg.PageSize, t.cfg.ListingReservation)
	if err != nil {
		return Outcome{}, err
	}
	defer source.Close()

	paused, err := t.transfer(ctx, st, out, source, fileSlot, contentKey, pause)
	if err != nil {
		return Outcome{}, err
	}
	if paused {
		debug.Log("%v: paused after %d bytes", st.Ref().Str(), st.BytesWritten())
		return Outcome{}, ErrPaused
	}

	rev := st.Revision()
	thumbnails := make([][]byte, 0, len(rev.Thumbnails))
	for _, th := range rev.Thumbnails {
		thumbnails = append(thumbnails, th.Digest)
	}

	v, err := t.verifier.Verify(ctx, rev.Ref, nodeKey, thumbnails, st.Digests(), rev.ManifestSignature, rev.SignatureEmail)
	if err != nil {
		// all blocks are written, a resumed run only repeats the verification
		return Outcome{}, err
	}
	st.markCompleted()

	outcome := Outcome{
		Verification: v,
		BytesWritten: st.BytesWritten(),
		ClaimedSize:  st.ClaimedSize(),
	}
	if outcome.BytesWritten != outcome.ClaimedSize {
		debug.Log("%v: wrote %d bytes, revision claims %d", rev.Ref.Str(), outcome.BytesWritten, outcome.ClaimedSize)
	}
	return outcome, nil
}

// transfer runs the fetch pipeline. It returns true if it stopped because
// of a pause request.
func (t *RevisionTransfer) transfer(ctx context.Context, st *TransferState, out io.Writer,
	source *BlockSource, fileSlot *gate.Reservation, key *crypto.ContentKey, pause <-chan struct{}) (bool, error) {

	fetchCtx, cancelFetches := context.WithCancel(ctx)
	defer cancelFetches()

	var queue []*fetchTask

	// drain writes the oldest task and returns its gate unit.
	drain := func() error {
		task := queue[0]
		queue = queue[1:]

		<-task.done
		defer t.gates.Blocks.Release(1)

		if task.err != nil {
			return task.err
		}
		return t.write(st, out, task.payload)
	}

	// abort waits for all tasks in flight so that no gate unit is leaked.
	abort := func(err error) (bool, error) {
		cancelFetches()
		for _, task := range queue {
			<-task.done
			t.gates.Blocks.Release(1)
		}
		queue = nil
		debug.Log("%v: transfer aborted: %v", st.Ref().Str(), err)
		return false, err
	}

	paused := false
	for !paused {
		select {
		case <-pause:
			paused = true
			continue
		default:
		}

		if err := ctx.Err(); err != nil {
			return abort(err)
		}

		md, err := source.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return abort(err)
		}

		for !t.gates.Blocks.TryEnter(1) {
			if len(queue) == 0 {
				if err := t.gates.Blocks.Enter(ctx, 1); err != nil {
					return abort(err)
				}
				break
			}
			if err := drain(); err != nil {
				return abort(err)
			}
		}

		queue = append(queue, t.start(fetchCtx, md, key))
	}

	// the listing is complete or abandoned, let the next file list its blocks
	source.Close()
	fileSlot.Close()

	for len(queue) > 0 {
		if err := drain(); err != nil {
			return abort(err)
		}
	}

	return paused, nil
}

func (t *RevisionTransfer) start(ctx context.Context, md drive.BlockMetadata, key *crypto.ContentKey) *fetchTask {
	task := &fetchTask{
		index: md.Index,
		done:  make(chan struct{}),
	}

	go func() {
		defer close(task.done)
		task.payload, task.err = t.fetcher.Fetch(ctx, md, key)
	}()

	return task
}

func (t *RevisionTransfer) write(st *TransferState, out io.Writer, payload BlockPayload) error {
	if _, err := out.Write(payload.Data); err != nil {
		return errors.Wrapf(err, "write block %d", payload.Index)
	}
	st.record(payload.Digest, int64(len(payload.Data)))

	if t.OnProgress != nil {
		t.OnProgress(st.BytesWritten(), st.ClaimedSize())
	}
	if t.OnCheckpoint != nil {
		t.OnCheckpoint(st.Checkpoint())
	}
	return nil
}
