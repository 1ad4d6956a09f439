package download

import (
	"slices"
	"sync"

	"github.com/cryptdrive/drivedl/internal/checkpoint"
	"github.com/cryptdrive/drivedl/internal/crypto"
	"github.com/cryptdrive/drivedl/internal/debug"
	"github.com/cryptdrive/drivedl/internal/drive"
	"github.com/cryptdrive/drivedl/internal/errors"
	"github.com/cryptdrive/drivedl/internal/pgp"
)

// ErrStateClosed is returned when a closed TransferState is used.
var ErrStateClosed = errors.New("transfer state is closed")

// TransferState records the progress of one revision download. It owns the
// keys of the revision and releases them on Close.
type TransferState struct {
	revision   drive.Revision
	nodeKey    *pgp.NodeKey
	contentKey *crypto.ContentKey

	mu           sync.Mutex
	digests      [][]byte
	bytesWritten int64
	completed    bool
	closed       bool

	closeOnce sync.Once
	closeErr  error
}

// NewTransferState returns a state for downloading rev. Ownership of both
// keys passes to the state.
func NewTransferState(rev drive.Revision, nodeKey *pgp.NodeKey, contentKey *crypto.ContentKey) *TransferState {
	return &TransferState{
		revision:   rev,
		nodeKey:    nodeKey,
		contentKey: contentKey,
	}
}

// Revision returns the metadata of the revision.
func (s *TransferState) Revision() drive.Revision {
	return s.revision
}

// Ref returns the revision reference.
func (s *TransferState) Ref() drive.RevisionRef {
	return s.revision.Ref
}

// ClaimedSize returns the size of the revision as reported by the server.
func (s *TransferState) ClaimedSize() int64 {
	return s.revision.ClaimedSize
}

// Restore seeds the state with the progress of an earlier attempt. It
// fails if the state already has progress or cp belongs to another
// revision.
func (s *TransferState) Restore(cp checkpoint.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStateClosed
	}
	if cp.Revision != s.revision.Ref {
		return errors.Wrapf(checkpoint.ErrMismatch, "checkpoint of %v used for %v", cp.Revision, s.revision.Ref)
	}
	if len(s.digests) > 0 || s.bytesWritten > 0 {
		return errors.New("transfer state already has progress")
	}

	s.digests = make([][]byte, 0, len(cp.Digests))
	for _, d := range cp.Digests {
		s.digests = append(s.digests, slices.Clone(d))
	}
	s.bytesWritten = cp.BytesWritten
	debug.Log("%v: restored %d blocks, %d bytes", s.revision.Ref.Str(), len(s.digests), s.bytesWritten)
	return nil
}

// Checkpoint returns a snapshot of the progress.
func (s *TransferState) Checkpoint() checkpoint.State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return checkpoint.State{
		Revision:     s.revision.Ref,
		ClaimedSize:  s.revision.ClaimedSize,
		BytesWritten: s.bytesWritten,
		Digests:      slices.Clone(s.digests),
	}
}

// NextBlockIndex returns the index of the first block not yet written.
func (s *TransferState) NextBlockIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.digests) + drive.FirstBlockIndex
}

// BytesWritten returns the number of bytes written to the output.
func (s *TransferState) BytesWritten() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytesWritten
}

// Digests returns the digests of the written blocks in index order.
func (s *TransferState) Digests() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.digests)
}

// Completed reports whether all blocks were written and the manifest was
// checked.
func (s *TransferState) Completed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed
}

func (s *TransferState) record(digest []byte, n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.digests = append(s.digests, digest)
	s.bytesWritten += n
}

func (s *TransferState) markCompleted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = true
}

// keys returns the keys of the revision, or ErrStateClosed.
func (s *TransferState) keys() (*pgp.NodeKey, *crypto.ContentKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nil, ErrStateClosed
	}
	return s.nodeKey, s.contentKey, nil
}

// Close releases the keys. Only the first call has an effect.
func (s *TransferState) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		completed, blocks := s.completed, len(s.digests)
		s.mu.Unlock()

		if !completed {
			debug.Log("%v: closing unfinished transfer after %d blocks", s.revision.Ref.Str(), blocks)
		}

		var errs []error
		if s.nodeKey != nil {
			errs = append(errs, s.nodeKey.Close())
		}
		if s.contentKey != nil {
			errs = append(errs, s.contentKey.Close())
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}
