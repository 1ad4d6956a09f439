package download

import (
	"context"
	"io"
	"slices"

	"github.com/cryptdrive/drivedl/internal/debug"
	"github.com/cryptdrive/drivedl/internal/drive"
	"github.com/cryptdrive/drivedl/internal/errors"
	"github.com/cryptdrive/drivedl/internal/gate"
)

var errSourceClosed = errors.New("block source closed")

// BlockSource enumerates the blocks of a revision in index order. It reads
// the listing page by page and holds back the last block of every full
// page until the next page shows whether more blocks follow.
//
// A BlockSource holds a reservation in the listing gate from its creation
// until the listing is exhausted, fails or Close is called.
type BlockSource struct {
	api      drive.API
	ref      drive.RevisionRef
	pageSize int
	res      *gate.Reservation

	expected    int
	pending     []drive.BlockMetadata
	outstanding *drive.BlockMetadata
	last        bool
	err         error
}

// NewBlockSource enters the listing gate with the given weight and returns
// a source that starts at block index from.
func NewBlockSource(ctx context.Context, api drive.API, listing *gate.Gate, ref drive.RevisionRef, from, pageSize, weight int) (*BlockSource, error) {
	if from < drive.FirstBlockIndex {
		return nil, errors.Errorf("invalid block index %d", from)
	}
	if pageSize <= 0 {
		pageSize = drive.DefaultPageSize
	}

	debug.Log("%v: waiting for listing slot (%d in use, %d queued)", ref.Str(), listing.Count(), listing.Waiting())
	res, err := gate.Reserve(ctx, listing, weight)
	if err != nil {
		return nil, err
	}

	return &BlockSource{
		api:      api,
		ref:      ref,
		pageSize: pageSize,
		res:      res,
		expected: from,
	}, nil
}

// Next returns the next block. It returns io.EOF after the last block.
// Errors are sticky: once Next failed, it keeps returning the same error.
func (s *BlockSource) Next(ctx context.Context) (drive.BlockMetadata, error) {
	for len(s.pending) == 0 {
		if s.err != nil {
			return drive.BlockMetadata{}, s.err
		}
		if s.last {
			s.finish(io.EOF)
			continue
		}
		if err := s.nextPage(ctx); err != nil {
			s.finish(err)
		}
	}

	md := s.pending[0]
	s.pending = s.pending[1:]
	if md.Index != s.expected {
		debug.Log("%v: expected block %d, listing returned %d", s.ref.Str(), s.expected, md.Index)
		s.finish(&GapError{Expected: s.expected, Got: md.Index})
		return drive.BlockMetadata{}, s.err
	}

	s.expected++
	return md, nil
}

func (s *BlockSource) nextPage(ctx context.Context) error {
	from := s.expected
	if s.outstanding != nil {
		from = s.outstanding.Index + 1
	}

	debug.Log("%v: list blocks from %d, page size %d", s.ref.Str(), from, s.pageSize)
	page, err := s.api.ListBlocks(ctx, s.ref, from, s.pageSize, false)
	if err != nil {
		return err
	}

	blocks := make([]drive.BlockMetadata, 0, len(page.Blocks)+1)
	if s.outstanding != nil {
		blocks = append(blocks, *s.outstanding)
		s.outstanding = nil
	}
	sorted := slices.Clone(page.Blocks)
	slices.SortFunc(sorted, func(a, b drive.BlockMetadata) int {
		return a.Index - b.Index
	})
	blocks = append(blocks, sorted...)

	if len(page.Blocks) < s.pageSize {
		s.last = true
		s.pending = blocks
		return nil
	}

	held := blocks[len(blocks)-1]
	s.outstanding = &held
	s.pending = blocks[:len(blocks)-1]
	return nil
}

func (s *BlockSource) finish(err error) {
	if s.err == nil {
		s.err = err
	}
	s.pending = nil
	s.outstanding = nil
	s.res.Close()
}

// Close stops the enumeration and releases the listing reservation. It is
// safe to call Close more than once and after the listing was exhausted.
func (s *BlockSource) Close() {
	s.finish(errSourceClosed)
}
