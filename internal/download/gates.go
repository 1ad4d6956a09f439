package download

import (
	"github.com/cryptdrive/drivedl/internal/errors"
	"github.com/cryptdrive/drivedl/internal/gate"
)

// Gates are the admission gates shared by all transfers of a client. They
// are passed to every transfer explicitly.
type Gates struct {
	// Listing caps concurrent block listing scans.
	Listing *gate.Gate
	// Files caps the files whose blocks are being listed. Each file holds
	// one unit until its listing is complete.
	Files *gate.Gate
	// Blocks caps concurrent block fetches.
	Blocks *gate.Gate
}

// NewGates creates a set of gates with the given capacities.
func NewGates(listing, files, blocks int) (Gates, error) {
	var gs Gates
	var err error

	gs.Listing, err = gate.New(listing)
	if err != nil {
		return Gates{}, errors.Wrap(err, "listing gate")
	}
	gs.Files, err = gate.New(files)
	if err != nil {
		return Gates{}, errors.Wrap(err, "files gate")
	}
	gs.Blocks, err = gate.New(blocks)
	if err != nil {
		return Gates{}, errors.Wrap(err, "blocks gate")
	}
	return gs, nil
}

func (gs Gates) valid() error {
	if gs.Listing == nil || gs.Files == nil || gs.Blocks == nil {
		return errors.New("gates are not initialized")
	}
	return nil
}
