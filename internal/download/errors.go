package download

import (
	"encoding/hex"
	"fmt"

	"github.com/cryptdrive/drivedl/internal/errors"
)

// ErrPaused is returned by a transfer that stopped because a pause was
// requested. The transfer can be continued from its state.
var ErrPaused = errors.New("transfer paused")

// ErrCanceled is the error of a controller that was canceled explicitly.
var ErrCanceled = errors.New("transfer canceled")

// GapError is returned when the block listing skips an index or returns
// blocks out of order.
type GapError struct {
	Expected int
	Got      int
}

func (e *GapError) Error() string {
	return fmt.Sprintf("file contents are incomplete: expected block %d, got block %d", e.Expected, e.Got)
}

// IntegrityViolation marks the error as a data integrity problem.
func (e *GapError) IntegrityViolation() bool { return true }

// DecryptionError is returned when a block cannot be decrypted. It is
// never retried.
type DecryptionError struct {
	Index int
	Err   error
}

func (e *DecryptionError) Error() string {
	return fmt.Sprintf("decrypting block %d failed: %v", e.Index, e.Err)
}

func (e *DecryptionError) Unwrap() error { return e.Err }

// DecryptionFailure marks the error for telemetry.
func (e *DecryptionError) DecryptionFailure() bool { return true }

// IntegrityViolation marks the error as a data integrity problem.
func (e *DecryptionError) IntegrityViolation() bool { return true }

// BlockHashError is returned when the encrypted content of a block does not
// match the hash declared by the listing.
type BlockHashError struct {
	Index    int
	Declared []byte
	Actual   []byte
}

func (e *BlockHashError) Error() string {
	return fmt.Sprintf("block %d: hash mismatch, declared %s, got %s",
		e.Index, hex.EncodeToString(e.Declared), hex.EncodeToString(e.Actual))
}

// IntegrityViolation marks the error as a data integrity problem.
func (e *BlockHashError) IntegrityViolation() bool { return true }

// ManifestVerificationError reports a transfer whose content was written
// completely but whose authenticity could not be established.
type ManifestVerificationError struct {
	Verification Verification
}

func (e *ManifestVerificationError) Error() string {
	return fmt.Sprintf("file authenticity check failed: %v", e.Verification)
}

// IntegrityViolation marks the error as a data integrity problem.
func (e *ManifestVerificationError) IntegrityViolation() bool { return true }

// IsManifestVerificationError reports whether err is or wraps a
// *ManifestVerificationError.
func IsManifestVerificationError(err error) bool {
	var mve *ManifestVerificationError
	return errors.As(err, &mve)
}
