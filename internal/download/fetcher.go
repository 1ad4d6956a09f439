package download

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cryptdrive/drivedl/internal/api/retry"
	"github.com/cryptdrive/drivedl/internal/crypto"
	"github.com/cryptdrive/drivedl/internal/debug"
	"github.com/cryptdrive/drivedl/internal/drive"
	"github.com/cryptdrive/drivedl/internal/errors"
	"github.com/cryptdrive/drivedl/internal/feature"
	"github.com/cryptdrive/drivedl/internal/hashing"
)

// BlockPayload is the decrypted content of a block together with the
// SHA-256 digest of its encrypted bytes.
type BlockPayload struct {
	Index  int
	Data   []byte
	Digest []byte
}

// Fetcher downloads and decrypts single blocks.
type Fetcher struct {
	api    drive.API
	policy retry.Policy
}

// NewFetcher returns a fetcher that retries failed downloads according to
// cfg.
func NewFetcher(api drive.API, cfg Config) *Fetcher {
	cfg = cfg.withDefaults()
	return &Fetcher{
		api: api,
		policy: retry.Policy{
			MaxRetries:      cfg.FetchRetries,
			InitialInterval: cfg.RetryInitialInterval,
			Permanent:       isPermanentFetchError,
			Report: func(msg string, err error, d time.Duration) {
				if d < 0 {
					debug.Log("%v failed, giving up: %v", msg, err)
					return
				}
				debug.Log("%v failed: %v, retrying in %v", msg, err, d)
			},
			Success: func(msg string, retries int) {
				debug.Log("%v succeeded after %d retries", msg, retries)
			},
		},
	}
}

// isPermanentFetchError reports errors for which another attempt cannot
// succeed.
func isPermanentFetchError(err error) bool {
	if errors.IsIntegrity(err) {
		return true
	}
	switch drive.HTTPStatus(err) {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return drive.IsClientRejection(err)
}

// Fetch downloads the block described by md and decrypts it with key.
// Transport failures are retried, decryption and hash failures are not.
func (f *Fetcher) Fetch(ctx context.Context, md drive.BlockMetadata, key *crypto.ContentKey) (BlockPayload, error) {
	var payload BlockPayload
	err := f.policy.Do(ctx, fmt.Sprintf("download of block #%d", md.Index), func() error {
		var err error
		payload, err = f.fetch(ctx, md, key)
		return err
	})
	return payload, err
}

func (f *Fetcher) fetch(ctx context.Context, md drive.BlockMetadata, key *crypto.ContentKey) (BlockPayload, error) {
	rd, err := f.api.FetchBlob(ctx, md.BareURL, md.Token)
	if err != nil {
		return BlockPayload{}, err
	}
	defer func() {
		_ = rd.Close()
	}()

	hrd := hashing.NewReader(rd, sha256.New())
	buf, err := io.ReadAll(hrd)
	if err != nil {
		return BlockPayload{}, errors.Wrapf(err, "read block %d", md.Index)
	}
	digest := hrd.Sum(nil)
	debug.Log("block %d: read %d bytes", md.Index, hrd.Count())

	if len(md.DeclaredHash) > 0 && feature.Flag.Enabled(feature.BlockHashCheck) &&
		!bytes.Equal(digest, md.DeclaredHash) {
		return BlockPayload{}, &BlockHashError{Index: md.Index, Declared: md.DeclaredHash, Actual: digest}
	}

	plaintext, err := key.OpenBlock(buf)
	if err != nil {
		return BlockPayload{}, &DecryptionError{Index: md.Index, Err: err}
	}

	return BlockPayload{Index: md.Index, Data: plaintext, Digest: digest}, nil
}
