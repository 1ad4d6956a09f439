package retry

import (
	"context"
	"fmt"
	"io"

	"github.com/cryptdrive/drivedl/internal/drive"
	"github.com/cryptdrive/drivedl/internal/pgp"
)

// API retries the metadata operations of a drive.API. FetchBlob is passed
// through unchanged, block downloads are retried by the caller as a whole
// since the body can fail after the request succeeded.
type API struct {
	drive.API
	Policy Policy
}

// statically ensure that API implements drive.API.
var _ drive.API = &API{}

// New wraps api with a decorator that retries failed requests according to
// policy.
func New(api drive.API, policy Policy) *API {
	return &API{API: api, Policy: policy}
}

// GetRevision returns the metadata of a revision.
func (a *API) GetRevision(ctx context.Context, ref drive.RevisionRef) (rev drive.Revision, err error) {
	err = a.Policy.Do(ctx, fmt.Sprintf("GetRevision(%v)", ref), func() error {
		var innerErr error
		rev, innerErr = a.API.GetRevision(ctx, ref)
		return innerErr
	})
	return rev, err
}

// ListBlocks returns one page of the block listing of a revision.
func (a *API) ListBlocks(ctx context.Context, ref drive.RevisionRef, from, pageSize int, suppressURLs bool) (page drive.BlockPage, err error) {
	err = a.Policy.Do(ctx, fmt.Sprintf("ListBlocks(%v, %d, %d)", ref, from, pageSize), func() error {
		var innerErr error
		page, innerErr = a.API.ListBlocks(ctx, ref, from, pageSize, suppressURLs)
		return innerErr
	})
	return page, err
}

// FetchBlob opens the encrypted content of a block.
func (a *API) FetchBlob(ctx context.Context, url, token string) (io.ReadCloser, error) {
	return a.API.FetchBlob(ctx, url, token)
}

func (a *API) Unwrap() drive.API {
	return a.API
}

// KeyDirectory retries public key lookups.
type KeyDirectory struct {
	drive.KeyDirectory
	Policy Policy
}

// statically ensure that KeyDirectory implements drive.KeyDirectory.
var _ drive.KeyDirectory = &KeyDirectory{}

// NewKeyDirectory wraps dir with a decorator that retries failed lookups
// according to policy.
func NewKeyDirectory(dir drive.KeyDirectory, policy Policy) *KeyDirectory {
	return &KeyDirectory{KeyDirectory: dir, Policy: policy}
}

// ResolvePublicKeys returns the public keys of email.
func (k *KeyDirectory) ResolvePublicKeys(ctx context.Context, email string) (ring pgp.KeyRing, err error) {
	err = k.Policy.Do(ctx, fmt.Sprintf("ResolvePublicKeys(%v)", email), func() error {
		var innerErr error
		ring, innerErr = k.KeyDirectory.ResolvePublicKeys(ctx, email)
		return innerErr
	})
	return ring, err
}
