package mock

import (
	"context"
	"io"

	"github.com/cryptdrive/drivedl/internal/crypto"
	"github.com/cryptdrive/drivedl/internal/drive"
	"github.com/cryptdrive/drivedl/internal/errors"
	"github.com/cryptdrive/drivedl/internal/pgp"
)

// API implements a mock drive.API.
type API struct {
	GetRevisionFn func(ctx context.Context, ref drive.RevisionRef) (drive.Revision, error)
	ListBlocksFn  func(ctx context.Context, ref drive.RevisionRef, from, pageSize int, suppressURLs bool) (drive.BlockPage, error)
	FetchBlobFn   func(ctx context.Context, url, token string) (io.ReadCloser, error)
}

// GetRevision returns the metadata of a revision.
func (m *API) GetRevision(ctx context.Context, ref drive.RevisionRef) (drive.Revision, error) {
	if m.GetRevisionFn == nil {
		return drive.Revision{}, errors.New("not implemented")
	}

	return m.GetRevisionFn(ctx, ref)
}

// ListBlocks returns a page of blocks.
func (m *API) ListBlocks(ctx context.Context, ref drive.RevisionRef, from, pageSize int, suppressURLs bool) (drive.BlockPage, error) {
	if m.ListBlocksFn == nil {
		return drive.BlockPage{}, errors.New("not implemented")
	}

	return m.ListBlocksFn(ctx, ref, from, pageSize, suppressURLs)
}

// FetchBlob opens a block.
func (m *API) FetchBlob(ctx context.Context, url, token string) (io.ReadCloser, error) {
	if m.FetchBlobFn == nil {
		return nil, errors.New("not implemented")
	}

	return m.FetchBlobFn(ctx, url, token)
}

// KeyDirectory implements a mock drive.KeyDirectory.
type KeyDirectory struct {
	ResolvePublicKeysFn func(ctx context.Context, email string) (pgp.KeyRing, error)
}

// ResolvePublicKeys returns the keys of an address.
func (m *KeyDirectory) ResolvePublicKeys(ctx context.Context, email string) (pgp.KeyRing, error) {
	if m.ResolvePublicKeysFn == nil {
		return pgp.KeyRing{}, errors.New("not implemented")
	}

	return m.ResolvePublicKeysFn(ctx, email)
}

// Secrets implements a mock drive.Secrets.
type Secrets struct {
	NodeKeyFn    func(ctx context.Context, ref drive.RevisionRef) (*pgp.NodeKey, error)
	ContentKeyFn func(ctx context.Context, ref drive.RevisionRef) (*crypto.ContentKey, error)
}

// NodeKey returns the node key of a revision.
func (m *Secrets) NodeKey(ctx context.Context, ref drive.RevisionRef) (*pgp.NodeKey, error) {
	if m.NodeKeyFn == nil {
		return nil, errors.New("not implemented")
	}

	return m.NodeKeyFn(ctx, ref)
}

// ContentKey returns the content key of a revision.
func (m *Secrets) ContentKey(ctx context.Context, ref drive.RevisionRef) (*crypto.ContentKey, error) {
	if m.ContentKeyFn == nil {
		return nil, errors.New("not implemented")
	}

	return m.ContentKeyFn(ctx, ref)
}
