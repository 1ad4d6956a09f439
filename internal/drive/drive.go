// Package drive defines the types shared by the download engine and the
// remote collaborators it consumes: revision references, block metadata
// and the interfaces of the storage API, the key directory and the secret
// store.
package drive

import (
	"context"
	"fmt"
	"io"

	"github.com/cryptdrive/drivedl/internal/crypto"
	"github.com/cryptdrive/drivedl/internal/pgp"
)

// DefaultPageSize is the number of blocks requested per listing page.
const DefaultPageSize = 10

// FirstBlockIndex is the index of the first block of every revision.
const FirstBlockIndex = 1

// RevisionRef identifies one immutable version of a file's content.
type RevisionRef struct {
	VolumeID   string `json:"volume_id"`
	NodeID     string `json:"node_id"`
	RevisionID string `json:"revision_id"`
}

func (r RevisionRef) String() string {
	return fmt.Sprintf("%s/%s/%s", r.VolumeID, r.NodeID, r.RevisionID)
}

// Str returns a shortened form used in log messages.
func (r RevisionRef) Str() string {
	return fmt.Sprintf("<rev %s/%s>", short(r.NodeID), short(r.RevisionID))
}

// IsNull reports whether any of the identifiers is missing.
func (r RevisionRef) IsNull() bool {
	return r.VolumeID == "" || r.NodeID == "" || r.RevisionID == ""
}

func short(s string) string {
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

// BlockMetadata describes one block as returned by the listing API.
type BlockMetadata struct {
	Index        int
	BareURL      string
	Token        string
	DeclaredHash []byte
}

// Thumbnail is a preview stored with a revision. Its digest is part of the
// signed manifest.
type Thumbnail struct {
	Type   int
	Digest []byte
}

// Revision holds the metadata of a revision needed for a download.
type Revision struct {
	Ref               RevisionRef
	ClaimedSize       int64
	ManifestSignature []byte
	SignatureEmail    string
	Thumbnails        []Thumbnail
}

// BlockPage is one page of a block listing.
type BlockPage struct {
	Blocks    []BlockMetadata
	TotalSize int64
}

// API is the remote storage service.
type API interface {
	// GetRevision returns the metadata of a revision.
	GetRevision(ctx context.Context, ref RevisionRef) (Revision, error)

	// ListBlocks returns up to pageSize blocks starting at index from.
	ListBlocks(ctx context.Context, ref RevisionRef, from, pageSize int, suppressURLs bool) (BlockPage, error)

	// FetchBlob opens the encrypted content of a block. The caller must
	// close the returned reader.
	FetchBlob(ctx context.Context, url, token string) (io.ReadCloser, error)
}

// KeyDirectory resolves the public keys of an address.
type KeyDirectory interface {
	ResolvePublicKeys(ctx context.Context, email string) (pgp.KeyRing, error)
}

// Secrets provides the keys needed to download a revision. Ownership of the
// returned keys passes to the caller.
type Secrets interface {
	NodeKey(ctx context.Context, ref RevisionRef) (*pgp.NodeKey, error)
	ContentKey(ctx context.Context, ref RevisionRef) (*crypto.ContentKey, error)
}
