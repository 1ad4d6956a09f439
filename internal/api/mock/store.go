package mock

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/cryptdrive/drivedl/internal/crypto"
	"github.com/cryptdrive/drivedl/internal/drive"
	"github.com/cryptdrive/drivedl/internal/errors"
	"github.com/cryptdrive/drivedl/internal/pgp"
)

// StatusError is a remote rejection with an HTTP status.
type StatusError struct {
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected HTTP response (%d): %v", e.Status, http.StatusText(e.Status))
}

// HTTPStatus returns the status code.
func (e *StatusError) HTTPStatus() int {
	return e.Status
}

// Block is one encrypted block of a stored revision.
type Block struct {
	Index        int
	Data         []byte
	DeclaredHash []byte
}

// Revision is an encrypted revision together with its keys.
type Revision struct {
	Meta       drive.Revision
	Blocks     []Block
	Plaintext  []byte
	ContentKey string
	NodeKey    []byte
}

// NewRevision encrypts the given blocks with a fresh content key and signs
// the manifest with signer. A nil signer produces an unsigned revision.
func NewRevision(ref drive.RevisionRef, blocks [][]byte, thumbnails [][]byte, signer *pgp.Signer, signerEmail string) (*Revision, error) {
	key := crypto.NewRandomContentKey()
	defer func() { _ = key.Close() }()

	rev := &Revision{
		Meta:       drive.Revision{Ref: ref, SignatureEmail: signerEmail},
		ContentKey: key.Encode(),
	}

	var manifest []byte
	for i, th := range thumbnails {
		sum := sha256.Sum256(th)
		rev.Meta.Thumbnails = append(rev.Meta.Thumbnails, drive.Thumbnail{Type: i + 1, Digest: sum[:]})
		manifest = append(manifest, sum[:]...)
	}

	for i, plaintext := range blocks {
		data := key.SealBlock(plaintext)
		sum := sha256.Sum256(data)
		rev.Blocks = append(rev.Blocks, Block{Index: i + 1, Data: data, DeclaredHash: sum[:]})
		rev.Plaintext = append(rev.Plaintext, plaintext...)
		manifest = append(manifest, sum[:]...)
	}
	rev.Meta.ClaimedSize = int64(len(rev.Plaintext))

	nodeSigner, err := pgp.NewSigner("node", "")
	if err != nil {
		return nil, err
	}
	armored, err := nodeSigner.PublicKeys().Armor()
	if err != nil {
		return nil, err
	}
	rev.NodeKey = []byte(armored)

	if signer != nil {
		sig, err := signer.Sign(manifest)
		if err != nil {
			return nil, err
		}
		rev.Meta.ManifestSignature = sig
	}

	return rev, nil
}

// Store is an in-memory storage service. It implements drive.API,
// drive.KeyDirectory and drive.Secrets and records the requests it serves.
type Store struct {
	// FailList is called before a listing page is served. A non-nil error
	// is returned to the caller instead of the page.
	FailList func(from int) error

	// FailFetch is called before a block is served, attempt counts the
	// requests for this block starting at 1.
	FailFetch func(index, attempt int) error

	// BeforeFetch is called before a block is served, after FailFetch.
	BeforeFetch func(ctx context.Context, index int)

	mu        sync.Mutex
	revisions map[drive.RevisionRef]*Revision
	keys      map[string]pgp.KeyRing
	keyErr    error
	listed    []int
	fetched   []int
	attempts  map[string]int
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		revisions: make(map[drive.RevisionRef]*Revision),
		keys:      make(map[string]pgp.KeyRing),
		attempts:  make(map[string]int),
	}
}

// Add stores a revision.
func (s *Store) Add(rev *Revision) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revisions[rev.Meta.Ref] = rev
}

// AddKeys registers the public keys of an address.
func (s *Store) AddKeys(email string, ring pgp.KeyRing) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[email] = s.keys[email].Merge(ring)
}

// SetKeys replaces the public keys of an address.
func (s *Store) SetKeys(email string, ring pgp.KeyRing) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[email] = ring
}

// SetKeyError makes every key lookup fail with err.
func (s *Store) SetKeyError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keyErr = err
}

// Listed returns the start indexes of all listing requests.
func (s *Store) Listed() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.listed)
}

// Fetched returns the indexes of all served blocks in request order.
func (s *Store) Fetched() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.fetched)
}

func (s *Store) revision(ref drive.RevisionRef) (*Revision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rev, ok := s.revisions[ref]
	if !ok {
		return nil, &StatusError{Status: http.StatusNotFound}
	}
	return rev, nil
}

// GetRevision returns the metadata of a stored revision.
func (s *Store) GetRevision(ctx context.Context, ref drive.RevisionRef) (drive.Revision, error) {
	if err := ctx.Err(); err != nil {
		return drive.Revision{}, err
	}
	rev, err := s.revision(ref)
	if err != nil {
		return drive.Revision{}, err
	}
	return rev.Meta, nil
}

func blobURL(ref drive.RevisionRef, index int) string {
	return fmt.Sprintf("mem://%s/%d", ref, index)
}

// ListBlocks serves blocks with an index of at least from, in the order
// they are stored.
func (s *Store) ListBlocks(ctx context.Context, ref drive.RevisionRef, from, pageSize int, suppressURLs bool) (drive.BlockPage, error) {
	if err := ctx.Err(); err != nil {
		return drive.BlockPage{}, err
	}

	s.mu.Lock()
	s.listed = append(s.listed, from)
	s.mu.Unlock()

	if s.FailList != nil {
		if err := s.FailList(from); err != nil {
			return drive.BlockPage{}, err
		}
	}

	rev, err := s.revision(ref)
	if err != nil {
		return drive.BlockPage{}, err
	}

	page := drive.BlockPage{TotalSize: rev.Meta.ClaimedSize}
	for _, b := range rev.Blocks {
		if b.Index < from || len(page.Blocks) == pageSize {
			continue
		}
		md := drive.BlockMetadata{Index: b.Index, DeclaredHash: b.DeclaredHash}
		if !suppressURLs {
			md.BareURL = blobURL(ref, b.Index)
			md.Token = "token-" + strconv.Itoa(b.Index)
		}
		page.Blocks = append(page.Blocks, md)
	}
	return page, nil
}

// FetchBlob serves the encrypted content of a block.
func (s *Store) FetchBlob(ctx context.Context, url, token string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rest, ok := strings.CutPrefix(url, "mem://")
	if !ok {
		return nil, &StatusError{Status: http.StatusNotFound}
	}
	pos := strings.LastIndexByte(rest, '/')
	if pos < 0 {
		return nil, &StatusError{Status: http.StatusNotFound}
	}
	parts := strings.SplitN(rest[:pos], "/", 3)
	index, err := strconv.Atoi(rest[pos+1:])
	if err != nil || len(parts) != 3 {
		return nil, &StatusError{Status: http.StatusNotFound}
	}
	if token != "token-"+strconv.Itoa(index) {
		return nil, &StatusError{Status: http.StatusForbidden}
	}

	s.mu.Lock()
	s.attempts[url]++
	attempt := s.attempts[url]
	s.mu.Unlock()

	if s.FailFetch != nil {
		if err := s.FailFetch(index, attempt); err != nil {
			return nil, err
		}
	}
	if s.BeforeFetch != nil {
		s.BeforeFetch(ctx, index)
	}

	rev, err := s.revision(drive.RevisionRef{VolumeID: parts[0], NodeID: parts[1], RevisionID: parts[2]})
	if err != nil {
		return nil, err
	}
	for _, b := range rev.Blocks {
		if b.Index == index {
			s.mu.Lock()
			s.fetched = append(s.fetched, index)
			s.mu.Unlock()
			return io.NopCloser(bytes.NewReader(b.Data)), nil
		}
	}
	return nil, &StatusError{Status: http.StatusNotFound}
}

// ResolvePublicKeys returns the keys registered for an address.
func (s *Store) ResolvePublicKeys(ctx context.Context, email string) (pgp.KeyRing, error) {
	if err := ctx.Err(); err != nil {
		return pgp.KeyRing{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.keyErr != nil {
		return pgp.KeyRing{}, s.keyErr
	}
	return s.keys[email], nil
}

// NodeKey returns a new copy of the node key of a revision.
func (s *Store) NodeKey(_ context.Context, ref drive.RevisionRef) (*pgp.NodeKey, error) {
	rev, err := s.revision(ref)
	if err != nil {
		return nil, err
	}
	return pgp.ParseNodeKey(rev.NodeKey)
}

// ContentKey returns a new copy of the content key of a revision.
func (s *Store) ContentKey(_ context.Context, ref drive.RevisionRef) (*crypto.ContentKey, error) {
	rev, err := s.revision(ref)
	if err != nil {
		return nil, err
	}
	k, err := crypto.ParseContentKey(rev.ContentKey)
	if err != nil {
		return nil, errors.Wrap(err, "content key")
	}
	return k, nil
}
