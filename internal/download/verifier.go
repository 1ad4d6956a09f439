package download

import (
	"context"
	"net/http"

	"github.com/cryptdrive/drivedl/internal/debug"
	"github.com/cryptdrive/drivedl/internal/drive"
	"github.com/cryptdrive/drivedl/internal/errors"
	"github.com/cryptdrive/drivedl/internal/pgp"
)

// Verification is the result of checking the manifest signature of a
// revision.
type Verification int

const (
	VerificationOK Verification = iota
	VerificationNotSigned
	VerificationNoVerifier
	VerificationFailed
)

func (v Verification) String() string {
	switch v {
	case VerificationOK:
		return "ok"
	case VerificationNotSigned:
		return "not signed"
	case VerificationNoVerifier:
		return "no verification key"
	case VerificationFailed:
		return "signature mismatch"
	}
	return "unknown"
}

// ManifestVerifier checks the signature over the digests of a revision.
type ManifestVerifier struct {
	keys drive.KeyDirectory
}

// NewManifestVerifier returns a verifier that resolves signer keys with
// keys. If keys is nil, only the node key can be used.
func NewManifestVerifier(keys drive.KeyDirectory) *ManifestVerifier {
	return &ManifestVerifier{keys: keys}
}

// Manifest concatenates the thumbnail digests and the block digests.
func Manifest(thumbnails, blocks [][]byte) []byte {
	var size int
	for _, d := range thumbnails {
		size += len(d)
	}
	for _, d := range blocks {
		size += len(d)
	}

	buf := make([]byte, 0, size)
	for _, d := range thumbnails {
		buf = append(buf, d...)
	}
	for _, d := range blocks {
		buf = append(buf, d...)
	}
	return buf
}

// Verify checks signature over the manifest of the given digests. Keys of
// signerEmail are used if it is set, otherwise the public part of nodeKey.
// An address unknown to the key directory yields VerificationNoVerifier,
// other lookup errors are returned so that the caller can retry.
func (v *ManifestVerifier) Verify(ctx context.Context, ref drive.RevisionRef, nodeKey *pgp.NodeKey,
	thumbnails, blocks [][]byte, signature []byte, signerEmail string) (Verification, error) {

	if len(signature) == 0 {
		debug.Log("%v: manifest is not signed", ref.Str())
		return VerificationNotSigned, nil
	}

	ring, err := v.resolve(ctx, ref, nodeKey, signerEmail)
	if err != nil {
		return 0, err
	}
	if ring.Len() == 0 {
		debug.Log("%v: no keys to verify the manifest", ref.Str())
		return VerificationNoVerifier, nil
	}

	err = pgp.Verify(ring, Manifest(thumbnails, blocks), signature)
	if err != nil {
		debug.Log("%v: manifest verification failed: %v", ref.Str(), err)
		return VerificationFailed, nil
	}

	debug.Log("%v: manifest of %d blocks verified", ref.Str(), len(blocks))
	return VerificationOK, nil
}

func (v *ManifestVerifier) resolve(ctx context.Context, ref drive.RevisionRef, nodeKey *pgp.NodeKey, email string) (pgp.KeyRing, error) {
	if email == "" {
		if nodeKey == nil {
			return pgp.KeyRing{}, nil
		}
		return nodeKey.PublicKeys(), nil
	}

	if v.keys == nil {
		return pgp.KeyRing{}, nil
	}

	ring, err := v.keys.ResolvePublicKeys(ctx, email)
	if drive.HTTPStatus(err) == http.StatusNotFound {
		debug.Log("%v: address %v is unknown: %v", ref.Str(), email, err)
		return pgp.KeyRing{}, nil
	}
	if err != nil {
		return pgp.KeyRing{}, errors.Wrapf(err, "resolve keys of %v", email)
	}
	return ring, nil
}
