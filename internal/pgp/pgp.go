// Package pgp wraps the OpenPGP primitives needed to authenticate a
// revision: public key rings, node keys and detached signatures.
package pgp

import (
	"bytes"
	"encoding/hex"
	"io"
	"strings"
	"sync"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
	"github.com/cryptdrive/drivedl/internal/errors"
)

const (
	publicKeyBlock = "PGP PUBLIC KEY BLOCK"
	signatureBlock = "PGP SIGNATURE"
	armorPrefix    = "-----BEGIN "
)

var (
	// ErrNoKeys is returned by Verify when the key ring is empty.
	ErrNoKeys = errors.New("no verification keys")

	// ErrBadSignature is returned by Verify when no key in the ring
	// produced the signature or the signature does not match the data.
	ErrBadSignature = errors.New("signature verification failed")
)

// KeyRing is an immutable set of OpenPGP entities.
type KeyRing struct {
	entities openpgp.EntityList
}

// ParseKeyRing reads a key ring in armored or binary form.
func ParseKeyRing(data []byte) (KeyRing, error) {
	var (
		el  openpgp.EntityList
		err error
	)
	if isArmored(data) {
		el, err = openpgp.ReadArmoredKeyRing(bytes.NewReader(data))
	} else {
		el, err = openpgp.ReadKeyRing(bytes.NewReader(data))
	}
	if err != nil {
		return KeyRing{}, errors.Wrap(err, "read key ring")
	}
	return KeyRing{entities: el}, nil
}

// ReadArmoredKeyRing reads an ASCII armored key ring from rd.
func ReadArmoredKeyRing(rd io.Reader) (KeyRing, error) {
	el, err := openpgp.ReadArmoredKeyRing(rd)
	if err != nil {
		return KeyRing{}, errors.Wrap(err, "read armored key ring")
	}
	return KeyRing{entities: el}, nil
}

// Len returns the number of entities in the ring.
func (k KeyRing) Len() int {
	return len(k.entities)
}

// Merge returns a ring containing the entities of both rings.
func (k KeyRing) Merge(other KeyRing) KeyRing {
	el := make(openpgp.EntityList, 0, len(k.entities)+len(other.entities))
	el = append(el, k.entities...)
	el = append(el, other.entities...)
	return KeyRing{entities: el}
}

// Fingerprints returns the hex encoded primary key fingerprints.
func (k KeyRing) Fingerprints() []string {
	fps := make([]string, 0, len(k.entities))
	for _, e := range k.entities {
		fps = append(fps, hex.EncodeToString(e.PrimaryKey.Fingerprint))
	}
	return fps
}

// Armor serializes the public part of all entities.
func (k KeyRing) Armor() (string, error) {
	var buf bytes.Buffer
	w, err := armor.Encode(&buf, publicKeyBlock, nil)
	if err != nil {
		return "", errors.Wrap(err, "armor")
	}
	for _, e := range k.entities {
		if err := e.Serialize(w); err != nil {
			return "", errors.Wrap(err, "serialize key")
		}
	}
	if err := w.Close(); err != nil {
		return "", errors.Wrap(err, "armor")
	}
	return buf.String(), nil
}

func isArmored(data []byte) bool {
	return strings.HasPrefix(strings.TrimSpace(string(data[:min(len(data), 64)])), armorPrefix)
}

// Verify checks a detached signature over data. The signature may be binary
// or ASCII armored. It returns ErrNoKeys for an empty ring and an error
// wrapping ErrBadSignature when the signature does not verify.
func Verify(ring KeyRing, data, signature []byte) error {
	if ring.Len() == 0 {
		return ErrNoKeys
	}

	var err error
	if isArmored(signature) {
		_, err = openpgp.CheckArmoredDetachedSignature(ring.entities, bytes.NewReader(data), bytes.NewReader(signature), nil)
	} else {
		_, err = openpgp.CheckDetachedSignature(ring.entities, bytes.NewReader(data), bytes.NewReader(signature), nil)
	}
	if err != nil {
		return errors.Wrapf(ErrBadSignature, "%v", err)
	}
	return nil
}

// NodeKey is the key of a file node. Only its public part is used here, as
// fallback identity when a revision carries no signer address.
type NodeKey struct {
	mu     sync.Mutex
	ring   KeyRing
	closed bool
}

// NewNodeKey wraps the given ring.
func NewNodeKey(ring KeyRing) *NodeKey {
	return &NodeKey{ring: ring}
}

// ParseNodeKey reads an armored or binary node key.
func ParseNodeKey(data []byte) (*NodeKey, error) {
	ring, err := ParseKeyRing(data)
	if err != nil {
		return nil, err
	}
	if ring.Len() == 0 {
		return nil, errors.New("node key contains no keys")
	}
	return NewNodeKey(ring), nil
}

// PublicKeys returns the ring of the node key, which is empty after Close.
func (n *NodeKey) PublicKeys() KeyRing {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ring
}

// Close drops the key material. It is safe to call Close more than once.
func (n *NodeKey) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return nil
	}
	n.ring = KeyRing{}
	n.closed = true
	return nil
}

// Closed reports whether Close has been called.
func (n *NodeKey) Closed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.closed
}

// Signer produces detached signatures with a freshly generated key. It is
// used to author manifests for test servers and fixtures.
type Signer struct {
	entity *openpgp.Entity
}

var signerConfig = &packet.Config{Algorithm: packet.PubKeyAlgoEdDSA}

// NewSigner generates a new EdDSA key for the given identity.
func NewSigner(name, email string) (*Signer, error) {
	e, err := openpgp.NewEntity(name, "", email, signerConfig)
	if err != nil {
		return nil, errors.Wrap(err, "generate key")
	}
	return &Signer{entity: e}, nil
}

// PublicKeys returns the ring holding the signer's public key.
func (s *Signer) PublicKeys() KeyRing {
	return KeyRing{entities: openpgp.EntityList{s.entity}}
}

// Sign returns a binary detached signature over data.
func (s *Signer) Sign(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := openpgp.DetachSign(&buf, s.entity, bytes.NewReader(data), signerConfig); err != nil {
		return nil, errors.Wrap(err, "sign")
	}
	return buf.Bytes(), nil
}

// SignArmored returns an ASCII armored detached signature over data.
func (s *Signer) SignArmored(data []byte) (string, error) {
	var buf bytes.Buffer
	if err := openpgp.ArmoredDetachSign(&buf, s.entity, bytes.NewReader(data), signerConfig); err != nil {
		return "", errors.Wrap(err, "sign")
	}
	return buf.String(), nil
}
