// Package crypto implements the symmetric content key used to decrypt the
// blocks of a revision.
//
// A block on the wire is nonce || ciphertext || mac. The ciphertext is
// AES-256 in counter mode, the mac is Poly1305-AES computed over the
// ciphertext with the nonce.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/cryptdrive/drivedl/internal/errors"

	"golang.org/x/crypto/poly1305"
)

const (
	aesKeySize  = 32                        // for AES-256
	macKeySizeK = 16                        // for AES-128
	macKeySizeR = 16                        // for Poly1305
	macKeySize  = macKeySizeK + macKeySizeR // for Poly1305-AES128
	ivSize      = aes.BlockSize

	macSize = poly1305.TagSize

	// KeySize is the length of a serialized content key.
	KeySize = aesKeySize + macKeySize

	// Extension is the number of bytes a plaintext is enlarged by encrypting it.
	Extension = ivSize + macSize
)

var (
	// ErrUnauthenticated is returned when ciphertext verification has failed.
	ErrUnauthenticated = errors.New("ciphertext verification failed")

	// ErrKeyClosed is returned when a key is used after Close.
	ErrKeyClosed = errors.New("content key has been released")
)

// encryptionKey is the AES-256 key material.
type encryptionKey [32]byte

// macKey is used to authenticate ciphertext.
type macKey struct {
	K [16]byte // for AES-128
	R [16]byte // for Poly1305
}

// ContentKey holds the symmetric keys of one revision. Its zero value is
// not usable, create keys with NewRandomContentKey or ParseContentKey.
type ContentKey struct {
	mu     sync.RWMutex
	enc    encryptionKey
	mac    macKey
	closed bool
}

func poly1305MAC(msg []byte, nonce []byte, key *macKey) []byte {
	k := poly1305PrepareKey(nonce, key)

	var out [16]byte
	poly1305.Sum(&out, msg, &k)

	return out[:]
}

// prepare key for low-level poly1305.Sum(): r||n
func poly1305PrepareKey(nonce []byte, key *macKey) [32]byte {
	var k [32]byte

	cipher, err := aes.NewCipher(key.K[:])
	if err != nil {
		panic(err)
	}
	cipher.Encrypt(k[16:], nonce[:])

	copy(k[:16], key.R[:])

	return k
}

func poly1305Verify(msg []byte, nonce []byte, key *macKey, mac []byte) bool {
	k := poly1305PrepareKey(nonce, key)

	var m [16]byte
	copy(m[:], mac)

	return poly1305.Verify(&m, msg, &k)
}

// NewRandomContentKey returns a key with fresh random material.
func NewRandomContentKey() *ContentKey {
	k := &ContentKey{}

	buf := make([]byte, KeySize)
	n, err := rand.Read(buf)
	if n != KeySize || err != nil {
		panic("unable to read enough random bytes for content key")
	}
	k.load(buf)

	return k
}

// NewContentKey builds a key from raw key material, laid out as
// encryption key (32 bytes) || mac k (16 bytes) || mac r (16 bytes).
func NewContentKey(raw []byte) (*ContentKey, error) {
	if len(raw) != KeySize {
		return nil, errors.Errorf("invalid content key length %d, want %d", len(raw), KeySize)
	}

	k := &ContentKey{}
	k.load(raw)
	if !k.valid() {
		return nil, errors.New("content key is all zero")
	}
	return k, nil
}

// ParseContentKey decodes a hex encoded key as produced by Encode.
func ParseContentKey(s string) (*ContentKey, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, errors.Wrap(err, "decode content key")
	}
	defer clear(raw)

	return NewContentKey(raw)
}

func (k *ContentKey) load(raw []byte) {
	copy(k.enc[:], raw[:aesKeySize])
	copy(k.mac.K[:], raw[aesKeySize:aesKeySize+macKeySizeK])
	copy(k.mac.R[:], raw[aesKeySize+macKeySizeK:])
}

// Encode returns the hex representation of the key material.
func (k *ContentKey) Encode() string {
	k.mu.RLock()
	defer k.mu.RUnlock()

	buf := make([]byte, 0, KeySize)
	buf = append(buf, k.enc[:]...)
	buf = append(buf, k.mac.K[:]...)
	buf = append(buf, k.mac.R[:]...)
	return hex.EncodeToString(buf)
}

// String never prints key material.
func (k *ContentKey) String() string {
	return "<content key>"
}

// NewRandomNonce returns a new random nonce. It panics on error so that the
// program is safely terminated.
func NewRandomNonce() []byte {
	iv := make([]byte, ivSize)
	n, err := rand.Read(iv)
	if n != ivSize || err != nil {
		panic("unable to read enough random bytes for iv")
	}
	return iv
}

func allZero(b []byte) bool {
	var sum byte
	for _, v := range b {
		sum |= v
	}
	return sum == 0
}

func (k *ContentKey) valid() bool {
	return !allZero(k.enc[:]) && !allZero(k.mac.K[:]) && !allZero(k.mac.R[:])
}

// validNonce checks that nonce is not all zero.
func validNonce(nonce []byte) bool {
	return !allZero(nonce)
}

// statically ensure that *ContentKey implements crypto/cipher.AEAD
var _ cipher.AEAD = &ContentKey{}

// NonceSize returns the size of the nonce that must be passed to Seal
// and Open.
func (k *ContentKey) NonceSize() int {
	return ivSize
}

// Overhead returns the maximum difference between the lengths of a
// plaintext and its ciphertext.
func (k *ContentKey) Overhead() int {
	return macSize
}

// sliceForAppend takes a slice and a requested number of bytes. It returns a
// slice with the contents of the given slice followed by that many bytes and a
// second slice that aliases into it and contains only the extra bytes. If the
// original slice has sufficient capacity then no allocation is performed.
//
// taken from the stdlib, crypto/aes/aes_gcm.go
func sliceForAppend(in []byte, n int) (head, tail []byte) {
	if total := len(in) + n; cap(in) >= total {
		head = in[:total]
	} else {
		head = make([]byte, total)
		copy(head, in)
	}
	tail = head[len(in):]
	return
}

// Seal encrypts and authenticates plaintext and appends the result to dst.
// The nonce must be NonceSize() bytes long and unique for all time, for a
// given key. Additional data is not supported.
func (k *ContentKey) Seal(dst, nonce, plaintext, additionalData []byte) []byte {
	k.mu.RLock()
	defer k.mu.RUnlock()

	if k.closed {
		panic(ErrKeyClosed)
	}

	if !k.valid() {
		panic("key is invalid")
	}

	if len(additionalData) > 0 {
		panic("additional data is not supported")
	}

	if len(nonce) != ivSize {
		panic("incorrect nonce length")
	}

	if !validNonce(nonce) {
		panic("nonce is invalid")
	}

	ret, out := sliceForAppend(dst, len(plaintext)+k.Overhead())

	c, err := aes.NewCipher(k.enc[:])
	if err != nil {
		panic(fmt.Sprintf("unable to create cipher: %v", err))
	}
	e := cipher.NewCTR(c, nonce)
	e.XORKeyStream(out, plaintext)

	mac := poly1305MAC(out[:len(plaintext)], nonce, &k.mac)
	copy(out[len(plaintext):], mac)

	return ret
}

// Open decrypts and authenticates ciphertext and, if successful, appends
// the resulting plaintext to dst. The nonce must match the one passed to
// Seal.
//
// Even if the function fails, the contents of dst, up to its capacity,
// may be overwritten.
func (k *ContentKey) Open(dst, nonce, ciphertext, _ []byte) ([]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	if k.closed {
		return nil, ErrKeyClosed
	}

	if !k.valid() {
		return nil, errors.New("invalid key")
	}

	// check parameters
	if len(nonce) != ivSize {
		return nil, errors.Errorf("incorrect nonce length %d", len(nonce))
	}

	if !validNonce(nonce) {
		return nil, errors.New("nonce is invalid")
	}

	// check for plausible length
	if len(ciphertext) < k.Overhead() {
		return nil, errors.Errorf("trying to decrypt invalid data: ciphertext too short")
	}

	l := len(ciphertext) - macSize
	ct, mac := ciphertext[:l], ciphertext[l:]

	if !poly1305Verify(ct, nonce, &k.mac, mac) {
		return nil, ErrUnauthenticated
	}

	ret, out := sliceForAppend(dst, len(ct))

	c, err := aes.NewCipher(k.enc[:])
	if err != nil {
		panic(fmt.Sprintf("unable to create cipher: %v", err))
	}
	e := cipher.NewCTR(c, nonce)
	e.XORKeyStream(out, ct)

	return ret, nil
}

// SealBlock encrypts plaintext with a random nonce and returns the block in
// wire format.
func (k *ContentKey) SealBlock(plaintext []byte) []byte {
	nonce := NewRandomNonce()
	buf := make([]byte, 0, len(plaintext)+Extension)
	buf = append(buf, nonce...)
	return k.Seal(buf, nonce, plaintext, nil)
}

// OpenBlock authenticates and decrypts a block in wire format.
func (k *ContentKey) OpenBlock(block []byte) ([]byte, error) {
	if len(block) < Extension {
		return nil, errors.Errorf("block too short: %d bytes", len(block))
	}

	nonce, ciphertext := block[:ivSize], block[ivSize:]
	return k.Open(make([]byte, 0, len(ciphertext)-macSize), nonce, ciphertext, nil)
}

// Close wipes the key material. Later calls to Open fail with ErrKeyClosed.
// Close is safe to call more than once.
func (k *ContentKey) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.closed {
		return nil
	}
	clear(k.enc[:])
	clear(k.mac.K[:])
	clear(k.mac.R[:])
	k.closed = true
	return nil
}

// Closed reports whether Close has been called.
func (k *ContentKey) Closed() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.closed
}
