package download_test

import (
	"io"
	"sync"
	"testing"

	"github.com/cryptdrive/drivedl/internal/api/mock"
	"github.com/cryptdrive/drivedl/internal/download"
	"github.com/cryptdrive/drivedl/internal/drive"
	"github.com/cryptdrive/drivedl/internal/errors"
	"github.com/cryptdrive/drivedl/internal/pgp"
	rtest "github.com/cryptdrive/drivedl/internal/test"
)

const signerEmail = "alice@example.com"

var testRef = drive.RevisionRef{VolumeID: "vol", NodeID: "node", RevisionID: "rev"}

func newGates(t testing.TB, listing, files, blocks int) download.Gates {
	t.Helper()
	gates, err := download.NewGates(listing, files, blocks)
	rtest.OK(t, err)
	return gates
}

func newSigner(t testing.TB, email string) *pgp.Signer {
	t.Helper()
	signer, err := pgp.NewSigner("test", email)
	rtest.OK(t, err)
	return signer
}

func randomBlocks(n, size int) [][]byte {
	blocks := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		blocks = append(blocks, rtest.Random(100+i, size+i))
	}
	return blocks
}

// newTestStore returns a store holding a signed revision with n blocks for
// testRef. The signer's keys are registered for signerEmail.
func newTestStore(t testing.TB, n int) (*mock.Store, *mock.Revision) {
	t.Helper()
	signer := newSigner(t, signerEmail)
	rev, err := mock.NewRevision(testRef, randomBlocks(n, 1000), nil, signer, signerEmail)
	rtest.OK(t, err)

	store := mock.NewStore()
	store.Add(rev)
	store.AddKeys(signerEmail, signer.PublicKeys())
	return store, rev
}

// openState opens a transfer state for testRef from the store.
func openState(t testing.TB, d *download.Downloader) *download.TransferState {
	t.Helper()
	st, err := d.Open(t.Context(), testRef)
	rtest.OK(t, err)
	t.Cleanup(func() {
		_ = st.Close()
	})
	return st
}

func count(list []int, v int) int {
	n := 0
	for _, x := range list {
		if x == v {
			n++
		}
	}
	return n
}

// memFile is an in-memory io.WriteSeeker.
type memFile struct {
	mu     sync.Mutex
	buf    []byte
	pos    int64
	closed int
}

func (m *memFile) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if end := m.pos + int64(len(p)); end > int64(len(m.buf)) {
		m.buf = append(m.buf, make([]byte, end-int64(len(m.buf)))...)
	}
	copy(m.buf[m.pos:], p)
	m.pos += int64(len(p))
	return len(p), nil
}

func (m *memFile) Seek(offset int64, whence int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if whence != io.SeekStart || offset < 0 {
		return 0, errors.New("unsupported seek")
	}
	m.pos = offset
	return offset, nil
}

func (m *memFile) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed++
	return nil
}

func (m *memFile) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.buf...)
}

// writeOnly hides the Seek method of a writer.
type writeOnly struct {
	w io.Writer
}

func (w writeOnly) Write(p []byte) (int, error) {
	return w.w.Write(p)
}
