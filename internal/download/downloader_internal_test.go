package download

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/cryptdrive/drivedl/internal/api/mock"
	"github.com/cryptdrive/drivedl/internal/api/retry"
	"github.com/cryptdrive/drivedl/internal/checkpoint"
	"github.com/cryptdrive/drivedl/internal/drive"
	"github.com/cryptdrive/drivedl/internal/errors"
	"github.com/cryptdrive/drivedl/internal/pgp"
	rtest "github.com/cryptdrive/drivedl/internal/test"
)

var syncRef = drive.RevisionRef{VolumeID: "vol", NodeID: "node", RevisionID: "sync"}

func newSyncStore(t *testing.T, n int) *mock.Store {
	t.Helper()
	signer, err := pgp.NewSigner("test", "alice@example.com")
	rtest.OK(t, err)

	blocks := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		blocks = append(blocks, rtest.Random(10+i, 1000))
	}
	rev, err := mock.NewRevision(syncRef, blocks, nil, signer, "alice@example.com")
	rtest.OK(t, err)

	store := mock.NewStore()
	store.Add(rev)
	store.AddKeys("alice@example.com", signer.PublicKeys())
	return store
}

func setSyncOutput(t *testing.T, fn func(*os.File) error) {
	orig := syncOutput
	syncOutput = fn
	t.Cleanup(func() {
		syncOutput = orig
	})
}

func newSyncDownloader(t *testing.T, store *mock.Store, cfg Config) *Downloader {
	t.Helper()
	gates, err := NewGates(1, 1, 1)
	rtest.OK(t, err)
	return New(store, store, store, gates, cfg)
}

// The output file is synced before every checkpoint, so a checkpoint never
// claims more bytes than the synced file holds.
func TestCheckpointFollowsSync(t *testing.T) {
	store := newSyncStore(t, 3)

	var mu sync.Mutex
	var synced []int64
	setSyncOutput(t, func(f *os.File) error {
		fi, err := f.Stat()
		if err != nil {
			return err
		}
		mu.Lock()
		synced = append(synced, fi.Size())
		mu.Unlock()
		return f.Sync()
	})

	var saved []int64
	path := filepath.Join(rtest.TempDir(t), "out.bin")
	d := newSyncDownloader(t, store, Config{})
	c, err := d.DownloadToPath(context.TODO(), syncRef, path, PathOptions{
		Options: Options{OnCheckpoint: func(cp checkpoint.State) {
			mu.Lock()
			defer mu.Unlock()
			rtest.Equals(t, len(saved)+1, len(synced), "checkpoint saved without sync")
			saved = append(saved, cp.BytesWritten)
		}},
	})
	rtest.OK(t, err)
	rtest.OK(t, c.Wait(context.TODO()))
	rtest.OK(t, c.Close())

	rtest.Equals(t, 3, len(saved))
	for i := range saved {
		rtest.Assert(t, synced[i] >= saved[i], "checkpoint %d claims %d bytes, %d synced", i, saved[i], synced[i])
	}
}

// Without a successful sync no checkpoint is written.
func TestCheckpointSkippedWhenSyncFails(t *testing.T) {
	retry.TestFastRetries(t)
	setSyncOutput(t, func(*os.File) error {
		return errors.New("sync failed")
	})

	store := newSyncStore(t, 3)
	store.FailFetch = func(index, _ int) error {
		if index == 3 {
			return &mock.StatusError{Status: 503}
		}
		return nil
	}

	path := filepath.Join(rtest.TempDir(t), "out.bin")
	d := newSyncDownloader(t, store, Config{FetchRetries: 1})
	c, err := d.DownloadToPath(context.TODO(), syncRef, path, PathOptions{Resume: true})
	rtest.OK(t, err)
	_ = c.Wait(context.TODO())
	rtest.Equals(t, Paused, c.State())
	rtest.OK(t, c.Close())

	_, err = os.Stat(checkpoint.Path(path))
	rtest.Assert(t, errors.Is(err, os.ErrNotExist), "checkpoint written without sync: %v", err)
}
