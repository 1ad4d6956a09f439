package main

import (
	"bytes"
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cryptdrive/drivedl/internal/api/mock"
	"github.com/cryptdrive/drivedl/internal/api/retry"
	"github.com/cryptdrive/drivedl/internal/checkpoint"
	"github.com/cryptdrive/drivedl/internal/download"
	"github.com/cryptdrive/drivedl/internal/drive"
	"github.com/cryptdrive/drivedl/internal/errors"
	"github.com/cryptdrive/drivedl/internal/pgp"
	"github.com/cryptdrive/drivedl/internal/telemetry"
	rtest "github.com/cryptdrive/drivedl/internal/test"
	"github.com/cryptdrive/drivedl/internal/ui/progress"
)

var testRef = drive.RevisionRef{VolumeID: "vol", NodeID: "node", RevisionID: "rev"}

func TestParseBatch(t *testing.T) {
	input := `
# downloads for today
vol node rev out.bin
vol node2 rev2   sub/../other.bin  node.key content.key
`
	jobs, err := parseBatch(strings.NewReader(input), keyFiles{NodeKey: "default.key", ContentKey: "default.hex"})
	rtest.OK(t, err)
	rtest.Equals(t, 2, len(jobs))

	rtest.Equals(t, testRef, jobs[0].Ref)
	rtest.Equals(t, "out.bin", jobs[0].Output)
	rtest.Equals(t, keyFiles{NodeKey: "default.key", ContentKey: "default.hex"}, jobs[0].Keys)

	rtest.Equals(t, drive.RevisionRef{VolumeID: "vol", NodeID: "node2", RevisionID: "rev2"}, jobs[1].Ref)
	rtest.Equals(t, "other.bin", jobs[1].Output)
	rtest.Equals(t, keyFiles{NodeKey: "node.key", ContentKey: "content.key"}, jobs[1].Keys)
}

func TestParseBatchErrors(t *testing.T) {
	for _, test := range []struct {
		name, input, msg string
	}{
		{"fields", "vol node rev\n", "batch line 1"},
		{"five fields", "vol node rev out key\n", "got 5 fields"},
		{"duplicate revision", "vol node rev a\nvol node rev b\n", "listed twice"},
		{"duplicate output", "vol node rev a\nvol node rev2 ./a\n", "output a is listed twice"},
		{"empty", "# nothing\n\n", "no revisions"},
	} {
		t.Run(test.name, func(t *testing.T) {
			_, err := parseBatch(strings.NewReader(test.input), keyFiles{})
			rtest.Assert(t, err != nil, "expected error")
			rtest.Assert(t, errors.IsFatal(err), "expected fatal error, got %v", err)
			rtest.Assert(t, strings.Contains(err.Error(), test.msg), "unexpected message %q", err.Error())
		})
	}
}

func TestCollectJobs(t *testing.T) {
	jobs, err := collectJobs(DownloadOptions{Output: "out.bin", NodeKeyFile: "n", ContentKeyFile: "c"}, []string{"vol", "node", "rev"})
	rtest.OK(t, err)
	rtest.Equals(t, 1, len(jobs))
	rtest.Equals(t, testRef, jobs[0].Ref)
	rtest.Equals(t, keyFiles{NodeKey: "n", ContentKey: "c"}, jobs[0].Keys)

	_, err = collectJobs(DownloadOptions{}, []string{"vol", "node", "rev"})
	rtest.Assert(t, errors.IsFatal(err), "missing output accepted: %v", err)

	_, err = collectJobs(DownloadOptions{Output: "out.bin"}, []string{"vol", "node"})
	rtest.Assert(t, errors.IsFatal(err), "missing revision accepted: %v", err)

	_, err = collectJobs(DownloadOptions{BatchFile: "list.txt"}, []string{"vol", "node", "rev"})
	rtest.Assert(t, errors.IsFatal(err), "batch with arguments accepted: %v", err)

	batch := filepath.Join(rtest.TempDir(t), "list.txt")
	rtest.OK(t, os.WriteFile(batch, []byte("vol node rev out.bin\n"), 0600))
	jobs, err = collectJobs(DownloadOptions{BatchFile: batch}, nil)
	rtest.OK(t, err)
	rtest.Equals(t, 1, len(jobs))
}

func TestSummarize(t *testing.T) {
	unverified := errors.Wrap(ErrUnverified, "a")
	paused := errors.Wrap(download.ErrPaused, "b")
	failed := errors.New("c")

	rtest.OK(t, summarize([]error{nil, nil}))

	err := summarize([]error{nil, unverified})
	rtest.ErrorIs(t, err, ErrUnverified)

	err = summarize([]error{unverified, paused})
	rtest.ErrorIs(t, err, download.ErrPaused)

	err = summarize([]error{unverified, paused, failed})
	rtest.Assert(t, errors.IsFatal(err), "expected fatal error, got %v", err)
	rtest.Assert(t, strings.Contains(err.Error(), "1 of 3 downloads failed"), "unexpected message %q", err.Error())
}

func TestExitCode(t *testing.T) {
	ctx := context.Background()
	rtest.Equals(t, 0, exitCode(ctx, nil))
	rtest.Equals(t, 1, exitCode(ctx, errors.New("boom")))
	rtest.Equals(t, 1, exitCode(ctx, errors.Fatal("boom")))
	rtest.Equals(t, 3, exitCode(ctx, errors.Wrap(ErrUnverified, "out.bin")))
	rtest.Equals(t, 4, exitCode(ctx, errors.Wrap(download.ErrPaused, "out.bin")))
	rtest.Equals(t, 130, exitCode(ctx, errors.Wrap(context.Canceled, "open")))

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	rtest.Equals(t, 130, exitCode(canceled, errors.Wrap(download.ErrPaused, "out.bin")))
}

type testDownload struct {
	store *mock.Store
	rev   *mock.Revision
	dir   string
	job   downloadJob
}

func newTestDownload(t *testing.T, signed bool) *testDownload {
	t.Helper()

	var signer *pgp.Signer
	email := ""
	if signed {
		var err error
		email = "alice@example.com"
		signer, err = pgp.NewSigner("alice", email)
		rtest.OK(t, err)
	}

	rev, err := mock.NewRevision(testRef, [][]byte{rtest.Random(1, 3000), rtest.Random(2, 3001), rtest.Random(3, 17)}, nil, signer, email)
	rtest.OK(t, err)

	store := mock.NewStore()
	store.Add(rev)
	if signed {
		store.AddKeys(email, signer.PublicKeys())
	}

	dir := rtest.TempDir(t)
	return &testDownload{
		store: store,
		rev:   rev,
		dir:   dir,
		job:   downloadJob{Ref: testRef, Output: filepath.Join(dir, "out.bin")},
	}
}

func (td *testDownload) run(t *testing.T, cfg download.Config, opts DownloadOptions) error {
	t.Helper()
	gates, err := download.NewGates(1, 1, 2)
	rtest.OK(t, err)
	cfg.Metrics = telemetry.Discard

	d := download.New(td.store, td.store, td.store, gates, cfg)
	counter := progress.NewCounter(0, 0, func(int64, int64, time.Duration, bool) {})
	defer counter.Done()
	return downloadFile(context.TODO(), d, td.job, opts, &progress.NoopPrinter{}, counter)
}

func exists(t *testing.T, path string) bool {
	t.Helper()
	_, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return false
	}
	rtest.OK(t, err)
	return true
}

func TestDownloadFile(t *testing.T) {
	td := newTestDownload(t, true)
	rtest.OK(t, td.run(t, download.Config{}, DownloadOptions{}))

	data, err := os.ReadFile(td.job.Output)
	rtest.OK(t, err)
	rtest.Assert(t, bytes.Equal(td.rev.Plaintext, data), "file content differs")
	rtest.Assert(t, !exists(t, checkpoint.Path(td.job.Output)), "checkpoint not removed")
}

func TestDownloadFileUnverified(t *testing.T) {
	td := newTestDownload(t, false)
	err := td.run(t, download.Config{}, DownloadOptions{})
	rtest.ErrorIs(t, err, ErrUnverified)
	rtest.Equals(t, 3, exitCode(context.Background(), err))
	rtest.Assert(t, !exists(t, td.job.Output), "unverified file not removed")

	err = td.run(t, download.Config{}, DownloadOptions{KeepUnverified: true})
	rtest.ErrorIs(t, err, ErrUnverified)
	data, err := os.ReadFile(td.job.Output)
	rtest.OK(t, err)
	rtest.Assert(t, bytes.Equal(td.rev.Plaintext, data), "kept file differs")
}

func TestDownloadFilePaused(t *testing.T) {
	retry.TestFastRetries(t)
	td := newTestDownload(t, true)
	td.store.FailFetch = func(index, _ int) error {
		if index == 2 {
			return &mock.StatusError{Status: http.StatusServiceUnavailable}
		}
		return nil
	}

	err := td.run(t, download.Config{FetchRetries: 1}, DownloadOptions{})
	rtest.ErrorIs(t, err, download.ErrPaused)
	rtest.Equals(t, 4, exitCode(context.Background(), err))
	rtest.Assert(t, exists(t, td.job.Output), "partial file removed")
	rtest.Assert(t, exists(t, checkpoint.Path(td.job.Output)), "checkpoint missing")

	// running again continues after the first block
	td.store.FailFetch = nil
	rtest.OK(t, td.run(t, download.Config{}, DownloadOptions{}))
	data, err := os.ReadFile(td.job.Output)
	rtest.OK(t, err)
	rtest.Assert(t, bytes.Equal(td.rev.Plaintext, data), "resumed file differs")

	blockOne := 0
	for _, idx := range td.store.Fetched() {
		if idx == 1 {
			blockOne++
		}
	}
	rtest.Equals(t, 1, blockOne, "first block fetched again")
}

func TestDownloadFileFailed(t *testing.T) {
	td := newTestDownload(t, true)
	td.store.FailFetch = func(index, _ int) error {
		if index == 3 {
			return &mock.StatusError{Status: http.StatusNotFound}
		}
		return nil
	}

	err := td.run(t, download.Config{}, DownloadOptions{})
	rtest.Equals(t, http.StatusNotFound, drive.HTTPStatus(err))
	rtest.Equals(t, 1, exitCode(context.Background(), err))
	rtest.Assert(t, !exists(t, td.job.Output), "output of failed download not removed")
	rtest.Assert(t, !exists(t, checkpoint.Path(td.job.Output)), "checkpoint of failed download not removed")
}

func TestDownloadFileUnknownRevision(t *testing.T) {
	td := newTestDownload(t, true)
	td.job.Ref = drive.RevisionRef{VolumeID: "vol", NodeID: "node", RevisionID: "missing"}

	err := td.run(t, download.Config{}, DownloadOptions{})
	rtest.Equals(t, http.StatusNotFound, drive.HTTPStatus(err))
	rtest.Assert(t, !exists(t, td.job.Output), "output created for unknown revision")
}

func TestTrackFile(t *testing.T) {
	var value, total int64
	c := progress.NewCounter(0, 0, func(v, m int64, _ time.Duration, _ bool) {
		value, total = v, m
	})

	first, second := trackFile(c), trackFile(c)
	first(10, 100)
	second(5, 50)
	first(100, 100)
	c.Done()

	rtest.Equals(t, int64(105), value)
	rtest.Equals(t, int64(150), total)

	rtest.Assert(t, trackFile(nil) == nil, "nil counter should give no callback")
}
