package download

import (
	"context"
	"io"
	"os"

	"github.com/cryptdrive/drivedl/internal/checkpoint"
	"github.com/cryptdrive/drivedl/internal/debug"
	"github.com/cryptdrive/drivedl/internal/drive"
	"github.com/cryptdrive/drivedl/internal/errors"
	"github.com/cryptdrive/drivedl/internal/feature"
	"github.com/puzpuzpuz/xsync/v3"
)

// syncOutput flushes a downloaded file to disk before its checkpoint is
// written.
var syncOutput = (*os.File).Sync

// Downloader downloads revisions. All downloads of a Downloader share its
// gates.
type Downloader struct {
	api      drive.API
	secrets  drive.Secrets
	fetcher  *Fetcher
	verifier *ManifestVerifier
	gates    Gates
	cfg      Config

	active *xsync.MapOf[drive.RevisionRef, *Controller]
}

// New returns a Downloader. keys may be nil, then manifests are only
// verified against node keys.
func New(api drive.API, secrets drive.Secrets, keys drive.KeyDirectory, gates Gates, cfg Config) *Downloader {
	cfg = cfg.withDefaults()
	return &Downloader{
		api:      api,
		secrets:  secrets,
		fetcher:  NewFetcher(api, cfg),
		verifier: NewManifestVerifier(keys),
		gates:    gates,
		cfg:      cfg,
		active:   xsync.NewMapOf[drive.RevisionRef, *Controller](),
	}
}

// Open fetches the metadata and keys of a revision and returns a new
// transfer state for it. The caller must close the state.
func (d *Downloader) Open(ctx context.Context, ref drive.RevisionRef) (*TransferState, error) {
	if ref.IsNull() {
		return nil, errors.Fatalf("invalid revision %q", ref.String())
	}

	rev, err := d.api.GetRevision(ctx, ref)
	if err != nil {
		return nil, errors.Wrap(err, "revision")
	}

	nodeKey, err := d.secrets.NodeKey(ctx, ref)
	if err != nil {
		return nil, errors.Wrap(err, "node key")
	}

	contentKey, err := d.secrets.ContentKey(ctx, ref)
	if err != nil {
		_ = nodeKey.Close()
		return nil, errors.Wrap(err, "content key")
	}

	debug.Log("opened %v: %d bytes, %d thumbnails, signed %v",
		ref.Str(), rev.ClaimedSize, len(rev.Thumbnails), len(rev.ManifestSignature) > 0)
	return NewTransferState(rev, nodeKey, contentKey), nil
}

// reserve claims ref in the registry of active downloads. A nil entry marks
// a download that is being set up.
func (d *Downloader) reserve(ref drive.RevisionRef) error {
	if _, loaded := d.active.LoadOrStore(ref, nil); loaded {
		return errors.Errorf("download of %v is already active", ref)
	}
	return nil
}

// Start runs a download of st into w. The returned controller owns st.
func (d *Downloader) Start(ctx context.Context, st *TransferState, w io.Writer, opts Options) (*Controller, error) {
	if err := d.gates.valid(); err != nil {
		return nil, err
	}
	if err := d.reserve(st.Ref()); err != nil {
		return nil, err
	}
	return d.start(ctx, st, w, opts), nil
}

// start runs a download whose revision was already reserved.
func (d *Downloader) start(ctx context.Context, st *TransferState, w io.Writer, opts Options) *Controller {
	ref := st.Ref()
	transfer := NewRevisionTransfer(d.api, d.fetcher, d.verifier, d.gates, d.cfg)
	c := newController(transfer, st, w, d.cfg.Metrics, opts)

	d.active.Store(ref, c)
	c.onClose = func() {
		d.active.Delete(ref)
	}

	c.start(ctx)
	return c
}

// DownloadToWriter downloads a revision into w. w is never closed by the
// controller.
func (d *Downloader) DownloadToWriter(ctx context.Context, ref drive.RevisionRef, w io.Writer, opts Options) (*Controller, error) {
	st, err := d.Open(ctx, ref)
	if err != nil {
		return nil, err
	}

	opts.OwnsSink = false
	c, err := d.Start(ctx, st, w, opts)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return c, nil
}

// PathOptions configure DownloadToPath.
type PathOptions struct {
	Options

	// Resume continues from a checkpoint next to the output file, if one
	// exists and matches the revision.
	Resume bool
}

// DownloadToPath downloads a revision into the file at path. The controller
// owns the file. With the persistent-resume feature, progress is recorded
// in a checkpoint file that is removed once the content is complete.
func (d *Downloader) DownloadToPath(ctx context.Context, ref drive.RevisionRef, path string, opts PathOptions) (*Controller, error) {
	if err := d.gates.valid(); err != nil {
		return nil, err
	}
	// the output of an active download must not be touched
	if err := d.reserve(ref); err != nil {
		return nil, err
	}

	st, err := d.Open(ctx, ref)
	if err != nil {
		d.active.Delete(ref)
		return nil, err
	}

	persistent := feature.Flag.Enabled(feature.PersistentResume)
	cpPath := checkpoint.Path(path)

	f, err := d.openOutput(st, path, cpPath, persistent && opts.Resume)
	if err != nil {
		d.active.Delete(ref)
		_ = st.Close()
		return nil, err
	}

	o := opts.Options
	o.OwnsSink = true
	if persistent {
		onCheckpoint := o.OnCheckpoint
		o.OnCheckpoint = func(cp checkpoint.State) {
			// the checkpoint must never claim bytes that are not on disk
			if err := syncOutput(f); err != nil {
				debug.Log("sync %v failed, checkpoint not saved: %v", path, err)
				return
			}
			if err := checkpoint.Save(cpPath, cp); err != nil {
				debug.Log("saving checkpoint %v failed: %v", cpPath, err)
			}
			if onCheckpoint != nil {
				onCheckpoint(cp)
			}
		}
	}

	c := d.start(ctx, st, f, o)

	if persistent {
		onClose := c.onClose
		c.onClose = func() {
			if c.State() == Completed || c.State() == CompletedWithVerificationIssue {
				if err := checkpoint.Remove(cpPath); err != nil {
					debug.Log("removing checkpoint %v failed: %v", cpPath, err)
				}
			}
			onClose()
		}
	}
	return c, nil
}

// openOutput opens the output file. When resuming, the file is truncated to
// the recorded progress, otherwise to zero.
func (d *Downloader) openOutput(st *TransferState, path, cpPath string, resume bool) (*os.File, error) {
	var offset int64
	if resume {
		cp, err := checkpoint.Load(cpPath, st.Ref())
		switch {
		case err == nil:
			if fi, serr := os.Stat(path); serr == nil && fi.Size() >= cp.BytesWritten {
				if rerr := st.Restore(cp); rerr != nil {
					return nil, rerr
				}
				offset = cp.BytesWritten
			} else {
				debug.Log("output %v is shorter than checkpoint, starting over", path)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			debug.Log("ignoring checkpoint %v: %v", cpPath, err)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, errors.Fatalf("open output: %v", err)
	}
	if err := f.Truncate(offset); err != nil {
		_ = f.Close()
		return nil, errors.Wrap(err, "truncate output")
	}
	return f, nil
}

// Active returns the controllers of all downloads that were not closed yet.
func (d *Downloader) Active() []*Controller {
	var res []*Controller
	d.active.Range(func(_ drive.RevisionRef, c *Controller) bool {
		if c != nil {
			res = append(res, c)
		}
		return true
	})
	return res
}
