package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cryptdrive/drivedl/internal/checkpoint"
	"github.com/cryptdrive/drivedl/internal/debug"
	"github.com/cryptdrive/drivedl/internal/download"
	"github.com/cryptdrive/drivedl/internal/drive"
	"github.com/cryptdrive/drivedl/internal/errors"
	"github.com/cryptdrive/drivedl/internal/ui/progress"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

// ErrUnverified is returned when the content was downloaded completely but
// its authenticity could not be established.
var ErrUnverified = errors.New("authenticity of the downloaded content could not be verified")

func newDownloadCommand() *cobra.Command {
	var opts DownloadOptions

	cmd := &cobra.Command{
		Use:   "download [flags] VOLUME NODE REVISION",
		Short: "Download and decrypt a file revision",
		Long: `
The "download" command downloads one revision of a file, decrypts it block by
block and verifies the signed manifest of the content.

With --batch, the revisions listed in a file are downloaded concurrently. Each
line names "VOLUME NODE REVISION OUTPUT" and optionally the node key file and
the content key file of the revision. Empty lines and lines starting with #
are ignored.

An interrupted download continues where it stopped when the command is run
again, unless --no-resume is given.

EXIT STATUS
===========

Exit status is 0 if the command was successful.
Exit status is 1 if there was any error.
Exit status is 3 if the content could not be verified, the file is removed
unless --keep-unverified is given.
Exit status is 4 if a download stopped and can be resumed.
Exit status is 130 if the command was interrupted.
`,
		DisableAutoGenTag: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDownload(cmd.Context(), opts, globalOptions, args)
		},
	}

	opts.AddFlags(cmd.Flags())
	return cmd
}

// DownloadOptions collects all options for the download command.
type DownloadOptions struct {
	Output         string
	NodeKeyFile    string
	ContentKeyFile string
	BatchFile      string
	KeepUnverified bool
	NoResume       bool
}

func (opts *DownloadOptions) AddFlags(f *pflag.FlagSet) {
	f.StringVarP(&opts.Output, "output", "o", "", "write the content to `file`")
	f.StringVar(&opts.NodeKeyFile, "node-key", "", "read the node key from `file`")
	f.StringVar(&opts.ContentKeyFile, "content-key-file", "", "read the hex encoded content key from `file`")
	f.StringVar(&opts.BatchFile, "batch", "", "download the revisions listed in `file` (- for stdin)")
	f.BoolVar(&opts.KeepUnverified, "keep-unverified", false, "keep files whose authenticity could not be verified")
	f.BoolVar(&opts.NoResume, "no-resume", false, "start from the beginning even if a resume checkpoint exists")
}

func (opts *DownloadOptions) keyFiles() keyFiles {
	return keyFiles{NodeKey: opts.NodeKeyFile, ContentKey: opts.ContentKeyFile}
}

// downloadJob is one revision to download.
type downloadJob struct {
	Ref    drive.RevisionRef
	Output string
	Keys   keyFiles
}

// parseBatch reads one job per line. Key files not named on a line are
// taken from keys.
func parseBatch(rd io.Reader, keys keyFiles) ([]downloadJob, error) {
	var jobs []downloadJob
	refs := make(map[drive.RevisionRef]struct{})
	outputs := make(map[string]struct{})

	sc := bufio.NewScanner(rd)
	for lineNo := 1; sc.Scan(); lineNo++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) != 4 && len(fields) != 6 {
			return nil, errors.Fatalf("batch line %d: expected VOLUME NODE REVISION OUTPUT [NODEKEY CONTENTKEY], got %d fields", lineNo, len(fields))
		}

		job := downloadJob{
			Ref:    drive.RevisionRef{VolumeID: fields[0], NodeID: fields[1], RevisionID: fields[2]},
			Output: filepath.Clean(fields[3]),
			Keys:   keys,
		}
		if len(fields) == 6 {
			job.Keys = keyFiles{NodeKey: fields[4], ContentKey: fields[5]}
		}

		if _, ok := refs[job.Ref]; ok {
			return nil, errors.Fatalf("batch line %d: revision %v is listed twice", lineNo, job.Ref)
		}
		if _, ok := outputs[job.Output]; ok {
			return nil, errors.Fatalf("batch line %d: output %v is listed twice", lineNo, job.Output)
		}
		refs[job.Ref] = struct{}{}
		outputs[job.Output] = struct{}{}

		jobs = append(jobs, job)
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "read batch file")
	}
	if len(jobs) == 0 {
		return nil, errors.Fatal("batch file lists no revisions")
	}
	return jobs, nil
}

func collectJobs(opts DownloadOptions, args []string) ([]downloadJob, error) {
	if opts.BatchFile == "" {
		if len(args) != 3 {
			return nil, errors.Fatal("download expects VOLUME NODE REVISION or --batch")
		}
		if opts.Output == "" {
			return nil, errors.Fatal("please specify the output file (-o)")
		}
		return []downloadJob{{
			Ref:    drive.RevisionRef{VolumeID: args[0], NodeID: args[1], RevisionID: args[2]},
			Output: opts.Output,
			Keys:   opts.keyFiles(),
		}}, nil
	}

	if len(args) != 0 || opts.Output != "" {
		return nil, errors.Fatal("--batch cannot be combined with a revision or --output")
	}

	var rd io.Reader = os.Stdin
	if opts.BatchFile != "-" {
		f, err := os.Open(opts.BatchFile)
		if err != nil {
			return nil, errors.Fatalf("unable to open batch file: %v", err)
		}
		defer func() {
			_ = f.Close()
		}()
		rd = f
	}
	return parseBatch(rd, opts.keyFiles())
}

func runDownload(ctx context.Context, opts DownloadOptions, gopts GlobalOptions, args []string) error {
	jobs, err := collectJobs(opts, args)
	if err != nil {
		return err
	}

	secrets := &fileSecrets{
		files:    make(map[drive.RevisionRef]keyFiles, len(jobs)),
		fallback: opts.keyFiles(),
	}
	for _, job := range jobs {
		secrets.files[job.Ref] = job.Keys
	}

	d, err := newDownloader(&gopts, secrets)
	if err != nil {
		return err
	}

	printer := newPrinter(&gopts)
	description := filepath.Base(jobs[0].Output)
	if len(jobs) > 1 {
		description = fmt.Sprintf("%d files", len(jobs))
	}
	counter := printer.NewCounter(description, 0)

	results := make([]error, len(jobs))
	var wg errgroup.Group
	for i, job := range jobs {
		wg.Go(func() error {
			results[i] = downloadFile(ctx, d, job, opts, printer, counter)
			if results[i] != nil && len(jobs) > 1 {
				printer.E("%v: %v", job.Output, results[i])
			}
			return nil
		})
	}
	// the jobs never fail the group, every result is reported separately
	_ = wg.Wait()
	counter.Done()

	if len(jobs) == 1 {
		return results[0]
	}
	return summarize(results)
}

// trackFile returns a progress callback that adds the size of the file to
// the counter once it is known.
func trackFile(c *progress.Counter) func(written, total int64) {
	if c == nil {
		return nil
	}
	track := c.Tracker()
	var once sync.Once
	return func(written, total int64) {
		once.Do(func() { c.AddMax(total) })
		track(written, total)
	}
}

func downloadFile(ctx context.Context, d *download.Downloader, job downloadJob, opts DownloadOptions, printer progress.Printer, counter *progress.Counter) error {
	debug.Log("downloading %v to %v", job.Ref, job.Output)

	c, err := d.DownloadToPath(ctx, job.Ref, job.Output, download.PathOptions{
		Options: download.Options{
			OnProgress: trackFile(counter),
			OnFailure: func(err error) {
				printer.VV("%v: attempt failed: %v", job.Output, err)
			},
		},
		Resume: !opts.NoResume,
	})
	if err != nil {
		return err
	}

	// a cancelled ctx also ends the attempt, which then settles as paused
	_ = c.Wait(context.Background())
	state, cerr, outcome := c.State(), c.Err(), c.Outcome()
	if err := c.Close(); err != nil {
		return errors.Wrap(err, "close")
	}

	return finishFile(job, state, cerr, outcome, opts, printer)
}

// finishFile handles the output file according to the final state of its
// download and returns the error to report.
func finishFile(job downloadJob, state download.State, err error, outcome download.Outcome, opts DownloadOptions, printer progress.Printer) error {
	switch state {
	case download.Completed:
		if outcome.BytesWritten != outcome.ClaimedSize {
			printer.V("%v: size %v differs from the announced size %v",
				job.Output, outcome.BytesWritten, outcome.ClaimedSize)
		}
		printer.P("%v: downloaded %v", job.Output, progress.FormatBytes(outcome.BytesWritten))
		return nil

	case download.CompletedWithVerificationIssue:
		if opts.KeepUnverified {
			printer.E("%v: kept unverified file", job.Output)
		} else if rmErr := os.Remove(job.Output); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			printer.E("%v: unable to remove unverified file: %v", job.Output, rmErr)
		}
		return errors.Wrapf(ErrUnverified, "%v: %v", job.Output, err)

	case download.Paused:
		return errors.Wrapf(download.ErrPaused, "%v: stopped after %v of %v, run the command again to resume (%v)",
			job.Output, progress.FormatBytes(outcome.BytesWritten), progress.FormatBytes(outcome.ClaimedSize), err)
	}

	// failed downloads cannot be resumed
	for _, path := range []string{job.Output, checkpoint.Path(job.Output)} {
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			debug.Log("unable to remove %v: %v", path, rmErr)
		}
	}
	if err == nil {
		err = errors.Errorf("download ended in state %v", state)
	}
	return err
}

// summarize combines the results of a batch. Failures win over paused
// downloads, which win over verification issues.
func summarize(results []error) error {
	var failed, paused, unverified int
	for _, err := range results {
		switch {
		case err == nil:
		case errors.Is(err, ErrUnverified):
			unverified++
		case errors.Is(err, download.ErrPaused):
			paused++
		default:
			failed++
		}
	}

	total := len(results)
	switch {
	case failed > 0:
		return errors.Fatalf("%d of %d downloads failed", failed, total)
	case paused > 0:
		return errors.Wrapf(download.ErrPaused, "%d of %d downloads are incomplete", paused, total)
	case unverified > 0:
		return errors.Wrapf(ErrUnverified, "%d of %d downloads", unverified, total)
	}
	return nil
}
