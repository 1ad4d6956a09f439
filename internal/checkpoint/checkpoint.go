// Package checkpoint stores the progress of a download on disk so that an
// interrupted transfer can continue after the process exits.
package checkpoint

import (
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"syscall"

	"github.com/cryptdrive/drivedl/internal/debug"
	"github.com/cryptdrive/drivedl/internal/drive"
	"github.com/cryptdrive/drivedl/internal/errors"
)

// Version is the current format version.
const Version = 1

// Suffix is appended to the output file name to get the checkpoint file.
const Suffix = ".drivedl-resume"

// ErrMismatch is returned by Load when the checkpoint belongs to another
// revision or is inconsistent.
var ErrMismatch = errors.New("checkpoint does not match the download")

// State is the part of a transfer needed to resume it.
type State struct {
	Revision     drive.RevisionRef
	ClaimedSize  int64
	BytesWritten int64
	Digests      [][]byte
}

type file struct {
	Version      int               `json:"version"`
	Revision     drive.RevisionRef `json:"revision"`
	ClaimedSize  int64             `json:"claimed_size"`
	BytesWritten int64             `json:"bytes_written"`
	Digests      []string          `json:"digests"`
}

// Path returns the checkpoint file used for output.
func Path(output string) string {
	return output + Suffix
}

// Load reads the checkpoint at path. If the file does not exist, an error
// matching os.ErrNotExist is returned.
func Load(path string, ref drive.RevisionRef) (State, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return State{}, errors.WithStack(err)
	}

	var f file
	if err := json.Unmarshal(buf, &f); err != nil {
		return State{}, errors.Wrapf(ErrMismatch, "decode %v: %v", path, err)
	}
	if f.Version != Version {
		return State{}, errors.Wrapf(ErrMismatch, "unsupported version %d", f.Version)
	}
	if f.Revision != ref {
		return State{}, errors.Wrapf(ErrMismatch, "checkpoint is for %v", f.Revision)
	}
	if f.BytesWritten < 0 || (f.BytesWritten > 0 && len(f.Digests) == 0) {
		return State{}, errors.Wrapf(ErrMismatch, "%d bytes written for %d blocks", f.BytesWritten, len(f.Digests))
	}

	st := State{
		Revision:     f.Revision,
		ClaimedSize:  f.ClaimedSize,
		BytesWritten: f.BytesWritten,
		Digests:      make([][]byte, 0, len(f.Digests)),
	}
	for i, s := range f.Digests {
		d, err := hex.DecodeString(s)
		if err != nil {
			return State{}, errors.Wrapf(ErrMismatch, "digest of block %d: %v", i+1, err)
		}
		st.Digests = append(st.Digests, d)
	}

	debug.Log("loaded checkpoint for %v: %d blocks, %d bytes", ref.Str(), len(st.Digests), st.BytesWritten)
	return st, nil
}

// Save atomically replaces the checkpoint at path with st.
func Save(path string, st State) (err error) {
	f := file{
		Version:      Version,
		Revision:     st.Revision,
		ClaimedSize:  st.ClaimedSize,
		BytesWritten: st.BytesWritten,
		Digests:      make([]string, 0, len(st.Digests)),
	}
	for _, d := range st.Digests {
		f.Digests = append(f.Digests, hex.EncodeToString(d))
	}

	buf, err := json.Marshal(f)
	if err != nil {
		return errors.WithStack(err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+"-tmp-")
	if err != nil {
		return errors.WithStack(err)
	}

	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(buf); err != nil {
		return errors.WithStack(err)
	}

	// Ignore error if filesystem does not support fsync.
	err = tmp.Sync()
	if err != nil && !errors.Is(err, syscall.ENOTSUP) && !errors.Is(err, syscall.EINVAL) {
		return errors.WithStack(err)
	}

	// Close, then rename. Windows doesn't like the reverse order.
	if err = tmp.Close(); err != nil {
		return errors.WithStack(err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return errors.WithStack(err)
	}

	syncDir(dir)
	return nil
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	if err := d.Sync(); err != nil {
		debug.Log("sync %v: %v", dir, err)
	}
	_ = d.Close()
}

// Remove deletes the checkpoint at path. A missing file is not an error.
func Remove(path string) error {
	err := os.Remove(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return errors.WithStack(err)
}
