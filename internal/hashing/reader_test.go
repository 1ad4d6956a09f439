package hashing_test

import (
	"bytes"
	"crypto/sha256"
	"io"
	"testing"
	"testing/iotest"

	"github.com/cryptdrive/drivedl/internal/hashing"
	rtest "github.com/cryptdrive/drivedl/internal/test"
)

func TestReader(t *testing.T) {
	for _, size := range []int{0, 5, 23, 2<<18 + 23, 1 << 20} {
		data := rtest.Random(size, size)
		want := sha256.Sum256(data)

		for name, wrap := range map[string]func(io.Reader) io.Reader{
			"plain":    func(r io.Reader) io.Reader { return r },
			"one byte": iotest.OneByteReader,
			"half":     iotest.HalfReader,
		} {
			rd := hashing.NewReader(wrap(bytes.NewReader(data)), sha256.New())
			buf, err := io.ReadAll(rd)
			rtest.OK(t, err)

			rtest.Assert(t, bytes.Equal(data, buf), "%v/%d: data differs", name, size)
			rtest.Equals(t, want[:], rd.Sum(nil), name)
			rtest.Equals(t, int64(size), rd.Count(), name)
		}
	}
}

func TestReaderError(t *testing.T) {
	data := rtest.Random(1, 100)
	rd := hashing.NewReader(iotest.TimeoutReader(bytes.NewReader(data)), sha256.New())

	buf := make([]byte, 60)
	n, err := rd.Read(buf)
	rtest.OK(t, err)
	rtest.Equals(t, 60, n)

	_, err = rd.Read(buf)
	rtest.ErrorIs(t, err, iotest.ErrTimeout)

	// only the data actually read is hashed
	want := sha256.Sum256(data[:60])
	rtest.Equals(t, want[:], rd.Sum(nil))
	rtest.Equals(t, int64(60), rd.Count())
}

func BenchmarkReader(b *testing.B) {
	buf := rtest.Random(23, 1<<22)

	b.SetBytes(int64(len(buf)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		rd := hashing.NewReader(bytes.NewReader(buf), sha256.New())
		if _, err := io.Copy(io.Discard, rd); err != nil {
			b.Fatal(err)
		}
		_ = rd.Sum(nil)
	}
}
