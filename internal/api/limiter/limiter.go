// Package limiter caps the download bandwidth used for block content.
package limiter

import (
	"context"
	"io"

	"github.com/cryptdrive/drivedl/internal/drive"
	"golang.org/x/time/rate"
)

// Limits represents static download limits in KiB/s. Zero means unlimited.
type Limits struct {
	DownloadKb int
}

// Limiter limits the rate at which data is read from a reader.
type Limiter interface {
	// Downstream returns a rate limited reader that is intended to be used
	// for downloads. Waiting for tokens is aborted when ctx is cancelled.
	Downstream(ctx context.Context, r io.Reader) io.Reader
}

type staticLimiter struct {
	downstream *rate.Limiter
}

// NewStaticLimiter constructs a Limiter with a fixed download rate cap.
func NewStaticLimiter(l Limits) Limiter {
	var downstream *rate.Limiter
	if l.DownloadKb > 0 {
		downstream = rate.NewLimiter(rate.Limit(toByteRate(l.DownloadKb)), int(toByteRate(l.DownloadKb)))
	}

	return staticLimiter{downstream: downstream}
}

func (l staticLimiter) Downstream(ctx context.Context, r io.Reader) io.Reader {
	if l.downstream == nil {
		return r
	}
	return &rateLimitedReader{ctx: ctx, reader: r, limiter: l.downstream}
}

type rateLimitedReader struct {
	ctx     context.Context
	reader  io.Reader
	limiter *rate.Limiter
}

func (r *rateLimitedReader) Read(b []byte) (int, error) {
	n, err := r.reader.Read(b)
	if cerr := consumeTokens(r.ctx, n, r.limiter); cerr != nil {
		return n, cerr
	}
	return n, err
}

func consumeTokens(ctx context.Context, tokens int, limiter *rate.Limiter) error {
	// bucket size is the maximum amount of tokens that can be consumed at once
	bucketSize := limiter.Burst()
	for tokens > 0 {
		n := min(tokens, bucketSize)
		if err := limiter.WaitN(ctx, n); err != nil {
			return err
		}
		tokens -= n
	}
	return nil
}

func toByteRate(val int) float64 {
	return float64(val) * 1024.
}

// LimitAPI wraps api so that block content is read at most at the rate
// allowed by l.
func LimitAPI(api drive.API, l Limiter) drive.API {
	return rateLimitedAPI{API: api, limiter: l}
}

type rateLimitedAPI struct {
	drive.API
	limiter Limiter
}

func (r rateLimitedAPI) FetchBlob(ctx context.Context, url, token string) (io.ReadCloser, error) {
	rd, err := r.API.FetchBlob(ctx, url, token)
	if err != nil {
		return nil, err
	}
	return limitedReadCloser{
		Reader: r.limiter.Downstream(ctx, rd),
		Closer: rd,
	}, nil
}

func (r rateLimitedAPI) Unwrap() drive.API { return r.API }

type limitedReadCloser struct {
	io.Reader
	io.Closer
}
