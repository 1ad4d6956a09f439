package download

import (
	"time"

	"github.com/cryptdrive/drivedl/internal/drive"
	"github.com/cryptdrive/drivedl/internal/telemetry"
)

// Config holds the tunables of a Downloader. The zero value is usable.
type Config struct {
	// PageSize is the number of blocks requested per listing page.
	PageSize int

	// FetchRetries is the number of retries of a failed block fetch.
	FetchRetries uint64

	// ListingReservation is the weight a file enters the listing gate with.
	ListingReservation int

	// RetryInitialInterval is the delay before the first retry of a block.
	RetryInitialInterval time.Duration

	// Metrics receives one event per settled download attempt.
	Metrics telemetry.Sink
}

// DefaultFetchRetries is used when Config.FetchRetries is zero.
const DefaultFetchRetries = 4

func (c Config) withDefaults() Config {
	if c.PageSize <= 0 {
		c.PageSize = drive.DefaultPageSize
	}
	if c.FetchRetries == 0 {
		c.FetchRetries = DefaultFetchRetries
	}
	if c.ListingReservation <= 0 {
		c.ListingReservation = 1
	}
	if c.RetryInitialInterval <= 0 {
		c.RetryInitialInterval = 500 * time.Millisecond
	}
	if c.Metrics == nil {
		c.Metrics = telemetry.DebugSink
	}
	return c
}
