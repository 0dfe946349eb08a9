package chunkuploader

import (
	"net/http"
	"time"
)

const (
	// DefaultChunkSize is 8 MiB.
	DefaultChunkSize int64 = 8 * 1024 * 1024
	// DefaultConcurrency is the number of parts uploaded in one batch.
	DefaultConcurrency = 5

	defaultMaxAttempts         = 3
	defaultRetryBaseDelay      = time.Second
	defaultHungThreshold       = 30 * time.Second
	defaultSpeedSampleInterval = 300 * time.Millisecond
)

// Config holds configuration for the Orchestrator.
type Config struct {
	// ChunkSize is the size of every part except the last one.
	// Default: 8 MiB
	ChunkSize int64

	// Concurrency is the maximum number of parts uploaded at once.
	// Parts are uploaded in batches of this size.
	// Default: 5
	Concurrency int

	// MaxAttempts is the maximum number of attempts per part, including the first one.
	// Default: 3
	MaxAttempts int

	// RetryBaseDelay is the wait after the first failed attempt, doubled after each further failure.
	// Default: 1 second
	RetryBaseDelay time.Duration

	// HungThreshold is the duration after which a part upload is considered hung
	// if it exceeds the average part upload time by this amount. Zero disables hung detection.
	// Default: 30 seconds
	HungThreshold time.Duration

	// SpeedSampleInterval is the minimum time between two upload speed samples.
	// Default: 300 milliseconds
	SpeedSampleInterval time.Duration

	// HTTPClient is the HTTP client used for uploading parts to the pre-signed URLs.
	// If nil, DefaultHTTPClient is used.
	HTTPClient *http.Client

	// OnProgress is called after every finished part and on pause/completion.
	// Calls are serialized.
	OnProgress func(ProgressSnapshot)
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		ChunkSize:           DefaultChunkSize,
		Concurrency:         DefaultConcurrency,
		MaxAttempts:         defaultMaxAttempts,
		RetryBaseDelay:      defaultRetryBaseDelay,
		HungThreshold:       defaultHungThreshold,
		SpeedSampleInterval: defaultSpeedSampleInterval,
	}
}

// DefaultHTTPClient creates an HTTP client for part uploads.
// It has no overall timeout, a part upload is bounded by its context.
func DefaultHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        50,
			MaxConnsPerHost:     20,
			IdleConnTimeout:     10 * time.Second,
			TLSHandshakeTimeout: 5 * time.Second,
			Proxy:               http.ProxyFromEnvironment,
		},
	}
}

// withDefaults fills the unset fields. HungThreshold is left as is, zero is meaningful.
func (c Config) withDefaults() Config {
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = defaultRetryBaseDelay
	}
	if c.SpeedSampleInterval <= 0 {
		c.SpeedSampleInterval = defaultSpeedSampleInterval
	}
	if c.HTTPClient == nil {
		c.HTTPClient = DefaultHTTPClient()
	}
	return c
}
