// Package engine contains the transfer engines used by the download manager:
// a resumable plain HTTP engine and an HLS segment engine. Both report
// through a Sink of typed events.
package engine

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// EventType identifies a transfer engine event
type EventType int

const (
	EventBegin EventType = iota
	EventProgress
	EventDone
	EventFailed
)

// String returns the string representation of the event type
func (t EventType) String() string {
	switch t {
	case EventBegin:
		return "begin"
	case EventProgress:
		return "progress"
	case EventDone:
		return "done"
	case EventFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Event is emitted by an engine for a single job.
// Downloaded and Total are absolute byte counts for the whole file, including
// bytes fetched by earlier runs when resuming. Total is 0 when unknown.
type Event struct {
	Type       EventType
	JobID      int64
	Downloaded int64
	Total      int64
	StatusCode int
	Err        error
}

// Sink receives engine events. It is called from engine goroutines.
type Sink func(Event)

// Request describes a plain HTTP transfer
type Request struct {
	URL     string
	Path    string
	Headers map[string]string
}

// HLSParams describes an HLS transfer. JobID is chosen by the caller and
// identifies the job for Cancel.
type HLSParams struct {
	JobID    int64
	VideoURL string
	Path     string
	FileName string
	Title    string
	Headers  map[string]string
	Sink     Sink
}

// Config holds settings shared by both engines
type Config struct {
	UserAgent        string
	Timeout          time.Duration // 0 = no overall timeout
	ChunkSize        int
	ProgressInterval time.Duration // minimum gap between progress events
	Concurrency      int           // parallel HLS segment fetches
	RetryCount       int           // extra attempts per HLS segment
	RetryBackoff     time.Duration // first retry delay, doubled per attempt
}

// DefaultConfig returns engine defaults
func DefaultConfig() Config {
	return Config{
		UserAgent:        "mediadl/1.0",
		ChunkSize:        32 * 1024,
		ProgressInterval: time.Second,
		Concurrency:      4,
		RetryCount:       3,
		RetryBackoff:     500 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.UserAgent == "" {
		c.UserAgent = d.UserAgent
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = d.ChunkSize
	}
	if c.ProgressInterval < 0 {
		c.ProgressInterval = 0
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.RetryCount < 0 {
		c.RetryCount = 0
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = d.RetryBackoff
	}
	return c
}

// Errors
var (
	ErrInvalidURL = errors.New("invalid url")
	ErrEmptyPath  = errors.New("destination path is empty")
	ErrBadStatus  = errors.New("unexpected status code")
	ErrNoSegments = errors.New("playlist has no segments")
	ErrNoVariants = errors.New("master playlist has no variants")
)

// validateURL accepts absolute http and https URLs only
func validateURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidURL, raw)
	}
	return u, nil
}

// statusCodeError is an unexpected HTTP status. It matches ErrBadStatus.
type statusCodeError struct {
	code int
}

func (e *statusCodeError) Error() string {
	return fmt.Sprintf("%v: %d", ErrBadStatus, e.code)
}

func (e *statusCodeError) Unwrap() error {
	return ErrBadStatus
}

// retryable reports whether another attempt may succeed
func (e *statusCodeError) retryable() bool {
	if e.code == http.StatusRequestTimeout || e.code == http.StatusTooManyRequests {
		return true
	}
	return e.code < 400 || e.code >= 500
}

func statusError(code int) error {
	return &statusCodeError{code: code}
}
