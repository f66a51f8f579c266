// Package download implements the download manager: it owns the registry of
// live transfers, drives the plain and HLS engines, persists task records so
// transfers can be resumed after a restart, and reacts to notification
// actions.
package download

import "strings"

// Kind selects the transfer engine of a task
type Kind string

const (
	KindPlain Kind = "plain"
	KindHLS   Kind = "hls"
)

// KindForFileType returns KindHLS for "m3u8" and KindPlain otherwise
func KindForFileType(fileType string) Kind {
	if strings.EqualFold(fileType, "m3u8") {
		return KindHLS
	}
	return KindPlain
}

// State is the lifecycle state of a task
type State int

const (
	StateQueued State = iota
	StateRunning
	StatePaused
	StateCompleted
	StateFailed
	StateCanceled
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no transition leaves s
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCanceled
}

// Record is the persisted form of a task
type Record struct {
	JobID           int64             `json:"jobId"`
	FileName        string            `json:"fileName"`
	URL             string            `json:"url"`
	Path            string            `json:"path"`
	Headers         map[string]string `json:"headers,omitempty"`
	DownloadedBytes int64             `json:"downloadedBytes"`
	TotalBytes      int64             `json:"totalBytes"`
	Paused          bool              `json:"paused"`
	Canceled        bool              `json:"canceled,omitempty"`
	Kind            Kind              `json:"kind"`
}

func (r Record) clone() Record {
	if r.Headers != nil {
		h := make(map[string]string, len(r.Headers))
		for k, v := range r.Headers {
			h[k] = v
		}
		r.Headers = h
	}
	return r
}

// Callbacks report download state to the caller. Any of them may be nil.
// They run while the task is locked and must not call back into the Manager
// synchronously.
type Callbacks struct {
	OnActiveChanged     func(active bool)
	OnAlreadyDownloaded func(done bool)
	OnJobIDAssigned     func(jobID int64)
}

func (c Callbacks) empty() bool {
	return c.OnActiveChanged == nil && c.OnAlreadyDownloaded == nil && c.OnJobIDAssigned == nil
}

func (c Callbacks) activeChanged(v bool) {
	if c.OnActiveChanged != nil {
		c.OnActiveChanged(v)
	}
}

func (c Callbacks) alreadyDownloaded(v bool) {
	if c.OnAlreadyDownloaded != nil {
		c.OnAlreadyDownloaded(v)
	}
}

func (c Callbacks) jobIDAssigned(id int64) {
	if c.OnJobIDAssigned != nil {
		c.OnJobIDAssigned(id)
	}
}

// Request asks for fileName to be downloaded from URL to
// "<dir>/<FileName>.<FileType>"
type Request struct {
	URL       string
	FileName  string
	FileType  string
	Title     string
	Headers   map[string]string
	Callbacks Callbacks
}

// Result of RequestDownload
type Result struct {
	JobID int64
	// AlreadyDownloaded is set when a completed file exists and no task was created
	AlreadyDownloaded bool
	// Existing is set when a live task for the name was reused
	Existing bool
}

// Snapshot is a read-only view of a live task
type Snapshot struct {
	JobID           int64  `json:"jobId"`
	FileName        string `json:"fileName"`
	URL             string `json:"url"`
	Path            string `json:"path"`
	Kind            Kind   `json:"kind"`
	State           string `json:"state"`
	DownloadedBytes int64  `json:"downloadedBytes"`
	TotalBytes      int64  `json:"totalBytes"`
	Percent         int    `json:"percent"`
	Paused          bool   `json:"paused"`
}
