package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/shepherd-project/mediadl/internal/logger"
)

// Plain downloads a single HTTP resource to a file, resuming from an
// existing partial file when the request carries a "Range: bytes=N-" header.
type Plain struct {
	config Config
	client *http.Client
	nextID atomic.Int64

	mu   sync.Mutex
	jobs map[int64]*job
}

// job is one engine run. Once stopped, emit drops everything.
type job struct {
	id      int64
	cancel  context.CancelFunc
	stopped atomic.Bool
	sink    Sink
}

func (j *job) emit(ev Event) {
	if j.stopped.Load() {
		return
	}
	ev.JobID = j.id
	j.sink(ev)
}

// NewPlain creates a plain HTTP engine
func NewPlain(config Config) *Plain {
	config = config.withDefaults()
	return &Plain{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
		jobs:   make(map[int64]*job),
	}
}

// Start begins a transfer in the background and returns its job id.
// Errors returned here mean nothing was started.
func (p *Plain) Start(req Request, sink Sink) (int64, error) {
	if _, err := validateURL(req.URL); err != nil {
		return 0, err
	}
	if req.Path == "" {
		return 0, ErrEmptyPath
	}
	if sink == nil {
		sink = func(Event) {}
	}

	ctx, cancel := context.WithCancel(context.Background())
	j := &job{
		id:     p.nextID.Add(1),
		cancel: cancel,
		sink:   sink,
	}

	p.mu.Lock()
	p.jobs[j.id] = j
	p.mu.Unlock()

	go p.run(ctx, j, req)
	return j.id, nil
}

// Stop cancels a running job. Unknown ids are ignored. No events are
// delivered for the job after Stop returns.
func (p *Plain) Stop(jobID int64) {
	p.mu.Lock()
	j, ok := p.jobs[jobID]
	delete(p.jobs, jobID)
	p.mu.Unlock()

	if !ok {
		return
	}
	j.stopped.Store(true)
	j.cancel()
}

// Active returns the number of running jobs
func (p *Plain) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.jobs)
}

func (p *Plain) run(ctx context.Context, j *job, req Request) {
	defer func() {
		p.mu.Lock()
		delete(p.jobs, j.id)
		p.mu.Unlock()
		j.cancel()
	}()

	downloaded, total, err := p.transfer(ctx, j, req)
	if err != nil {
		if j.stopped.Load() || errors.Is(err, context.Canceled) {
			return
		}
		logger.WithFields(map[string]interface{}{
			"jobId": j.id,
			"url":   req.URL,
		}).WithError(err).Warn("plain transfer failed")
		j.emit(Event{Type: EventFailed, Downloaded: downloaded, Total: total, Err: err})
		return
	}

	logger.WithFields(map[string]interface{}{
		"jobId": j.id,
		"path":  req.Path,
		"size":  humanize.IBytes(uint64(downloaded)),
	}).Debug("plain transfer finished")
	j.emit(Event{Type: EventDone, Downloaded: downloaded, Total: total})
}

// transfer performs the request and streams the body to disk. It returns
// the absolute byte counts reached.
func (p *Plain) transfer(ctx context.Context, j *job, req Request) (int64, int64, error) {
	headers := make(map[string]string, len(req.Headers))
	for k, v := range req.Headers {
		headers[k] = v
	}

	// A range past the end of the local file can't be honoured; start over
	offset := rangeOffset(headers)
	if offset > 0 {
		info, err := os.Stat(req.Path)
		if err != nil || info.Size() < offset {
			deleteHeader(headers, "Range")
			offset = 0
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return offset, 0, err
	}
	httpReq.Header.Set("User-Agent", p.config.UserAgent)
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return offset, 0, err
	}
	defer resp.Body.Close()

	var total int64
	switch resp.StatusCode {
	case http.StatusPartialContent:
		start, size, ok := parseContentRange(resp.Header.Get("Content-Range"))
		if ok && start != offset {
			return offset, 0, fmt.Errorf("server resumed at byte %d, expected %d", start, offset)
		}
		total = size
		if total <= 0 && resp.ContentLength >= 0 {
			total = offset + resp.ContentLength
		}
	case http.StatusOK:
		// Server ignored the range; the body is the whole file
		offset = 0
		if resp.ContentLength >= 0 {
			total = resp.ContentLength
		}
	case http.StatusRequestedRangeNotSatisfiable:
		// Already have every byte
		_, size, ok := parseContentRange(resp.Header.Get("Content-Range"))
		if offset > 0 && ok && size == offset {
			j.emit(Event{Type: EventBegin, Downloaded: offset, Total: offset, StatusCode: resp.StatusCode})
			return offset, offset, nil
		}
		return offset, 0, statusError(resp.StatusCode)
	default:
		return offset, 0, statusError(resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(req.Path), 0755); err != nil {
		return offset, total, fmt.Errorf("failed to create directory: %w", err)
	}

	file, err := os.OpenFile(req.Path, os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		return offset, total, err
	}
	defer file.Close()

	if err := file.Truncate(offset); err != nil {
		return offset, total, err
	}
	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return offset, total, err
	}

	j.emit(Event{Type: EventBegin, Downloaded: offset, Total: total, StatusCode: resp.StatusCode})

	downloaded := offset
	buf := make([]byte, p.config.ChunkSize)
	lastEmit := time.Now()

	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, err := file.Write(buf[:n]); err != nil {
				return downloaded, total, err
			}
			downloaded += int64(n)
			if total > 0 && downloaded > total {
				total = downloaded
			}

			if time.Since(lastEmit) >= p.config.ProgressInterval {
				j.emit(Event{Type: EventProgress, Downloaded: downloaded, Total: total})
				lastEmit = time.Now()
			}
		}

		if readErr != nil {
			if readErr == io.EOF {
				break
			}
			return downloaded, total, readErr
		}
	}

	if total > 0 && downloaded < total {
		return downloaded, total, fmt.Errorf("connection closed at %d of %d bytes", downloaded, total)
	}
	if total <= 0 {
		total = downloaded
	}

	return downloaded, total, file.Sync()
}

// rangeOffset extracts N from a "Range: bytes=N-" header
func rangeOffset(headers map[string]string) int64 {
	for k, v := range headers {
		if !strings.EqualFold(k, "Range") {
			continue
		}
		v = strings.TrimSpace(v)
		if !strings.HasPrefix(v, "bytes=") || !strings.HasSuffix(v, "-") {
			return 0
		}
		n, err := strconv.ParseInt(strings.TrimSuffix(strings.TrimPrefix(v, "bytes="), "-"), 10, 64)
		if err != nil || n < 0 {
			return 0
		}
		return n
	}
	return 0
}

func deleteHeader(headers map[string]string, name string) {
	for k := range headers {
		if strings.EqualFold(k, name) {
			delete(headers, k)
		}
	}
}

// parseContentRange parses "bytes 100-199/200" and "bytes */200".
// size is -1 when the server sends "*" for the complete length.
func parseContentRange(v string) (start, size int64, ok bool) {
	v = strings.TrimSpace(v)
	if !strings.HasPrefix(v, "bytes ") {
		return 0, 0, false
	}
	v = strings.TrimPrefix(v, "bytes ")

	slash := strings.IndexByte(v, '/')
	if slash < 0 {
		return 0, 0, false
	}
	rng, length := v[:slash], v[slash+1:]

	size = -1
	if length != "*" {
		n, err := strconv.ParseInt(length, 10, 64)
		if err != nil {
			return 0, 0, false
		}
		size = n
	}

	if rng == "*" {
		return 0, size, true
	}
	dash := strings.IndexByte(rng, '-')
	if dash < 0 {
		return 0, 0, false
	}
	start, err := strconv.ParseInt(rng[:dash], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return start, size, true
}
