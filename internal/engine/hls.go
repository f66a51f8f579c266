package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dustin/go-humanize"
	"github.com/grafov/m3u8"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/shepherd-project/mediadl/internal/logger"
)

// HLS downloads an HLS stream: it resolves the playlist (picking the highest
// bandwidth variant of a master playlist), fetches every segment into a
// sibling directory and finally writes a local media playlist at Path.
// Segments already on disk are skipped, so a restarted job resumes.
type HLS struct {
	config Config
	client *http.Client

	mu   sync.Mutex
	jobs map[int64]*job
}

// segment is one resource to fetch into the segment directory
type segment struct {
	index    int
	file     string // name inside the segment directory
	url      string
	duration float64
	offset   int64
	limit    int64 // byte-range length, 0 = whole resource

	// key and mapURI carry EXT-X-KEY and EXT-X-MAP into the local playlist
	key    *m3u8.Key
	mapURI string
}

// layout is a media playlist mapped onto the segment directory. extras are
// the key files and initialization sections the segments reference.
type layout struct {
	segments []segment
	extras   []segment
}

// NewHLS creates an HLS engine
func NewHLS(config Config) *HLS {
	config = config.withDefaults()
	return &HLS{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
		jobs:   make(map[int64]*job),
	}
}

// SegmentDir returns the directory holding the segments of the playlist at path
func SegmentDir(path string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + "_segments"
}

// Start begins fetching in the background. A job already running under the
// same id is cancelled first.
func (h *HLS) Start(params HLSParams) error {
	if _, err := validateURL(params.VideoURL); err != nil {
		return err
	}
	if params.Path == "" {
		return ErrEmptyPath
	}
	sink := params.Sink
	if sink == nil {
		sink = func(Event) {}
	}

	ctx, cancel := context.WithCancel(context.Background())
	j := &job{id: params.JobID, cancel: cancel, sink: sink}

	h.mu.Lock()
	if old, ok := h.jobs[params.JobID]; ok {
		old.stopped.Store(true)
		old.cancel()
	}
	h.jobs[params.JobID] = j
	h.mu.Unlock()

	go h.run(ctx, j, params)
	return nil
}

// Cancel stops a running job. Unknown ids are ignored. No events are
// delivered for the job after Cancel returns.
func (h *HLS) Cancel(jobID int64) {
	h.mu.Lock()
	j, ok := h.jobs[jobID]
	delete(h.jobs, jobID)
	h.mu.Unlock()

	if !ok {
		return
	}
	j.stopped.Store(true)
	j.cancel()
}

// Active returns the number of running jobs
func (h *HLS) Active() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.jobs)
}

func (h *HLS) run(ctx context.Context, j *job, params HLSParams) {
	defer func() {
		h.mu.Lock()
		if h.jobs[j.id] == j {
			delete(h.jobs, j.id)
		}
		h.mu.Unlock()
		j.cancel()
	}()

	log := logger.WithFields(map[string]interface{}{
		"jobId":    j.id,
		"fileName": params.FileName,
		"title":    params.Title,
	})

	downloaded, err := h.transfer(ctx, j, params)
	if err != nil {
		if j.stopped.Load() || errors.Is(err, context.Canceled) {
			return
		}
		log.WithError(err).Warn("hls transfer failed")
		j.emit(Event{Type: EventFailed, Downloaded: downloaded, Total: downloaded, Err: err})
		return
	}

	log.WithField("size", humanize.IBytes(uint64(downloaded))).Debug("hls transfer finished")
	j.emit(Event{Type: EventDone, Downloaded: downloaded, Total: downloaded})
}

func (h *HLS) transfer(ctx context.Context, j *job, params HLSParams) (int64, error) {
	media, base, err := h.resolveMedia(ctx, params)
	if err != nil {
		return 0, err
	}

	dir := SegmentDir(params.Path)
	plan, err := collectSegments(media, base, filepath.Base(dir))
	if err != nil {
		return 0, err
	}
	segments := plan.segments

	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, fmt.Errorf("failed to create segment directory: %w", err)
	}
	for _, extra := range plan.extras {
		if _, err := h.fetchSegmentWithRetry(ctx, extra, filepath.Join(dir, extra.file), params.Headers); err != nil {
			return 0, fmt.Errorf("%s: %w", extra.file, err)
		}
	}

	prog := &hlsProgress{job: j, totalSegments: len(segments), interval: h.config.ProgressInterval}
	j.emit(Event{Type: EventBegin})

	g, gctx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(int64(h.config.Concurrency))

	for _, seg := range segments {
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)

			n, err := h.fetchSegmentWithRetry(gctx, seg, filepath.Join(dir, seg.file), params.Headers)
			if err != nil {
				return fmt.Errorf("segment %d: %w", seg.index, err)
			}
			prog.add(n)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return prog.bytes(), err
	}
	if err := ctx.Err(); err != nil {
		return prog.bytes(), err
	}

	if err := writeLocalPlaylist(params.Path, media, segments); err != nil {
		return prog.bytes(), err
	}
	return prog.bytes(), nil
}

// resolveMedia fetches the playlist at params.VideoURL, following a master
// playlist to its highest bandwidth variant.
func (h *HLS) resolveMedia(ctx context.Context, params HLSParams) (*m3u8.MediaPlaylist, *url.URL, error) {
	base, _ := url.Parse(params.VideoURL)

	playlist, listType, err := h.fetchPlaylist(ctx, base.String(), params.Headers)
	if err != nil {
		return nil, nil, err
	}

	if listType == m3u8.MASTER {
		master := playlist.(*m3u8.MasterPlaylist)
		variant := bestVariant(master)
		if variant == nil {
			return nil, nil, ErrNoVariants
		}
		ref, err := url.Parse(variant.URI)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: variant %q", ErrInvalidURL, variant.URI)
		}
		base = base.ResolveReference(ref)

		playlist, listType, err = h.fetchPlaylist(ctx, base.String(), params.Headers)
		if err != nil {
			return nil, nil, err
		}
		if listType != m3u8.MEDIA {
			return nil, nil, fmt.Errorf("variant %s is not a media playlist", base)
		}
	}

	return playlist.(*m3u8.MediaPlaylist), base, nil
}

func (h *HLS) fetchPlaylist(ctx context.Context, rawURL string, headers map[string]string) (m3u8.Playlist, m3u8.ListType, error) {
	resp, err := h.get(ctx, rawURL, headers, 0, 0)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, 0, statusError(resp.StatusCode)
	}

	playlist, listType, err := m3u8.DecodeFrom(resp.Body, false)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to parse playlist: %w", err)
	}
	return playlist, listType, nil
}

func (h *HLS) get(ctx context.Context, rawURL string, headers map[string]string, offset, limit int64) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", h.config.UserAgent)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if limit > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+limit-1))
	}
	return h.client.Do(req)
}

// fetchSegmentWithRetry downloads one segment, retrying with exponential
// backoff. Segments already on disk are not fetched again. Client errors
// other than 408 and 429 are not retried.
func (h *HLS) fetchSegmentWithRetry(ctx context.Context, seg segment, dest string, headers map[string]string) (int64, error) {
	if info, err := os.Stat(dest); err == nil && info.Size() > 0 {
		return info.Size(), nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(h.config.RetryBackoff),
		backoff.WithMultiplier(2),
		backoff.WithMaxElapsedTime(0),
	), uint64(h.config.RetryCount)), ctx)

	attempt := 0
	return backoff.RetryNotifyWithData(func() (int64, error) {
		attempt++
		n, err := h.fetchSegment(ctx, seg, dest, headers)
		if err == nil {
			return n, nil
		}
		if ctx.Err() != nil {
			return 0, backoff.Permanent(ctx.Err())
		}
		var status *statusCodeError
		if errors.As(err, &status) && !status.retryable() {
			return 0, backoff.Permanent(err)
		}
		return 0, err
	}, policy, func(err error, wait time.Duration) {
		logger.WithFields(map[string]interface{}{
			"segment": seg.file,
			"attempt": attempt,
			"wait":    wait.String(),
		}).WithError(err).Debug("segment fetch failed")
	})
}

// fetchSegment writes the segment to dest via a temporary file so a partly
// written segment never looks complete.
func (h *HLS) fetchSegment(ctx context.Context, seg segment, dest string, headers map[string]string) (int64, error) {
	resp, err := h.get(ctx, seg.url, headers, seg.offset, seg.limit)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return 0, statusError(resp.StatusCode)
	}

	tmp := dest + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return 0, err
	}

	n, err := io.CopyBuffer(f, resp.Body, make([]byte, h.config.ChunkSize))
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmp)
		return 0, err
	}

	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return 0, err
	}
	return n, nil
}

// hlsProgress aggregates segment completions into progress events. Total is
// extrapolated from the average segment size until every segment is in.
type hlsProgress struct {
	job           *job
	totalSegments int
	interval      time.Duration

	mu       sync.Mutex
	done     int
	sum      int64
	lastEmit time.Time
}

func (p *hlsProgress) add(n int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.done++
	p.sum += n

	if p.done < p.totalSegments && time.Since(p.lastEmit) < p.interval {
		return
	}
	p.lastEmit = time.Now()

	total := p.sum * int64(p.totalSegments) / int64(p.done)
	if total < p.sum {
		total = p.sum
	}
	p.job.emit(Event{Type: EventProgress, Downloaded: p.sum, Total: total})
}

func (p *hlsProgress) bytes() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sum
}

// bestVariant picks the variant with the highest advertised bandwidth
func bestVariant(master *m3u8.MasterPlaylist) *m3u8.Variant {
	var best *m3u8.Variant
	for _, v := range master.Variants {
		if v == nil || v.Iframe {
			continue
		}
		if best == nil || v.Bandwidth > best.Bandwidth {
			best = v
		}
	}
	return best
}

// collectSegments resolves segment, key and map URIs against base. rel is the
// segment directory as seen from the local playlist.
func collectSegments(media *m3u8.MediaPlaylist, base *url.URL, rel string) (layout, error) {
	var plan layout
	extras := make(map[string]string) // url@offset:limit -> file

	addExtra := func(uri string, offset, limit int64, name func(int) string) (string, error) {
		ref, err := url.Parse(uri)
		if err != nil {
			return "", fmt.Errorf("%w: %q", ErrInvalidURL, uri)
		}
		abs := base.ResolveReference(ref).String()
		id := fmt.Sprintf("%s@%d:%d", abs, offset, limit)
		if file, ok := extras[id]; ok {
			return file, nil
		}
		file := name(len(plan.extras))
		extras[id] = file
		plan.extras = append(plan.extras, segment{index: len(plan.extras), file: file, url: abs, offset: offset, limit: limit})
		return file, nil
	}

	for _, s := range media.Segments {
		if s == nil {
			continue
		}
		ref, err := url.Parse(s.URI)
		if err != nil {
			return layout{}, fmt.Errorf("%w: segment %q", ErrInvalidURL, s.URI)
		}
		index := len(plan.segments)
		seg := segment{
			index:    index,
			file:     segmentFile(index),
			url:      base.ResolveReference(ref).String(),
			duration: s.Duration,
			offset:   s.Offset,
			limit:    s.Limit,
		}

		if s.Map != nil {
			file, err := addExtra(s.Map.URI, s.Map.Offset, s.Map.Limit, initFile)
			if err != nil {
				return layout{}, err
			}
			seg.mapURI = rel + "/" + file
		}

		if s.Key != nil {
			key := *s.Key
			if key.Method != "NONE" && fetchable(key.URI, base) {
				file, err := addExtra(key.URI, 0, 0, keyFile)
				if err != nil {
					return layout{}, err
				}
				key.URI = rel + "/" + file
			}
			seg.key = &key
		}

		plan.segments = append(plan.segments, seg)
	}
	if len(plan.segments) == 0 {
		return layout{}, ErrNoSegments
	}
	return plan, nil
}

// fetchable reports whether uri resolves to an http(s) resource. Key URIs
// such as skd:// are left for the player.
func fetchable(uri string, base *url.URL) bool {
	ref, err := url.Parse(uri)
	if err != nil || uri == "" {
		return false
	}
	scheme := base.ResolveReference(ref).Scheme
	return scheme == "http" || scheme == "https"
}

func segmentFile(index int) string {
	return fmt.Sprintf("seg_%05d.ts", index)
}

func keyFile(index int) string {
	return fmt.Sprintf("key_%02d.key", index)
}

func initFile(index int) string {
	return fmt.Sprintf("init_%02d.mp4", index)
}

func segmentPath(dir string, index int) string {
	return filepath.Join(dir, segmentFile(index))
}

// writeLocalPlaylist writes a VOD playlist at path whose segment, key and
// map URIs point into the segment directory, relative to path.
func writeLocalPlaylist(path string, source *m3u8.MediaPlaylist, segments []segment) error {
	local, err := m3u8.NewMediaPlaylist(0, uint(len(segments)))
	if err != nil {
		return err
	}
	local.TargetDuration = source.TargetDuration

	rel := filepath.Base(SegmentDir(path))
	for _, seg := range segments {
		if err := local.Append(rel+"/"+seg.file, seg.duration, ""); err != nil {
			return fmt.Errorf("failed to build playlist: %w", err)
		}
		if k := seg.key; k != nil {
			if err := local.SetKey(k.Method, k.URI, k.IV, k.Keyformat, k.Keyformatversions); err != nil {
				return fmt.Errorf("failed to build playlist: %w", err)
			}
		}
		if seg.mapURI != "" {
			if err := local.SetMap(seg.mapURI, 0, 0); err != nil {
				return fmt.Errorf("failed to build playlist: %w", err)
			}
		}
	}
	local.Close()

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, local.Encode().Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write playlist: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write playlist: %w", err)
	}
	return nil
}
