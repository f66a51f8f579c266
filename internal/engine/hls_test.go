package engine

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grafov/m3u8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const masterPlaylist = `#EXTM3U
#EXT-X-STREAM-INF:BANDWIDTH=800000,RESOLUTION=640x360
low/index.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=2400000,RESOLUTION=1280x720
high/index.m3u8
`

func mediaPlaylist(n int) string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:6\n#EXT-X-MEDIA-SEQUENCE:0\n")
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "#EXTINF:6.000,\nseg%d.ts\n", i)
	}
	b.WriteString("#EXT-X-ENDLIST\n")
	return b.String()
}

// hlsServer serves a master playlist, two variants and n segments of size
// bytes under the high variant.
type hlsServer struct {
	*httptest.Server
	segments   int
	size       int
	hits       sync.Map // path -> *int32
	failFirst  map[string]int32
	lowFetched atomic.Bool
	referer    atomic.Value
}

func newHLSServer(t *testing.T, segments, size int) *hlsServer {
	h := &hlsServer{segments: segments, size: size, failFirst: map[string]int32{}}
	h.Server = httptest.NewServer(http.HandlerFunc(h.serve))
	t.Cleanup(h.Close)
	return h
}

func (h *hlsServer) count(path string) int32 {
	v, _ := h.hits.LoadOrStore(path, new(int32))
	return atomic.LoadInt32(v.(*int32))
}

func (h *hlsServer) serve(w http.ResponseWriter, r *http.Request) {
	v, _ := h.hits.LoadOrStore(r.URL.Path, new(int32))
	n := atomic.AddInt32(v.(*int32), 1)
	if ref := r.Header.Get("Referer"); ref != "" {
		h.referer.Store(ref)
	}

	if fails, ok := h.failFirst[r.URL.Path]; ok && n <= fails {
		http.Error(w, "flaky", http.StatusServiceUnavailable)
		return
	}

	switch {
	case r.URL.Path == "/master.m3u8":
		fmt.Fprint(w, masterPlaylist)
	case r.URL.Path == "/high/index.m3u8":
		fmt.Fprint(w, mediaPlaylist(h.segments))
	case r.URL.Path == "/low/index.m3u8":
		h.lowFetched.Store(true)
		fmt.Fprint(w, mediaPlaylist(1))
	case strings.HasPrefix(r.URL.Path, "/high/seg"):
		w.Write(make([]byte, h.size))
	default:
		http.NotFound(w, r)
	}
}

func TestHLSMasterPlaylistDownload(t *testing.T) {
	srv := newHLSServer(t, 5, 1000)
	dest := filepath.Join(t.TempDir(), "movieA.m3u8")

	rec := newRecorder()
	h := NewHLS(testConfig())
	err := h.Start(HLSParams{
		JobID:    1000,
		VideoURL: srv.URL + "/master.m3u8",
		Path:     dest,
		FileName: "movieA",
		Title:    "Movie A",
		Headers:  map[string]string{"Referer": "https://example.com"},
		Sink:     rec.sink,
	})
	require.NoError(t, err)

	ev := rec.wait(t)
	require.Equal(t, EventDone, ev.Type, "err: %v", ev.Err)
	assert.Equal(t, int64(1000), ev.JobID)
	assert.Equal(t, int64(5000), ev.Downloaded)
	assert.Equal(t, int64(5000), ev.Total)

	assert.False(t, srv.lowFetched.Load(), "highest bandwidth variant must be chosen")
	assert.Equal(t, "https://example.com", srv.referer.Load())

	// local playlist points at the fetched segments
	f, err := os.Open(dest)
	require.NoError(t, err)
	defer f.Close()
	pl, listType, err := m3u8.DecodeFrom(f, true)
	require.NoError(t, err)
	require.Equal(t, m3u8.MEDIA, listType)
	media := pl.(*m3u8.MediaPlaylist)
	assert.Equal(t, uint(5), media.Count())
	assert.True(t, media.Closed)
	assert.Equal(t, "movieA_segments/seg_00000.ts", media.Segments[0].URI)

	for i := 0; i < 5; i++ {
		info, err := os.Stat(segmentPath(SegmentDir(dest), i))
		require.NoError(t, err)
		assert.Equal(t, int64(1000), info.Size())
	}

	// progress never goes backwards and total never under-reports
	var last int64
	for _, e := range rec.snapshot() {
		assert.GreaterOrEqual(t, e.Downloaded, last)
		if e.Total > 0 {
			assert.GreaterOrEqual(t, e.Total, e.Downloaded)
		}
		last = e.Downloaded
	}
}

func TestHLSMediaPlaylistDirect(t *testing.T) {
	srv := newHLSServer(t, 3, 10)
	dest := filepath.Join(t.TempDir(), "clip.m3u8")

	rec := newRecorder()
	h := NewHLS(testConfig())
	require.NoError(t, h.Start(HLSParams{JobID: 7, VideoURL: srv.URL + "/high/index.m3u8", Path: dest, Sink: rec.sink}))

	ev := rec.wait(t)
	require.Equal(t, EventDone, ev.Type)
	assert.Equal(t, int64(30), ev.Downloaded)
	assert.Eventually(t, func() bool { return h.Active() == 0 }, time.Second, 10*time.Millisecond)
}

func TestHLSSkipsFetchedSegments(t *testing.T) {
	srv := newHLSServer(t, 4, 100)
	dest := filepath.Join(t.TempDir(), "movieB.m3u8")

	dir := SegmentDir(dest)
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(segmentPath(dir, 0), make([]byte, 100), 0644))
	require.NoError(t, os.WriteFile(segmentPath(dir, 1), make([]byte, 100), 0644))

	rec := newRecorder()
	h := NewHLS(testConfig())
	require.NoError(t, h.Start(HLSParams{JobID: 1, VideoURL: srv.URL + "/high/index.m3u8", Path: dest, Sink: rec.sink}))

	ev := rec.wait(t)
	require.Equal(t, EventDone, ev.Type)
	assert.Equal(t, int64(400), ev.Downloaded)
	assert.Equal(t, int32(0), srv.count("/high/seg0.ts"))
	assert.Equal(t, int32(0), srv.count("/high/seg1.ts"))
	assert.Equal(t, int32(1), srv.count("/high/seg2.ts"))
	assert.Equal(t, int32(1), srv.count("/high/seg3.ts"))
}

func TestHLSRetriesFlakySegment(t *testing.T) {
	srv := newHLSServer(t, 2, 50)
	srv.failFirst["/high/seg1.ts"] = 2

	rec := newRecorder()
	cfg := testConfig()
	cfg.RetryCount = 3
	h := NewHLS(cfg)
	require.NoError(t, h.Start(HLSParams{JobID: 1, VideoURL: srv.URL + "/high/index.m3u8", Path: filepath.Join(t.TempDir(), "x.m3u8"), Sink: rec.sink}))

	ev := rec.wait(t)
	require.Equal(t, EventDone, ev.Type)
	assert.Equal(t, int32(3), srv.count("/high/seg1.ts"))
}

func TestHLSFailsAfterRetries(t *testing.T) {
	srv := newHLSServer(t, 2, 50)
	srv.failFirst["/high/seg0.ts"] = 100

	rec := newRecorder()
	cfg := testConfig()
	cfg.RetryCount = 1
	h := NewHLS(cfg)
	dest := filepath.Join(t.TempDir(), "x.m3u8")
	require.NoError(t, h.Start(HLSParams{JobID: 1, VideoURL: srv.URL + "/high/index.m3u8", Path: dest, Sink: rec.sink}))

	ev := rec.wait(t)
	require.Equal(t, EventFailed, ev.Type)
	assert.ErrorIs(t, ev.Err, ErrBadStatus)
	assert.Equal(t, int32(2), srv.count("/high/seg0.ts"))

	_, err := os.Stat(dest)
	assert.True(t, os.IsNotExist(err), "playlist is only written on success")
}

func TestHLSPlaylistNotFound(t *testing.T) {
	srv := newHLSServer(t, 1, 1)

	rec := newRecorder()
	h := NewHLS(testConfig())
	require.NoError(t, h.Start(HLSParams{JobID: 3, VideoURL: srv.URL + "/missing.m3u8", Path: filepath.Join(t.TempDir(), "x.m3u8"), Sink: rec.sink}))

	ev := rec.wait(t)
	require.Equal(t, EventFailed, ev.Type)
	assert.Equal(t, int64(3), ev.JobID)
}

func TestHLSCancel(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/index.m3u8" {
			fmt.Fprint(w, mediaPlaylist(3))
			return
		}
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	rec := newRecorder()
	h := NewHLS(testConfig())
	require.NoError(t, h.Start(HLSParams{JobID: 1001, VideoURL: srv.URL + "/index.m3u8", Path: filepath.Join(t.TempDir(), "x.m3u8"), Sink: rec.sink}))

	require.Eventually(t, func() bool { return len(rec.snapshot()) > 0 }, 2*time.Second, 5*time.Millisecond)
	h.Cancel(1001)
	count := len(rec.snapshot())

	assert.Eventually(t, func() bool { return h.Active() == 0 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, rec.snapshot(), count)

	h.Cancel(1001)
	h.Cancel(424242)
}

func TestHLSStartValidation(t *testing.T) {
	h := NewHLS(testConfig())
	assert.ErrorIs(t, h.Start(HLSParams{VideoURL: "file:///etc/passwd", Path: "/tmp/x.m3u8"}), ErrInvalidURL)
	assert.ErrorIs(t, h.Start(HLSParams{VideoURL: "https://cdn.example.com/x.m3u8"}), ErrEmptyPath)
}

func TestSegmentDir(t *testing.T) {
	assert.Equal(t, "/data/movieA_segments", SegmentDir("/data/movieA.m3u8"))
	assert.Equal(t, "/data/noext_segments", SegmentDir("/data/noext"))
}

func TestBestVariant(t *testing.T) {
	master := m3u8.NewMasterPlaylist()
	master.Append("a.m3u8", nil, m3u8.VariantParams{Bandwidth: 100})
	master.Append("b.m3u8", nil, m3u8.VariantParams{Bandwidth: 300})
	master.Append("c.m3u8", nil, m3u8.VariantParams{Bandwidth: 200})

	best := bestVariant(master)
	require.NotNil(t, best)
	assert.Equal(t, "b.m3u8", best.URI)

	assert.Nil(t, bestVariant(m3u8.NewMasterPlaylist()))
}

func TestHLSClientErrorIsNotRetried(t *testing.T) {
	srv := newHLSServer(t, 2, 50)

	rec := newRecorder()
	cfg := testConfig()
	cfg.RetryCount = 3
	h := NewHLS(cfg)
	playlist := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "#EXTM3U\n#EXT-X-TARGETDURATION:6\n#EXTINF:6.0,\n%s/missing/seg9.ts\n#EXT-X-ENDLIST\n", srv.URL)
	}))
	defer playlist.Close()

	require.NoError(t, h.Start(HLSParams{JobID: 1, VideoURL: playlist.URL + "/index.m3u8", Path: filepath.Join(t.TempDir(), "x.m3u8"), Sink: rec.sink}))

	ev := rec.wait(t)
	require.Equal(t, EventFailed, ev.Type)
	assert.ErrorIs(t, ev.Err, ErrBadStatus)
	assert.Equal(t, int32(1), srv.count("/missing/seg9.ts"))
}

func TestHLSKeepsKeyAndMap(t *testing.T) {
	var keyHits, initHits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/index.m3u8":
			fmt.Fprint(w, "#EXTM3U\n#EXT-X-VERSION:7\n#EXT-X-TARGETDURATION:4\n"+
				"#EXT-X-MAP:URI=\"init.mp4\"\n"+
				"#EXT-X-KEY:METHOD=AES-128,URI=\"keys/k1\",IV=0x0102\n"+
				"#EXTINF:4.0,\na.m4s\n#EXTINF:4.0,\nb.m4s\n"+
				"#EXT-X-KEY:METHOD=AES-128,URI=\"keys/k1\",IV=0x0304\n"+
				"#EXTINF:4.0,\nc.m4s\n"+
				"#EXT-X-KEY:METHOD=SAMPLE-AES,URI=\"skd://asset\"\n"+
				"#EXTINF:4.0,\nd.m4s\n#EXT-X-ENDLIST\n")
		case "/init.mp4":
			initHits.Add(1)
			w.Write([]byte("init"))
		case "/keys/k1":
			keyHits.Add(1)
			w.Write(make([]byte, 16))
		default:
			w.Write(make([]byte, 20))
		}
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "movieA.m3u8")
	rec := newRecorder()
	h := NewHLS(testConfig())
	require.NoError(t, h.Start(HLSParams{JobID: 1, VideoURL: srv.URL + "/index.m3u8", Path: dest, Sink: rec.sink}))

	ev := rec.wait(t)
	require.Equal(t, EventDone, ev.Type, "err: %v", ev.Err)
	assert.Equal(t, int64(80), ev.Downloaded)
	assert.Equal(t, int32(1), keyHits.Load(), "one key file per distinct key uri")
	assert.Equal(t, int32(1), initHits.Load())

	dir := SegmentDir(dest)
	data, err := os.ReadFile(filepath.Join(dir, "init_00.mp4"))
	require.NoError(t, err)
	assert.Equal(t, "init", string(data))
	_, err = os.Stat(filepath.Join(dir, "key_01.key"))
	require.NoError(t, err)

	f, err := os.Open(dest)
	require.NoError(t, err)
	defer f.Close()
	pl, _, err := m3u8.DecodeFrom(f, true)
	require.NoError(t, err)
	media := pl.(*m3u8.MediaPlaylist)
	require.Equal(t, uint(4), media.Count())

	require.NotNil(t, media.Segments[0].Map)
	assert.Equal(t, "movieA_segments/init_00.mp4", media.Segments[0].Map.URI)

	require.NotNil(t, media.Segments[0].Key)
	assert.Equal(t, "AES-128", media.Segments[0].Key.Method)
	assert.Equal(t, "movieA_segments/key_01.key", media.Segments[0].Key.URI)
	assert.Equal(t, "0x0102", media.Segments[0].Key.IV)

	require.NotNil(t, media.Segments[2].Key)
	assert.Equal(t, "movieA_segments/key_01.key", media.Segments[2].Key.URI)
	assert.Equal(t, "0x0304", media.Segments[2].Key.IV)

	require.NotNil(t, media.Segments[3].Key)
	assert.Equal(t, "skd://asset", media.Segments[3].Key.URI)
}

func TestStatusCodeErrorRetryable(t *testing.T) {
	tests := []struct {
		code int
		want bool
	}{
		{http.StatusNotFound, false},
		{http.StatusForbidden, false},
		{http.StatusRequestTimeout, true},
		{http.StatusTooManyRequests, true},
		{http.StatusServiceUnavailable, true},
		{http.StatusInternalServerError, true},
	}
	for _, tt := range tests {
		var status *statusCodeError
		require.ErrorAs(t, statusError(tt.code), &status)
		assert.Equal(t, tt.want, status.retryable(), "status %d", tt.code)
		assert.ErrorIs(t, status, ErrBadStatus)
	}
}
