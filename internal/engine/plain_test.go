package engine

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder collects events delivered to a Sink
type recorder struct {
	mu     sync.Mutex
	events []Event
	final  chan Event
}

func newRecorder() *recorder {
	return &recorder{final: make(chan Event, 1)}
}

func (r *recorder) sink(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	if ev.Type == EventDone || ev.Type == EventFailed {
		r.final <- ev
	}
}

func (r *recorder) wait(t *testing.T) Event {
	t.Helper()
	select {
	case ev := <-r.final:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for terminal event")
		return Event{}
	}
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func testPayload(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func testConfig() Config {
	return Config{ChunkSize: 1024, ProgressInterval: 0, RetryBackoff: time.Millisecond}
}

func TestPlainFullDownload(t *testing.T) {
	data := testPayload(10_000)
	gotUA := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA <- r.Header.Get("User-Agent")
		http.ServeContent(w, r, "file.mp4", time.Time{}, bytes.NewReader(data))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "sub", "movie.mp4")
	rec := newRecorder()
	p := NewPlain(testConfig())

	id, err := p.Start(Request{URL: srv.URL, Path: dest, Headers: map[string]string{"X-Token": "t"}}, rec.sink)
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)

	ev := rec.wait(t)
	require.Equal(t, EventDone, ev.Type)
	assert.Equal(t, id, ev.JobID)
	assert.Equal(t, int64(len(data)), ev.Downloaded)
	assert.Equal(t, int64(len(data)), ev.Total)
	assert.Equal(t, "mediadl/1.0", <-gotUA)

	events := rec.snapshot()
	require.NotEmpty(t, events)
	assert.Equal(t, EventBegin, events[0].Type)
	assert.Equal(t, http.StatusOK, events[0].StatusCode)
	assert.Equal(t, int64(len(data)), events[0].Total)

	// progress is monotonic
	var last int64
	for _, e := range events {
		assert.GreaterOrEqual(t, e.Downloaded, last)
		last = e.Downloaded
	}

	content, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, data, content)
}

func TestPlainResumeWithRange(t *testing.T) {
	data := testPayload(4096)
	gotRange := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRange <- r.Header.Get("Range")
		http.ServeContent(w, r, "file.mp4", time.Time{}, bytes.NewReader(data))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "movie.mp4")
	require.NoError(t, os.WriteFile(dest, data[:1000], 0644))

	rec := newRecorder()
	p := NewPlain(testConfig())
	_, err := p.Start(Request{URL: srv.URL, Path: dest, Headers: map[string]string{"Range": "bytes=1000-"}}, rec.sink)
	require.NoError(t, err)

	ev := rec.wait(t)
	require.Equal(t, EventDone, ev.Type)
	assert.Equal(t, "bytes=1000-", <-gotRange)
	assert.Equal(t, int64(len(data)), ev.Downloaded)

	begin := rec.snapshot()[0]
	assert.Equal(t, EventBegin, begin.Type)
	assert.Equal(t, http.StatusPartialContent, begin.StatusCode)
	assert.Equal(t, int64(1000), begin.Downloaded)
	assert.Equal(t, int64(len(data)), begin.Total)

	content, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, data, content)
}

func TestPlainServerIgnoresRange(t *testing.T) {
	data := testPayload(3000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write(data)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "movie.mp4")
	require.NoError(t, os.WriteFile(dest, bytes.Repeat([]byte{0xff}, 2000), 0644))

	rec := newRecorder()
	p := NewPlain(testConfig())
	_, err := p.Start(Request{URL: srv.URL, Path: dest, Headers: map[string]string{"Range": "bytes=2000-"}}, rec.sink)
	require.NoError(t, err)

	ev := rec.wait(t)
	require.Equal(t, EventDone, ev.Type)

	content, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, data, content, "a 200 response must replace the partial file")
}

func TestPlainRangeBeyondLocalFile(t *testing.T) {
	data := testPayload(2048)
	gotRange := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRange <- r.Header.Get("Range")
		http.ServeContent(w, r, "file.mp4", time.Time{}, bytes.NewReader(data))
	}))
	defer srv.Close()

	// partial file vanished
	dest := filepath.Join(t.TempDir(), "movie.mp4")
	rec := newRecorder()
	p := NewPlain(testConfig())
	_, err := p.Start(Request{URL: srv.URL, Path: dest, Headers: map[string]string{"range": "bytes=500-"}}, rec.sink)
	require.NoError(t, err)

	ev := rec.wait(t)
	require.Equal(t, EventDone, ev.Type)
	assert.Empty(t, <-gotRange)

	content, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, data, content)
}

func TestPlainAlreadyComplete(t *testing.T) {
	data := testPayload(1500)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "file.mp4", time.Time{}, bytes.NewReader(data))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "movie.mp4")
	require.NoError(t, os.WriteFile(dest, data, 0644))

	rec := newRecorder()
	p := NewPlain(testConfig())
	_, err := p.Start(Request{URL: srv.URL, Path: dest, Headers: map[string]string{"Range": "bytes=1500-"}}, rec.sink)
	require.NoError(t, err)

	ev := rec.wait(t)
	require.Equal(t, EventDone, ev.Type)
	assert.Equal(t, int64(1500), ev.Downloaded)
	assert.Equal(t, int64(1500), ev.Total)
}

func TestPlainHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	rec := newRecorder()
	p := NewPlain(testConfig())
	_, err := p.Start(Request{URL: srv.URL, Path: filepath.Join(t.TempDir(), "x.mp4")}, rec.sink)
	require.NoError(t, err)

	ev := rec.wait(t)
	require.Equal(t, EventFailed, ev.Type)
	assert.True(t, errors.Is(ev.Err, ErrBadStatus))
	assert.Contains(t, ev.Err.Error(), "404")
}

func TestPlainStopSuppressesEvents(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100000")
		w.WriteHeader(http.StatusOK)
		w.Write(make([]byte, 1000))
		w.(http.Flusher).Flush()
		close(started)
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	rec := newRecorder()
	p := NewPlain(testConfig())
	id, err := p.Start(Request{URL: srv.URL, Path: filepath.Join(t.TempDir(), "x.mp4")}, rec.sink)
	require.NoError(t, err)

	<-started
	// wait until the engine has consumed everything sent so far and blocks
	require.Eventually(t, func() bool {
		for _, e := range rec.snapshot() {
			if e.Downloaded == 1000 {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	p.Stop(id)
	count := len(rec.snapshot())

	assert.Eventually(t, func() bool { return p.Active() == 0 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, rec.snapshot(), count, "no events after Stop")
	select {
	case ev := <-rec.final:
		t.Fatalf("unexpected terminal event %v", ev.Type)
	default:
	}

	// stopping twice or an unknown id is harmless
	p.Stop(id)
	p.Stop(12345)
}

func TestPlainStartValidation(t *testing.T) {
	p := NewPlain(testConfig())

	_, err := p.Start(Request{URL: "ftp://example.com/a", Path: "/tmp/a"}, nil)
	assert.ErrorIs(t, err, ErrInvalidURL)

	_, err = p.Start(Request{URL: "not a url", Path: "/tmp/a"}, nil)
	assert.ErrorIs(t, err, ErrInvalidURL)

	_, err = p.Start(Request{URL: "http://example.com/a"}, nil)
	assert.ErrorIs(t, err, ErrEmptyPath)
}

func TestRangeOffset(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		want    int64
	}{
		{"none", nil, 0},
		{"open range", map[string]string{"Range": "bytes=50-"}, 50},
		{"lower case key", map[string]string{"range": "bytes=7-"}, 7},
		{"closed range ignored", map[string]string{"Range": "bytes=0-10"}, 0},
		{"garbage", map[string]string{"Range": "bytes=x-"}, 0},
		{"other headers", map[string]string{"Referer": "http://a"}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, rangeOffset(tt.headers))
		})
	}
}

func TestParseContentRange(t *testing.T) {
	tests := []struct {
		in    string
		start int64
		size  int64
		ok    bool
	}{
		{"bytes 100-199/200", 100, 200, true},
		{"bytes 0-9/*", 0, -1, true},
		{"bytes */1500", 0, 1500, true},
		{"items 0-1/2", 0, 0, false},
		{"bytes 5/10", 0, 0, false},
		{"", 0, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			start, size, ok := parseContentRange(tt.in)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.start, start)
				assert.Equal(t, tt.size, size)
			}
		})
	}
}

func TestEventTypeString(t *testing.T) {
	assert.Equal(t, "begin", EventBegin.String())
	assert.Equal(t, "progress", EventProgress.String())
	assert.Equal(t, "done", EventDone.String())
	assert.Equal(t, "failed", EventFailed.String())
	assert.Equal(t, "unknown", EventType(42).String())
}
