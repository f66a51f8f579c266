package download

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shepherd-project/mediadl/internal/engine"
	"github.com/shepherd-project/mediadl/internal/fsutil"
	"github.com/shepherd-project/mediadl/internal/storage"
)

func newEngineManager(t *testing.T) (*Manager, *fakeGateway, storage.Store, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewBoltStore(&storage.BoltConfig{Path: filepath.Join(t.TempDir(), "dl.bolt")})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := engine.DefaultConfig()
	cfg.ChunkSize = 1024
	cfg.ProgressInterval = 0
	cfg.RetryBackoff = time.Millisecond

	gw := newFakeGateway()
	m, err := NewManager(Config{Directory: dir}, Dependencies{
		Plain:      engine.NewPlain(cfg),
		HLS:        engine.NewHLS(cfg),
		Store:      store,
		Gateway:    gw,
		Alerter:    &fakeAlerter{},
		Permission: fsutil.NewDirPermission(dir, 0),
		Files:      fsutil.NewDirChecker(dir),
	})
	require.NoError(t, err)
	return m, gw, store, dir
}

func TestPlainDownloadEndToEnd(t *testing.T) {
	payload := bytes.Repeat([]byte("mediadl"), 3000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "a.mp4", time.Time{}, bytes.NewReader(payload))
	}))
	defer srv.Close()

	m, gw, store, dir := newEngineManager(t)
	cb := &callbackLog{}
	ctx := context.Background()

	res, err := m.RequestDownload(ctx, Request{URL: srv.URL + "/a.mp4", FileName: "movieA", FileType: "mp4", Callbacks: cb.callbacks()})
	require.NoError(t, err)
	assert.NotZero(t, res.JobID)

	require.Eventually(t, func() bool { return len(m.List()) == 0 }, 5*time.Second, 10*time.Millisecond)

	got, err := os.ReadFile(filepath.Join(dir, "movieA.mp4"))
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	_, err = store.Get(ctx, RecordKey("movieA"))
	assert.True(t, storage.IsNotFound(err))
	assert.Equal(t, "complete_movieA", gw.lastDisplayed().ID)

	cb.mu.Lock()
	assert.Equal(t, []bool{true}, cb.done)
	assert.Equal(t, []int64{0, res.JobID}, cb.ids)
	cb.mu.Unlock()

	// a second request finds the completed file
	again, err := m.RequestDownload(ctx, Request{URL: srv.URL + "/a.mp4", FileName: "movieA", FileType: "mp4"})
	require.NoError(t, err)
	assert.True(t, again.AlreadyDownloaded)
}

func TestHLSDownloadEndToEnd(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/index.m3u8":
			var b strings.Builder
			b.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:4\n")
			for i := 0; i < 3; i++ {
				fmt.Fprintf(&b, "#EXTINF:4.0,\nseg%d.ts\n", i)
			}
			b.WriteString("#EXT-X-ENDLIST\n")
			fmt.Fprint(w, b.String())
		case strings.HasPrefix(r.URL.Path, "/seg"):
			w.Write(make([]byte, 512))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	m, gw, _, dir := newEngineManager(t)
	res, err := m.RequestDownload(context.Background(), Request{URL: srv.URL + "/index.m3u8", FileName: "show", FileType: "m3u8"})
	require.NoError(t, err)
	assert.Equal(t, FirstHLSJobID, res.JobID)

	require.Eventually(t, func() bool { return len(m.List()) == 0 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "complete_show", gw.lastDisplayed().ID)

	_, err = os.Stat(filepath.Join(dir, "show.m3u8"))
	assert.NoError(t, err)
}

func TestPlainDownloadFailureEndToEnd(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	m, gw, store, _ := newEngineManager(t)
	_, err := m.RequestDownload(context.Background(), Request{URL: srv.URL + "/missing.mp4", FileName: "movieA", FileType: "mp4"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(m.List()) == 0 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "failed_movieA", gw.lastDisplayed().ID)

	data, err := store.Get(context.Background(), RecordKey("movieA"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"canceled":true`)
}

func TestPlainStartFailureEndToEnd(t *testing.T) {
	m, gw, store, _ := newEngineManager(t)
	_, err := m.RequestDownload(context.Background(), Request{URL: "ftp://x/a.mp4", FileName: "movieA", FileType: "mp4"})
	require.ErrorIs(t, err, ErrEngineStart)

	assert.Empty(t, m.List())
	assert.Equal(t, "failed_movieA", gw.lastDisplayed().ID)

	data, err := store.Get(context.Background(), RecordKey("movieA"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"canceled":true`)
}
