package download

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shepherd-project/mediadl/internal/storage"
)

func TestRecordJSONFields(t *testing.T) {
	store, err := storage.NewMemoryStore()
	require.NoError(t, err)
	rs := recordStore{store: store}
	ctx := context.Background()

	require.NoError(t, rs.save(ctx, Record{
		JobID:           7,
		FileName:        "movieA",
		URL:             "http://x/a.mp4",
		Path:            "/dl/movieA.mp4",
		Headers:         map[string]string{"Referer": "http://x/"},
		DownloadedBytes: 50,
		TotalBytes:      200,
		Kind:            KindPlain,
	}))

	data, err := store.Get(ctx, "download_movieA")
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"jobId": 7,
		"fileName": "movieA",
		"url": "http://x/a.mp4",
		"path": "/dl/movieA.mp4",
		"headers": {"Referer": "http://x/"},
		"downloadedBytes": 50,
		"totalBytes": 200,
		"paused": false,
		"kind": "plain"
	}`, string(data))
}

func TestRecordStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	mem, err := storage.NewMemoryStore()
	require.NoError(t, err)
	lite, err := storage.NewSQLiteStore(&storage.SQLiteConfig{Path: filepath.Join(dir, "dl.db")})
	require.NoError(t, err)
	bolt, err := storage.NewBoltStore(&storage.BoltConfig{Path: filepath.Join(dir, "dl.bolt")})
	require.NoError(t, err)

	stores := map[string]storage.Store{"memory": mem, "sqlite": lite, "bolt": bolt}
	t.Cleanup(func() {
		for _, s := range stores {
			s.Close()
		}
	})

	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rs := recordStore{store: store}

			got, err := rs.load(ctx, "missing")
			require.NoError(t, err)
			assert.Nil(t, got)

			want := Record{JobID: 1000, FileName: "show_1", URL: "http://x/s.m3u8", Path: "/dl/show_1.m3u8", Paused: true, Kind: KindHLS}
			require.NoError(t, rs.save(ctx, want))
			require.NoError(t, rs.save(ctx, Record{FileName: "movieA", Kind: KindPlain, Canceled: true}))

			got, err = rs.load(ctx, "show_1")
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, want, *got)

			list, err := rs.list(ctx)
			require.NoError(t, err)
			assert.Len(t, list, 2)

			require.NoError(t, rs.remove(ctx, "show_1"))
			require.NoError(t, rs.remove(ctx, "show_1"))
			got, err = rs.load(ctx, "show_1")
			require.NoError(t, err)
			assert.Nil(t, got)
		})
	}
}

func TestRecordStoreSkipsCorruptEntries(t *testing.T) {
	store, err := storage.NewMemoryStore()
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "download_bad", []byte("{not json")))
	require.NoError(t, store.Put(ctx, "download_old", []byte(`{"jobId":3,"downloadedBytes":5,"totalBytes":9,"paused":false}`)))
	require.NoError(t, store.Put(ctx, "settings", []byte(`{}`)))

	list, err := recordStore{store: store}.list(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "old", list[0].FileName)
	assert.Equal(t, KindPlain, list[0].Kind)
	assert.Equal(t, int64(5), list[0].DownloadedBytes)
}

func TestRecordClone(t *testing.T) {
	rec := Record{Headers: map[string]string{"A": "1"}}
	c := rec.clone()
	c.Headers["A"] = "2"
	assert.Equal(t, "1", rec.Headers["A"])
	assert.Nil(t, Record{}.clone().Headers)
}
