package download

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shepherd-project/mediadl/internal/logger"
	"github.com/shepherd-project/mediadl/internal/storage"
)

// KeyPrefix prefixes every persisted record key
const KeyPrefix = "download_"

// RecordKey returns the store key of fileName
func RecordKey(fileName string) string {
	return KeyPrefix + fileName
}

// recordStore encodes task records as JSON in a key-value store
type recordStore struct {
	store storage.Store
}

func (s recordStore) save(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", rec.FileName, err)
	}
	if err := s.store.Put(ctx, RecordKey(rec.FileName), data); err != nil {
		return fmt.Errorf("save record %s: %w", rec.FileName, err)
	}
	return nil
}

// load returns nil without error when no record exists
func (s recordStore) load(ctx context.Context, fileName string) (*Record, error) {
	data, err := s.store.Get(ctx, RecordKey(fileName))
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("load record %s: %w", fileName, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", fileName, err)
	}
	if rec.FileName == "" {
		rec.FileName = fileName
	}
	if rec.Kind == "" {
		rec.Kind = KindPlain
	}
	return &rec, nil
}

func (s recordStore) remove(ctx context.Context, fileName string) error {
	if err := s.store.Delete(ctx, RecordKey(fileName)); err != nil && !storage.IsNotFound(err) {
		return fmt.Errorf("remove record %s: %w", fileName, err)
	}
	return nil
}

// list returns every decodable record. Corrupt entries are logged and skipped.
func (s recordStore) list(ctx context.Context) ([]Record, error) {
	keys, err := s.store.Keys(ctx, KeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}

	records := make([]Record, 0, len(keys))
	for _, key := range keys {
		rec, err := s.load(ctx, strings.TrimPrefix(key, KeyPrefix))
		if err != nil {
			logger.WithError(err).WithField("key", key).Warn("Skipping unreadable download record")
			continue
		}
		if rec != nil {
			records = append(records, *rec)
		}
	}
	return records, nil
}
