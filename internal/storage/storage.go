// Package storage provides persistence layer with multiple backend support
package storage

import (
	"context"
	"errors"
)

// StorageType represents the type of storage backend
type StorageType string

const (
	StorageTypeMemory StorageType = "memory" // In-memory storage (ephemeral)
	StorageTypeSQLite StorageType = "sqlite" // SQLite file-based storage
	StorageTypeBolt   StorageType = "bolt"   // bbolt file-based storage
)

// StorageConfig represents storage configuration
type StorageConfig struct {
	Type   StorageType   `mapstructure:"type" yaml:"type" json:"type"`
	SQLite *SQLiteConfig `mapstructure:"sqlite" yaml:"sqlite,omitempty" json:"sqlite,omitempty"`
	Bolt   *BoltConfig   `mapstructure:"bolt" yaml:"bolt,omitempty" json:"bolt,omitempty"`
}

// SQLiteConfig contains SQLite-specific configuration
type SQLiteConfig struct {
	Path      string            `mapstructure:"path" yaml:"path" json:"path"`                                // Database file path
	Pragmas   map[string]string `mapstructure:"pragmas" yaml:"pragmas,omitempty" json:"pragmas,omitempty"`   // SQLite pragmas
	EnableWAL bool              `mapstructure:"enable_wal" yaml:"enable_wal" json:"enableWAL"`               // Enable WAL mode
}

// BoltConfig contains bbolt-specific configuration
type BoltConfig struct {
	Path   string `mapstructure:"path" yaml:"path" json:"path"`
	Bucket string `mapstructure:"bucket" yaml:"bucket,omitempty" json:"bucket,omitempty"` // defaults to "downloads"
}

// Store is a flat key-value store. Values are opaque bytes; callers own the
// encoding. Keys returns every key with the given prefix in ascending order.
type Store interface {
	Put(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Cleanup
	Close() error
}

// Manager manages the storage backend
type Manager struct {
	store  Store
	config *StorageConfig
}

// NewManager creates a new storage manager
func NewManager(config *StorageConfig) (*Manager, error) {
	if config == nil {
		return nil, ErrInvalidStorageType
	}

	mgr := &Manager{
		config: config,
	}

	var store Store
	var err error

	switch config.Type {
	case StorageTypeMemory:
		store, err = NewMemoryStore()
	case StorageTypeSQLite:
		if config.SQLite == nil {
			return nil, ErrMissingSQLiteConfig
		}
		store, err = NewSQLiteStore(config.SQLite)
	case StorageTypeBolt:
		if config.Bolt == nil {
			return nil, ErrMissingBoltConfig
		}
		store, err = NewBoltStore(config.Bolt)
	default:
		return nil, ErrInvalidStorageType
	}

	if err != nil {
		return nil, err
	}

	mgr.store = store
	return mgr, nil
}

// GetStore returns the underlying store
func (m *Manager) GetStore() Store {
	return m.store
}

// Type returns the configured backend type
func (m *Manager) Type() StorageType {
	return m.config.Type
}

// Close closes the storage manager
func (m *Manager) Close() error {
	if m.store != nil {
		return m.store.Close()
	}
	return nil
}

// Errors
var (
	ErrInvalidStorageType  = &StorageError{Code: "INVALID_TYPE", Message: "Invalid storage type"}
	ErrMissingSQLiteConfig = &StorageError{Code: "MISSING_CONFIG", Message: "Missing SQLite configuration"}
	ErrMissingBoltConfig   = &StorageError{Code: "MISSING_CONFIG", Message: "Missing bolt configuration"}
	ErrKeyNotFound         = &StorageError{Code: "NOT_FOUND", Message: "Key not found"}
	ErrStoreClosed         = &StorageError{Code: "CLOSED", Message: "Store is closed"}
)

// StorageError represents a storage error
type StorageError struct {
	Code    string
	Message string
	Err     error
}

func (e *StorageError) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Code + ": " + e.Message
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Is matches storage errors by code so wrapped copies compare equal to the
// package sentinels.
func (e *StorageError) Is(target error) bool {
	t, ok := target.(*StorageError)
	if !ok {
		return false
	}
	return e.Code == t.Code && e.Message == t.Message
}

// IsNotFound reports whether err means the key does not exist
func IsNotFound(err error) bool {
	var se *StorageError
	return errors.As(err, &se) && se.Code == "NOT_FOUND"
}
