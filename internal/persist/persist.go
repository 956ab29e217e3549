// Package persist stores named collections (rule set, traffic log, anomaly
// log) durably so they can be reloaded at process start.
package persist

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Collection names used by the agent stores.
const (
	CollectionRules     = "firewall_rules"
	CollectionTraffic   = "traffic_logs"
	CollectionAnomalies = "anomalies"
)

// ErrNotFound is returned by Load when a collection was never saved.
var ErrNotFound = errors.New("collection not found")

// Store saves and loads whole collections as JSON documents.
type Store interface {
	Save(collection string, v any) error
	Load(collection string, v any) error
	Close() error
}

// Open returns the store selected by driver ("file" or "sqlite") rooted at dataDir.
func Open(driver, dataDir string) (Store, error) {
	switch driver {
	case "", "file":
		return NewFileStore(dataDir)
	case "sqlite":
		return OpenSQLite(filepath.Join(dataDir, "agent.db"))
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}

// FileStore keeps one JSON file per collection and replaces it atomically.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(collection string) string {
	return filepath.Join(s.dir, collection+".json")
}

// Save writes v to a temp file and renames it over the collection file.
func (s *FileStore) Save(collection string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", collection, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(s.dir, collection+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write %s: %w", collection, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write %s: %w", collection, err)
	}
	if err := os.Rename(tmpPath, s.path(collection)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace %s: %w", collection, err)
	}
	return nil
}

// Load decodes the collection file into v.
func (s *FileStore) Load(collection string, v any) error {
	s.mu.Lock()
	data, err := os.ReadFile(s.path(collection))
	s.mu.Unlock()
	if errors.Is(err, os.ErrNotExist) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", collection, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", collection, err)
	}
	return nil
}

// Close is a no-op for files.
func (s *FileStore) Close() error { return nil }
