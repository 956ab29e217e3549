// Package identity keeps the endpoint identity and bearer credential: the
// in-memory current value shared by all components, and its durable copy in
// the agent's .env file.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/joho/godotenv"

	"github.com/invisible-tech/endpoint-agent/internal/types"
)

// Keys written to the .env file.
const (
	KeyEndpointID = "ENDPOINT_ID"
	KeyAuthToken  = "AUTH_TOKEN"
)

// ErrIDAssigned is returned when a different endpoint id is set after one was assigned.
var ErrIDAssigned = errors.New("endpoint id already assigned")

// Store is an atomic key-value file in dotenv format.
type Store struct {
	path string

	mu       sync.Mutex
	lastHash string
}

// NewStore returns a store backed by path. The file need not exist yet.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// Read returns every key in the file. A missing file reads as empty.
func (s *Store) Read() (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked()
}

func (s *Store) readLocked() (map[string]string, error) {
	values, err := godotenv.Read(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", s.path, err)
	}
	return values, nil
}

// Set merges values into the file and replaces it atomically.
func (s *Store) Set(values map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.readLocked()
	if err != nil {
		return err
	}
	for k, v := range values {
		current[k] = v
	}
	content, err := godotenv.Marshal(current)
	if err != nil {
		return fmt.Errorf("failed to encode env file: %w", err)
	}
	content += "\n"

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write env file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write env file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to chmod env file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace env file: %w", err)
	}
	s.lastHash = hashString(content)
	return nil
}

// SaveIdentity persists the endpoint id and credential, skipping empty values.
func (s *Store) SaveIdentity(id types.Identity) error {
	values := map[string]string{}
	if id.ID != "" {
		values[KeyEndpointID] = id.ID
	}
	if id.Credential != "" {
		values[KeyAuthToken] = id.Credential
	}
	if len(values) == 0 {
		return nil
	}
	return s.Set(values)
}

// ownWrite reports whether content is what this store last wrote.
func (s *Store) ownWrite(content []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHash != "" && s.lastHash == hashBytes(content)
}

func hashString(s string) string {
	return hashBytes([]byte(s))
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Holder is the process-wide current identity. It is safe for concurrent use.
type Holder struct {
	mu sync.RWMutex
	id types.Identity
}

// NewHolder seeds the holder with the configured identity.
func NewHolder(initial types.Identity) *Holder {
	return &Holder{id: initial}
}

// Get returns a copy of the current identity.
func (h *Holder) Get() types.Identity {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.id
}

// EndpointID returns the assigned endpoint id, or "" before registration.
func (h *Holder) EndpointID() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.id.ID
}

// Credential returns the current bearer credential, or "".
func (h *Holder) Credential() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.id.Credential
}

// SetID records the endpoint id. Once assigned the id cannot change.
func (h *Holder) SetID(id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.id.ID != "" && h.id.ID != id {
		return fmt.Errorf("%w: have %s, got %s", ErrIDAssigned, h.id.ID, id)
	}
	h.id.ID = id
	return nil
}

// SetCredential replaces the bearer credential.
func (h *Holder) SetCredential(token string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.id.Credential = token
}
