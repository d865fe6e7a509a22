// Package store is the flat key-value store preserved across tasks: JSON
// files under a base directory with an LRU read cache in front.
package store

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"rlm/internal/logging"
)

const cacheSize = 256

// Store persists string keys to JSON files. Keys are sanitized into file
// names; values are arbitrary JSON-marshalable data.
type Store struct {
	baseDir string
	cache   *lru.Cache[string, any]
	mu      sync.Mutex
	logger  logging.Logger
}

// New opens (creating if needed) a store rooted at baseDir.
func New(baseDir string, logger logging.Logger) (*Store, error) {
	if strings.HasPrefix(baseDir, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		baseDir = filepath.Join(home, baseDir[2:])
	}
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	cache, err := lru.New[string, any](cacheSize)
	if err != nil {
		return nil, err
	}
	return &Store{
		baseDir: baseDir,
		cache:   cache,
		logger:  logging.OrNop(logger),
	}, nil
}

// Store persists value under key, replacing any previous value.
func (s *Store) Store(key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(map[string]any{"value": value}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode value for %q: %w", key, err)
	}
	if err := os.WriteFile(s.path(key), data, 0644); err != nil {
		return fmt.Errorf("write %q: %w", key, err)
	}
	s.cache.Add(key, value)
	return nil
}

// Retrieve returns the value stored under key, or ok=false.
func (s *Store) Retrieve(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if value, ok := s.cache.Get(key); ok {
		return value, true
	}

	data, err := os.ReadFile(s.path(key))
	if err != nil {
		return nil, false
	}
	var wrapper struct {
		Value any `json:"value"`
	}
	if err := json.Unmarshal(data, &wrapper); err != nil {
		s.logger.Warn("corrupt store entry %q: %v", key, err)
		return nil, false
	}
	s.cache.Add(key, wrapper.Value)
	return wrapper.Value, true
}

// Delete removes a key. Missing keys are not an error.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Remove(key)
	err := os.Remove(s.path(key))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Keys lists every stored key.
func (s *Store) Keys() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		key, err := decodeKey(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func (s *Store) path(key string) string {
	return filepath.Join(s.baseDir, encodeKey(key)+".json")
}

// Keys are base64url-encoded into file names so arbitrary strings are safe.
func encodeKey(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

func decodeKey(name string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(name)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
