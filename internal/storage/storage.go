package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
)

// Adapter is the minimal persistent key/value surface the client core is
// built on. The platform supplies the real backing store.
type Adapter interface {
	Get(key string) (string, error)
	Set(key, value string) error
	Delete(key string) error
}

type adapterCloser interface {
	Close() error
}

// Close releases an adapter's resources when it holds any.
func Close(adapter Adapter) error {
	if closer, ok := adapter.(adapterCloser); ok && closer != nil {
		return closer.Close()
	}
	return nil
}

type MemoryAdapter struct {
	mu     sync.Mutex
	values map[string]string
}

func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{values: map[string]string{}}
}

func (a *MemoryAdapter) Get(key string) (string, error) {
	if a == nil || strings.TrimSpace(key) == "" {
		return "", ErrInvalidInput
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	value, ok := a.values[key]
	if !ok {
		return "", ErrNotFound
	}
	return value, nil
}

func (a *MemoryAdapter) Set(key, value string) error {
	if a == nil || strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.values[key] = value
	return nil
}

func (a *MemoryAdapter) Delete(key string) error {
	if a == nil || strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.values, key)
	return nil
}

// FileAdapter keeps all keys in one JSON file, rewritten atomically on
// every change.
type FileAdapter struct {
	path string
	mu   sync.Mutex
}

func NewFileAdapter(path string) (*FileAdapter, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return &FileAdapter{path: path}, nil
}

func (a *FileAdapter) Get(key string) (string, error) {
	if a == nil || strings.TrimSpace(key) == "" {
		return "", ErrInvalidInput
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	values, err := a.loadLocked()
	if err != nil {
		return "", err
	}
	value, ok := values[key]
	if !ok {
		return "", ErrNotFound
	}
	return value, nil
}

func (a *FileAdapter) Set(key, value string) error {
	if a == nil || strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	values, err := a.loadLocked()
	if err != nil {
		return err
	}
	values[key] = value
	return a.saveLocked(values)
}

func (a *FileAdapter) Delete(key string) error {
	if a == nil || strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	values, err := a.loadLocked()
	if err != nil {
		return err
	}
	if _, ok := values[key]; !ok {
		return nil
	}
	delete(values, key)
	return a.saveLocked(values)
}

func (a *FileAdapter) loadLocked() (map[string]string, error) {
	data, err := os.ReadFile(a.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]string{}, nil
		}
		return nil, err
	}
	values := map[string]string{}
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, err
	}
	return values, nil
}

func (a *FileAdapter) saveLocked(values map[string]string) error {
	data, err := json.Marshal(values)
	if err != nil {
		return err
	}
	dir := filepath.Dir(a.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := a.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, a.path)
}

// BuildFromDSN selects an adapter by scheme: bare paths and file:// map to
// the JSON file adapter, memory:// to the in-memory adapter, postgres:// to
// the Postgres adapter. An empty DSN yields the in-memory adapter.
func BuildFromDSN(dsn string) (Adapter, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryAdapter(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileAdapter(path)
	case "memory", "mem", "inmem":
		return NewMemoryAdapter(), nil
	case "postgres", "postgresql":
		return NewPostgresAdapter(dsn)
	default:
		return nil, fmt.Errorf("unsupported storage scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed.Scheme == "" {
		return raw, nil
	}
	path := parsed.Path
	if parsed.Opaque != "" {
		path = parsed.Opaque
	}
	if parsed.Host != "" {
		path = filepath.Join(parsed.Host, path)
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
