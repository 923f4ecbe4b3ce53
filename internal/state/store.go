package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// HostnameState is the per-site flag set.
type HostnameState struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// Store persists hostname states.
type Store interface {
	Load() (map[string]HostnameState, error)
	Save(hosts map[string]HostnameState) error
}

type stateFile struct {
	Hosts map[string]HostnameState `yaml:"hosts"`
}

// FileStore keeps hostname states in a YAML file. Writes replace the file
// atomically.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore creates a FileStore for path. The file is created on the
// first Save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the backing file path.
func (s *FileStore) Path() string {
	return s.path
}

// Load reads the state file. A missing file is an empty state.
func (s *FileStore) Load() (map[string]HostnameState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]HostnameState{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}

	var f stateFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse state file %s: %w", s.path, err)
	}
	if f.Hosts == nil {
		f.Hosts = map[string]HostnameState{}
	}
	return f.Hosts, nil
}

// Save writes hosts to a temp file next to the target and renames it into
// place.
func (s *FileStore) Save(hosts map[string]HostnameState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := yaml.Marshal(stateFile{Hosts: hosts})
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".state-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close state: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

// MemoryStore keeps hostname states in memory only.
type MemoryStore struct {
	mu    sync.Mutex
	hosts map[string]HostnameState
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{hosts: make(map[string]HostnameState)}
}

func (s *MemoryStore) Load() (map[string]HostnameState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyHosts(s.hosts), nil
}

func (s *MemoryStore) Save(hosts map[string]HostnameState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hosts = copyHosts(hosts)
	return nil
}

func copyHosts(in map[string]HostnameState) map[string]HostnameState {
	out := make(map[string]HostnameState, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
