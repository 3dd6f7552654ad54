package jobs

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/goccy/go-json"
	"github.com/gofrs/flock"
	"github.com/openmined/cbox/internal/utils"
)

var (
	home, _           = os.UserHomeDir()
	DefaultConfigPath = filepath.Join(home, ".cbox.conf")
)

var errUnknownShape = errors.New("expected a JSON array of jobs or an object with a jobs array")

// envelope is the legacy `{"jobs": [...]}` layout, accepted on read only.
type envelope struct {
	Jobs []Job `json:"jobs"`
}

// Store is the in-memory copy of a job registry file. Every mutation
// rewrites the whole file. Concurrent processes writing the same file are
// not coordinated beyond the write itself, so the last writer wins.
type Store struct {
	mu   sync.RWMutex
	path string
	jobs []Job
}

// Load reads the registry at path. When the read fails and fallbackToDefault
// is set, the default registry is tried next; if that fails too, an empty
// store bound to path is returned.
func Load(path string, fallbackToDefault bool) (*Store, error) {
	requested, err := resolve(path)
	if err != nil {
		return nil, &ConfigError{Path: path, Err: err}
	}

	candidates := []string{requested}
	if fallbackToDefault && requested != DefaultConfigPath {
		candidates = append(candidates, DefaultConfigPath)
	}

	var firstErr error
	for _, candidate := range candidates {
		jobs, err := readJobs(candidate)
		if err == nil {
			return &Store{path: candidate, jobs: jobs}, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}

	if !fallbackToDefault {
		return nil, &ConfigError{Path: requested, Err: firstErr}
	}
	return &Store{path: requested}, nil
}

// Open reads the registry at path, creating it as `[]` when absent. Unlike
// Load it never falls back: a corrupt file is an error.
func Open(path string) (*Store, error) {
	resolved, err := resolve(path)
	if err != nil {
		return nil, &ConfigError{Path: path, Err: err}
	}

	s := &Store{path: resolved}
	if _, err := os.Stat(resolved); errors.Is(err, os.ErrNotExist) {
		if err := s.persist(nil); err != nil {
			return nil, err
		}
		return s, nil
	}

	jobs, err := readJobs(resolved)
	if err != nil {
		return nil, &ConfigError{Path: resolved, Err: err}
	}
	s.jobs = jobs
	return s, nil
}

func resolve(path string) (string, error) {
	if path == "" {
		return DefaultConfigPath, nil
	}
	return utils.ResolvePath(path)
}

func readJobs(path string) ([]Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, errUnknownShape
	}

	switch data[0] {
	case '[':
		var jobs []Job
		if err := json.Unmarshal(data, &jobs); err != nil {
			return nil, err
		}
		return jobs, nil
	case '{':
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return nil, err
		}
		return env.Jobs, nil
	default:
		return nil, errUnknownShape
	}
}

// Path is the file this store reads from and writes to.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

// List returns a copy of all jobs in insertion order.
func (s *Store) List(obscureCredentials bool) []Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := slices.Clone(s.jobs)
	if obscureCredentials {
		for i := range out {
			out[i] = out[i].Masked()
		}
	}
	return out
}

// Get returns job n (1-based).
func (s *Store) Get(n int) (Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if n < 1 || n > len(s.jobs) {
		return Job{}, &IndexError{N: n, Len: len(s.jobs)}
	}
	return s.jobs[n-1], nil
}

// Add appends jobs and rewrites the file.
func (s *Store) Add(jobs ...Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := append(slices.Clone(s.jobs), jobs...)
	if err := s.persist(next); err != nil {
		return err
	}
	s.jobs = next
	return nil
}

// Remove deletes job n (1-based); later jobs shift down by one.
func (s *Store) Remove(n int) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n < 1 || n > len(s.jobs) {
		return Job{}, &IndexError{N: n, Len: len(s.jobs)}
	}

	removed := s.jobs[n-1]
	next := slices.Delete(slices.Clone(s.jobs), n-1, n)
	if err := s.persist(next); err != nil {
		return Job{}, err
	}
	s.jobs = next
	return removed, nil
}

// Update replaces the whole sequence.
func (s *Store) Update(jobs []Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := slices.Clone(jobs)
	if err := s.persist(next); err != nil {
		return err
	}
	s.jobs = next
	return nil
}

// persist writes jobs as a bare array through a temp file and rename, under
// a lock file so two writers never interleave on disk.
func (s *Store) persist(jobs []Job) error {
	if jobs == nil {
		jobs = []Job{}
	}

	data, err := json.MarshalIndent(jobs, "", "  ")
	if err != nil {
		return &ConfigError{Path: s.path, Err: err}
	}
	data = append(data, '\n')

	if err := utils.EnsureParent(s.path); err != nil {
		return &ConfigError{Path: s.path, Err: err}
	}

	lock := flock.New(s.path + ".lock")
	if err := lock.Lock(); err != nil {
		return &ConfigError{Path: s.path, Err: fmt.Errorf("lock: %w", err)}
	}
	defer func() {
		_ = lock.Unlock()
		_ = os.Remove(lock.Path())
	}()

	if err := writeAtomic(s.path, data); err != nil {
		return &ConfigError{Path: s.path, Err: err}
	}
	return nil
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	ok := false
	defer func() {
		if !ok {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	// remotes may embed credentials
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}

	ok = true
	return nil
}
