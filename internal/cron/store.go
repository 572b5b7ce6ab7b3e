package cron

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// storeFile is the on-disk shape: a single JSON document listing jobs.
type storeFile struct {
	Jobs []*Job `json:"jobs"`
}

// Store persists cron jobs in one JSON file. All mutation happens under
// the store lock; the scheduler releases it while executing jobs.
type Store struct {
	path string
	mu   sync.Mutex
	jobs []*Job
	open bool
}

// NewStore creates a store over path. The file is created on first save.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Lock acquires the store lock. Pair with Unlock.
func (s *Store) Lock()   { s.mu.Lock() }
func (s *Store) Unlock() { s.mu.Unlock() }

// Load reads the store from disk. Caller holds the lock. Stale running
// markers older than the stuck-run threshold are cleared on first load.
func (s *Store) Load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.jobs = nil
			s.open = true
			return nil
		}
		return fmt.Errorf("read cron store: %w", err)
	}
	var f storeFile
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse cron store %s: %w", s.path, err)
	}
	s.jobs = f.Jobs

	if !s.open {
		cutoff := time.Now().Add(-StuckRunThreshold).UnixMilli()
		for _, j := range s.jobs {
			if j.State.RunningAtMs != 0 && j.State.RunningAtMs < cutoff {
				j.State.RunningAtMs = 0
			}
		}
		s.open = true
	}
	return nil
}

// Save writes the store atomically. Caller holds the lock.
func (s *Store) Save() error {
	data, err := json.MarshalIndent(storeFile{Jobs: s.jobs}, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "cron-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	tmp.Close()
	return os.Rename(tmpPath, s.path)
}

// Jobs returns the live job slice. Caller holds the lock.
func (s *Store) Jobs() []*Job { return s.jobs }

// Get finds a job by id. Caller holds the lock.
func (s *Store) Get(id string) *Job {
	for _, j := range s.jobs {
		if j.ID == id {
			return j
		}
	}
	return nil
}

// Add validates and appends a job, assigning id and timestamps. Caller
// holds the lock.
func (s *Store) Add(j *Job) error {
	if err := j.Validate(); err != nil {
		return err
	}
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	now := time.Now().UnixMilli()
	if j.CreatedAtMs == 0 {
		j.CreatedAtMs = now
	}
	j.UpdatedAtMs = now
	s.jobs = append(s.jobs, j)
	return s.Save()
}

// Remove deletes a job by id. Caller holds the lock.
func (s *Store) Remove(id string) bool {
	for i, j := range s.jobs {
		if j.ID == id {
			s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
			return true
		}
	}
	return false
}

// Touch bumps a job's UpdatedAtMs. Caller holds the lock.
func (s *Store) Touch(j *Job) {
	j.UpdatedAtMs = time.Now().UnixMilli()
}
