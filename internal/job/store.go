package job

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/zombor/invoice-extractor/internal/extraction"
)

var (
	// ErrSessionNotFound is returned when neither tier holds a session
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionExists is returned when a session is written twice
	ErrSessionExists = errors.New("session already exists")
)

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Snapshots is the durable tier of the session store
type Snapshots interface {
	// Save stores data under name and returns the stored path
	Save(name string, data []byte) (string, error)
	// Get retrieves data by name
	Get(name string) ([]byte, error)
}

// snapshot is the durable document written per session
type snapshot struct {
	JobID   string               `json:"job_id"`
	SavedAt time.Time            `json:"saved_at"`
	Results []*extraction.Result `json:"results"`
}

// SessionStore keeps finished job results in memory and, best effort, in
// a durable snapshot tier that is read through on a memory miss
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string][]*extraction.Result
	durable  Snapshots
}

// NewSessionStore creates a store; a nil durable tier keeps results in memory only
func NewSessionStore(durable Snapshots) *SessionStore {
	return &SessionStore{
		sessions: make(map[string][]*extraction.Result),
		durable:  durable,
	}
}

func snapshotName(id string) string {
	return id + ".json"
}

// Put stores a job's results. The memory copy is authoritative; a failed
// durable write is logged and otherwise ignored.
func (s *SessionStore) Put(id string, results []*extraction.Result) error {
	if !sessionIDPattern.MatchString(id) {
		return fmt.Errorf("invalid session id: %q", id)
	}
	if results == nil {
		results = []*extraction.Result{}
	}
	results = append([]*extraction.Result(nil), results...)

	s.mu.Lock()
	if _, ok := s.sessions[id]; ok {
		s.mu.Unlock()
		return ErrSessionExists
	}
	s.sessions[id] = results
	s.mu.Unlock()

	if s.durable == nil {
		return nil
	}

	data, err := json.Marshal(snapshot{JobID: id, SavedAt: time.Now().UTC(), Results: results})
	if err != nil {
		slog.Error("Failed to encode session snapshot", "session_id", id, "error", err)
		return nil
	}
	if _, err := s.durable.Save(snapshotName(id), data); err != nil {
		slog.Error("Failed to save session snapshot", "session_id", id, "error", err)
		return nil
	}
	slog.Info("Session saved", "session_id", id, "results", len(results))
	return nil
}

// Get returns a job's results from memory, falling back to the durable
// tier and caching what it finds there
func (s *SessionStore) Get(id string) ([]*extraction.Result, error) {
	if !sessionIDPattern.MatchString(id) {
		return nil, ErrSessionNotFound
	}

	s.mu.Lock()
	results, ok := s.sessions[id]
	s.mu.Unlock()
	if ok {
		return append([]*extraction.Result(nil), results...), nil
	}

	if s.durable == nil {
		return nil, ErrSessionNotFound
	}

	data, err := s.durable.Get(snapshotName(id))
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("Failed to load session snapshot", "session_id", id, "error", err)
		}
		return nil, ErrSessionNotFound
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		slog.Error("Failed to decode session snapshot", "session_id", id, "error", err)
		return nil, ErrSessionNotFound
	}
	if snap.Results == nil {
		snap.Results = []*extraction.Result{}
	}

	s.mu.Lock()
	if cached, ok := s.sessions[id]; ok {
		snap.Results = cached
	} else {
		s.sessions[id] = snap.Results
	}
	s.mu.Unlock()

	slog.Info("Session loaded from snapshot", "session_id", id)
	return append([]*extraction.Result(nil), snap.Results...), nil
}

// Evict drops a session from memory, leaving the durable snapshot
func (s *SessionStore) Evict(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}
