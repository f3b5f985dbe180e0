package trace

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotFound is returned when a session id has no persisted trace.
var ErrNotFound = errors.New("trace not found")

// Store persists finalized sessions and serves them back for retrieval and
// offline analysis.
type Store interface {
	// Save writes one finalized session keyed by its session id.
	Save(sess *Session) error

	// Load retrieves a session by id, or ErrNotFound.
	Load(sessionID string) (*Session, error)

	// LoadAll returns every persisted session.
	LoadAll() ([]*Session, error)
}

// FileStore persists each session as one JSON file in a directory,
// <dir>/<session_id>.json.
type FileStore struct {
	dir string
}

// NewFileStore creates the directory if needed and returns a FileStore.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create traces directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Save writes the session to <dir>/<session_id>.json.
func (s *FileStore) Save(sess *Session) error {
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", sess.SessionID, err)
	}

	path := s.path(sess.SessionID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write session %s: %w", sess.SessionID, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("finalize session %s: %w", sess.SessionID, err)
	}
	return nil
}

// Load reads one session file.
func (s *FileStore) Load(sessionID string) (*Session, error) {
	data, err := os.ReadFile(s.path(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read session %s: %w", sessionID, err)
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", sessionID, err)
	}
	return &sess, nil
}

// LoadAll reads every *.json file in the store directory. Files that fail
// to decode are skipped rather than failing the whole load.
func (s *FileStore) LoadAll() ([]*Session, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read traces directory: %w", err)
	}

	var sessions []*Session
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), ".json")
		sess, err := s.Load(id)
		if err != nil {
			continue
		}
		sessions = append(sessions, sess)
	}
	return sessions, nil
}

func (s *FileStore) path(sessionID string) string {
	return filepath.Join(s.dir, sessionID+".json")
}
