// Package session tracks uploaded videos by a random session id until the
// stream that plays them finishes.
package session

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for session lookups.
var (
	// ErrNotFound is returned for unknown or expired session ids.
	ErrNotFound = errors.New("session: not found")

	// ErrInUse is returned when another stream already owns the session.
	ErrInUse = errors.New("session: already streaming")
)

// Session is one uploaded video waiting to be streamed.
type Session struct {
	ID        string    `json:"session_id"`
	Path      string    `json:"-"`
	Filename  string    `json:"filename"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`

	streaming bool
}

// Store is a concurrency-safe map of session id to uploaded file.
// Entries are inserted on upload and removed, together with the file, when
// the owning stream is released.
type Store struct {
	dir    string
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session

	now func() time.Time
}

// NewStore creates a store rooted at dir, creating the directory if needed.
func NewStore(dir string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		dir:      dir,
		logger:   logger,
		sessions: make(map[string]*Session),
		now:      time.Now,
	}, nil
}

// Dir returns the upload directory.
func (s *Store) Dir() string {
	return s.dir
}

// Save writes r to a new file in the upload directory and registers it
// under a fresh session id.
func (s *Store) Save(filename string, r io.Reader) (Session, error) {
	id := uuid.NewString()
	name := sanitize(filename)
	path := filepath.Join(s.dir, id+"_"+name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return Session{}, fmt.Errorf("create upload: %w", err)
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return Session{}, fmt.Errorf("write upload: %w", err)
	}

	sess := &Session{
		ID:        id,
		Path:      path,
		Filename:  name,
		Size:      n,
		CreatedAt: s.now(),
	}

	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()

	s.logger.Info("upload saved", "session_id", id, "filename", name, "bytes", n)
	return *sess, nil
}

// Get returns a copy of the session without claiming it.
func (s *Store) Get(id string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *sess, true
}

// Acquire hands the session to a single stream. The caller must Release it
// when the stream ends. A session whose file has disappeared is dropped.
func (s *Store) Acquire(id string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	if sess.streaming {
		return Session{}, ErrInUse
	}
	if _, err := os.Stat(sess.Path); err != nil {
		delete(s.sessions, id)
		s.logger.Warn("upload file missing", "session_id", id, "error", err)
		return Session{}, ErrNotFound
	}

	sess.streaming = true
	return *sess, nil
}

// Release removes the session and deletes its file.
func (s *Store) Release(id string) error {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if ok {
		delete(s.sessions, id)
	}
	s.mu.Unlock()

	if !ok {
		return ErrNotFound
	}
	if err := removeFile(sess.Path); err != nil {
		return err
	}
	s.logger.Debug("session released", "session_id", id)
	return nil
}

// Sweep drops sessions that were never streamed and are older than maxAge.
// It returns the number of sessions removed.
func (s *Store) Sweep(maxAge time.Duration) int {
	if maxAge <= 0 {
		return 0
	}
	cutoff := s.now().Add(-maxAge)

	var stale []*Session
	s.mu.Lock()
	for id, sess := range s.sessions {
		if !sess.streaming && sess.CreatedAt.Before(cutoff) {
			stale = append(stale, sess)
			delete(s.sessions, id)
		}
	}
	s.mu.Unlock()

	for _, sess := range stale {
		if err := removeFile(sess.Path); err != nil {
			s.logger.Warn("remove stale upload", "session_id", sess.ID, "error", err)
		}
	}
	if len(stale) > 0 {
		s.logger.Info("swept stale uploads", "count", len(stale))
	}
	return len(stale)
}

// Len returns the number of tracked sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Close removes every remaining upload.
func (s *Store) Close() error {
	s.mu.Lock()
	sessions := s.sessions
	s.sessions = make(map[string]*Session)
	s.mu.Unlock()

	var errs []error
	for _, sess := range sessions {
		if err := removeFile(sess.Path); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func removeFile(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove upload: %w", err)
	}
	return nil
}

// sanitize reduces a client-supplied filename to a safe base name.
func sanitize(filename string) string {
	name := filepath.Base(strings.ReplaceAll(filename, "\\", "/"))
	switch name {
	case "", ".", "/", "..":
		return "upload"
	}
	return name
}
