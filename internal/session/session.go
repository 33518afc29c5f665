// Package session persists resumable upload sessions so an interrupted
// upload can continue from the last confirmed byte after the process exits.
//
// Each record lives in its own JSON file under <configDir>/sessions, named
// by a hash of what is being uploaded and where it goes. Each read or write
// of a record holds a sibling .lock file. A separate .active lock, taken with
// Acquire for the whole transfer, keeps two processes from uploading the
// same file to the same target at once.
package session

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/tonimelisma/youtube-uploader/internal/logger"
	"github.com/tonimelisma/youtube-uploader/pkg/youtube"
)

const (
	sessionsSubdir = "sessions"
	filePerms      = 0o600
	dirPerms       = 0o700

	// Lifetime is how long a resumable session stays usable on the server.
	Lifetime = 7 * 24 * time.Hour
)

// ErrLocked is returned when another process holds the record.
var ErrLocked = errors.New("upload session is locked, another instance may be uploading the same file")

// Kind distinguishes what a record uploads.
type Kind string

const (
	KindVideo     Kind = "video"
	KindThumbnail Kind = "thumbnail"
)

// Record is the on-disk state of one resumable upload.
type Record struct {
	Kind      Kind   `json:"kind"`
	LocalPath string `json:"local_path"`
	// Target is the video ID for thumbnails, empty for videos.
	Target      string `json:"target,omitempty"`
	Identity    string `json:"identity"`
	SessionURI  string `json:"session_uri"`
	ContentType string `json:"content_type"`
	TotalSize   int64  `json:"total_size"`
	// FileModTime detects a local file that changed since the upload began.
	FileModTime    time.Time `json:"file_mod_time"`
	BytesConfirmed int64     `json:"bytes_confirmed"`
	ChunkSize      int64     `json:"chunk_size"`
	// Metadata is the resource sent at initiation, kept for display.
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// Expired reports whether the server has likely discarded the session.
func (r *Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// Matches reports whether info still describes the file the record was
// created for.
func (r *Record) Matches(info fs.FileInfo) bool {
	return info.Size() == r.TotalSize && info.ModTime().Equal(r.FileModTime)
}

// Manager reads and writes session records.
type Manager struct {
	dir    string
	logger logger.Logger
	now    func() time.Time
}

// NewManager creates a Manager storing records under configDir/sessions.
func NewManager(configDir string, log logger.Logger) *Manager {
	if log == nil {
		log = logger.NoopLogger{}
	}
	return &Manager{
		dir:    filepath.Join(configDir, sessionsSubdir),
		logger: log,
		now:    time.Now,
	}
}

// Dir returns the directory records are stored in.
func (m *Manager) Dir() string { return m.dir }

// Key identifies a record. The local path is made absolute first so the
// same file maps to the same record from any working directory.
func Key(kind Kind, localPath, target string) string {
	if abs, err := filepath.Abs(localPath); err == nil {
		localPath = abs
	}
	sum := sha256.Sum256([]byte(string(kind) + "\x00" + localPath + "\x00" + target))
	return hex.EncodeToString(sum[:])
}

func (m *Manager) filePath(key string) string {
	return filepath.Join(m.dir, key+".json")
}

func (m *Manager) withLock(key string, fn func(path string) error) error {
	if err := os.MkdirAll(m.dir, dirPerms); err != nil {
		return &youtube.IOError{Op: "creating session directory", Err: err}
	}
	path := m.filePath(key)

	fl := flock.New(path + ".lock")
	locked, err := fl.TryLock()
	if err != nil {
		return &youtube.IOError{Op: "acquiring session lock", Err: err}
	}
	if !locked {
		return ErrLocked
	}
	defer func() {
		if err := fl.Unlock(); err != nil {
			m.logger.Warn("releasing session lock", "path", fl.Path(), "error", err)
		}
	}()
	return fn(path)
}

// Acquire claims the upload of localPath to target until release is called.
// It returns ErrLocked when another process holds the claim.
func (m *Manager) Acquire(kind Kind, localPath, target string) (release func(), err error) {
	if err := os.MkdirAll(m.dir, dirPerms); err != nil {
		return nil, &youtube.IOError{Op: "creating session directory", Err: err}
	}

	fl := flock.New(m.filePath(Key(kind, localPath, target)) + ".active")
	locked, err := fl.TryLock()
	if err != nil {
		return nil, &youtube.IOError{Op: "acquiring upload lock", Err: err}
	}
	if !locked {
		return nil, ErrLocked
	}
	return func() {
		if err := fl.Unlock(); err != nil {
			m.logger.Warn("releasing upload lock", "path", fl.Path(), "error", err)
		}
	}, nil
}

// Save writes rec, filling in timestamps.
func (m *Manager) Save(rec *Record) error {
	now := m.now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.ExpiresAt.IsZero() {
		rec.ExpiresAt = rec.CreatedAt.Add(Lifetime)
	}
	rec.UpdatedAt = now

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding session record: %w", err)
	}

	return m.withLock(Key(rec.Kind, rec.LocalPath, rec.Target), func(path string) error {
		tmp := path + ".tmp"
		if err := os.WriteFile(tmp, data, filePerms); err != nil {
			return &youtube.IOError{Op: "writing session record", Err: err}
		}
		if err := os.Rename(tmp, path); err != nil {
			_ = os.Remove(tmp)
			return &youtube.IOError{Op: "writing session record", Err: err}
		}
		return nil
	})
}

// Load returns the record for kind/localPath/target, or nil, nil when there
// is none. Expired and unreadable records are deleted and reported as
// absent.
func (m *Manager) Load(kind Kind, localPath, target string) (*Record, error) {
	var rec *Record
	err := m.withLock(Key(kind, localPath, target), func(path string) error {
		r, err := m.read(path)
		if err != nil || r == nil {
			return err
		}
		if r.Expired(m.now()) {
			m.logger.Info("discarding expired upload session", "file", r.LocalPath, "expired", r.ExpiresAt)
			return removeIfExists(path)
		}
		rec = r
		return nil
	})
	return rec, err
}

// Delete removes the record. A missing record is not an error.
func (m *Manager) Delete(kind Kind, localPath, target string) error {
	return m.withLock(Key(kind, localPath, target), removeIfExists)
}

// List returns every unexpired record, oldest first. Expired records are
// removed along the way.
func (m *Manager) List() ([]*Record, error) {
	entries, err := os.ReadDir(m.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, &youtube.IOError{Op: "listing upload sessions", Err: err}
	}

	var out []*Record
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		path := filepath.Join(m.dir, name)
		rec, err := m.read(path)
		if err != nil {
			m.logger.Warn("skipping unreadable session record", "path", path, "error", err)
			continue
		}
		if rec == nil {
			continue
		}
		if rec.Expired(m.now()) {
			if err := m.Delete(rec.Kind, rec.LocalPath, rec.Target); err != nil {
				m.logger.Warn("removing expired session record", "path", path, "error", err)
			}
			continue
		}
		out = append(out, rec)
	}

	slices.SortFunc(out, func(a, b *Record) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

// read decodes one record file. A corrupt file is removed and reported as
// absent since its session URI cannot be trusted.
func (m *Manager) read(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil //nolint:nilnil // no record
	}
	if err != nil {
		return nil, &youtube.IOError{Op: "reading session record", Err: err}
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil || rec.SessionURI == "" {
		m.logger.Warn("corrupt session record, deleting", "path", path)
		return nil, removeIfExists(path)
	}
	return &rec, nil
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &youtube.IOError{Op: "deleting session record", Err: err}
	}
	return nil
}

// Tracker is a youtube.ProgressListener that keeps a Record in step with a
// running UploadSession: saved once the session URI exists and after every
// chunk, deleted once the upload completes or the server forgets the
// session. Persistence failures are logged, not fatal, since the upload
// itself can still succeed.
type Tracker struct {
	manager *Manager
	record  *Record

	mu      sync.Mutex
	session *youtube.UploadSession
}

// NewTracker returns a Tracker for rec. Call Attach before running the
// session.
func (m *Manager) NewTracker(rec *Record) *Tracker {
	return &Tracker{manager: m, record: rec}
}

// Attach binds the tracker to the session whose events it receives.
func (t *Tracker) Attach(s *youtube.UploadSession) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.session = s
}

// Record returns the tracked record.
func (t *Tracker) Record() *Record { return t.record }

// OnProgress implements youtube.ProgressListener.
func (t *Tracker) OnProgress(e youtube.ProgressEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.session == nil {
		return
	}

	rec := t.record
	switch e.State {
	case youtube.StateInitiationComplete, youtube.StateMediaInProgress:
		uri := t.session.SessionURI()
		if uri == "" {
			return
		}
		if uri != rec.SessionURI {
			// New server session: restart the expiry clock.
			rec.SessionURI = uri
			rec.CreatedAt = time.Time{}
			rec.ExpiresAt = time.Time{}
		}
		rec.BytesConfirmed = e.BytesConfirmed
		if e.TotalSize != youtube.SizeUnknown {
			rec.TotalSize = e.TotalSize
		}
		if err := t.manager.Save(rec); err != nil {
			t.manager.logger.Warn("saving upload session", "file", rec.LocalPath, "error", err)
		}
	case youtube.StateMediaComplete:
		t.remove()
	case youtube.StateFailed:
		if youtube.IsInvalidSession(t.session.Err()) {
			t.remove()
		}
	}
}

func (t *Tracker) remove() {
	rec := t.record
	if err := t.manager.Delete(rec.Kind, rec.LocalPath, rec.Target); err != nil {
		t.manager.logger.Warn("removing upload session", "file", rec.LocalPath, "error", err)
	}
}
