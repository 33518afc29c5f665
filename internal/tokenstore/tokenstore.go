// Package tokenstore keeps OAuth credentials on disk, one JSON file per
// identity. Files are written atomically and are readable by the owner only,
// since they hold refresh tokens. A sibling .lock file serializes access
// between concurrent processes.
package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"github.com/tonimelisma/youtube-uploader/internal/logger"
	"github.com/tonimelisma/youtube-uploader/pkg/youtube"
)

const (
	// FilePerms restricts credential files to owner-only read/write.
	FilePerms = 0o600
	// DirPerms is used when creating the credentials directory.
	DirPerms = 0o700

	credentialsSubdir = "credentials"
	fileExt           = ".json"

	lockRetryDelay = 50 * time.Millisecond
	lockTimeout    = 10 * time.Second
)

var identityPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// file is the on-disk format. The version field leaves room for a format
// change without guessing.
type file struct {
	Version    int                 `json:"version"`
	Identity   string              `json:"identity"`
	Credential *youtube.Credential `json:"credential"`
	SavedAt    time.Time           `json:"saved_at"`
}

const fileVersion = 1

// Store implements youtube.TokenStore on the local filesystem.
type Store struct {
	dir    string
	logger logger.Logger
}

var _ youtube.TokenStore = (*Store)(nil)

// New returns a Store rooted at configDir/credentials. The directory is
// created on first save.
func New(configDir string, log logger.Logger) *Store {
	if log == nil {
		log = logger.NoopLogger{}
	}
	return &Store{dir: filepath.Join(configDir, credentialsSubdir), logger: log}
}

// Dir returns the directory credential files live in.
func (s *Store) Dir() string { return s.dir }

// ValidateIdentity rejects identity names that cannot safely be used as a
// file name.
func ValidateIdentity(identity string) error {
	if !identityPattern.MatchString(identity) {
		return fmt.Errorf("invalid identity %q: use letters, digits, '.', '_' or '-'", identity)
	}
	return nil
}

func (s *Store) path(identity string) (string, error) {
	if err := ValidateIdentity(identity); err != nil {
		return "", err
	}
	return filepath.Join(s.dir, identity+fileExt), nil
}

// lock takes the per-identity file lock, waiting up to lockTimeout for
// another process to release it.
func (s *Store) lock(path string) (*flock.Flock, error) {
	if err := os.MkdirAll(s.dir, DirPerms); err != nil {
		return nil, fmt.Errorf("creating credentials directory: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), lockTimeout)
	defer cancel()

	fl := flock.New(path + ".lock")
	locked, err := fl.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return nil, fmt.Errorf("acquiring credential lock: %w", err)
	}
	if !locked {
		return nil, errors.New("could not acquire credential lock, another instance may be refreshing it")
	}
	return fl, nil
}

func (s *Store) unlock(fl *flock.Flock) {
	if err := fl.Unlock(); err != nil {
		s.logger.Warn("releasing credential lock", "path", fl.Path(), "error", err)
	}
}

// Load implements youtube.TokenStore. It returns nil, nil when nothing is
// stored for identity.
func (s *Store) Load(identity string) (*youtube.Credential, error) {
	path, err := s.path(identity)
	if err != nil {
		return nil, err
	}
	fl, err := s.lock(path)
	if err != nil {
		return nil, &youtube.IOError{Op: "loading credential", Err: err}
	}
	defer s.unlock(fl)

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil //nolint:nilnil // nothing stored
	}
	if err != nil {
		return nil, &youtube.IOError{Op: "loading credential", Err: err}
	}

	var f file
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, &youtube.IOError{Op: "decoding credential " + path, Err: err}
	}
	if f.Credential == nil {
		return nil, &youtube.IOError{Op: "decoding credential " + path, Err: errors.New("missing credential field")}
	}
	return f.Credential, nil
}

// Save implements youtube.TokenStore. The write goes to a temp file in the
// same directory, is synced, then renamed over the old file.
func (s *Store) Save(identity string, cred *youtube.Credential) error {
	path, err := s.path(identity)
	if err != nil {
		return err
	}
	fl, err := s.lock(path)
	if err != nil {
		return &youtube.IOError{Op: "saving credential", Err: err}
	}
	defer s.unlock(fl)

	data, err := json.MarshalIndent(file{
		Version:    fileVersion,
		Identity:   identity,
		Credential: cred,
		SavedAt:    time.Now().UTC(),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding credential: %w", err)
	}

	if err := writeAtomic(path, data); err != nil {
		return &youtube.IOError{Op: "saving credential", Err: err}
	}
	s.logger.Debug("credential saved", "identity", identity)
	return nil
}

// Delete implements youtube.TokenStore. Deleting a missing credential is
// not an error.
func (s *Store) Delete(identity string) error {
	path, err := s.path(identity)
	if err != nil {
		return err
	}
	fl, err := s.lock(path)
	if err != nil {
		return &youtube.IOError{Op: "deleting credential", Err: err}
	}
	defer s.unlock(fl)

	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &youtube.IOError{Op: "deleting credential", Err: err}
	}
	s.logger.Debug("credential deleted", "identity", identity)
	return nil
}

// Identities lists the identities that have a stored credential, sorted.
func (s *Store) Identities() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, &youtube.IOError{Op: "listing credentials", Err: err}
	}

	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, fileExt) {
			continue
		}
		id := strings.TrimSuffix(name, fileExt)
		if ValidateIdentity(id) == nil {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".credential-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := tmp.Chmod(FilePerms); err != nil {
		tmp.Close()
		return fmt.Errorf("setting permissions: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming: %w", err)
	}

	success = true
	return nil
}
