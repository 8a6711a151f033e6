// Package auth persists the active account credentials and enforces the
// scope-switch guard: a new account's tokens are not saved while the previous
// account still has queued events, unless forced.
package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/speckitty/speckitty/internal/emitter"
	"github.com/speckitty/speckitty/internal/log"
	"github.com/speckitty/speckitty/internal/runtime"
)

// credentialsFile is the file name under the runtime home.
const credentialsFile = "credentials.json"

var (
	// ErrNotLoggedIn means no credentials are stored.
	ErrNotLoggedIn = errors.New("not logged in")

	// ErrPendingPreviousScope blocks a scope switch while the previous
	// account still has undelivered events.
	ErrPendingPreviousScope = errors.New(
		"previous account still has queued events; sync them first or pass --force to switch anyway")
)

// Credentials is the persisted account identity plus its access token.
type Credentials struct {
	ServerURL   string    `json:"server_url"`
	Username    string    `json:"username"`
	TeamSlug    string    `json:"team_slug,omitempty"`
	AccessToken string    `json:"access_token"`
	ObtainedAt  time.Time `json:"obtained_at"`
}

// Scope returns the account scope these credentials bind to.
func (c Credentials) Scope() emitter.Scope {
	return emitter.Scope{ServerURL: c.ServerURL, Username: c.Username, TeamSlug: c.TeamSlug}
}

// PendingFunc reports whether a scope still holds undelivered queued events.
type PendingFunc func(emitter.Scope) (bool, error)

// Store reads and writes the credentials file.
type Store struct {
	path    string
	pending PendingFunc
}

// NewStore builds a credential store at path. pending may be nil, which
// disables the scope-switch guard (used when no queue exists yet).
func NewStore(path string, pending PendingFunc) *Store {
	return &Store{path: path, pending: pending}
}

// DefaultPath returns the credentials location under the runtime home.
func DefaultPath() (string, error) {
	home, err := runtime.Home()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, credentialsFile), nil
}

// Load reads the stored credentials. ErrNotLoggedIn when absent.
func (s *Store) Load() (*Credentials, error) {
	data, err := os.ReadFile(s.path) //nolint:gosec // G304: path under runtime home
	if os.IsNotExist(err) {
		return nil, ErrNotLoggedIn
	}
	if err != nil {
		return nil, fmt.Errorf("reading credentials: %w", err)
	}
	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("decoding credentials: %w", err)
	}
	return &creds, nil
}

// Save persists new credentials. Switching to a different scope while the
// previous scope still has pending queued events fails unless force is set;
// the previous tokens stay in place so the user can still sync.
func (s *Store) Save(creds Credentials, force bool) error {
	if creds.ServerURL == "" || creds.Username == "" || creds.AccessToken == "" {
		return fmt.Errorf("credentials need server_url, username and access_token")
	}

	prev, err := s.Load()
	if err != nil && !errors.Is(err, ErrNotLoggedIn) {
		return err
	}
	if prev != nil && prev.Scope() != creds.Scope() && s.pending != nil {
		pending, perr := s.pending(prev.Scope())
		if perr != nil {
			log.Warn(log.CatAuth, "Pending-event check failed; allowing scope switch",
				"error", perr)
		} else if pending && !force {
			return ErrPendingPreviousScope
		}
	}

	if creds.ObtainedAt.IsZero() {
		creds.ObtainedAt = time.Now().UTC()
	}
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding credentials: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return fmt.Errorf("creating credentials dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".credentials-*")
	if err != nil {
		return fmt.Errorf("writing credentials: %w", err)
	}
	name := tmp.Name()
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return fmt.Errorf("writing credentials: %w", err)
	}
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return fmt.Errorf("writing credentials: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return fmt.Errorf("writing credentials: %w", err)
	}
	if err := os.Rename(name, s.path); err != nil {
		_ = os.Remove(name)
		return fmt.Errorf("writing credentials: %w", err)
	}

	log.Info(log.CatAuth, "Credentials saved",
		"server", creds.ServerURL, "username", creds.Username, "team", creds.TeamSlug)
	return nil
}

// Clear removes the stored credentials. Missing file is not an error.
func (s *Store) Clear() error {
	err := os.Remove(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("removing credentials: %w", err)
	}
	log.Info(log.CatAuth, "Credentials cleared")
	return nil
}
