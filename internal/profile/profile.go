// Package profile manages the local user account: registration, login and
// profile edits. Saves race a fixed timeout so a wedged store surfaces as an
// error instead of a hang.
package profile

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/petervdpas/meshroom/internal/storage"
)

// DefaultSaveTimeout bounds every profile write.
const DefaultSaveTimeout = 5 * time.Second

// Store is the persistence surface profiles need. internal/storage satisfies it.
type Store interface {
	SaveUser(ctx context.Context, u storage.User) error
	UserByID(ctx context.Context, id string) (storage.User, error)
	UserByName(ctx context.Context, username string) (storage.User, error)
}

// Manager performs account operations against a store.
type Manager struct {
	store   Store
	timeout time.Duration
}

// New creates a profile manager. A non-positive timeout gets the default.
func New(store Store, timeout time.Duration) *Manager {
	if timeout <= 0 {
		timeout = DefaultSaveTimeout
	}
	return &Manager{store: store, timeout: timeout}
}

// Register creates a new account with a bcrypt-hashed password.
func (m *Manager) Register(ctx context.Context, username, email, password string) (storage.User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return storage.User{}, fmt.Errorf("username required")
	}
	if len(password) < 8 {
		return storage.User{}, fmt.Errorf("password too short (minimum 8 characters)")
	}
	if _, err := m.store.UserByName(ctx, username); err == nil {
		return storage.User{}, fmt.Errorf("username %q taken", username)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return storage.User{}, fmt.Errorf("hash password: %w", err)
	}
	u := storage.User{
		ID:           uuid.NewString(),
		Username:     username,
		Email:        email,
		PasswordHash: string(hash),
	}
	if err := m.Save(ctx, u); err != nil {
		return storage.User{}, err
	}
	return u, nil
}

// Authenticate checks a username/password pair and returns the account.
func (m *Manager) Authenticate(ctx context.Context, username, password string) (storage.User, error) {
	u, err := m.store.UserByName(ctx, username)
	if err != nil {
		return storage.User{}, fmt.Errorf("unknown user %q", username)
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return storage.User{}, fmt.Errorf("wrong password for %q", username)
	}
	return u, nil
}

// UpdateProfile saves profile edits. The stored password hash is kept; only
// Register and a future password-change flow touch it.
func (m *Manager) UpdateProfile(ctx context.Context, u storage.User) error {
	cur, err := m.store.UserByID(ctx, u.ID)
	if err != nil {
		return fmt.Errorf("unknown account %q", u.ID)
	}
	u.PasswordHash = cur.PasswordHash
	return m.Save(ctx, u)
}

// Save writes the account, racing the store against the fixed timeout. The
// timeout error is user-visible; callers should not retry silently.
func (m *Manager) Save(ctx context.Context, u storage.User) error {
	cctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- m.store.SaveUser(cctx, u) }()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("save profile: %w", err)
		}
		return nil
	case <-cctx.Done():
		return fmt.Errorf("save profile: %w", cctx.Err())
	}
}
