package profile

import (
	"context"
	"testing"
	"time"

	"github.com/petervdpas/meshroom/internal/storage"
)

type memStore struct {
	byName map[string]storage.User
	delay  time.Duration
}

func newMemStore() *memStore {
	return &memStore{byName: make(map[string]storage.User)}
}

func (s *memStore) SaveUser(ctx context.Context, u storage.User) error {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.byName[u.Username] = u
	return nil
}

func (s *memStore) UserByID(_ context.Context, id string) (storage.User, error) {
	for _, u := range s.byName {
		if u.ID == id {
			return u, nil
		}
	}
	return storage.User{}, storage.ErrNotFound
}

func (s *memStore) UserByName(_ context.Context, username string) (storage.User, error) {
	u, ok := s.byName[username]
	if !ok {
		return storage.User{}, storage.ErrNotFound
	}
	return u, nil
}

func TestRegisterAndAuthenticate(t *testing.T) {
	m := New(newMemStore(), 0)
	ctx := context.Background()

	u, err := m.Register(ctx, "una", "una@example.com", "correct horse")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if u.PasswordHash == "correct horse" {
		t.Fatal("password stored in the clear")
	}

	got, err := m.Authenticate(ctx, "una", "correct horse")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if got.ID != u.ID {
		t.Fatalf("authenticated id %q, want %q", got.ID, u.ID)
	}

	if _, err := m.Authenticate(ctx, "una", "wrong"); err == nil {
		t.Fatal("wrong password accepted")
	}
	if _, err := m.Register(ctx, "una", "", "another pass"); err == nil {
		t.Fatal("duplicate username accepted")
	}
}

func TestRegisterValidation(t *testing.T) {
	m := New(newMemStore(), 0)
	ctx := context.Background()

	if _, err := m.Register(ctx, "  ", "", "long enough"); err == nil {
		t.Fatal("blank username accepted")
	}
	if _, err := m.Register(ctx, "una", "", "short"); err == nil {
		t.Fatal("short password accepted")
	}
}

func TestUpdateProfileKeepsPasswordHash(t *testing.T) {
	m := New(newMemStore(), 0)
	ctx := context.Background()

	u, err := m.Register(ctx, "una", "una@example.com", "correct horse")
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	edit := u
	edit.Email = "new@example.com"
	edit.PasswordHash = "" // a bridge client never sees the hash
	if err := m.UpdateProfile(ctx, edit); err != nil {
		t.Fatalf("update: %v", err)
	}

	if _, err := m.Authenticate(ctx, "una", "correct horse"); err != nil {
		t.Fatalf("password lost on profile edit: %v", err)
	}
	got, _ := m.Authenticate(ctx, "una", "correct horse")
	if got.Email != "new@example.com" {
		t.Fatalf("email = %q after edit", got.Email)
	}
}

func TestSaveTimesOut(t *testing.T) {
	store := newMemStore()
	store.delay = time.Second
	m := New(store, 20*time.Millisecond)

	err := m.Save(context.Background(), storage.User{ID: "u1", Username: "una"})
	if err == nil {
		t.Fatal("save against wedged store succeeded")
	}
}
