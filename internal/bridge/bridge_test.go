package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/petervdpas/meshroom/internal/channel"
	"github.com/petervdpas/meshroom/internal/chat"
	"github.com/petervdpas/meshroom/internal/peerlink"
	"github.com/petervdpas/meshroom/internal/profile"
	"github.com/petervdpas/meshroom/internal/session"
	"github.com/petervdpas/meshroom/internal/storage"
)

type userStore struct {
	mu     sync.Mutex
	byName map[string]storage.User
}

func (s *userStore) SaveUser(_ context.Context, u storage.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.byName == nil {
		s.byName = make(map[string]storage.User)
	}
	s.byName[u.Username] = u
	return nil
}

func (s *userStore) UserByID(_ context.Context, id string) (storage.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.byName {
		if u.ID == id {
			return u, nil
		}
	}
	return storage.User{}, storage.ErrNotFound
}

func (s *userStore) UserByName(_ context.Context, name string) (storage.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byName[name]
	if !ok {
		return storage.User{}, storage.ErrNotFound
	}
	return u, nil
}

type stubLink struct{}

func (stubLink) Signal(peerlink.Signal) error { return nil }
func (stubLink) Close()                       {}

func stubFactory(peerlink.Config) (peerlink.Link, error) { return stubLink{}, nil }

func newTestServer(t *testing.T) (*httptest.Server, *session.Coordinator) {
	return newServerAs(t, true)
}

func newServerAs(t *testing.T, host bool) (*httptest.Server, *session.Coordinator) {
	t.Helper()
	hub := channel.NewHub()
	ch := hub.Connect("host-1")
	sess := session.New(session.Config{
		Channel: ch,
		Links:   stubFactory,
		Self:    session.Identity{ID: "host-1", Username: "Alice"},
		Host:    host,
		Filter:  "none",
	})
	if err := sess.Join(); err != nil {
		t.Fatalf("join: %v", err)
	}
	t.Cleanup(sess.Leave)

	chatMgr := chat.New(chat.Config{
		Channel:  ch,
		RoomID:   "room-1",
		SelfID:   "host-1",
		Username: "Alice",
	})

	mux := http.NewServeMux()
	prof := profile.New(&userStore{}, time.Second)
	register(mux, Deps{Session: sess, Chat: chatMgr, Profile: prof})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, sess
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	return resp
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached within deadline")
}

func TestStateReportsHostSnapshot(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/state")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	defer resp.Body.Close()

	var snap session.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.PhaseName != "admitted" || !snap.Host {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap.Self.Username != "Alice" {
		t.Fatalf("self = %+v", snap.Self)
	}
}

func TestFilterCatalogueAndSetFilter(t *testing.T) {
	srv, sess := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/filters")
	if err != nil {
		t.Fatalf("get filters: %v", err)
	}
	var filters []string
	if err := json.NewDecoder(resp.Body).Decode(&filters); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()
	if len(filters) == 0 || filters[0] != "none" {
		t.Fatalf("catalogue = %v", filters)
	}

	resp = postJSON(t, srv.URL+"/api/filter", map[string]string{"filter": "sepia"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("set filter status = %d", resp.StatusCode)
	}
	if got := sess.Snapshot().Filter; got != "sepia" {
		t.Fatalf("filter after set = %q", got)
	}

	resp = postJSON(t, srv.URL+"/api/filter", map[string]string{"filter": "vaporwave"})
	resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		t.Fatal("unknown filter must be rejected")
	}
}

func TestChatSendShowsUpInHistory(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/chat", map[string]string{"body": "hello @Bob"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("send status = %d", resp.StatusCode)
	}
	var sent chat.Message
	if err := json.NewDecoder(resp.Body).Decode(&sent); err != nil {
		t.Fatalf("decode sent: %v", err)
	}
	if sent.Body != "hello @Bob" || sent.Username != "Alice" {
		t.Fatalf("sent = %+v", sent)
	}

	hist, err := http.Get(srv.URL + "/api/chat/history")
	if err != nil {
		t.Fatalf("get history: %v", err)
	}
	defer hist.Body.Close()
	var msgs []chat.Message
	if err := json.NewDecoder(hist.Body).Decode(&msgs); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != sent.ID {
		t.Fatalf("history = %+v", msgs)
	}
}

func TestEmptyChatMessageRejected(t *testing.T) {
	srv, _ := newTestServer(t)
	resp := postJSON(t, srv.URL+"/api/chat", map[string]string{"body": "   "})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestRecordingToggleReflectsInSnapshot(t *testing.T) {
	srv, sess := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/recording", map[string]bool{"on": true})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start status = %d", resp.StatusCode)
	}
	waitFor(t, func() bool { return sess.Snapshot().Recording })

	resp = postJSON(t, srv.URL+"/api/recording", map[string]bool{"on": false})
	resp.Body.Close()
	waitFor(t, func() bool { return !sess.Snapshot().Recording })
}

func TestHostControlsForbiddenForGuests(t *testing.T) {
	srv, _ := newServerAs(t, false)

	for _, route := range []string{"/api/admit", "/api/deny"} {
		resp := postJSON(t, srv.URL+route, map[string]string{"userId": "somebody"})
		resp.Body.Close()
		if resp.StatusCode != http.StatusForbidden {
			t.Fatalf("%s status = %d", route, resp.StatusCode)
		}
	}
	resp := postJSON(t, srv.URL+"/api/recording", map[string]bool{"on": true})
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("recording status = %d", resp.StatusCode)
	}
	resp = postJSON(t, srv.URL+"/api/end", map[string]string{})
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("end status = %d", resp.StatusCode)
	}
}

func TestMuteAndVideoTogglesSurfaceInState(t *testing.T) {
	srv, sess := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/mute", map[string]bool{"muted": true})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("mute status = %d", resp.StatusCode)
	}
	resp = postJSON(t, srv.URL+"/api/video", map[string]bool{"enabled": true})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("video status = %d", resp.StatusCode)
	}
	waitFor(t, func() bool {
		snap := sess.Snapshot()
		return snap.Muted && snap.VideoEnabled
	})

	state, err := http.Get(srv.URL + "/api/state")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	defer state.Body.Close()
	var snap session.Snapshot
	if err := json.NewDecoder(state.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !snap.Muted || !snap.VideoEnabled {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestRegisterLoginAndProfileUpdate(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/register", map[string]string{
		"username": "alice", "email": "alice@example.com", "password": "hunter22!",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("register status = %d", resp.StatusCode)
	}
	var u storage.User
	if err := json.NewDecoder(resp.Body).Decode(&u); err != nil {
		t.Fatalf("decode register: %v", err)
	}
	resp.Body.Close()
	if u.ID == "" || u.Username != "alice" {
		t.Fatalf("registered user = %+v", u)
	}

	resp = postJSON(t, srv.URL+"/api/login", map[string]string{
		"username": "alice", "password": "wrong-password",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad login status = %d", resp.StatusCode)
	}
	resp = postJSON(t, srv.URL+"/api/login", map[string]string{
		"username": "alice", "password": "hunter22!",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d", resp.StatusCode)
	}

	u.Email = "alice@meshroom.example"
	body, _ := json.Marshal(u)
	req, _ := http.NewRequest(http.MethodPut, srv.URL+"/api/profile", bytes.NewReader(body))
	put, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("put profile: %v", err)
	}
	put.Body.Close()
	if put.StatusCode != http.StatusOK {
		t.Fatalf("profile status = %d", put.StatusCode)
	}

	// Login still works after the edit: the stored hash survived.
	resp = postJSON(t, srv.URL+"/api/login", map[string]string{
		"username": "alice", "password": "hunter22!",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login after edit status = %d", resp.StatusCode)
	}
	var after storage.User
	if err := json.NewDecoder(resp.Body).Decode(&after); err != nil {
		t.Fatalf("decode login: %v", err)
	}
	if after.Email != "alice@meshroom.example" {
		t.Fatalf("email after edit = %q", after.Email)
	}
}

func TestEventsStreamStartsWithState(t *testing.T) {
	srv, _ := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var first frame
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read first frame: %v", err)
	}
	if first.Type != "state" || first.State == nil {
		t.Fatalf("first frame = %+v", first)
	}
	if first.State.PhaseName != "admitted" {
		t.Fatalf("state phase = %q", first.State.PhaseName)
	}
}
