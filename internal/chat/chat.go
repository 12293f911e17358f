// Package chat relays room messages over the realtime channel: optimistic
// local append, best-effort broadcast, asynchronous persistence. The channel
// carries the message; the store only backs history.
package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petervdpas/meshroom/internal/channel"
	"github.com/petervdpas/meshroom/internal/util"
)

// wireEvent mirrors the session event catalogue — avoids importing
// internal/session.
const wireEvent = "receive-message"

// HistoryLimit is the default history window: the most recent messages,
// oldest first. There is no backfill past this.
const HistoryLimit = 100

// Attachment references an uploaded file carried with a message.
type Attachment struct {
	URL      string `json:"url"`
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
}

// Message is one chat message as it travels on the wire and rests in the
// store.
type Message struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"roomId"`
	UserID    string    `json:"userId"`
	Username  string    `json:"username"`
	Body      string    `json:"body"`
	FileURL   string    `json:"fileUrl,omitempty"`
	FileName  string    `json:"fileName,omitempty"`
	FileType  string    `json:"fileType,omitempty"`
	CreatedAt time.Time `json:"createdAt"`

	// Mention is set locally when the body addresses this participant.
	// It never travels on the wire.
	Mention bool `json:"-"`
}

// Store is the persistence surface chat needs. internal/storage satisfies it.
type Store interface {
	SaveMessage(ctx context.Context, m Message) error
	RecentMessages(ctx context.Context, roomID string, n int) ([]Message, error)
}

// Config wires a chat Manager.
type Config struct {
	Channel     channel.Channel
	Store       Store // may be nil: no persistence
	RoomID      string
	SelfID      string
	Username    string
	SaveTimeout time.Duration

	// HistoryLimit caps the render list and the persisted tail loaded by
	// History. Zero or negative means HistoryLimit.
	HistoryLimit int
}

// Manager holds the render list and relays messages.
type Manager struct {
	cfg  Config
	ring *util.RingBuffer[Message]

	mu   sync.Mutex
	seen map[string]bool // createdAt|userId

	listenerMu sync.RWMutex
	listeners  map[chan Message]struct{}
}

// New creates a chat manager for one room.
func New(cfg Config) *Manager {
	if cfg.SaveTimeout <= 0 {
		cfg.SaveTimeout = util.DefaultFetchTimeout
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = HistoryLimit
	}
	return &Manager{
		cfg:       cfg,
		ring:      util.NewRingBuffer[Message](cfg.HistoryLimit),
		seen:      make(map[string]bool),
		listeners: make(map[chan Message]struct{}),
	}
}

// Send appends the message locally, broadcasts it and persists it in the
// background. The local copy is visible before the broadcast settles; a
// failed persist is logged and otherwise ignored.
func (m *Manager) Send(body string, att *Attachment) (Message, error) {
	msg := Message{
		ID:        uuid.NewString(),
		RoomID:    m.cfg.RoomID,
		UserID:    m.cfg.SelfID,
		Username:  m.cfg.Username,
		Body:      body,
		CreatedAt: time.Now().UTC(),
	}
	if att != nil {
		msg.FileURL = att.URL
		msg.FileName = att.Name
		msg.FileType = att.MimeType
	}

	m.remember(msg)
	m.ring.Push(msg)
	m.notify(msg)

	if err := m.cfg.Channel.Broadcast(wireEvent, msg); err != nil {
		return msg, fmt.Errorf("broadcast message: %w", err)
	}

	if m.cfg.Store != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), m.cfg.SaveTimeout)
			defer cancel()
			if err := m.cfg.Store.SaveMessage(ctx, msg); err != nil {
				log.Printf("CHAT: persist failed for %s: %v", msg.ID, err)
			}
		}()
	}
	return msg, nil
}

// HandleIncoming consumes one receive-message payload from the channel. The
// session coordinator forwards these. Own messages are dropped (the
// optimistic copy is already displayed) and duplicates are deduplicated by
// (createdAt, userId).
func (m *Manager) HandleIncoming(from string, raw json.RawMessage) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		log.Printf("CHAT: bad message payload from %s: %v", from, err)
		return
	}
	if msg.UserID == m.cfg.SelfID {
		return
	}
	if !m.remember(msg) {
		return
	}
	if m.cfg.Username != "" && strings.Contains(msg.Body, "@"+m.cfg.Username) {
		msg.Mention = true
	}
	m.ring.Push(msg)
	m.notify(msg)
}

// History loads the persisted tail of the room into the render list. Errors
// degrade to an empty history.
func (m *Manager) History(ctx context.Context) []Message {
	if m.cfg.Store == nil {
		return nil
	}
	msgs, err := m.cfg.Store.RecentMessages(ctx, m.cfg.RoomID, m.cfg.HistoryLimit)
	if err != nil {
		log.Printf("CHAT: history fetch failed: %v", err)
		return nil
	}
	for _, msg := range msgs {
		if m.remember(msg) {
			m.ring.Push(msg)
		}
	}
	return msgs
}

// Messages returns the current render list, oldest first.
func (m *Manager) Messages() []Message { return m.ring.Snapshot() }

// remember marks a message as seen. Returns false when it was already known.
func (m *Manager) remember(msg Message) bool {
	key := fmt.Sprintf("%d|%s", msg.CreatedAt.UnixNano(), msg.UserID)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen[key] {
		return false
	}
	m.seen[key] = true
	return true
}

// Subscribe registers a listener for newly arrived messages.
func (m *Manager) Subscribe() (ch chan Message, cancel func()) {
	ch = make(chan Message, 64)

	m.listenerMu.Lock()
	m.listeners[ch] = struct{}{}
	m.listenerMu.Unlock()

	cancel = func() {
		m.listenerMu.Lock()
		if _, ok := m.listeners[ch]; ok {
			delete(m.listeners, ch)
			close(ch)
		}
		m.listenerMu.Unlock()
	}
	return ch, cancel
}

func (m *Manager) notify(msg Message) {
	m.listenerMu.RLock()
	for ch := range m.listeners {
		select {
		case ch <- msg:
		default:
			log.Printf("CHAT: slow listener, message dropped")
		}
	}
	m.listenerMu.RUnlock()
}
