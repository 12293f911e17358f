package bridge

import (
	"log"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/petervdpas/meshroom/internal/chat"
	"github.com/petervdpas/meshroom/internal/session"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 65536,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// frame is the envelope written to event subscribers.
type frame struct {
	Type   string           `json:"type"`
	Update *session.Update  `json:"update,omitempty"`
	Chat   *chat.Message    `json:"message,omitempty"`
	Notes  *string          `json:"notes,omitempty"`
	State  *session.Snapshot `json:"state,omitempty"`
}

// registerEvents wires GET /ws: an initial state frame, then session
// updates, chat messages and (when notes run) notes changes as they happen.
func registerEvents(mux *http.ServeMux, d Deps) {
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("BRIDGE: ws upgrade failed: %v", err)
			return
		}
		go serveEvents(conn, d)
	})
}

func serveEvents(conn *websocket.Conn, d Deps) {
	defer conn.Close()

	updates, cancelUpdates := d.Session.Subscribe()
	defer cancelUpdates()
	messages, cancelMessages := d.Chat.Subscribe()
	defer cancelMessages()

	var changes chan string
	if d.Notes != nil {
		var cancelChanges func()
		changes, cancelChanges = d.Notes.Subscribe()
		defer cancelChanges()
	}

	// Drain the read side so control frames are processed and a client
	// close ends the loop below.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	snap := d.Session.Snapshot()
	if err := conn.WriteJSON(frame{Type: "state", State: &snap}); err != nil {
		return
	}

	for {
		select {
		case up, ok := <-updates:
			if !ok {
				return
			}
			if err := conn.WriteJSON(frame{Type: "update", Update: &up}); err != nil {
				return
			}
		case msg, ok := <-messages:
			if !ok {
				return
			}
			if err := conn.WriteJSON(frame{Type: "chat", Chat: &msg}); err != nil {
				return
			}
		case content, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			if err := conn.WriteJSON(frame{Type: "notes", Notes: &content}); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}
