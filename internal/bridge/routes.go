package bridge

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/petervdpas/meshroom/internal/chat"
	"github.com/petervdpas/meshroom/internal/session"
	"github.com/petervdpas/meshroom/internal/storage"
)

func register(mux *http.ServeMux, d Deps) {
	registerState(mux, d)
	registerChat(mux, d)
	registerControls(mux, d)
	if d.Notes != nil {
		registerNotes(mux, d)
	}
	if d.Attach != nil {
		registerAttachments(mux, d)
	}
	if d.Profile != nil {
		registerProfile(mux, d)
	}
	registerEvents(mux, d)
}

func registerState(mux *http.ServeMux, d Deps) {
	// GET /api/state — current session snapshot.
	handleGet(mux, "/api/state", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, d.Session.Snapshot())
	})

	// GET /api/filters — the known filter catalogue.
	handleGet(mux, "/api/filters", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, session.Filters)
	})
}

func registerChat(mux *http.ServeMux, d Deps) {
	// POST /api/chat — send a message.
	handlePost(mux, "/api/chat", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Body       string           `json:"body"`
			Attachment *chat.Attachment `json:"attachment,omitempty"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request body", http.StatusBadRequest)
			return
		}
		if strings.TrimSpace(req.Body) == "" && req.Attachment == nil {
			http.Error(w, "empty message", http.StatusBadRequest)
			return
		}
		msg, err := d.Chat.Send(req.Body, req.Attachment)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		writeJSON(w, msg)
	})

	// GET /api/chat/history — persisted tail plus the live render list.
	handleGet(mux, "/api/chat/history", func(w http.ResponseWriter, r *http.Request) {
		d.Chat.History(r.Context())
		writeJSON(w, d.Chat.Messages())
	})
}

func registerControls(mux *http.ServeMux, d Deps) {
	// POST /api/admit and /api/deny — waiting room decisions (host only).
	decision := func(admit bool) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				UserID string `json:"userId"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
				http.Error(w, "missing userId", http.StatusBadRequest)
				return
			}
			var err error
			if admit {
				err = d.Session.Admit(req.UserID)
			} else {
				err = d.Session.Deny(req.UserID)
			}
			if err != nil {
				http.Error(w, err.Error(), http.StatusForbidden)
				return
			}
			writeJSON(w, map[string]string{"status": "ok"})
		}
	}
	handlePost(mux, "/api/admit", decision(true))
	handlePost(mux, "/api/deny", decision(false))

	// POST /api/filter — set the local video filter.
	handlePost(mux, "/api/filter", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Filter string `json:"filter"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request body", http.StatusBadRequest)
			return
		}
		if err := d.Session.SetFilter(req.Filter); err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		writeJSON(w, map[string]string{"status": "ok"})
	})

	// POST /api/mute and /api/video — local device toggles; they surface
	// in every later snapshot and event frame.
	handlePost(mux, "/api/mute", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Muted bool `json:"muted"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request body", http.StatusBadRequest)
			return
		}
		d.Session.SetMuted(req.Muted)
		writeJSON(w, map[string]string{"status": "ok"})
	})
	handlePost(mux, "/api/video", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Enabled bool `json:"enabled"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request body", http.StatusBadRequest)
			return
		}
		d.Session.SetVideoEnabled(req.Enabled)
		writeJSON(w, map[string]string{"status": "ok"})
	})

	// POST /api/recording — toggle recording (host only).
	handlePost(mux, "/api/recording", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			On bool `json:"on"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request body", http.StatusBadRequest)
			return
		}
		var err error
		if req.On {
			err = d.Session.StartRecording()
		} else {
			err = d.Session.StopRecording()
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusForbidden)
			return
		}
		writeJSON(w, map[string]string{"status": "ok"})
	})

	// POST /api/end — end the meeting for everyone (host only).
	handlePost(mux, "/api/end", func(w http.ResponseWriter, r *http.Request) {
		if err := d.Session.EndMeeting(); err != nil {
			http.Error(w, err.Error(), http.StatusForbidden)
			return
		}
		writeJSON(w, map[string]string{"status": "ok"})
	})
}

func registerNotes(mux *http.ServeMux, d Deps) {
	mux.HandleFunc("/api/notes", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, map[string]string{"content": d.Notes.Content()})
		case http.MethodPut:
			var req struct {
				Content string `json:"content"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "bad request body", http.StatusBadRequest)
				return
			}
			d.Notes.Set(req.Content)
			writeJSON(w, map[string]string{"status": "ok"})
		case http.MethodDelete:
			if err := d.Notes.Clear(); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, map[string]string{"status": "ok"})
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})

	// GET /api/notes/export — notes rendered as standalone HTML.
	handleGet(mux, "/api/notes/export", func(w http.ResponseWriter, r *http.Request) {
		out, err := d.Notes.ExportHTML()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(out)
	})
}

func registerProfile(mux *http.ServeMux, d Deps) {
	// POST /api/register — create an account.
	handlePost(mux, "/api/register", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Username string `json:"username"`
			Email    string `json:"email"`
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request body", http.StatusBadRequest)
			return
		}
		u, err := d.Profile.Register(r.Context(), req.Username, req.Email, req.Password)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, u)
	})

	// POST /api/login — check credentials, return the account.
	handlePost(mux, "/api/login", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request body", http.StatusBadRequest)
			return
		}
		u, err := d.Profile.Authenticate(r.Context(), req.Username, req.Password)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		writeJSON(w, u)
	})

	// PUT /api/profile — save profile edits.
	mux.HandleFunc("/api/profile", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var u storage.User
		if err := json.NewDecoder(r.Body).Decode(&u); err != nil || u.ID == "" {
			http.Error(w, "bad request body", http.StatusBadRequest)
			return
		}
		if err := d.Profile.UpdateProfile(r.Context(), u); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, map[string]string{"status": "ok"})
	})
}

func registerAttachments(mux *http.ServeMux, d Deps) {
	// POST /api/attachments — multipart upload, returns the reference to
	// carry in a chat message.
	handlePost(mux, "/api/attachments", func(w http.ResponseWriter, r *http.Request) {
		file, header, err := r.FormFile("file")
		if err != nil {
			http.Error(w, "missing file field", http.StatusBadRequest)
			return
		}
		defer file.Close()
		ref, err := d.Attach.Put(header.Filename, header.Header.Get("Content-Type"), file)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{
			"url":      ref.URL(),
			"name":     ref.Name,
			"mimeType": ref.MimeType,
			"size":     ref.Size,
		})
	})

	// GET /attachments/{hash} — serve a stored attachment.
	handleGet(mux, "/attachments/", func(w http.ResponseWriter, r *http.Request) {
		hash := strings.TrimPrefix(r.URL.Path, "/attachments/")
		rc, err := d.Attach.Open(hash)
		if err != nil {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		defer rc.Close()
		_, _ = io.Copy(w, rc)
	})
}
