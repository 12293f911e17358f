// Package notes keeps the per-room shared meeting notes. Edits are debounced
// before hitting the store, an optional on-disk markdown file is kept in sync
// both ways, and the notes can be exported as minified HTML.
package notes

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	chromahtml "github.com/alecthomas/chroma/v2/formatters/html"
	"github.com/fsnotify/fsnotify"
	"github.com/tdewolff/minify/v2"
	minhtml "github.com/tdewolff/minify/v2/html"
	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting/v2"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

// DefaultDebounce matches the autosave cadence of the editor: rapid edits
// collapse into one write.
const DefaultDebounce = 2 * time.Second

const saveTimeout = 5 * time.Second

// Store is the persistence surface notes need. internal/storage satisfies it.
type Store interface {
	SaveNotes(ctx context.Context, roomID, content string) error
	Notes(ctx context.Context, roomID string) (string, error)
}

// Config wires a notes Manager.
type Config struct {
	Store    Store
	RoomID   string
	Debounce time.Duration

	// ExportPath, when set, mirrors the notes to a markdown file. External
	// edits to that file flow back in.
	ExportPath string
}

// Manager owns one room's notes.
type Manager struct {
	cfg Config

	mu      sync.Mutex
	content string
	timer   *time.Timer
	selfWr  bool // last file write was ours; skip the watch echo

	watcher *fsnotify.Watcher
	closed  chan struct{}
	once    sync.Once

	listenerMu sync.RWMutex
	listeners  map[chan string]struct{}
}

// New creates the manager and, when an export path is configured, starts
// watching it for external edits.
func New(cfg Config) (*Manager, error) {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	m := &Manager{
		cfg:       cfg,
		closed:    make(chan struct{}),
		listeners: make(map[chan string]struct{}),
	}

	if cfg.ExportPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.ExportPath), 0755); err != nil {
			return nil, fmt.Errorf("create notes dir: %w", err)
		}
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("create fsnotify watcher: %w", err)
		}
		// Watch the directory, not the file: editors replace the inode.
		if err := watcher.Add(filepath.Dir(cfg.ExportPath)); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("watch notes dir: %w", err)
		}
		m.watcher = watcher
		go m.watchLoop()
	}
	return m, nil
}

// Load pulls the persisted notes into memory.
func (m *Manager) Load(ctx context.Context) error {
	content, err := m.cfg.Store.Notes(ctx, m.cfg.RoomID)
	if err != nil {
		return fmt.Errorf("load notes: %w", err)
	}
	m.mu.Lock()
	m.content = content
	m.mu.Unlock()
	m.notify(content)
	return nil
}

// Set replaces the notes and schedules a debounced save. Rapid successive
// calls collapse into one write.
func (m *Manager) Set(content string) {
	m.mu.Lock()
	m.content = content
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(m.cfg.Debounce, func() {
		if err := m.Flush(context.Background()); err != nil {
			log.Printf("NOTES: autosave failed: %v", err)
		}
	})
	m.mu.Unlock()
	m.notify(content)
}

// Clear empties the notes and saves immediately.
func (m *Manager) Clear() error {
	m.mu.Lock()
	m.content = ""
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.mu.Unlock()
	m.notify("")
	return m.Flush(context.Background())
}

// Content returns the current notes.
func (m *Manager) Content() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.content
}

// Flush writes the current notes to the store and the export file now.
func (m *Manager) Flush(ctx context.Context) error {
	m.mu.Lock()
	content := m.content
	m.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, saveTimeout)
	defer cancel()
	if err := m.cfg.Store.SaveNotes(cctx, m.cfg.RoomID, content); err != nil {
		return fmt.Errorf("persist notes: %w", err)
	}

	if m.cfg.ExportPath != "" {
		m.mu.Lock()
		m.selfWr = true
		m.mu.Unlock()
		if err := os.WriteFile(m.cfg.ExportPath, []byte(content), 0644); err != nil {
			return fmt.Errorf("write notes file: %w", err)
		}
	}
	return nil
}

// ExportHTML renders the notes as minified standalone HTML with syntax
// highlighted code blocks.
func (m *Manager) ExportHTML() ([]byte, error) {
	md := goldmark.New(
		goldmark.WithExtensions(
			extension.Table,
			extension.Strikethrough,
			highlighting.NewHighlighting(
				highlighting.WithStyle("monokai"),
				highlighting.WithFormatOptions(chromahtml.WithLineNumbers(false)),
			),
		),
		goldmark.WithRendererOptions(html.WithUnsafe()),
	)

	var buf bytes.Buffer
	if err := md.Convert([]byte(m.Content()), &buf); err != nil {
		return nil, fmt.Errorf("render notes: %w", err)
	}

	min := minify.New()
	min.AddFunc("text/html", minhtml.Minify)
	out, err := min.Bytes("text/html", buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("minify notes: %w", err)
	}
	return out, nil
}

// Subscribe registers a listener for content changes.
func (m *Manager) Subscribe() (ch chan string, cancel func()) {
	ch = make(chan string, 16)

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

// Close stops the watcher and flushes pending edits.
func (m *Manager) Close() error {
	var err error
	m.once.Do(func() {
		close(m.closed)
		if m.watcher != nil {
			m.watcher.Close()
		}
		m.mu.Lock()
		pending := m.timer != nil
		if m.timer != nil {
			m.timer.Stop()
			m.timer = nil
		}
		m.mu.Unlock()
		if pending {
			err = m.Flush(context.Background())
		}
	})
	return err
}

func (m *Manager) watchLoop() {
	for {
		select {
		case <-m.closed:
			return
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if event.Name != m.cfg.ExportPath {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			m.mu.Lock()
			if m.selfWr {
				m.selfWr = false
				m.mu.Unlock()
				continue
			}
			m.mu.Unlock()
			data, err := os.ReadFile(m.cfg.ExportPath)
			if err != nil {
				log.Printf("NOTES: reload failed: %v", err)
				continue
			}
			log.Printf("NOTES: external edit picked up (%d bytes)", len(data))
			m.Set(string(data))
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("NOTES: watcher error: %v", err)
		}
	}
}

func (m *Manager) notify(content string) {
	m.listenerMu.RLock()
	for ch := range m.listeners {
		select {
		case ch <- content:
		default:
		}
	}
	m.listenerMu.RUnlock()
}
