// Package app assembles a running participant: identity, p2p node, room
// channel, media capture, the session coordinator and the local bridge.
package app

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/petervdpas/meshroom/internal/attach"
	"github.com/petervdpas/meshroom/internal/bridge"
	"github.com/petervdpas/meshroom/internal/channel"
	"github.com/petervdpas/meshroom/internal/chat"
	"github.com/petervdpas/meshroom/internal/config"
	"github.com/petervdpas/meshroom/internal/media"
	"github.com/petervdpas/meshroom/internal/node"
	"github.com/petervdpas/meshroom/internal/notes"
	"github.com/petervdpas/meshroom/internal/profile"
	"github.com/petervdpas/meshroom/internal/record"
	"github.com/petervdpas/meshroom/internal/roomauth"
	"github.com/petervdpas/meshroom/internal/session"
	"github.com/petervdpas/meshroom/internal/storage"
	"github.com/petervdpas/meshroom/internal/util"
)

// Options select how Run enters a room.
type Options struct {
	PeerDir string
	CfgPath string
	Cfg     config.Config

	// RoomID creates a new room with the caller as host. Mutually
	// exclusive with Invite.
	RoomID string

	// Invite is a signed invitation token; the room and the host flag
	// come out of its claims.
	Invite string
}

// Run joins the room and blocks until the context is cancelled or the
// meeting ends.
func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// ── Room identity: who we are in this room, and whether we host it.
	// The host mints self-contained invites (verification secret bundled
	// with the signed token), so guests need no prior key exchange.
	var roomID string
	var isHost bool
	var err error
	switch {
	case opt.Invite != "":
		claims, err := roomauth.ParseInvite(opt.Invite)
		if err != nil {
			return fmt.Errorf("invite token: %w", err)
		}
		roomID, isHost = claims.RoomID, claims.Host
	default:
		roomID, err = util.ValidateRoomID(opt.RoomID)
		if err != nil {
			return err
		}
		isHost = true
	}

	log.Printf("APP: room %s (host=%v)", roomID, isHost)
	if isHost {
		secret, err := ensureSecret(util.ResolvePath(opt.PeerDir, cfg.Room.InviteSecretFile))
		if err != nil {
			return err
		}
		keeper, err := roomauth.New(secret, roomauth.DefaultTTL)
		if err != nil {
			return err
		}
		invite, err := keeper.MintInvite(roomID)
		if err != nil {
			return fmt.Errorf("mint invite: %w", err)
		}
		log.Println("────────────────────────────────────────────────────────")
		log.Printf("🔑 Invite token for room %s:", roomID)
		log.Printf("   %s", invite)
		log.Println("────────────────────────────────────────────────────────")
	}

	// ── Database
	db, err := storage.Open(opt.PeerDir)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	// ── P2P node
	keyPath := util.ResolvePath(opt.PeerDir, cfg.Identity.KeyFile)
	nd, err := node.New(ctx, cfg.P2P.ListenPort, keyPath, cfg.P2P.MdnsTag)
	if err != nil {
		return err
	}
	defer nd.Close()
	log.Printf("APP: peer id %s", nd.ID())

	// ── Room channel
	ch, err := channel.JoinRoom(ctx, nd.PubSub, channel.Options{
		TopicPrefix: cfg.Room.TopicPrefix,
		RoomID:      roomID,
		SelfID:      nd.ID(),
		TTL:         time.Duration(cfg.Room.TTLSec) * time.Second,
		Heartbeat:   time.Duration(cfg.Room.HeartbeatSec) * time.Second,
	})
	if err != nil {
		return fmt.Errorf("join room channel: %w", err)
	}
	defer ch.Close()

	// ── Media capture. Unsupported platforms fall back to receive-only.
	var src media.Source
	if !cfg.Media.VideoDisabled {
		src, err = media.Capture(media.Options{
			PreferredCam: cfg.Media.PreferredCam,
			PreferredMic: cfg.Media.PreferredMic,
		})
		switch {
		case errors.Is(err, media.ErrUnsupported):
			log.Printf("APP: media capture unsupported here, joining receive-only")
		case err != nil:
			return fmt.Errorf("media capture: %w", err)
		default:
			defer src.Close()
		}
	}

	// ── Services around the session
	saveTimeout := time.Duration(cfg.Storage.SaveTimeoutSec) * time.Second

	chatMgr := chat.New(chat.Config{
		Channel:      ch,
		Store:        db,
		RoomID:       roomID,
		SelfID:       nd.ID(),
		Username:     cfg.Profile.Username,
		SaveTimeout:  saveTimeout,
		HistoryLimit: cfg.Room.ChatHistoryLimit,
	})
	chatMgr.History(ctx)

	recorder := record.New(util.ResolvePath(opt.PeerDir, cfg.Storage.RecordDir), roomID)

	var notesMgr *notes.Manager
	{
		exportPath := ""
		if cfg.Storage.NotesFile != "" {
			exportPath = util.ResolvePath(opt.PeerDir, cfg.Storage.NotesFile)
		}
		notesMgr, err = notes.New(notes.Config{
			Store:      db,
			RoomID:     roomID,
			ExportPath: exportPath,
		})
		if err != nil {
			return fmt.Errorf("notes: %w", err)
		}
		defer notesMgr.Close()
		if err := notesMgr.Load(ctx); err != nil {
			log.Printf("APP: notes load failed: %v", err)
		}
	}

	attachStore, err := attach.NewStore(util.ResolvePath(opt.PeerDir, cfg.Storage.AttachDir))
	if err != nil {
		return fmt.Errorf("attachments: %w", err)
	}
	nd.EnableAttach(attachStore)

	// Attachment URLs in chat point at the sender's local bridge; mirror
	// the blob over the attach stream so our own bridge can serve it.
	chatSub, cancelChatSub := chatMgr.Subscribe()
	defer cancelChatSub()
	go func() {
		for msg := range chatSub {
			if msg.FileURL == "" || msg.UserID == nd.ID() {
				continue
			}
			hash := strings.TrimPrefix(msg.FileURL, "/attachments/")
			if attachStore.Has(hash) {
				continue
			}
			fctx, cancelFetch := context.WithTimeout(ctx, util.DefaultFetchTimeout)
			data, err := nd.FetchAttachment(fctx, msg.UserID, hash)
			cancelFetch()
			if err != nil || data == nil {
				log.Printf("APP: attachment %s from %s unavailable: %v", hash, msg.UserID, err)
				continue
			}
			if _, err := attachStore.Put(msg.FileName, msg.FileType, bytes.NewReader(data)); err != nil {
				log.Printf("APP: mirror attachment %s: %v", hash, err)
			}
		}
	}()

	prof := profile.New(db, saveTimeout)

	// ── Session coordinator
	filter := cfg.Media.Filter
	if filter == "" {
		filter = session.Filters[0]
	}
	sess := session.New(session.Config{
		Channel:       ch,
		Media:         src,
		Self:          session.Identity{ID: nd.ID(), Username: cfg.Profile.Username},
		Host:          isHost,
		Filter:        filter,
		OnChat:        chatMgr.HandleIncoming,
		OnRemoteTrack: recorder.HandleTrack,
		SaveFilter: func(f string) error {
			cfg.Media.Filter = f
			return config.Save(opt.CfgPath, cfg)
		},
	})
	if err := sess.Join(); err != nil {
		return fmt.Errorf("join session: %w", err)
	}
	defer sess.Leave()

	// Recording announcements drive the local recorder; a terminal phase
	// ends the run.
	updates, cancelUpdates := sess.Subscribe()
	defer cancelUpdates()
	go func() {
		recording := false
		for {
			select {
			case <-ctx.Done():
				return
			case up, ok := <-updates:
				if !ok {
					return
				}
				if up.Snapshot.Host && up.Snapshot.Recording != recording {
					recording = up.Snapshot.Recording
					if recording {
						if err := recorder.Start(); err != nil {
							log.Printf("APP: recorder start failed: %v", err)
						}
					} else {
						recorder.Stop()
					}
				}
				if up.Snapshot.Phase == session.PhaseEnded || up.Snapshot.Phase == session.PhaseRejected {
					log.Printf("APP: session over (%s)", up.Reason)
					cancel()
					return
				}
			}
		}
	}()

	// ── Bridge
	if cfg.Bridge.HTTPAddr != "" {
		srv, err := bridge.New(cfg.Bridge.HTTPAddr, bridge.Deps{
			Session: sess,
			Chat:    chatMgr,
			Notes:   notesMgr,
			Attach:  attachStore,
			Profile: prof,
		})
		if err != nil {
			return err
		}
		srv.Start()
		defer srv.Close()
	}

	<-ctx.Done()

	log.Println("APP: shutting down")
	recorder.Stop()
	flushCtx, flushCancel := context.WithTimeout(context.Background(), util.DefaultFetchTimeout)
	defer flushCancel()
	if err := notesMgr.Flush(flushCtx); err != nil {
		log.Printf("APP: notes flush failed: %v", err)
	}
	return nil
}

// ensureSecret loads the room token secret, generating one on first run.
func ensureSecret(path string) ([]byte, error) {
	if b, err := os.ReadFile(path); err == nil && len(b) >= 16 {
		return b, nil
	}
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate room secret: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create secret dir: %w", err)
	}
	if err := os.WriteFile(path, secret, 0o600); err != nil {
		return nil, fmt.Errorf("write room secret: %w", err)
	}
	return secret, nil
}
