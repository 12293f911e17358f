package node

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/petervdpas/meshroom/internal/attach"
)

// AttachProtoID identifies the attachment exchange stream.
const AttachProtoID = "/meshroom/attach/1.0.0"

// maxAttachmentSize caps what FetchAttachment is willing to read.
const maxAttachmentSize = 32 * 1024 * 1024

// EnableAttach registers the attachment stream handler backed by store.
// Peers ask for a content hash and get the raw bytes back, so a chat
// attachment uploaded on one node can be served by every node's bridge.
func (n *Node) EnableAttach(store *attach.Store) {
	n.attachStore = store
	n.Host.SetStreamHandler(protocol.ID(AttachProtoID), n.handleAttachStream)
}

func (n *Node) handleAttachStream(s network.Stream) {
	defer s.Close()
	serveAttachment(s, n.attachStore)
}

// serveAttachment answers one request: a hash line in, then "OK <size>\n"
// plus the bytes, or "NONE\n" when the blob is unknown.
func serveAttachment(rw io.ReadWriter, store *attach.Store) {
	rd := bufio.NewReader(rw)
	hash, err := rd.ReadString('\n')
	if err != nil {
		return
	}
	hash = strings.TrimSpace(hash)

	if store == nil {
		_, _ = io.WriteString(rw, "NONE\n")
		return
	}
	f, err := store.Open(hash)
	if err != nil {
		_, _ = io.WriteString(rw, "NONE\n")
		return
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		_, _ = io.WriteString(rw, "NONE\n")
		return
	}
	_, _ = fmt.Fprintf(rw, "OK %d\n", len(data))
	_, _ = rw.Write(data)
}

// FetchAttachment pulls the blob with the given hash from a peer.
// Returns nil bytes and nil error when the peer does not have it.
func (n *Node) FetchAttachment(ctx context.Context, peerID, hash string) ([]byte, error) {
	pid, err := peer.Decode(peerID)
	if err != nil {
		return nil, err
	}

	_ = n.Host.Connect(ctx, peer.AddrInfo{ID: pid})

	s, err := n.Host.NewStream(ctx, pid, protocol.ID(AttachProtoID))
	if err != nil {
		return nil, err
	}
	defer s.Close()

	return requestAttachment(s, hash)
}

func requestAttachment(rw io.ReadWriter, hash string) ([]byte, error) {
	if _, err := fmt.Fprintf(rw, "%s\n", hash); err != nil {
		return nil, err
	}

	rd := bufio.NewReader(rw)
	header, err := rd.ReadString('\n')
	if err != nil {
		return nil, err
	}
	header = strings.TrimSpace(header)

	if header == "NONE" {
		return nil, nil
	}
	if !strings.HasPrefix(header, "OK ") {
		return nil, fmt.Errorf("unexpected response: %q", header)
	}

	size, err := strconv.Atoi(strings.TrimPrefix(header, "OK "))
	if err != nil {
		return nil, fmt.Errorf("bad size: %w", err)
	}
	if size < 0 || size > maxAttachmentSize {
		return nil, fmt.Errorf("refusing attachment size %d", size)
	}

	data := make([]byte, size)
	if _, err := io.ReadFull(rd, data); err != nil {
		return nil, err
	}
	return data, nil
}
