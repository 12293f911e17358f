package attach

import (
	"io"
	"strings"
	"testing"
)

func TestPutAndOpen(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	ref, err := store.Put("notes.pdf", "application/pdf", strings.NewReader("pdf bytes"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if len(ref.Hash) != 16 {
		t.Fatalf("hash %q, want 16 hex chars", ref.Hash)
	}
	if ref.Size != int64(len("pdf bytes")) {
		t.Fatalf("size = %d", ref.Size)
	}

	rc, err := store.Open(ref.Hash)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "pdf bytes" {
		t.Fatalf("content = %q", data)
	}
}

func TestPutIsContentAddressed(t *testing.T) {
	store, _ := NewStore(t.TempDir())

	a, err := store.Put("a.txt", "text/plain", strings.NewReader("same"))
	if err != nil {
		t.Fatalf("put a: %v", err)
	}
	b, err := store.Put("b.txt", "text/plain", strings.NewReader("same"))
	if err != nil {
		t.Fatalf("put b: %v", err)
	}
	if a.Hash != b.Hash {
		t.Fatalf("same content hashed differently: %s vs %s", a.Hash, b.Hash)
	}
	if a.Name != "a.txt" || b.Name != "b.txt" {
		t.Fatalf("names not preserved: %q %q", a.Name, b.Name)
	}
}

func TestOpenRejectsBadHash(t *testing.T) {
	store, _ := NewStore(t.TempDir())
	for _, h := range []string{"", "../../etc/passwd", "XYZ", "0123"} {
		if _, err := store.Open(h); err == nil {
			t.Fatalf("hash %q accepted", h)
		}
	}
}

func TestNameSanitized(t *testing.T) {
	store, _ := NewStore(t.TempDir())
	ref, err := store.Put("../../evil.sh", "text/plain", strings.NewReader("x"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if ref.Name != "evil.sh" {
		t.Fatalf("name = %q, want evil.sh", ref.Name)
	}
}
