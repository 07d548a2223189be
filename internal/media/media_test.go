package media

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00\x1f\x15\xc4\x89")

func TestSaveImage(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocalStore(dir, "http://localhost:8080/", 0)
	if err != nil {
		t.Fatalf("NewLocalStore returned error: %v", err)
	}

	up, err := store.Save(context.Background(), "avatar.png", bytes.NewReader(pngHeader))
	if err != nil {
		t.Fatalf("Save returned error: %v", err)
	}
	if up.ContentType != "image/png" || !up.IsImage() {
		t.Fatalf("ContentType = %q, want image/png", up.ContentType)
	}
	if !strings.HasPrefix(up.URL, "http://localhost:8080/api/files/") || !strings.HasSuffix(up.URL, ".png") {
		t.Fatalf("URL = %q", up.URL)
	}

	name := strings.TrimPrefix(up.URL, "http://localhost:8080/api/files/")
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("stored file missing: %v", err)
	}
	if !bytes.Equal(data, pngHeader) {
		t.Fatalf("stored %d bytes, want %d", len(data), len(pngHeader))
	}
}

func TestRemove(t *testing.T) {
	dir := t.TempDir()
	store, _ := NewLocalStore(dir, "http://localhost:8080", 0)
	ctx := context.Background()

	up, err := store.Save(ctx, "avatar.png", bytes.NewReader(pngHeader))
	if err != nil {
		t.Fatalf("Save returned error: %v", err)
	}
	if err := store.Remove(ctx, up.URL); err != nil {
		t.Fatalf("Remove returned error: %v", err)
	}
	if entries, _ := os.ReadDir(dir); len(entries) != 0 {
		t.Fatalf("%d files left after Remove", len(entries))
	}
	if err := store.Remove(ctx, up.URL); err != nil {
		t.Fatalf("second Remove returned error: %v", err)
	}

	for _, url := range []string{
		"http://elsewhere.example/api/files/a.png",
		"http://localhost:8080/api/files/../chatpat.db",
		"http://localhost:8080/api/files/",
	} {
		if err := store.Remove(ctx, url); err == nil {
			t.Errorf("Remove(%q) succeeded, want error", url)
		}
	}
}

func TestSaveRejectsUnsupportedType(t *testing.T) {
	dir := t.TempDir()
	store, _ := NewLocalStore(dir, "", 0)

	tests := []struct {
		name string
		body []byte
	}{
		{name: "plain text", body: []byte("just some words, not a picture")},
		{name: "pdf", body: []byte("%PDF-1.7\n%\xe2\xe3\xcf\xd3\n")},
		{name: "empty", body: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := store.Save(context.Background(), "photo.png", bytes.NewReader(tt.body))
			if !errors.Is(err, ErrUnsupportedType) {
				t.Fatalf("Save error = %v, want ErrUnsupportedType", err)
			}
		})
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("rejected uploads left %d files behind", len(entries))
	}
}

func TestSaveEnforcesMaxSize(t *testing.T) {
	dir := t.TempDir()
	store, _ := NewLocalStore(dir, "", int64(len(pngHeader)+10))

	body := append(append([]byte{}, pngHeader...), bytes.Repeat([]byte{0}, 100)...)
	_, err := store.Save(context.Background(), "big.png", bytes.NewReader(body))
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("Save error = %v, want ErrTooLarge", err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("oversized upload left %d files behind", len(entries))
	}
}
