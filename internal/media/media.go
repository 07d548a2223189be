// Package media stores uploaded images and videos on local disk and hands
// back the public URL they are served from.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

// sniffLen is how much of the upload mimetype inspects.
const sniffLen = 3072

var (
	ErrUnsupportedType = errors.New("unsupported file type")
	ErrTooLarge        = errors.New("file too large")
)

type Upload struct {
	URL         string
	ContentType string
	Size        int64
}

// IsImage and IsVideo classify by MIME prefix.
func (u Upload) IsImage() bool { return strings.HasPrefix(u.ContentType, "image/") }
func (u Upload) IsVideo() bool { return strings.HasPrefix(u.ContentType, "video/") }

type LocalStore struct {
	dir     string
	baseURL string
	maxSize int64
}

// NewLocalStore serves files written to dir under baseURL + "/api/files/".
// maxSize <= 0 disables the size check.
func NewLocalStore(dir, baseURL string, maxSize int64) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage dir: %w", err)
	}
	return &LocalStore{
		dir:     dir,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		maxSize: maxSize,
	}, nil
}

// Save sniffs the content type from the bytes themselves, rejects anything
// that is not an image or a video, and writes the file under a random name.
func (s *LocalStore) Save(ctx context.Context, filename string, r io.Reader) (Upload, error) {
	head := make([]byte, sniffLen)
	n, err := io.ReadFull(r, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return Upload{}, fmt.Errorf("failed to read upload: %w", err)
	}
	head = head[:n]
	if n == 0 {
		return Upload{}, ErrUnsupportedType
	}

	mtype := mimetype.Detect(head)
	contentType := mtype.String()
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = contentType[:i]
	}
	up := Upload{ContentType: contentType}
	if !up.IsImage() && !up.IsVideo() {
		return Upload{}, fmt.Errorf("%w: %s", ErrUnsupportedType, contentType)
	}

	ext := mtype.Extension()
	if ext == "" {
		ext = strings.ToLower(filepath.Ext(filename))
	}
	name := uuid.NewString() + ext
	path := filepath.Join(s.dir, name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return Upload{}, fmt.Errorf("failed to save file: %w", err)
	}

	src := io.MultiReader(bytes.NewReader(head), r)
	if s.maxSize > 0 {
		src = io.LimitReader(src, s.maxSize+1)
	}
	written, err := io.Copy(f, &ctxReader{ctx: ctx, r: src})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && s.maxSize > 0 && written > s.maxSize {
		err = ErrTooLarge
	}
	if err != nil {
		os.Remove(path)
		if errors.Is(err, ErrTooLarge) {
			return Upload{}, err
		}
		return Upload{}, fmt.Errorf("failed to save file: %w", err)
	}

	up.URL = s.baseURL + "/api/files/" + name
	up.Size = written
	return up, nil
}

// Remove deletes a file previously returned by Save, identified by its URL.
// URLs that do not point into this store are rejected; a file that is
// already gone is not an error.
func (s *LocalStore) Remove(_ context.Context, url string) error {
	name, ok := strings.CutPrefix(url, s.baseURL+"/api/files/")
	if !ok || name == "" || name != filepath.Base(name) || name == ".." {
		return fmt.Errorf("not a stored file: %q", url)
	}
	if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove file: %w", err)
	}
	return nil
}

// ctxReader stops a copy once the request is gone.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
