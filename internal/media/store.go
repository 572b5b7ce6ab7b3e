// Package media downloads inbound attachments into the local media
// store, gating each fetch by a per-account byte cap and normalizing
// oversized images.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"

	"github.com/nextlevelbuilder/msggate/internal/bus"
)

const (
	// DefaultMaxBytes caps one attachment fetch.
	DefaultMaxBytes = 8 * 1024 * 1024
	// maxImageDim bounds stored image dimensions; larger images are
	// downscaled preserving aspect ratio.
	maxImageDim = 2048

	fetchTimeout = 60 * time.Second
)

// ErrTooLarge is returned when an attachment exceeds the byte cap.
var ErrTooLarge = errors.New("media: attachment exceeds size cap")

// Store owns the on-disk media directory.
type Store struct {
	dir      string
	client   *http.Client
	log      *slog.Logger
	maxBytes int64
	// per-account overrides of the byte cap
	accountCaps map[string]int64
	imageDim    int
}

// NewStore creates a media store rooted at dir. client may be nil.
func NewStore(dir string, client *http.Client, log *slog.Logger) *Store {
	if client == nil {
		client = &http.Client{Timeout: fetchTimeout}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		dir:         dir,
		client:      client,
		log:         log.With("component", "media"),
		maxBytes:    DefaultMaxBytes,
		accountCaps: make(map[string]int64),
		imageDim:    maxImageDim,
	}
}

// SetMaxBytes overrides the default per-attachment byte cap.
func (s *Store) SetMaxBytes(maxBytes int64) {
	if maxBytes > 0 {
		s.maxBytes = maxBytes
	}
}

// SetAccountCap overrides the byte cap for one account.
func (s *Store) SetAccountCap(accountID string, maxBytes int64) {
	s.accountCaps[accountID] = maxBytes
}

func (s *Store) capFor(accountID string) int64 {
	if c, ok := s.accountCaps[accountID]; ok && c > 0 {
		return c
	}
	return s.maxBytes
}

// Download fetches one attachment and returns its local path. A
// declared or actual size over the account's cap aborts the fetch.
func (s *Store) Download(ctx context.Context, accountID string, att bus.Attachment) (string, error) {
	limit := s.capFor(accountID)
	if att.Size > limit {
		return "", fmt.Errorf("%w: declared %d > %d", ErrTooLarge, att.Size, limit)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, att.URL, nil)
	if err != nil {
		return "", err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("media: fetch %s: status %d", att.URL, resp.StatusCode)
	}

	dir := filepath.Join(s.dir, safeSegment(accountID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	name := att.Name
	if name == "" {
		name = FilenameFromURL(att.URL)
	}
	dest := filepath.Join(dir, uuid.NewString()[:8]+"-"+safeSegment(name))

	f, err := os.Create(dest)
	if err != nil {
		return "", err
	}
	// Read one byte past the cap so an over-limit body is detected
	// without trusting Content-Length.
	n, err := io.Copy(f, io.LimitReader(resp.Body, limit+1))
	closeErr := f.Close()
	if err != nil {
		os.Remove(dest)
		return "", err
	}
	if closeErr != nil {
		os.Remove(dest)
		return "", closeErr
	}
	if n > limit {
		os.Remove(dest)
		return "", fmt.Errorf("%w: body over %d bytes", ErrTooLarge, limit)
	}

	if isImagePath(name) || strings.HasPrefix(att.MimeType, "image/") {
		if err := s.normalizeImage(dest); err != nil {
			s.log.Warn("image normalization failed", "path", dest, "error", err)
		}
	}
	return dest, nil
}

// DownloadAll fetches every attachment of a message, filling LocalPath
// in place. Failures are logged and leave LocalPath empty.
func (s *Store) DownloadAll(ctx context.Context, msg *bus.Message) {
	for i := range msg.Attachments {
		att := &msg.Attachments[i]
		if att.URL == "" || att.LocalPath != "" {
			continue
		}
		local, err := s.Download(ctx, msg.AccountID, *att)
		if err != nil {
			s.log.Warn("attachment download failed", "url", att.URL, "error", err)
			continue
		}
		att.LocalPath = local
	}
}

// normalizeImage downscales images whose longest side exceeds the
// dimension bound. Non-decodable files are left untouched.
func (s *Store) normalizeImage(path string) error {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil // not a decodable image, keep the original bytes
	}
	b := img.Bounds()
	if b.Dx() <= s.imageDim && b.Dy() <= s.imageDim {
		return nil
	}
	resized := imaging.Fit(img, s.imageDim, s.imageDim, imaging.Lanczos)
	return imaging.Save(resized, path)
}

// FilenameFromURL extracts a usable filename from a media URL.
func FilenameFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Path == "" || u.Path == "/" {
		return "attachment"
	}
	name := path.Base(u.Path)
	if name == "" || name == "." || name == "/" {
		return "attachment"
	}
	return name
}

func isImagePath(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp", ".bmp", ".tiff":
		return true
	}
	return false
}

// safeSegment strips path separators so attachment names cannot escape
// the store directory.
func safeSegment(s string) string {
	s = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', 0:
			return '_'
		}
		return r
	}, s)
	s = strings.TrimLeft(s, ".")
	if s == "" {
		return "file"
	}
	return s
}
