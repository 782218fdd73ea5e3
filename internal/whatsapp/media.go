package whatsapp

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/guonaihong/gout"
	"github.com/talkincode/wabridge/internal/domain"
	"go.mau.fi/whatsmeow"
)

// Media is a downloaded attachment ready for upload.
type Media struct {
	Data     []byte
	MimeType string
	FileName string
	Type     whatsmeow.MediaType
}

// MediaFetcher downloads attachments referenced by media messages.
type MediaFetcher struct {
	Timeout  time.Duration
	MaxBytes int
}

func NewMediaFetcher(timeout time.Duration, maxBytes int) *MediaFetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if maxBytes <= 0 {
		maxBytes = 16 << 20
	}
	return &MediaFetcher{Timeout: timeout, MaxBytes: maxBytes}
}

// Fetch downloads url and sniffs its type. A missing or oversized file is a
// permanent failure; network errors are transient. The body is read through a
// reader capped at MaxBytes+1, so an oversized download stops early.
func (f *MediaFetcher) Fetch(ctx context.Context, url string) (*Media, error) {
	ctx, cancel := context.WithTimeout(ctx, f.Timeout)
	defer cancel()

	resp, err := gout.GET(url).WithContext(ctx).Response()
	if err != nil {
		return nil, domain.Transient(fmt.Errorf("download media: %w", err))
	}
	defer resp.Body.Close()

	switch code := resp.StatusCode; {
	case code >= 500:
		return nil, domain.Transient(fmt.Errorf("download media: http %d", code))
	case code >= 400:
		return nil, domain.Permanent(fmt.Errorf("download media: http %d", code))
	}
	if resp.ContentLength > int64(f.MaxBytes) {
		return nil, f.tooLarge(resp.ContentLength)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(f.MaxBytes)+1))
	if err != nil {
		return nil, domain.Transient(fmt.Errorf("download media: %w", err))
	}
	switch {
	case len(body) == 0:
		return nil, domain.Permanent(fmt.Errorf("download media: empty body"))
	case len(body) > f.MaxBytes:
		return nil, f.tooLarge(int64(len(body)))
	}

	mt := mimetype.Detect(body)
	m := &Media{
		Data:     body,
		MimeType: mt.String(),
		FileName: mediaFileName(url, mt.Extension()),
		Type:     whatsmeow.MediaDocument,
	}
	switch {
	case mt.Is("image/jpeg"), mt.Is("image/png"):
		m.Type = whatsmeow.MediaImage
	case mt.Is("video/mp4"):
		m.Type = whatsmeow.MediaVideo
	}
	return m, nil
}

func (f *MediaFetcher) tooLarge(n int64) error {
	return domain.Permanent(fmt.Errorf("download media: %d bytes exceeds limit %d", n, f.MaxBytes))
}

func mediaFileName(url, ext string) string {
	name := path.Base(strings.SplitN(url, "?", 2)[0])
	if name == "" || name == "." || name == "/" {
		name = "attachment"
	}
	if path.Ext(name) == "" {
		name += ext
	}
	return name
}
