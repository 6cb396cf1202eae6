package channels

import (
	"context"
	"crypto/md5" //nolint:gosec // object name suffix, not a security boundary
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
)

// MediaHost publishes a blob under a public URL.
type MediaHost interface {
	Upload(ctx context.Context, object string, data []byte, contentType string) (string, error)
}

// GCSMirror hosts media in a Cloud Storage bucket with public reads.
type GCSMirror struct {
	client    *storage.Client
	logger    *slog.Logger
	bucket    string
	publicURL string // Base URL objects are served from
}

// NewGCSMirror creates a bucket-backed media host. publicURL defaults to
// https://storage.googleapis.com/<bucket>.
func NewGCSMirror(client *storage.Client, bucket, publicURL string, logger *slog.Logger) *GCSMirror {
	if publicURL == "" {
		publicURL = "https://storage.googleapis.com/" + bucket
	}
	return &GCSMirror{
		client:    client,
		logger:    logger,
		bucket:    bucket,
		publicURL: strings.TrimSuffix(publicURL, "/"),
	}
}

// Upload implements MediaHost.
func (g *GCSMirror) Upload(ctx context.Context, object string, data []byte, contentType string) (string, error) {
	err := retry.Do(
		func() error {
			w := g.client.Bucket(g.bucket).Object(object).NewWriter(ctx)
			w.ContentType = contentType
			w.CacheControl = "public, max-age=31536000"
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					g.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to bucket: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				return fmt.Errorf("close bucket writer: %w", closeErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(5*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			g.logger.Info("Retrying media upload after error", "attempt", n, "object", object, "error", err)
		}),
	)
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", object, err)
	}
	g.logger.Info("Media mirrored", "bucket", g.bucket, "object", object, "bytes", len(data))
	return g.publicURL + "/" + object, nil
}

// mirrorObjectName builds "<member>/<unix ms>_<md5(url)[:8]><ext>".
func mirrorObjectName(member, sourceURL, contentType string, now time.Time) string {
	sum := md5.Sum([]byte(sourceURL)) //nolint:gosec // naming only
	return fmt.Sprintf("%s/%d_%s%s", safeName(member), now.UnixMilli(), hex.EncodeToString(sum[:])[:8], extFromContentType(contentType))
}

// avatarCache re-hosts avatars Discord cannot render (.jfif) as .jpg and
// remembers the result for the life of the process.
type avatarCache struct {
	host       MediaHost
	downloader *Downloader
	logger     *slog.Logger
	urls       map[string]string
	mu         sync.Mutex
}

func newAvatarCache(host MediaHost, downloader *Downloader, logger *slog.Logger) *avatarCache {
	return &avatarCache{host: host, downloader: downloader, logger: logger, urls: make(map[string]string)}
}

// resolve returns an avatar URL usable in an embed, or "" if there is none.
func (a *avatarCache) resolve(ctx context.Context, member, avatarURL string) string {
	if avatarURL == "" || !strings.EqualFold(extFromURL(avatarURL, ""), ".jfif") {
		return avatarURL
	}
	if a == nil || a.host == nil {
		return ""
	}

	a.mu.Lock()
	cached, ok := a.urls[avatarURL]
	a.mu.Unlock()
	if ok {
		return cached
	}

	media, err := a.downloader.Fetch(ctx, avatarURL)
	if err != nil {
		a.logger.Warn("Avatar download failed", "member", member, "error", err)
		return ""
	}
	hosted, err := a.host.Upload(ctx, "avatars/"+safeName(member)+".jpg", media.Data, "image/jpeg")
	if err != nil {
		a.logger.Warn("Avatar upload failed", "member", member, "error", err)
		return ""
	}

	a.mu.Lock()
	a.urls[avatarURL] = hosted
	a.mu.Unlock()
	return hosted
}
