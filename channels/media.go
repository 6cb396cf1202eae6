package channels

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"sakamichi-relay/pkg/relay"
)

const (
	downloadTimeout  = 60 * time.Second
	maxDownloadBytes = 200 << 20
)

// errTooLarge marks a download that exceeded maxDownloadBytes.
var errTooLarge = errors.New("media exceeds download limit")

// Media is a downloaded attachment.
type Media struct {
	Data        []byte
	ContentType string
}

// Downloader fetches media attachments with retries.
type Downloader struct {
	client *http.Client
	logger *slog.Logger
}

// NewDownloader creates a media downloader.
func NewDownloader(client *http.Client, logger *slog.Logger) *Downloader {
	return &Downloader{client: client, logger: logger}
}

// Fetch downloads a URL into memory.
func (d *Downloader) Fetch(ctx context.Context, mediaURL string) (*Media, error) {
	var media *Media

	err := retry.Do(
		func() error {
			ctx, cancel := context.WithTimeout(ctx, downloadTimeout)
			defer cancel()

			d.logger.Info("HTTP request starting",
				"method", "GET",
				"url", mediaURL,
				"purpose", "download_media")

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, http.NoBody)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")

			startTime := time.Now()
			resp, err := d.client.Do(req)
			duration := time.Since(startTime)
			if err != nil {
				d.logger.Warn("Media download failed, will retry",
					"url", mediaURL,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					d.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusForbidden {
				return retry.Unrecoverable(fmt.Errorf("HTTP %d", resp.StatusCode))
			}
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("HTTP %d", resp.StatusCode)
			}

			data, err := io.ReadAll(io.LimitReader(resp.Body, maxDownloadBytes+1))
			if err != nil {
				return fmt.Errorf("read body: %w", err)
			}
			if len(data) > maxDownloadBytes {
				return retry.Unrecoverable(errTooLarge)
			}

			d.logger.Info("HTTP request completed",
				"url", mediaURL,
				"status_code", resp.StatusCode,
				"duration_ms", duration.Milliseconds(),
				"bytes", len(data))

			ct := resp.Header.Get("Content-Type")
			if ct == "" {
				ct = http.DetectContentType(data)
			}
			media = &Media{Data: data, ContentType: ct}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(10*time.Second),
		retry.MaxJitter(time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			d.logger.Info("Retrying media download after error", "attempt", n, "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", mediaURL, err)
	}
	return media, nil
}

// safeName replaces whitespace so a member name can be used as a directory.
func safeName(name string) string {
	name = strings.Join(strings.Fields(name), "_")
	name = strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(name)
	if name == "" {
		return "unknown"
	}
	return name
}

// extFromURL returns the file extension of the URL path, or fallback.
func extFromURL(mediaURL, fallback string) string {
	u, err := url.Parse(mediaURL)
	if err != nil {
		return fallback
	}
	if ext := path.Ext(u.Path); ext != "" && len(ext) <= 6 {
		return strings.ToLower(ext)
	}
	return fallback
}

// extFromContentType maps a MIME type to a file extension.
func extFromContentType(ct string) string {
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return ".bin"
	}
	switch mt {
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	case "video/mp4":
		return ".mp4"
	case "video/quicktime":
		return ".mov"
	case "audio/mpeg":
		return ".mp3"
	case "audio/mp4", "audio/x-m4a":
		return ".m4a"
	case "audio/aac":
		return ".aac"
	}
	return ".bin"
}

// MediaFileName names a staged attachment after its author and publish time:
// "<author>_<YYYYMMDD>_<HH-mm-ss><ext>" in UTC.
func MediaFileName(r *relay.Rendered) string {
	ts := r.PublishedAt.UTC()
	return fmt.Sprintf("%s_%s_%s%s", safeName(r.Author), ts.Format("20060102"), ts.Format("15-04-05"), extFromURL(r.MediaURL, ".bin"))
}

// Stager downloads attachments into a directory shared with the OneBot
// implementation and reports the path under which the bot can read them.
type Stager struct {
	downloader *Downloader
	logger     *slog.Logger
	dir        string // Local directory
	prefix     string // Same directory as the bot sees it; empty means dir
}

// NewStager creates a media stager.
func NewStager(downloader *Downloader, dir, prefix string, logger *slog.Logger) *Stager {
	return &Stager{downloader: downloader, logger: logger, dir: dir, prefix: prefix}
}

// Stage makes the attachment available locally, reusing an earlier download.
func (s *Stager) Stage(ctx context.Context, r *relay.Rendered) (string, error) {
	if r.MediaURL == "" {
		return "", errors.New("message has no attachment")
	}
	member := safeName(r.Author)
	name := MediaFileName(r)
	dir := filepath.Join(s.dir, member)
	local := filepath.Join(dir, name)

	if _, err := os.Stat(local); err == nil {
		return s.botPath(member, name, local), nil
	}

	media, err := s.downloader.Fetch(ctx, r.MediaURL)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create media dir: %w", err)
	}
	tmp := local + ".part"
	if err := os.WriteFile(tmp, media.Data, 0o644); err != nil {
		return "", fmt.Errorf("write media: %w", err)
	}
	if err := os.Rename(tmp, local); err != nil {
		_ = os.Remove(tmp) //nolint:errcheck // best effort cleanup
		return "", fmt.Errorf("rename media: %w", err)
	}
	s.logger.Info("Media staged", "file", name, "bytes", len(media.Data))
	return s.botPath(member, name, local), nil
}

func (s *Stager) botPath(member, name, local string) string {
	if s.prefix == "" {
		if abs, err := filepath.Abs(local); err == nil {
			return abs
		}
		return local
	}
	return strings.TrimSuffix(s.prefix, "/") + "/" + member + "/" + name
}
