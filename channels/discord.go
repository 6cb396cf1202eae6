package channels

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"sakamichi-relay/pkg/relay"
	"sakamichi-relay/translate"
)

const (
	discordUploadLimit = 25 << 20
	discordDescLimit   = 4096
	alertExcerptRunes  = 500
	alertColor         = 0xFF0000
	reportColor        = 0x5865F2
)

// Discord posts embeds to Discord webhooks.
type Discord struct {
	session    *discordgo.Session
	downloader *Downloader
	host       MediaHost // nil disables mirroring of oversize media
	avatars    *avatarCache
	logger     *slog.Logger
	now        func() time.Time
	maxUpload  int
}

// NewDiscord creates a Discord webhook sender. host may be nil.
func NewDiscord(client *http.Client, downloader *Downloader, host MediaHost, logger *slog.Logger) (*Discord, error) {
	s, err := discordgo.New("")
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	if client != nil {
		s.Client = client
	}
	return &Discord{
		session:    s,
		downloader: downloader,
		host:       host,
		avatars:    newAvatarCache(host, downloader, logger),
		logger:     logger,
		now:        time.Now,
		maxUpload:  discordUploadLimit,
	}, nil
}

// parseWebhookURL extracts the id and token from
// https://discord.com/api/webhooks/<id>/<token>.
func parseWebhookURL(raw string) (id, token string, err error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", "", fmt.Errorf("parse webhook url: %w", err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := 0; i+2 < len(parts); i++ {
		if parts[i] == "webhooks" && parts[i+1] != "" && parts[i+2] != "" {
			return parts[i+1], parts[i+2], nil
		}
	}
	return "", "", errors.New("not a discord webhook url")
}

func (d *Discord) execute(ctx context.Context, webhook string, params *discordgo.WebhookParams) error {
	id, token, err := parseWebhookURL(webhook)
	if err != nil {
		return err
	}
	if _, err := d.session.WebhookExecute(id, token, true, params, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord webhook: %w", err)
	}
	return nil
}

func messageEmbed(r *relay.Rendered, avatarURL string) *discordgo.MessageEmbed {
	desc := r.Text
	if desc == "" {
		desc = "[" + r.Kind.Label() + "]"
	}
	if r.Translation != "" {
		desc += "\n\n**翻译**：" + r.Translation
	}
	color := r.Color
	if color == 0 {
		color = relay.DefaultColor
	}
	return &discordgo.MessageEmbed{
		Author:      &discordgo.MessageEmbedAuthor{Name: r.Author, IconURL: avatarURL},
		Description: truncateRunes(desc, discordDescLimit-3),
		Color:       color,
		Timestamp:   r.PublishedAt.UTC().Format(time.RFC3339),
		Footer:      &discordgo.MessageEmbedFooter{Text: r.Site},
	}
}

// Send implements Sender. target is the webhook URL.
func (d *Discord) Send(ctx context.Context, target string, r *relay.Rendered) error {
	embed := messageEmbed(r, d.avatars.resolve(ctx, r.Author, r.AvatarURL))
	params := &discordgo.WebhookParams{Embeds: []*discordgo.MessageEmbed{embed}}

	if !r.Kind.HasMedia() || r.MediaURL == "" {
		return d.execute(ctx, target, params)
	}

	media, err := d.downloader.Fetch(ctx, r.MediaURL)
	if err != nil {
		// Fall back to linking the source URL.
		d.logger.Warn("Media download failed, linking original", "message_id", r.MessageID, "error", err)
		return d.sendWithLink(ctx, target, params, r, r.MediaURL)
	}

	if len(media.Data) < d.maxUpload {
		name := "media_" + r.MessageID + extFromURL(r.MediaURL, extFromContentType(media.ContentType))
		params.Files = []*discordgo.File{{Name: name, ContentType: media.ContentType, Reader: bytes.NewReader(media.Data)}}
		if r.Kind == relay.KindImage {
			embed.Image = &discordgo.MessageEmbedImage{URL: "attachment://" + name}
		}
		return d.execute(ctx, target, params)
	}

	link := r.MediaURL
	if d.host != nil {
		hosted, err := d.host.Upload(ctx, mirrorObjectName(r.Author, r.MediaURL, media.ContentType, d.now()), media.Data, media.ContentType)
		if err != nil {
			d.logger.Warn("Media mirror failed, linking original", "message_id", r.MessageID, "error", err)
		} else {
			link = hosted
		}
	}
	return d.sendWithLink(ctx, target, params, r, link)
}

// sendWithLink posts the embed with media referenced by URL: images inline,
// video and voice as a follow-up message Discord can unfurl.
func (d *Discord) sendWithLink(ctx context.Context, target string, params *discordgo.WebhookParams, r *relay.Rendered, link string) error {
	if r.Kind == relay.KindImage {
		params.Embeds[0].Image = &discordgo.MessageEmbedImage{URL: link}
		return d.execute(ctx, target, params)
	}
	if err := d.execute(ctx, target, params); err != nil {
		return err
	}
	icon := "🎬"
	if r.Kind == relay.KindVoice {
		icon = "🎤"
	}
	return d.execute(ctx, target, &discordgo.WebhookParams{Content: icon + " " + link})
}

// SendTranslationAlert reports a failed translation with an excerpt of the
// original text.
func (d *Discord) SendTranslationAlert(ctx context.Context, webhook, member, original string) error {
	embed := &discordgo.MessageEmbed{
		Title:       "⚠️ 翻译失败报警",
		Description: fmt.Sprintf("**成员**: %s\n**原文**: %s", member, truncateRunes(original, alertExcerptRunes)),
		Color:       alertColor,
		Timestamp:   d.now().UTC().Format(time.RFC3339),
	}
	return d.execute(ctx, webhook, &discordgo.WebhookParams{Embeds: []*discordgo.MessageEmbed{embed}})
}

// SendUsageReport posts the daily translation usage summary.
func (d *Discord) SendUsageReport(ctx context.Context, webhook string, snap translate.Snapshot) error {
	return d.execute(ctx, webhook, &discordgo.WebhookParams{Embeds: []*discordgo.MessageEmbed{usageEmbed(snap, d.now())}})
}

func usageEmbed(snap translate.Snapshot, now time.Time) *discordgo.MessageEmbed {
	p := message.NewPrinter(language.English)
	today, total := snap.Today, snap.Total
	return &discordgo.MessageEmbed{
		Title: "📊 API 使用日报 - " + today.Date,
		Color: reportColor,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "📨 消息翻译", Value: p.Sprintf("%d 次", today.Calls), Inline: true},
			{
				Name: "📊 今日 Token",
				Value: p.Sprintf("输入: %d\n输出: %d\n合计: %d",
					today.InputTokens, today.OutputTokens, today.InputTokens+today.OutputTokens),
				Inline: true,
			},
			{Name: "📦 缓存命中", Value: p.Sprintf("%d tokens\n命中率: %.1f%%", today.CachedTokens, snap.CacheHitRate()), Inline: true},
			{Name: "❌ 错误次数", Value: p.Sprintf("%d 次", today.Errors), Inline: true},
			{Name: "📈 总计调用", Value: p.Sprintf("%d 次\n(自 %s)", total.Calls, total.StartDate), Inline: true},
		},
		Footer: &discordgo.MessageEmbedFooter{
			Text: p.Sprintf("累计 Token: %d | 累计缓存: %d", total.InputTokens+total.OutputTokens, total.CachedTokens),
		},
		Timestamp: now.UTC().Format(time.RFC3339),
	}
}
