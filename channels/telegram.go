package channels

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"sakamichi-relay/pkg/relay"
)

const (
	telegramCaptionLimit = 1024
	telegramTextLimit    = 4096
)

// Telegram sends to Telegram chats through the Bot API.
type Telegram struct {
	api    *tgbotapi.BotAPI
	logger *slog.Logger
}

// NewTelegram creates a Telegram sender. endpoint may be empty for the
// public Bot API; otherwise it is a format string like tgbotapi.APIEndpoint.
func NewTelegram(token, endpoint string, client *http.Client, logger *slog.Logger) (*Telegram, error) {
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	api, err := tgbotapi.NewBotAPIWithClient(token, endpoint, client)
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	logger.Info("Telegram bot authorized", "username", api.Self.UserName)
	return &Telegram{api: api, logger: logger}, nil
}

// Send implements Sender. target is a numeric chat id.
func (t *Telegram) Send(ctx context.Context, target string, r *relay.Rendered) error {
	chatID, err := strconv.ParseInt(strings.TrimSpace(target), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram chat id %q: %w", target, err)
	}

	text := telegramText(r)
	if !r.Kind.HasMedia() || r.MediaURL == "" {
		return t.send(ctx, telegramMessage(chatID, text))
	}

	caption := text
	overflow := utf8.RuneCountInString(caption) > telegramCaptionLimit
	if overflow {
		caption = telegramHeader(r)
	}

	file := tgbotapi.FileURL(r.MediaURL)
	var media tgbotapi.Chattable
	switch r.Kind {
	case relay.KindImage:
		c := tgbotapi.NewPhoto(chatID, file)
		c.Caption, c.ParseMode = caption, tgbotapi.ModeHTML
		media = c
	case relay.KindVideo:
		c := tgbotapi.NewVideo(chatID, file)
		c.Caption, c.ParseMode = caption, tgbotapi.ModeHTML
		media = c
	default:
		c := tgbotapi.NewAudio(chatID, file)
		c.Caption, c.ParseMode = caption, tgbotapi.ModeHTML
		media = c
	}
	if err := t.send(ctx, media); err != nil {
		return err
	}
	if overflow {
		return t.send(ctx, telegramMessage(chatID, text))
	}
	return nil
}

// send issues one Bot API call bound to ctx. The library has no context
// parameter, so the call goes through a copy of the bot whose client attaches
// ctx to each request.
func (t *Telegram) send(ctx context.Context, c tgbotapi.Chattable) error {
	api := *t.api
	api.Client = ctxClient{ctx: ctx, client: t.api.Client}
	if _, err := api.Send(c); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

type ctxClient struct {
	ctx    context.Context
	client tgbotapi.HTTPClient
}

func (c ctxClient) Do(req *http.Request) (*http.Response, error) {
	return c.client.Do(req.WithContext(c.ctx))
}

func telegramMessage(chatID int64, text string) tgbotapi.MessageConfig {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true
	return msg
}

func telegramHeader(r *relay.Rendered) string {
	return "<b>" + html.EscapeString(r.Author) + "</b> " + r.PublishedAt.In(JST).Format("2006/01/02 15:04:05")
}

// telegramText renders the HTML body: bold author, time, separator, text and
// translation.
func telegramText(r *relay.Rendered) string {
	var b strings.Builder
	b.WriteString(telegramHeader(r))
	b.WriteString("\n")
	b.WriteString(Separator)
	b.WriteString("\n")
	body := r.Body()
	if body == "" {
		body = "[" + r.Kind.Label() + "]"
	}
	// Leave room for the header and markup; cut on the raw text so no
	// entity is split.
	b.WriteString(html.EscapeString(truncateRunes(body, telegramTextLimit-200)))
	return b.String()
}
