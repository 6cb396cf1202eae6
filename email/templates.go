package email

import (
	"fmt"
	"html"
	"net/url"
	"strings"

	"sakamichi-relay/channels"
	"sakamichi-relay/pkg/relay"
)

func formatMessageBody(r *relay.Rendered) string {
	var b strings.Builder

	b.WriteString("<!DOCTYPE html>\n<html lang=\"ja\">\n<head>\n")
	b.WriteString("<meta charset=\"utf-8\">\n")
	b.WriteString("<meta name=\"viewport\" content=\"width=device-width, initial-scale=1\">\n")
	b.WriteString("<style>\n")
	b.WriteString("body { font-family: -apple-system, BlinkMacSystemFont, 'Hiragino Sans', 'Noto Sans JP', sans-serif; line-height: 1.6; color: #333; max-width: 640px; margin: 0 auto; padding: 20px; background: #fff; }\n")
	b.WriteString(".meta { margin-bottom: 12px; padding-bottom: 8px; }\n")
	b.WriteString(".author { font-weight: 600; font-size: 1.2em; }\n")
	b.WriteString(".timestamp { color: #7f8c8d; font-size: 0.9em; }\n")
	b.WriteString(".content { margin: 15px 0; white-space: pre-wrap; }\n")
	b.WriteString(".translation { margin: 15px 0; padding: 12px 15px; background: #f8f9fa; border-radius: 8px; white-space: pre-wrap; }\n")
	b.WriteString(".media img { max-width: 100%; height: auto; display: block; margin: 10px 0; }\n")
	b.WriteString(".footer { margin-top: 30px; padding-top: 15px; border-top: 1px solid #ddd; font-size: 0.9em; color: #7f8c8d; }\n")
	b.WriteString("@media (prefers-color-scheme: dark) {\n")
	b.WriteString("body { background: #1a1a1a; color: #e0e0e0; }\n")
	b.WriteString(".timestamp { color: #a0a0a0; }\n")
	b.WriteString(".translation { background: #2a2a2a; }\n")
	b.WriteString(".footer { border-top-color: #444; color: #a0a0a0; }\n")
	b.WriteString("}\n")
	b.WriteString("</style>\n</head>\n<body>\n")

	color := r.Color
	if color == 0 {
		color = relay.DefaultColor
	}
	fmt.Fprintf(&b, "<div class=\"meta\" style=\"border-bottom: 2px solid #%06X;\">\n", color)
	fmt.Fprintf(&b, "<span class=\"author\" style=\"color: #%06X;\">%s</span>\n", color, html.EscapeString(r.Author))
	fmt.Fprintf(&b, "<span class=\"timestamp\"> &bull; %s JST</span>\n",
		r.PublishedAt.In(channels.JST).Format("2006/01/02 15:04:05"))
	b.WriteString("</div>\n")

	if r.Text != "" {
		b.WriteString("<div class=\"content\">")
		b.WriteString(html.EscapeString(r.Text))
		b.WriteString("</div>\n")
	} else {
		fmt.Fprintf(&b, "<div class=\"content\">[%s]</div>\n", html.EscapeString(r.Kind.Label()))
	}

	if r.Translation != "" {
		b.WriteString("<div class=\"translation\">")
		b.WriteString(html.EscapeString(r.Translation))
		b.WriteString("</div>\n")
	}

	if r.Kind.HasMedia() && r.MediaURL != "" && isSafeURL(r.MediaURL) {
		b.WriteString("<div class=\"media\">\n")
		if r.Kind == relay.KindImage {
			fmt.Fprintf(&b, "<img src=\"%s\" alt=\"%s\">\n", html.EscapeString(r.MediaURL), html.EscapeString(r.Kind.Label()))
		} else {
			fmt.Fprintf(&b, "<a href=\"%s\">%s</a>\n", html.EscapeString(r.MediaURL), html.EscapeString(r.Kind.Label()))
		}
		b.WriteString("</div>\n")
	}

	if r.Site != "" {
		fmt.Fprintf(&b, "<div class=\"footer\">%s</div>\n", html.EscapeString(r.Site))
	}

	b.WriteString("</body>\n</html>")

	return b.String()
}

// isSafeURL accepts only absolute http(s) URLs for links and images.
func isSafeURL(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}
