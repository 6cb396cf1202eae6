// Package dispatch resolves where a message goes and delivers it there:
// one translation per message, one rendered payload per destination, and
// independent per-channel sends whose failures go to the retry queue.
package dispatch

import (
	"context"
	"log/slog"
	"time"

	"sakamichi-relay/config"
	"sakamichi-relay/metrics"
	"sakamichi-relay/pkg/relay"
	"sakamichi-relay/translate"
)

// Resolve returns the ordered destinations for a subscriber: its own rule
// if one exists and is enabled, otherwise the account default, followed by
// the global channels. Duplicate destinations are dropped, first one wins.
func Resolve(rules *config.Rules, sub relay.Subscriber) []relay.Channel {
	if rules == nil {
		return nil
	}
	var chs []relay.Channel
	if rule, ok := rules.MemberRule(sub); ok && rule.Enabled {
		chs = append(chs, rule.Channels...)
	} else if rule, ok := rules.DefaultRule(sub.Account); ok && rule.Enabled {
		chs = append(chs, rule.Channels...)
	}
	chs = append(chs, rules.Global()...)

	seen := make(map[string]bool, len(chs))
	out := chs[:0]
	for _, ch := range chs {
		key := string(ch.Kind) + "\x00" + ch.Target
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, ch)
	}
	return out
}

// Render builds the payload for one destination. translation is dropped for
// channels that skip translation.
func Render(sites relay.Sites, sub relay.Subscriber, msg relay.Message, translation string, ch relay.Channel) *relay.Rendered {
	r := &relay.Rendered{
		PublishedAt:  msg.PublishedAt,
		MessageID:    msg.ID,
		SubscriberID: sub.ID,
		Author:       sub.Name,
		AvatarURL:    sub.AvatarURL,
		Site:         sites.NameFor(sub.Account),
		Kind:         msg.Kind,
		Text:         msg.Text,
		MediaURL:     msg.MediaURL,
		Color:        sites.ColorFor(sub.Account),
	}
	if !ch.SkipTranslation {
		r.Translation = translation
	}
	return r
}

// Sender delivers a rendered payload to one channel.
type Sender interface {
	Send(ctx context.Context, ch relay.Channel, r *relay.Rendered) error
}

// Retrier records a failed delivery for a later attempt.
type Retrier interface {
	Enqueue(ctx context.Context, ch relay.Channel, payload *relay.Rendered, msg relay.Message, sendErr error) error
}

// Alerter notifies an operator that a translation failed.
type Alerter interface {
	SendTranslationAlert(ctx context.Context, webhook, member, original string) error
}

// Result summarizes one fan-out.
type Result struct {
	Channels  int
	Delivered int
	Queued    int
	Lost      int // failed and could not be queued
}

// AnySuccess reports whether at least one channel received the message.
func (r Result) AnySuccess() bool {
	return r.Delivered > 0
}

// Dispatcher translates and fans out messages.
type Dispatcher struct {
	translator   translate.Translator
	sender       Sender
	retrier      Retrier
	alerter      Alerter
	logger       *slog.Logger
	sites        relay.Sites
	alertWebhook string
}

// New creates a dispatcher without translation failure alerts.
func New(translator translate.Translator, sender Sender, retrier Retrier, sites relay.Sites, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		translator: translator,
		sender:     sender,
		retrier:    retrier,
		sites:      sites,
		logger:     logger,
	}
}

// SetAlerter configures where translation failures are reported.
func (d *Dispatcher) SetAlerter(alerter Alerter, webhook string) {
	d.alerter = alerter
	d.alertWebhook = webhook
}

// FanOut delivers msg to every channel. Each channel is attempted regardless
// of the others; failures are queued for retry.
func (d *Dispatcher) FanOut(ctx context.Context, sub relay.Subscriber, msg relay.Message, chs []relay.Channel) Result {
	res := Result{Channels: len(chs)}
	if len(chs) == 0 {
		d.logger.Info("No destinations configured", "subscriber_id", sub.ID, "name", sub.Name)
		return res
	}

	translation := d.translateOnce(ctx, sub, msg, chs)

	for _, ch := range chs {
		payload := Render(d.sites, sub, msg, translation, ch)

		start := time.Now()
		err := d.sender.Send(ctx, ch, payload)
		if err == nil {
			res.Delivered++
			metrics.Deliveries.WithLabelValues(string(ch.Kind), "ok").Inc()
			d.logger.Info("Message delivered",
				"subscriber_id", sub.ID,
				"message_id", msg.ID,
				"channel", ch.String(),
				"duration_ms", time.Since(start).Milliseconds())
			continue
		}

		d.logger.Warn("Delivery failed, queueing for retry",
			"subscriber_id", sub.ID,
			"message_id", msg.ID,
			"channel", ch.String(),
			"error", err)
		if qerr := d.retrier.Enqueue(ctx, ch, payload, msg, err); qerr != nil {
			res.Lost++
			metrics.Deliveries.WithLabelValues(string(ch.Kind), "lost").Inc()
			d.logger.Error("Failed to queue retry, delivery lost",
				"subscriber_id", sub.ID,
				"message_id", msg.ID,
				"channel", ch.String(),
				"error", qerr)
			continue
		}
		res.Queued++
		metrics.Deliveries.WithLabelValues(string(ch.Kind), "queued").Inc()
	}

	d.logger.Info("Fan-out complete",
		"subscriber_id", sub.ID,
		"message_id", msg.ID,
		"channels", res.Channels,
		"delivered", res.Delivered,
		"queued", res.Queued,
		"lost", res.Lost)
	return res
}

// translateOnce returns the translation shared by all channels, or "" when
// no channel wants one, the message has no text, or translation failed.
func (d *Dispatcher) translateOnce(ctx context.Context, sub relay.Subscriber, msg relay.Message, chs []relay.Channel) string {
	if msg.Text == "" {
		return ""
	}
	wanted := false
	for _, ch := range chs {
		if !ch.SkipTranslation {
			wanted = true
			break
		}
	}
	if !wanted {
		return ""
	}

	translation, ok := d.translator.Translate(ctx, msg.Text, sub.Name)
	if ok {
		return translation
	}

	d.logger.Warn("Translation failed, forwarding original text",
		"subscriber_id", sub.ID,
		"message_id", msg.ID)
	if d.alerter != nil && d.alertWebhook != "" {
		if err := d.alerter.SendTranslationAlert(ctx, d.alertWebhook, sub.Name, msg.Text); err != nil {
			d.logger.Warn("Translation alert failed", "error", err)
		}
	}
	return ""
}

// Redeliver replays a queued task; it is the retry queue's send function.
func (d *Dispatcher) Redeliver(ctx context.Context, task *relay.RetryTask) error {
	err := d.sender.Send(ctx, task.Channel, task.Payload)
	outcome := "retry_ok"
	if err != nil {
		outcome = "retry_failed"
	}
	metrics.Deliveries.WithLabelValues(string(task.Channel.Kind), outcome).Inc()
	return err
}
