// Package translate turns a member's Japanese post into Chinese through an
// OpenAI-compatible chat completion endpoint.
package translate

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"sakamichi-relay/metrics"
)

// DefaultPrompt is used when no prompt file is configured or readable.
const DefaultPrompt = `你是一个资深的坂道系偶像粉丝字幕组翻译。
请将用户的日文消息翻译成通顺的中文。

- 如果有颜文字，请保留
- 如果有梗或特定称呼，请意译或在括号内解释
- 只输出翻译后的内容，不要包含"翻译："等前缀`

// Translator translates text. It never returns an error: ok is false when the
// translation failed or timed out, and the caller forwards the original.
type Translator interface {
	Translate(ctx context.Context, text, nameHint string) (translation string, ok bool)
}

// Disabled is the translator used when no API key is configured. It reports
// success with an empty result so no failure alert is raised.
type Disabled struct{}

// Translate implements Translator.
func (Disabled) Translate(context.Context, string, string) (string, bool) { return "", true }

// Config configures the OpenAI-compatible translator.
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	PromptFile  string
	Timeout     time.Duration
	RPM         int
	Temperature float32
	MaxTokens   int
}

// OpenAI translates with a chat completion model.
type OpenAI struct {
	client  *openai.Client
	limiter *rate.Limiter
	usage   *Usage
	logger  *slog.Logger
	model   string
	prompt  string
	timeout time.Duration
	temp    float32
	maxTok  int
}

// NewOpenAI creates a translator. usage may be nil.
func NewOpenAI(cfg Config, httpClient *http.Client, usage *Usage, logger *slog.Logger) *OpenAI {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}
	if httpClient != nil {
		oc.HTTPClient = httpClient
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RPM > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RPM)), 1)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	temp := cfg.Temperature
	if temp == 0 {
		temp = 0.7
	}
	maxTok := cfg.MaxTokens
	if maxTok == 0 {
		maxTok = 1024
	}

	return &OpenAI{
		client:  openai.NewClientWithConfig(oc),
		limiter: limiter,
		usage:   usage,
		logger:  logger,
		model:   cfg.Model,
		prompt:  loadPrompt(cfg.PromptFile, logger),
		timeout: timeout,
		temp:    temp,
		maxTok:  maxTok,
	}
}

func loadPrompt(path string, logger *slog.Logger) string {
	if path == "" {
		return DefaultPrompt
	}
	data, err := os.ReadFile(path)
	if err != nil {
		logger.Warn("Cannot read prompt file, using built-in prompt", "path", path, "error", err)
		return DefaultPrompt
	}
	if p := strings.TrimSpace(string(data)); p != "" {
		return p
	}
	return DefaultPrompt
}

// Translate implements Translator.
func (t *OpenAI) Translate(ctx context.Context, text, nameHint string) (string, bool) {
	if strings.TrimSpace(text) == "" {
		return "", true
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	start := time.Now()
	out, in, outTok, cached, err := t.complete(ctx, text, nameHint)
	duration := time.Since(start)

	if t.usage != nil {
		t.usage.Record(in, outTok, cached, err == nil)
	}
	if err != nil {
		metrics.TranslationCalls.WithLabelValues("error").Inc()
		t.logger.Warn("Translation failed",
			"name", nameHint,
			"duration_ms", duration.Milliseconds(),
			"error", err)
		return "", false
	}

	metrics.TranslationCalls.WithLabelValues("ok").Inc()
	t.logger.Info("Translation completed",
		"name", nameHint,
		"duration_ms", duration.Milliseconds(),
		"input_tokens", in,
		"output_tokens", outTok)
	return out, true
}

func (t *OpenAI) complete(ctx context.Context, text, nameHint string) (out string, in, outTok, cached int, err error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return "", 0, 0, 0, fmt.Errorf("rate limiter error: %w", err)
	}

	resp, err := t.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: t.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: t.prompt},
			{Role: openai.ChatMessageRoleUser, Content: userContent(text, nameHint)},
		},
		Temperature: t.temp,
		MaxTokens:   t.maxTok,
	})
	if err != nil {
		return "", 0, 0, 0, fmt.Errorf("chat completion: %w", err)
	}

	in, outTok = resp.Usage.PromptTokens, resp.Usage.CompletionTokens
	if resp.Usage.PromptTokensDetails != nil {
		cached = resp.Usage.PromptTokensDetails.CachedTokens
	}
	if len(resp.Choices) == 0 {
		return "", in, outTok, cached, fmt.Errorf("no choices in response")
	}
	out = strings.TrimSpace(resp.Choices[0].Message.Content)
	if out == "" {
		return "", in, outTok, cached, fmt.Errorf("empty translation")
	}
	return out, in, outTok, cached, nil
}

func userContent(text, nameHint string) string {
	if nameHint == "" {
		return "【日文原文】:\n" + text
	}
	return "【成员名字】: " + nameHint + "\n\n【日文原文】:\n" + text
}
