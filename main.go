// Package main runs the relay: it polls fan-club message timelines and
// forwards new member posts to QQ groups, Telegram chats, Discord webhooks
// and email.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"sakamichi-relay/auth"
	"sakamichi-relay/channels"
	"sakamichi-relay/config"
	"sakamichi-relay/dispatch"
	"sakamichi-relay/email"
	"sakamichi-relay/pkg/relay"
	"sakamichi-relay/poll"
	"sakamichi-relay/queue"
	"sakamichi-relay/server"
	"sakamichi-relay/state"
	storepkg "sakamichi-relay/storage"
	"sakamichi-relay/translate"
	"sakamichi-relay/upstream"
)

// blobs is the document store every durable component writes through.
type blobs interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, data []byte) error
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Relay stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("Relay stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	httpClient := &http.Client{Timeout: 30 * time.Second}
	sites := cfg.Sites()

	accounts := cfg.Accounts(sites)
	if len(accounts) == 0 {
		return errors.New("no account has credentials: set APP_TOKENS or GOOGLE_TOKENS")
	}

	var gcs *storage.Client
	if cfg.StorageBucket != "" || cfg.MediaBucket != "" {
		client, err := storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("initialize storage client: %w", err)
		}
		defer func() {
			if err := client.Close(); err != nil {
				logger.Warn("Failed to close storage client", "error", err)
			}
		}()
		gcs = client
	}

	store, closeStore, err := openBlobs(ctx, cfg, gcs, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	rules, err := config.NewHolder(cfg.RulesFile, logger)
	if err != nil {
		return fmt.Errorf("load dispatch rules: %w", err)
	}

	pollState := state.New(store, cfg.DedupCapacity, logger)
	if err := pollState.Load(ctx); err != nil {
		return fmt.Errorf("load poll state: %w", err)
	}
	retries := queue.New(store, cfg.RetryCooldown, cfg.RetryMax, logger)
	if err := retries.Load(ctx); err != nil {
		return fmt.Errorf("load retry queue: %w", err)
	}
	usage := translate.NewUsage(store, logger)
	if err := usage.Load(ctx); err != nil {
		logger.Warn("Failed to load usage stats, starting from zero", "error", err)
	}

	tokens := auth.NewStore(auth.Chain{
		auth.NewGoogle(httpClient, sites, cfg.GoogleTokens, logger),
		auth.NewAppToken(httpClient, sites, cfg.AppTokens, logger),
	}, logger)
	up := upstream.New(httpClient, sites, tokens, cfg.RequestSpacing, logger)

	var translator translate.Translator = translate.Disabled{}
	if cfg.TranslateAPIKey != "" {
		translator = translate.NewOpenAI(translate.Config{
			APIKey:     cfg.TranslateAPIKey,
			BaseURL:    cfg.TranslateBaseURL,
			Model:      cfg.TranslateModel,
			PromptFile: cfg.TranslatePromptFile,
			Timeout:    cfg.TranslateTimeout,
			RPM:        cfg.TranslateRPM,
		}, &http.Client{}, usage, logger)
	} else {
		logger.Info("No TRANSLATE_API_KEY set, translation disabled")
	}

	registry, discord, closeChannels, err := buildChannels(ctx, cfg, gcs, httpClient, logger)
	if err != nil {
		return err
	}
	defer closeChannels()
	simulated := map[relay.ChannelKind]bool{relay.ChannelEmail: isMockEmail(registry)}
	for _, kind := range unservedKinds(rules.Current(), registry, simulated) {
		logger.Warn("Rules route to a channel with no real sender, deliveries there are not sent", "kind", kind)
	}

	dispatcher := dispatch.New(translator, registry, retries, sites, logger)
	if cfg.DiscordAlertWebhook != "" {
		dispatcher.SetAlerter(discord, cfg.DiscordAlertWebhook)
	}

	monitor, err := poll.New(&poll.Config{
		Upstream:       up,
		Tokens:         tokens,
		State:          pollState,
		Queue:          retries,
		Dispatcher:     dispatcher,
		Rules:          rules,
		Usage:          usage,
		Reporter:       discord,
		Logger:         logger,
		ReportWebhook:  cfg.DiscordReportWebhook,
		ReauthSchedule: cfg.ReauthSchedule,
		ReloadSchedule: cfg.ReloadSchedule,
		ReportSchedule: cfg.ReportSchedule,
		Accounts:       accounts,
		Interval:       cfg.PollInterval,
		TimelineCount:  cfg.TimelineCount,
	})
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}

	// Authenticate up front so a bad credential shows in the startup logs.
	for _, account := range accounts {
		if err := tokens.Refresh(ctx, account); err != nil {
			logger.Warn("Initial authentication failed, will retry each cycle", "account", account, "error", err)
		}
	}

	srv := server.New(&server.Config{Poller: monitor, Rules: rules, Logger: logger})
	err = runServices(ctx, logger, monitor.Run, func(ctx context.Context) error {
		return srv.ListenAndServe(ctx, cfg.Port)
	})
	if err := usage.Flush(context.WithoutCancel(ctx)); err != nil {
		logger.Warn("Failed to persist usage stats on shutdown", "error", err)
	}
	return err
}

// runServices runs the scheduler and the admin server until ctx is cancelled
// or either of them exits. An early exit stops the other.
func runServices(ctx context.Context, logger *slog.Logger, scheduler, admin func(context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	adminErr := make(chan error, 1)
	go func() {
		err := admin(ctx)
		if err != nil && ctx.Err() == nil {
			logger.Error("Admin server failed, shutting down", "error", err)
			cancel()
		}
		adminErr <- err
	}()

	schedErr := scheduler(ctx)
	cancel()
	return errors.Join(schedErr, <-adminErr)
}

// openBlobs selects the document backend: SQLite file, local directory, or
// Cloud Storage bucket, in that order.
func openBlobs(ctx context.Context, cfg *config.Config, gcs *storage.Client, logger *slog.Logger) (blobs, func(), error) {
	switch {
	case cfg.StateDB != "":
		db, err := storepkg.OpenSQLite(ctx, cfg.StateDB)
		if err != nil {
			return nil, nil, fmt.Errorf("open state db: %w", err)
		}
		logger.Info("Using SQLite state store", "path", cfg.StateDB)
		return db, func() {
			if err := db.Close(); err != nil {
				logger.Warn("Failed to close state db", "error", err)
			}
		}, nil

	case cfg.StorageBucket != "":
		logger.Info("Using Cloud Storage state store", "bucket", cfg.StorageBucket, "prefix", cfg.StoragePrefix)
		return storepkg.New(gcs, cfg.StorageBucket, cfg.StoragePrefix, "", logger), func() {}, nil

	default:
		dir := cfg.LocalStorage
		if dir == "" {
			dir = "./data"
			logger.Info("No STORAGE_BUCKET or STATE_DB set, defaulting to local storage", "storage_path", dir)
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create local storage directory: %w", err)
		}
		return storepkg.New(nil, "", "", dir, logger), func() {}, nil
	}
}

// buildChannels creates one sender per destination kind.
func buildChannels(ctx context.Context, cfg *config.Config, gcs *storage.Client, httpClient *http.Client, logger *slog.Logger) (channels.Registry, *channels.Discord, func(), error) {
	closeFn := func() {}
	downloader := channels.NewDownloader(&http.Client{}, logger)
	registry := channels.Registry{}

	var caller channels.OneBotCaller
	if cfg.OneBotWSURL != "" {
		ws := channels.NewOneBotWS(cfg.OneBotWSURL, cfg.OneBotAccessToken, logger)
		closeFn = func() {
			if err := ws.Close(); err != nil {
				logger.Warn("Failed to close OneBot connection", "error", err)
			}
		}
		caller = ws
		logger.Info("OneBot transport: websocket", "url", cfg.OneBotWSURL)
	} else {
		caller = channels.NewOneBotHTTP(httpClient, cfg.OneBotAPI, cfg.OneBotAccessToken, logger)
		logger.Info("OneBot transport: http", "url", cfg.OneBotAPI)
	}
	stager := channels.NewStager(downloader, cfg.OneBotMediaDir, cfg.OneBotMediaPrefix, logger)
	registry[relay.ChannelQQ] = channels.NewQQ(caller, stager, logger)

	if cfg.TelegramBotToken != "" {
		tg, err := channels.NewTelegram(cfg.TelegramBotToken, "", httpClient, logger)
		if err != nil {
			closeFn()
			return nil, nil, nil, fmt.Errorf("initialize telegram bot: %w", err)
		}
		registry[relay.ChannelTelegram] = tg
	}

	var host channels.MediaHost
	if cfg.MediaBucket != "" {
		host = channels.NewGCSMirror(gcs, cfg.MediaBucket, cfg.MediaPublicURL, logger)
	}
	discord, err := channels.NewDiscord(httpClient, downloader, host, logger)
	if err != nil {
		closeFn()
		return nil, nil, nil, err
	}
	registry[relay.ChannelDiscord] = discord

	provider, err := emailProvider(ctx, cfg, logger)
	if err != nil {
		closeFn()
		return nil, nil, nil, err
	}
	registry[relay.ChannelEmail] = email.New(provider, logger)

	return registry, discord, closeFn, nil
}

// unservedKinds lists the channel kinds the rules route to that have no
// sender or only a simulated one.
func unservedKinds(rules *config.Rules, registry channels.Registry, simulated map[relay.ChannelKind]bool) []relay.ChannelKind {
	var out []relay.ChannelKind
	for _, kind := range rules.Kinds() {
		if _, ok := registry[kind]; !ok || simulated[kind] {
			out = append(out, kind)
		}
	}
	return out
}

func isMockEmail(registry channels.Registry) bool {
	sender, ok := registry[relay.ChannelEmail].(*email.Sender)
	return ok && sender.Mock()
}

func emailProvider(ctx context.Context, cfg *config.Config, logger *slog.Logger) (email.Provider, error) {
	switch cfg.EmailProvider {
	case "brevo":
		return email.NewBrevoProvider(cfg.BrevoAPIKey, cfg.EmailFrom, "Sakamichi Relay", logger), nil
	case "gmail":
		svc, err := initGmailService(ctx, cfg.GoogleCredentialsJSON)
		if err != nil {
			return nil, fmt.Errorf("initialize gmail service: %w", err)
		}
		return email.NewGmailProvider(svc, logger), nil
	default:
		logger.Info("Mock email mode enabled")
		return email.NewMockProvider(logger), nil
	}
}

// isCloudRun checks if we're running in a GCP environment by querying the metadata server.
func isCloudRun(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://metadata.google.internal/computeMetadata/v1/project/project-id", http.NoBody)
	if err != nil {
		return false
	}
	req.Header.Set("Metadata-Flavor", "Google")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	return resp.StatusCode == http.StatusOK
}

func initGmailService(ctx context.Context, credsJSON string) (*gmail.Service, error) {
	if credsJSON != "" {
		return gmail.NewService(ctx, option.WithCredentialsJSON([]byte(credsJSON)))
	}
	// Application Default Credentials need the gmail.send scope.
	if isCloudRun(ctx) {
		return gmail.NewService(ctx)
	}
	return nil, errors.New("GOOGLE_CREDENTIALS_JSON required when not running in Cloud Run")
}
