// cmd/bridge/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/keshon/voice-bridge/internal/config"
	"github.com/keshon/voice-bridge/internal/discord"
	"github.com/keshon/voice-bridge/internal/httpapi"
	"github.com/keshon/voice-bridge/internal/logging"
	"github.com/keshon/voice-bridge/internal/music/resolver"
	"github.com/keshon/voice-bridge/internal/music/stream"
	"github.com/keshon/voice-bridge/internal/voice"
	"github.com/rs/zerolog"
)

const appName = "voice-bridge"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", appName, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log, logCloser := logging.New(logging.Options{
		Level:      cfg.LogLevel,
		Format:     cfg.LogFormat,
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
	})
	defer logCloser.Close()

	log.Info().Str("addr", cfg.HTTPAddr).Str("resolver", cfg.ResolverBackend).Msgf("starting %s", appName)

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.SentryDSN,
			Environment: cfg.Environment,
			Release:     appName,
		}); err != nil {
			log.Warn().Err(err).Msg("sentry init failed")
		} else {
			log.Info().Msg("sentry initialized")
			defer sentry.Flush(2 * time.Second)
		}
	}

	backends, err := resolver.Backends(cfg.ResolverBackend, cfg.YTDLPPath, cfg.YouTubeProxy)
	if err != nil {
		return err
	}
	res := resolver.New(logging.Component(log, "resolver"), backends...)
	streamer := stream.NewStreamer(logging.Component(log, "stream"), stream.NewFFmpeg(cfg.FFmpegPath))

	bot, err := discord.New(logging.Component(log, "discord"), cfg.DiscordToken, discord.StreamerPlayer(streamer))
	if err != nil {
		return err
	}

	voiceLog := logging.Component(log, "voice")
	registry := voice.NewRegistry()
	runtime := voice.NewRuntime(voiceLog, cfg.TaskTimeout)
	events := voice.NewEvents()
	manager := voice.NewManager(voiceLog, registry, runtime, bot.Transport(), res, events, voice.Options{
		ConnectTimeout: cfg.VoiceConnectTimeout,
		ResolveTimeout: cfg.ResolveTimeout,
	})
	manager.OnFailure(reportFailure)
	bot.Transport().OnVoiceLost(manager.ConnectionLost)
	dispatcher := voice.NewDispatcher(voiceLog, manager)

	router, err := httpapi.NewRouter(logging.Component(log, "http"), dispatcher, events, httpapi.Options{
		RateLimit: cfg.HTTPRateLimit,
		RateBurst: cfg.HTTPRateBurst,
	})
	if err != nil {
		return err
	}

	if err := bot.Open(); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	log.Info().Str("addr", cfg.HTTPAddr).Msg("http listening")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("signal received, shutting down")
	case err := <-errCh:
		if err != nil {
			runErr = fmt.Errorf("http server: %w", err)
			log.Error().Err(err).Msg("http server failed")
		}
	}

	shutdown(log, cfg.ShutdownTimeout, runtime, manager, srv, router, bot)
	log.Info().Msgf("%s exited", appName)
	return runErr
}

// shutdown drains commands first so no transition races the teardown, then
// releases voice, the HTTP listener and the gateway in that order.
func shutdown(log zerolog.Logger, timeout time.Duration, runtime *voice.Runtime, manager *voice.Manager, srv *http.Server, router *httpapi.Router, bot *discord.Bot) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := runtime.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("runtime shutdown")
	}

	closeCtx, closeCancel := context.WithTimeout(context.Background(), timeout)
	defer closeCancel()
	if err := manager.CloseAll(closeCtx); err != nil {
		log.Warn().Err(err).Msg("closing voice sessions")
	}

	router.Close()
	if err := srv.Shutdown(closeCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	if err := bot.Close(); err != nil {
		log.Warn().Err(err).Msg("discord close")
	}
}

func reportFailure(op, guildID string, err error) {
	if errors.Is(err, voice.ErrNotFound) || errors.Is(err, voice.ErrIllegalState) {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("op", op)
		scope.SetTag("guild_id", guildID)
		sentry.CaptureException(err)
	})
}
