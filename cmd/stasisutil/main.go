// Command stasisutil runs the call-session orchestration service: it
// connects to the Asterisk REST Interface, serves the prompt artifact
// endpoint, and drives calls through a small menu flow.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/ajoeson/asterisk-stasis-utility/internal/artifactserver"
	"github.com/ajoeson/asterisk-stasis-utility/internal/config"
	"github.com/ajoeson/asterisk-stasis-utility/internal/engine"
	"github.com/ajoeson/asterisk-stasis-utility/internal/logging"
	"github.com/ajoeson/asterisk-stasis-utility/internal/ttscache"
	"github.com/ajoeson/asterisk-stasis-utility/providers/tts"
	"github.com/ajoeson/asterisk-stasis-utility/providers/tts/azure"
	"github.com/ajoeson/asterisk-stasis-utility/providers/tts/minimax"
	"github.com/ajoeson/asterisk-stasis-utility/providers/tts/polly"
	"github.com/ajoeson/asterisk-stasis-utility/transports/ari"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "stasisutil: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("stasisutil", flag.ContinueOnError)
	configPath := fs.String("config", "config.yaml", "path to the configuration file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	logger := logging.New(cfg.Log.Level, cfg.Log.Pretty)

	renderer, err := buildRenderer(cfg, logger)
	if err != nil {
		return err
	}
	cache, err := ttscache.New(cfg.TTS.CacheDir, renderer, logger)
	if err != nil {
		return err
	}

	client, err := ari.NewClient(ari.Config{
		URL:      cfg.ARI.URL,
		Username: cfg.ARI.Username,
		Password: cfg.ARI.Password,
		App:      cfg.ARI.Application,
	}, logger)
	if err != nil {
		return err
	}

	handler := &menuHandler{agentEndpoint: cfg.Agent.Endpoint, logger: logger}
	eng, err := engine.New(engine.Config{
		App:             cfg.ARI.Application,
		DefaultLanguage: cfg.TTS.DefaultLanguage,
		CleanupDelay:    cfg.CleanupDelay(),
		RingTimeout:     cfg.RingTimeout(),
		MOHClass:        cfg.Agent.MOHClass,
		MediaBase:       cfg.HTTP.MediaBase,
	}, client, cache, handler, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	httpSrv := &http.Server{
		Addr:    cfg.HTTP.Listen,
		Handler: artifactserver.New(cache.Root(), logger),
	}
	go func() {
		logger.Info().Str("listen", cfg.HTTP.Listen).Msg("artifact endpoint serving")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("artifact endpoint failed")
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	stream, err := ari.Connect(ctx, ari.Config{
		URL:      cfg.ARI.URL,
		Username: cfg.ARI.Username,
		Password: cfg.ARI.Password,
		App:      cfg.ARI.Application,
	}, logger)
	if err != nil {
		return err
	}
	defer stream.Close()

	logger.Info().Str("app", cfg.ARI.Application).Msg("stasis application serving")
	if err := eng.Run(ctx, stream); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func buildRenderer(cfg config.Config, logger zerolog.Logger) (tts.Renderer, error) {
	switch cfg.TTS.Backend {
	case "", minimax.BackendName:
		return minimax.NewAdapter(minimax.Config{
			APIKey:  cfg.TTS.Minimax.APIKey,
			GroupID: cfg.TTS.Minimax.GroupID,
		}, cfg.TTS.Voices, logger)
	case polly.BackendName:
		return polly.NewAdapter(polly.Config{
			Region: cfg.TTS.Polly.Region,
			Engine: cfg.TTS.Polly.Engine,
		}, cfg.TTS.Voices, logger)
	case azure.BackendName:
		return azure.NewAdapter(azure.Config{
			Region:          cfg.TTS.Azure.Region,
			SubscriptionKey: cfg.TTS.Azure.SubscriptionKey,
		}, cfg.TTS.Voices, logger)
	default:
		return nil, fmt.Errorf("unsupported tts backend %q", cfg.TTS.Backend)
	}
}
