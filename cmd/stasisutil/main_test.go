package main

import (
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ajoeson/asterisk-stasis-utility/internal/config"
	"github.com/ajoeson/asterisk-stasis-utility/providers/tts/azure"
	"github.com/ajoeson/asterisk-stasis-utility/providers/tts/minimax"
	"github.com/ajoeson/asterisk-stasis-utility/providers/tts/polly"
)

func TestBuildRendererSelectsBackend(t *testing.T) {
	t.Parallel()

	cfg := config.Config{}
	cfg.TTS.Minimax = config.MinimaxConfig{APIKey: "key", GroupID: "g1"}
	cfg.TTS.Polly = config.PollyConfig{Region: "ap-southeast-1"}
	cfg.TTS.Azure = config.AzureConfig{Region: "eastasia", SubscriptionKey: "key"}

	cases := []struct {
		backend string
		want    string
	}{
		{"", minimax.BackendName},
		{minimax.BackendName, minimax.BackendName},
		{polly.BackendName, polly.BackendName},
		{azure.BackendName, azure.BackendName},
	}
	for _, tc := range cases {
		cfg.TTS.Backend = tc.backend
		r, err := buildRenderer(cfg, zerolog.Nop())
		if err != nil {
			t.Fatalf("backend %q: %v", tc.backend, err)
		}
		if r.Name() != tc.want {
			t.Fatalf("backend %q built %q", tc.backend, r.Name())
		}
	}
}

func TestBuildRendererRejectsUnknownBackend(t *testing.T) {
	t.Parallel()

	cfg := config.Config{}
	cfg.TTS.Backend = "espeak"
	if _, err := buildRenderer(cfg, zerolog.Nop()); err == nil || !strings.Contains(err.Error(), "espeak") {
		t.Fatalf("error = %v", err)
	}
}

func TestBuildRendererSurfacesBackendValidation(t *testing.T) {
	t.Parallel()

	cfg := config.Config{}
	cfg.TTS.Backend = minimax.BackendName
	// No api key configured.
	if _, err := buildRenderer(cfg, zerolog.Nop()); err == nil {
		t.Fatalf("minimax without credentials accepted")
	}
}

func TestRunRejectsMissingConfig(t *testing.T) {
	t.Parallel()

	if err := run([]string{"-config", "/nonexistent/config.yaml"}); err == nil {
		t.Fatalf("missing config accepted")
	}
}
