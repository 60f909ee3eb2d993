// Package tts defines the speech rendering capability the prompt cache
// consumes. Backends are polymorphic over Renderer; swapping backends never
// changes cache key semantics, only the artifact extension.
package tts

import (
	"context"

	"github.com/rs/zerolog"
)

// VoiceConfig is the per-language voice tuning applied by a backend.
// Zero fields mean backend defaults.
type VoiceConfig struct {
	Voice      string  `yaml:"voice" json:"voice"`
	Speed      float64 `yaml:"speed" json:"speed"`
	Volume     float64 `yaml:"volume" json:"volume"`
	Pitch      float64 `yaml:"pitch" json:"pitch"`
	SampleRate int     `yaml:"sampleRate" json:"sampleRate"`
	Bitrate    int     `yaml:"bitrate" json:"bitrate"`
}

// VoiceMap maps a language tag to its voice configuration.
type VoiceMap map[string]VoiceConfig

// Resolve returns the voice configuration for language. A missing entry is
// non-fatal: it is logged and a zero config is returned so the backend
// synthesizes with best-effort defaults.
func (m VoiceMap) Resolve(logger zerolog.Logger, language string) VoiceConfig {
	cfg, ok := m[language]
	if !ok {
		logger.Warn().Str("language", language).Msg("no voice configuration for language, using backend defaults")
		return VoiceConfig{}
	}
	return cfg
}

// SynthesisRequest asks a backend to render text in a language.
type SynthesisRequest struct {
	Language string
	Text     string
	Voice    VoiceConfig
}

// Renderer produces a playable audio artifact for a synthesis request.
type Renderer interface {
	// Name identifies the backend for logs and configuration.
	Name() string
	// Extension is the artifact file extension (without dot) this backend
	// produces, e.g. "mp3".
	Extension() string
	// Synthesize renders text to audio bytes. Any post-processing a backend
	// needs (format conversion included) happens before returning; a failed
	// conversion is a synthesis failure.
	Synthesize(ctx context.Context, req SynthesisRequest) ([]byte, error)
}
