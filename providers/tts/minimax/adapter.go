// Package minimax implements the tts.Renderer capability against the Minimax
// t2a_v2 speech API.
package minimax

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ajoeson/asterisk-stasis-utility/providers/tts"
)

const BackendName = "minimax"

const defaultEndpoint = "https://api.minimaxi.chat/v1/t2a_v2"

// Config holds Minimax API access settings.
type Config struct {
	APIKey   string
	GroupID  string
	Endpoint string
	Model    string
	Timeout  time.Duration
}

// Adapter renders speech through the Minimax HTTP API.
type Adapter struct {
	cfg    Config
	http   *http.Client
	voices tts.VoiceMap
	logger zerolog.Logger
}

// NewAdapter constructs a Minimax renderer.
func NewAdapter(cfg Config, voices tts.VoiceMap, logger zerolog.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("minimax api key is required")
	}
	if strings.TrimSpace(cfg.GroupID) == "" {
		return nil, fmt.Errorf("minimax group id is required")
	}
	if strings.TrimSpace(cfg.Endpoint) == "" {
		cfg.Endpoint = defaultEndpoint
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = "speech-01-turbo"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Adapter{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		voices: voices,
		logger: logger.With().Str("component", "tts-minimax").Logger(),
	}, nil
}

func (a *Adapter) Name() string {
	return BackendName
}

func (a *Adapter) Extension() string {
	return "mp3"
}

type synthesisResponse struct {
	Data struct {
		Audio string `json:"audio"`
	} `json:"data"`
	BaseResp struct {
		StatusCode int64  `json:"status_code"`
		StatusMsg  string `json:"status_msg"`
	} `json:"base_resp"`
}

// Synthesize renders text through t2a_v2 and returns the decoded mp3 bytes.
func (a *Adapter) Synthesize(ctx context.Context, req tts.SynthesisRequest) ([]byte, error) {
	voice := req.Voice
	if voice == (tts.VoiceConfig{}) {
		voice = a.voices.Resolve(a.logger, req.Language)
	}

	body := map[string]any{
		"model":           a.cfg.Model,
		"text":            req.Text,
		"stream":          false,
		"subtitle_enable": false,
		"output_format":   "hex",
		"language_boost":  languageBoost(req.Language),
		"voice_setting": map[string]any{
			"voice_id": defaultString(voice.Voice, "Deep_Voice_Man"),
			"speed":    defaultFloat(voice.Speed, 1),
			"vol":      defaultFloat(voice.Volume, 1),
			"pitch":    voice.Pitch,
		},
		"audio_setting": map[string]any{
			"sample_rate": defaultInt(voice.SampleRate, 8000),
			"bitrate":     defaultInt(voice.Bitrate, 128000),
			"format":      "mp3",
			"channel":     1,
		},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode minimax request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.Endpoint+"?GroupId="+a.cfg.GroupID, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build minimax request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("minimax request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("minimax returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var decoded synthesisResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode minimax response: %w", err)
	}
	if decoded.Data.Audio == "" {
		return nil, fmt.Errorf("minimax returned no audio (status %d %s)", decoded.BaseResp.StatusCode, decoded.BaseResp.StatusMsg)
	}
	audio, err := hex.DecodeString(decoded.Data.Audio)
	if err != nil {
		return nil, fmt.Errorf("decode minimax audio hex: %w", err)
	}
	return audio, nil
}

// languageBoost maps a language tag to the Minimax language_boost selector.
func languageBoost(language string) string {
	switch language {
	case "zh-HK":
		return "Chinese,Yue"
	case "zh-CN":
		return "Chinese"
	default:
		return "English"
	}
}

func defaultString(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

func defaultFloat(v, fallback float64) float64 {
	if v == 0 {
		return fallback
	}
	return v
}

func defaultInt(v, fallback int) int {
	if v == 0 {
		return fallback
	}
	return v
}
