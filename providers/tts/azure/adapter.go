// Package azure implements the tts.Renderer capability against the Azure
// Speech REST endpoint. Azure emits RIFF PCM; the adapter runs an external
// encoder to produce the mp3 artifact the cache expects, so a failed encode
// is a synthesis failure.
package azure

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ajoeson/asterisk-stasis-utility/providers/tts"
)

const BackendName = "azure"

// Transcoder converts RIFF PCM bytes to the target artifact format.
type Transcoder func(ctx context.Context, wav []byte) ([]byte, error)

// Config holds Azure Speech access settings.
type Config struct {
	Region          string
	SubscriptionKey string
	Endpoint        string // optional override, mainly for tests
	Timeout         time.Duration
}

// Adapter renders speech through Azure Speech REST plus a transcode step.
type Adapter struct {
	cfg       Config
	http      *http.Client
	voices    tts.VoiceMap
	transcode Transcoder
	logger    zerolog.Logger
}

// NewAdapter constructs an Azure renderer with the ffmpeg transcoder.
func NewAdapter(cfg Config, voices tts.VoiceMap, logger zerolog.Logger) (*Adapter, error) {
	return NewAdapterWithTranscoder(cfg, voices, logger, FFmpegTranscoder())
}

// NewAdapterWithTranscoder allows injecting the transcode step for tests.
func NewAdapterWithTranscoder(cfg Config, voices tts.VoiceMap, logger zerolog.Logger, transcode Transcoder) (*Adapter, error) {
	if strings.TrimSpace(cfg.SubscriptionKey) == "" {
		return nil, fmt.Errorf("azure subscription key is required")
	}
	if strings.TrimSpace(cfg.Endpoint) == "" {
		if strings.TrimSpace(cfg.Region) == "" {
			return nil, fmt.Errorf("azure region is required")
		}
		cfg.Endpoint = fmt.Sprintf("https://%s.tts.speech.microsoft.com/cognitiveservices/v1", cfg.Region)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if transcode == nil {
		return nil, fmt.Errorf("azure transcoder is required")
	}
	return &Adapter{
		cfg:       cfg,
		http:      &http.Client{Timeout: cfg.Timeout},
		voices:    voices,
		transcode: transcode,
		logger:    logger.With().Str("component", "tts-azure").Logger(),
	}, nil
}

func (a *Adapter) Name() string {
	return BackendName
}

func (a *Adapter) Extension() string {
	return "mp3"
}

// Synthesize renders text to RIFF PCM and transcodes it to mp3.
func (a *Adapter) Synthesize(ctx context.Context, req tts.SynthesisRequest) ([]byte, error) {
	voice := req.Voice
	if voice == (tts.VoiceConfig{}) {
		voice = a.voices.Resolve(a.logger, req.Language)
	}
	voiceName := voice.Voice
	if strings.TrimSpace(voiceName) == "" {
		voiceName = "en-US-JennyNeural"
	}

	ssml := fmt.Sprintf(
		`<speak version="1.0" xml:lang="%s"><voice name="%s">%s</voice></speak>`,
		xmlEscape(req.Language), xmlEscape(voiceName), xmlEscape(req.Text),
	)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.Endpoint, strings.NewReader(ssml))
	if err != nil {
		return nil, fmt.Errorf("build azure request: %w", err)
	}
	httpReq.Header.Set("Ocp-Apim-Subscription-Key", a.cfg.SubscriptionKey)
	httpReq.Header.Set("Content-Type", "application/ssml+xml")
	httpReq.Header.Set("X-Microsoft-OutputFormat", "riff-8khz-16bit-mono-pcm")

	resp, err := a.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("azure request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("azure returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read azure audio: %w", err)
	}
	if len(wav) == 0 {
		return nil, fmt.Errorf("azure returned no audio")
	}

	audio, err := a.transcode(ctx, wav)
	if err != nil {
		return nil, fmt.Errorf("transcode azure audio: %w", err)
	}
	return audio, nil
}

// FFmpegTranscoder returns a Transcoder that shells out to ffmpeg for the
// wav-to-mp3 encode.
func FFmpegTranscoder() Transcoder {
	return func(ctx context.Context, wav []byte) ([]byte, error) {
		dir, err := os.MkdirTemp("", "tts-azure-")
		if err != nil {
			return nil, fmt.Errorf("create transcode dir: %w", err)
		}
		defer os.RemoveAll(dir)

		id := uuid.NewString()
		in := filepath.Join(dir, id+".wav")
		out := filepath.Join(dir, id+".mp3")
		if err := os.WriteFile(in, wav, 0o644); err != nil {
			return nil, fmt.Errorf("write transcode input: %w", err)
		}

		cmd := exec.CommandContext(ctx, "ffmpeg", "-hide_banner", "-loglevel", "error", "-i", in, "-codec:a", "libmp3lame", "-b:a", "128k", out)
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			return nil, fmt.Errorf("ffmpeg encode failed: %w (%s)", err, strings.TrimSpace(stderr.String()))
		}
		audio, err := os.ReadFile(out)
		if err != nil {
			return nil, fmt.Errorf("read transcode output: %w", err)
		}
		return audio, nil
	}
}

func xmlEscape(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;", "'", "&apos;")
	return r.Replace(s)
}
