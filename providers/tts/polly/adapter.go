// Package polly implements the tts.Renderer capability on AWS Polly.
package polly

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/polly"
	pollytypes "github.com/aws/aws-sdk-go-v2/service/polly/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"

	"github.com/ajoeson/asterisk-stasis-utility/providers/tts"
)

const BackendName = "polly"

type synthClient interface {
	SynthesizeSpeech(ctx context.Context, params *polly.SynthesizeSpeechInput, optFns ...func(*polly.Options)) (*polly.SynthesizeSpeechOutput, error)
}

// Config holds Polly access settings.
type Config struct {
	Region  string
	Engine  string
	Timeout time.Duration
}

// Adapter renders speech through AWS Polly.
type Adapter struct {
	mu     sync.Mutex
	client synthClient
	cfg    Config
	voices tts.VoiceMap
	logger zerolog.Logger
}

// NewAdapter constructs a Polly renderer with a lazily initialized client.
func NewAdapter(cfg Config, voices tts.VoiceMap, logger zerolog.Logger) (*Adapter, error) {
	return NewAdapterWithClient(cfg, voices, logger, nil)
}

// NewAdapterWithClient allows injecting a synthesis client for tests.
func NewAdapterWithClient(cfg Config, voices tts.VoiceMap, logger zerolog.Logger, client synthClient) (*Adapter, error) {
	if strings.TrimSpace(cfg.Region) == "" {
		cfg.Region = "us-east-1"
	}
	if strings.TrimSpace(cfg.Engine) == "" {
		cfg.Engine = "neural"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Adapter{
		client: client,
		cfg:    cfg,
		voices: voices,
		logger: logger.With().Str("component", "tts-polly").Logger(),
	}, nil
}

func (a *Adapter) Name() string {
	return BackendName
}

func (a *Adapter) Extension() string {
	return "mp3"
}

// Synthesize renders text and returns the mp3 audio stream bytes.
func (a *Adapter) Synthesize(ctx context.Context, req tts.SynthesisRequest) ([]byte, error) {
	client, err := a.resolveClient(ctx)
	if err != nil {
		return nil, err
	}

	voice := req.Voice
	if voice == (tts.VoiceConfig{}) {
		voice = a.voices.Resolve(a.logger, req.Language)
	}
	voiceID := voice.Voice
	if strings.TrimSpace(voiceID) == "" {
		voiceID = "Joanna"
	}

	engine := pollytypes.EngineStandard
	if strings.EqualFold(a.cfg.Engine, "neural") {
		engine = pollytypes.EngineNeural
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	text := req.Text
	input := &polly.SynthesizeSpeechInput{
		Engine:       engine,
		OutputFormat: pollytypes.OutputFormatMp3,
		Text:         &text,
		TextType:     pollytypes.TextTypeText,
		VoiceId:      pollytypes.VoiceId(voiceID),
	}
	if strings.TrimSpace(req.Language) != "" {
		input.LanguageCode = pollytypes.LanguageCode(req.Language)
	}

	output, err := client.SynthesizeSpeech(ctx, input)
	if err != nil {
		return nil, normalizePollyError(err)
	}
	if output == nil || output.AudioStream == nil {
		return nil, fmt.Errorf("polly returned empty audio stream")
	}
	defer output.AudioStream.Close()

	audio, err := io.ReadAll(output.AudioStream)
	if err != nil {
		return nil, fmt.Errorf("read polly audio stream: %w", err)
	}
	return audio, nil
}

func normalizePollyError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("polly synthesis timed out: %w", err)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "TooManyRequestsException":
			return fmt.Errorf("polly throttled the request: %w", err)
		case "InvalidSsmlException", "TextLengthExceededException", "LexiconNotFoundException", "InvalidSampleRateException":
			return fmt.Errorf("polly rejected the request (%s): %w", apiErr.ErrorCode(), err)
		default:
			return fmt.Errorf("polly service error (%s): %w", apiErr.ErrorCode(), err)
		}
	}
	return fmt.Errorf("polly transport error: %w", err)
}

func (a *Adapter) resolveClient(ctx context.Context) (synthClient, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.client != nil {
		return a.client, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(a.cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	a.client = polly.NewFromConfig(awsCfg)
	return a.client, nil
}
