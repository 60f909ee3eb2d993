// Package config loads and validates the service configuration: a YAML
// document checked against an embedded JSON schema, with environment
// overrides for secrets.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/ajoeson/asterisk-stasis-utility/providers/tts"
)

// Environment variables overriding file-borne secrets.
const (
	EnvARIPassword   = "ARI_PASSWORD"
	EnvMinimaxAPIKey = "MINIMAX_API_KEY"
	EnvAzureKey      = "AZURE_SPEECH_KEY"
)

// ARIConfig is the call-control server connection block.
type ARIConfig struct {
	URL         string `yaml:"url"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	Application string `yaml:"application"`
}

// HTTPConfig is the artifact endpoint block.
type HTTPConfig struct {
	Listen string `yaml:"listen"`
	// MediaBase is the base URL Asterisk uses to reach the artifact
	// endpoint; defaults to http://127.0.0.1<listen>.
	MediaBase string `yaml:"mediaBase"`
}

// MinimaxConfig holds Minimax backend access settings.
type MinimaxConfig struct {
	APIKey  string `yaml:"apiKey"`
	GroupID string `yaml:"groupId"`
}

// PollyConfig holds AWS Polly backend settings; credentials come from the
// standard AWS environment.
type PollyConfig struct {
	Region string `yaml:"region"`
	Engine string `yaml:"engine"`
}

// AzureConfig holds Azure Speech backend access settings.
type AzureConfig struct {
	Region          string `yaml:"region"`
	SubscriptionKey string `yaml:"subscriptionKey"`
}

// TTSConfig selects and configures the rendering backend and prompt cache.
type TTSConfig struct {
	Backend         string        `yaml:"backend"`
	CacheDir        string        `yaml:"cacheDir"`
	DefaultLanguage string        `yaml:"defaultLanguage"`
	Minimax         MinimaxConfig `yaml:"minimax"`
	Polly           PollyConfig   `yaml:"polly"`
	Azure           AzureConfig   `yaml:"azure"`
	Voices          tts.VoiceMap  `yaml:"voices"`
}

// SessionConfig tunes session lifecycle.
type SessionConfig struct {
	CleanupDelaySeconds int `yaml:"cleanupDelaySeconds"`
}

// AgentConfig tunes agent bridging.
type AgentConfig struct {
	// Endpoint is the dial string for the default agent, e.g. "PJSIP/2001".
	Endpoint           string `yaml:"endpoint"`
	RingTimeoutSeconds int    `yaml:"ringTimeoutSeconds"`
	MOHClass           string `yaml:"mohClass"`
}

// LogConfig tunes logging output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Config is the full service configuration.
type Config struct {
	ARI     ARIConfig     `yaml:"ari"`
	HTTP    HTTPConfig    `yaml:"http"`
	TTS     TTSConfig     `yaml:"tts"`
	Session SessionConfig `yaml:"session"`
	Agent   AgentConfig   `yaml:"agent"`
	Log     LogConfig     `yaml:"log"`
}

// CleanupDelay returns the session grace window as a duration.
func (c Config) CleanupDelay() time.Duration {
	return time.Duration(c.Session.CleanupDelaySeconds) * time.Second
}

// RingTimeout returns the agent ring timeout as a duration.
func (c Config) RingTimeout() time.Duration {
	return time.Duration(c.Agent.RingTimeoutSeconds) * time.Second
}

// Load reads, validates, and defaults a configuration file.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(raw)
}

// Parse validates and defaults a raw YAML configuration document.
func Parse(raw []byte) (Config, error) {
	var generic any
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := validateSchema(generic); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(EnvARIPassword); v != "" {
		cfg.ARI.Password = v
	}
	if v := os.Getenv(EnvMinimaxAPIKey); v != "" {
		cfg.TTS.Minimax.APIKey = v
	}
	if v := os.Getenv(EnvAzureKey); v != "" {
		cfg.TTS.Azure.SubscriptionKey = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.ARI.URL == "" {
		cfg.ARI.URL = "http://127.0.0.1:8088"
	}
	if cfg.HTTP.Listen == "" {
		cfg.HTTP.Listen = ":3015"
	}
	if cfg.HTTP.MediaBase == "" {
		listen := cfg.HTTP.Listen
		if strings.HasPrefix(listen, ":") {
			listen = "127.0.0.1" + listen
		}
		cfg.HTTP.MediaBase = "http://" + listen
	}
	if cfg.TTS.CacheDir == "" {
		cfg.TTS.CacheDir = "./tts"
	}
	if cfg.TTS.DefaultLanguage == "" {
		cfg.TTS.DefaultLanguage = "en-US"
	}
	if cfg.Session.CleanupDelaySeconds <= 0 {
		cfg.Session.CleanupDelaySeconds = 15
	}
	if cfg.Agent.RingTimeoutSeconds <= 0 {
		cfg.Agent.RingTimeoutSeconds = 30
	}
	if cfg.Agent.MOHClass == "" {
		cfg.Agent.MOHClass = "default"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

func validateSchema(doc any) error {
	schema, err := jsonschema.CompileString("config.schema.json", configSchema)
	if err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	if err := schema.Validate(normalizeYAML(doc)); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// normalizeYAML converts yaml.v3 generic decoding output into the
// map[string]any shape the schema validator expects.
func normalizeYAML(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalizeYAML(item)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[fmt.Sprint(k)] = normalizeYAML(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeYAML(item)
		}
		return out
	default:
		return v
	}
}

const configSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["ari"],
  "properties": {
    "ari": {
      "type": "object",
      "required": ["application"],
      "properties": {
        "url": {"type": "string"},
        "username": {"type": "string"},
        "password": {"type": "string"},
        "application": {"type": "string", "minLength": 1}
      }
    },
    "http": {
      "type": "object",
      "properties": {
        "listen": {"type": "string"},
        "mediaBase": {"type": "string"}
      }
    },
    "tts": {
      "type": "object",
      "properties": {
        "backend": {"enum": ["minimax", "polly", "azure"]},
        "cacheDir": {"type": "string"},
        "defaultLanguage": {"type": "string"},
        "minimax": {
          "type": "object",
          "properties": {
            "apiKey": {"type": "string"},
            "groupId": {"type": "string"}
          }
        },
        "polly": {
          "type": "object",
          "properties": {
            "region": {"type": "string"},
            "engine": {"enum": ["standard", "neural"]}
          }
        },
        "azure": {
          "type": "object",
          "properties": {
            "region": {"type": "string"},
            "subscriptionKey": {"type": "string"}
          }
        },
        "voices": {
          "type": "object",
          "additionalProperties": {
            "type": "object",
            "properties": {
              "voice": {"type": "string"},
              "speed": {"type": "number"},
              "volume": {"type": "number"},
              "pitch": {"type": "number"},
              "sampleRate": {"type": "integer"},
              "bitrate": {"type": "integer"}
            }
          }
        }
      }
    },
    "session": {
      "type": "object",
      "properties": {
        "cleanupDelaySeconds": {"type": "integer", "minimum": 0}
      }
    },
    "agent": {
      "type": "object",
      "properties": {
        "endpoint": {"type": "string"},
        "ringTimeoutSeconds": {"type": "integer", "minimum": 0},
        "mohClass": {"type": "string"}
      }
    },
    "log": {
      "type": "object",
      "properties": {
        "level": {"enum": ["debug", "info", "warn", "error"]},
        "pretty": {"type": "boolean"}
      }
    }
  }
}`
