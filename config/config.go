package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/bt-bridge/lingocall"
	"github.com/bt-bridge/lingocall/shared"
	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
	"github.com/pion/webrtc/v4"
)

const (
	TranslatorRelay  = "relay"
	TranslatorOpenAI = "openai"
)

type Config struct {
	Signaling  Signaling  `yaml:"signaling"`
	ICE        ICE        `yaml:"ice"`
	Captions   Captions   `yaml:"captions"`
	Translator Translator `yaml:"translator"`
	Log        Log        `yaml:"log"`
}

type Signaling struct {
	URL          string        `yaml:"url"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryDelay   time.Duration `yaml:"retry_delay"`
	PingInterval time.Duration `yaml:"ping_interval"`
}

type ICE struct {
	Servers []ICEServer `yaml:"servers"`
	// DiscoveryURL returns a JSON list of ICE servers; fetched at startup
	// and appended to Servers.
	DiscoveryURL     string        `yaml:"discovery_url"`
	DiscoveryTimeout time.Duration `yaml:"discovery_timeout"`
}

type ICEServer struct {
	URLs       []string `yaml:"urls" json:"urls"`
	Username   string   `yaml:"username,omitempty" json:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty" json:"credential,omitempty"`
}

type Captions struct {
	SourceLang    string        `yaml:"source_lang"`
	TargetLang    string        `yaml:"target_lang"`
	SampleRate    int           `yaml:"sample_rate"`
	Window        time.Duration `yaml:"window"`
	Interval      time.Duration `yaml:"interval"`
	Probability   float64       `yaml:"probability"`
	TranscriptCap int           `yaml:"transcript_cap"`
}

type Translator struct {
	// Mode is "relay" (audio_blob over signaling) or "openai" (direct).
	Mode               string `yaml:"mode"`
	APIKey             string `yaml:"api_key"`
	BaseURL            string `yaml:"base_url"`
	TranscriptionModel string `yaml:"transcription_model"`
	ChatModel          string `yaml:"chat_model"`
}

type Log struct {
	// File enables rotated JSON logs; stdout otherwise.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

func Default() *Config {
	captions := lingocall.DefaultCaptionConfig()
	return &Config{
		Signaling: Signaling{
			URL:          "ws://127.0.0.1:5000/ws",
			MaxRetries:   5,
			RetryDelay:   time.Second,
			PingInterval: 20 * time.Second,
		},
		ICE: ICE{
			Servers:          []ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
			DiscoveryTimeout: 5 * time.Second,
		},
		Captions: Captions{
			SourceLang:    captions.SourceLang,
			TargetLang:    captions.TargetLang,
			SampleRate:    captions.SampleRate,
			Window:        captions.Window,
			Interval:      captions.Interval,
			Probability:   captions.Probability,
			TranscriptCap: captions.TranscriptCap,
		},
		Translator: Translator{
			Mode:               TranslatorRelay,
			TranscriptionModel: "whisper-1",
			ChatModel:          "gpt-4o-mini",
		},
		Log: Log{
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 7,
		},
	}
}

// Load layers configuration: defaults, then the YAML file at path (if any),
// then dotenv files, then the process environment.
func Load(path string, dotenv ...string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	// godotenv.Load does not overwrite variables already set
	if err := godotenv.Load(dotenv...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading dotenv: %w", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var err error
	if c.Signaling.URL, err = shared.Getenv(shared.GetenvString, "LINGOCALL_SIGNALING_URL", false, c.Signaling.URL); err != nil {
		return err
	}
	if c.Signaling.MaxRetries, err = shared.Getenv(shared.GetenvInt, "LINGOCALL_MAX_RETRIES", false, c.Signaling.MaxRetries); err != nil {
		return err
	}
	if c.Signaling.RetryDelay, err = shared.Getenv(shared.GetenvDuration, "LINGOCALL_RETRY_DELAY", false, c.Signaling.RetryDelay); err != nil {
		return err
	}
	if c.ICE.DiscoveryURL, err = shared.Getenv(shared.GetenvString, "LINGOCALL_ICE_URL", false, c.ICE.DiscoveryURL); err != nil {
		return err
	}
	if c.Captions.SourceLang, err = shared.Getenv(shared.GetenvString, "LINGOCALL_SOURCE_LANG", false, c.Captions.SourceLang); err != nil {
		return err
	}
	if c.Captions.TargetLang, err = shared.Getenv(shared.GetenvString, "LINGOCALL_TARGET_LANG", false, c.Captions.TargetLang); err != nil {
		return err
	}
	if c.Captions.Probability, err = shared.Getenv(shared.GetenvFloat, "LINGOCALL_CAPTION_PROBABILITY", false, c.Captions.Probability); err != nil {
		return err
	}
	if c.Translator.Mode, err = shared.Getenv(shared.GetenvString, "LINGOCALL_TRANSLATOR", false, c.Translator.Mode); err != nil {
		return err
	}
	if c.Translator.APIKey, err = shared.Getenv(shared.GetenvString, "OPENAI_API_KEY", false, c.Translator.APIKey); err != nil {
		return err
	}
	if c.Translator.BaseURL, err = shared.Getenv(shared.GetenvString, "OPENAI_BASE_URL", false, c.Translator.BaseURL); err != nil {
		return err
	}
	if c.Log.File, err = shared.Getenv(shared.GetenvString, "LINGOCALL_LOG_FILE", false, c.Log.File); err != nil {
		return err
	}
	if c.Log.Compress, err = shared.Getenv(shared.GetenvBool, "LINGOCALL_LOG_COMPRESS", false, c.Log.Compress); err != nil {
		return err
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Signaling.URL == "" {
		errs = append(errs, errors.New("signaling.url is empty"))
	} else if !strings.HasPrefix(c.Signaling.URL, "ws://") && !strings.HasPrefix(c.Signaling.URL, "wss://") {
		errs = append(errs, fmt.Errorf("signaling.url %q is not a websocket URL", c.Signaling.URL))
	}
	if p := c.Captions.Probability; p < 0 || p > 1 {
		errs = append(errs, fmt.Errorf("captions.probability %v is outside [0,1]", p))
	}
	switch c.Translator.Mode {
	case TranslatorRelay:
	case TranslatorOpenAI:
		if c.Translator.APIKey == "" {
			errs = append(errs, errors.New("translator.api_key is required in openai mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown translator.mode %q", c.Translator.Mode))
	}
	return errors.Join(errs...)
}

func (c *Config) CaptionConfig() lingocall.CaptionConfig {
	return lingocall.CaptionConfig{
		SourceLang:    c.Captions.SourceLang,
		TargetLang:    c.Captions.TargetLang,
		SampleRate:    c.Captions.SampleRate,
		Window:        c.Captions.Window,
		Interval:      c.Captions.Interval,
		Probability:   c.Captions.Probability,
		TranscriptCap: c.Captions.TranscriptCap,
	}
}

func (c *Config) WebRTCServers() []webrtc.ICEServer {
	return toWebRTC(c.ICE.Servers)
}

func toWebRTC(servers []ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		server := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			server.Credential = s.Credential
		}
		out = append(out, server)
	}
	return out
}
