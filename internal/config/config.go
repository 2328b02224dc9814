package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

// Config stores runtime configuration.
type Config struct {
	Backend   BackendConfig   `mapstructure:"backend"`
	Languages LanguagesConfig `mapstructure:"languages"`
	Trigger   TriggerConfig   `mapstructure:"trigger"`
	Deepgram  DeepgramConfig  `mapstructure:"deepgram"`
	Audio     AudioConfig     `mapstructure:"audio"`
	Recorder  RecorderConfig  `mapstructure:"recorder"`
	Playback  PlaybackConfig  `mapstructure:"playback"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type BackendConfig struct {
	Endpoint       string        `mapstructure:"endpoint"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
}

type LanguagesConfig struct {
	Primary string `mapstructure:"primary"`
	Target  string `mapstructure:"target"`
}

type TriggerConfig struct {
	AppName            string `mapstructure:"app_name"`
	TranslateCommand   string `mapstructure:"translate_command"`
	RulesFile          string `mapstructure:"rules_file"`
	RuleIterationLimit int    `mapstructure:"rule_iteration_limit"`
}

type DeepgramConfig struct {
	APIKey      string        `mapstructure:"api_key"`
	APIBaseURL  string        `mapstructure:"api_base"`
	Model       string        `mapstructure:"model"`
	SmartFormat bool          `mapstructure:"smart_format"`
	KeepAlive   time.Duration `mapstructure:"keep_alive"`
}

type AudioConfig struct {
	RecorderCommand string `mapstructure:"ffmpeg_command"`
	InputFormat     string `mapstructure:"input_format"`
	InputDevice     string `mapstructure:"input_device"`
	SampleRate      int    `mapstructure:"sample_rate"`
	Channels        int    `mapstructure:"channels"`
	ChunkSize       int    `mapstructure:"chunk_size"`
}

type RecorderConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Encoding string        `mapstructure:"encoding"`
}

type PlaybackConfig struct {
	Enabled       bool        `mapstructure:"enabled"`
	PlayerCommand string      `mapstructure:"player_command"`
	Piper         PiperConfig `mapstructure:"piper"`
}

// PiperConfig points at a Wyoming-protocol Piper server. Voices maps a base
// language ("en", "da") to a Piper voice model name.
type PiperConfig struct {
	Endpoint string            `mapstructure:"endpoint"`
	Voices   map[string]string `mapstructure:"voices"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// Load resolves configuration from defaults, an optional YAML file, a .env
// file and WAKELINGO_* environment variables. An empty path searches the
// working directory and ~/.config/wakelingo.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("wakelingo")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "wakelingo"))
		}
	}

	v.SetEnvPrefix("WAKELINGO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
	}

	resetMalformed(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}

	if cfg.Deepgram.APIKey == "" {
		cfg.Deepgram.APIKey = strings.TrimSpace(os.Getenv("DEEPGRAM_API_KEY"))
	}
	normalize(&cfg)
	return cfg, nil
}

var defaults = map[string]any{
	"backend.endpoint":             "ws://localhost:8000/ws",
	"backend.reconnect_delay":      5 * time.Second,
	"languages.primary":            "da-DK",
	"languages.target":             "en-US",
	"trigger.app_name":             "YourCompanyName",
	"trigger.translate_command":    "Oversæt",
	"trigger.rules_file":           "",
	"trigger.rule_iteration_limit": 30,
	"deepgram.api_key":             "",
	"deepgram.api_base":            "https://api.deepgram.com/v1",
	"deepgram.model":               "nova-2",
	"deepgram.smart_format":        false,
	"deepgram.keep_alive":          4 * time.Second,
	"audio.ffmpeg_command":         "ffmpeg",
	"audio.input_format":           "pulse",
	"audio.input_device":           "default",
	"audio.sample_rate":            16000,
	"audio.channels":               1,
	"audio.chunk_size":             3200,
	"recorder.interval":            100 * time.Millisecond,
	"recorder.encoding":            "zstd",
	"playback.enabled":             true,
	"playback.player_command":      "ffplay",
	"playback.piper.endpoint":      "localhost:10200",
	"logging.level":                "info",
}

func setDefaults(v *viper.Viper) {
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}

// resetMalformed puts back the default for any numeric, duration or boolean
// setting whose configured value does not parse.
func resetMalformed(v *viper.Viper) {
	for key, def := range defaults {
		var err error
		switch def.(type) {
		case int:
			_, err = cast.ToIntE(v.Get(key))
		case time.Duration:
			_, err = cast.ToDurationE(v.Get(key))
		case bool:
			_, err = cast.ToBoolE(v.Get(key))
		}
		if err != nil {
			v.Set(key, def)
		}
	}
}

func normalize(cfg *Config) {
	cfg.Backend.Endpoint = strings.TrimSpace(cfg.Backend.Endpoint)
	if cfg.Backend.ReconnectDelay <= 0 {
		cfg.Backend.ReconnectDelay = 5 * time.Second
	}
	if cfg.Audio.SampleRate <= 0 {
		cfg.Audio.SampleRate = 16000
	}
	if cfg.Audio.Channels <= 0 {
		cfg.Audio.Channels = 1
	}
	if cfg.Audio.ChunkSize < 256 {
		cfg.Audio.ChunkSize = 3200
	}
	if cfg.Trigger.RuleIterationLimit <= 0 {
		cfg.Trigger.RuleIterationLimit = 30
	}
	if strings.TrimSpace(cfg.Trigger.AppName) == "" {
		cfg.Trigger.AppName = "YourCompanyName"
	}
	if strings.TrimSpace(cfg.Trigger.TranslateCommand) == "" {
		cfg.Trigger.TranslateCommand = "Oversæt"
	}
	if cfg.Recorder.Interval <= 0 {
		cfg.Recorder.Interval = 100 * time.Millisecond
	}
	cfg.Recorder.Encoding = strings.ToLower(strings.TrimSpace(cfg.Recorder.Encoding))
	if cfg.Recorder.Encoding == "" {
		cfg.Recorder.Encoding = "zstd"
	}
	cfg.Logging.Level = strings.ToLower(strings.TrimSpace(cfg.Logging.Level))
}
