package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Recorder    RecorderConfig  `yaml:"recorder"`
	Store       StoreConfig     `yaml:"store"`
	Viewer      ViewerConfig    `yaml:"viewer"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

// RecorderConfig drives the recognition session controller and its engine.
type RecorderConfig struct {
	Enabled              bool   `yaml:"enabled"`
	Language             string `yaml:"language"`
	Microphone           string `yaml:"microphone"` // granted, denied
	Device               string `yaml:"device"`
	Mode                 string `yaml:"mode"` // mock, exec
	Command              string `yaml:"command"`
	ModelPath            string `yaml:"model_path"`
	SampleRate           int    `yaml:"sample_rate"`
	Channels             int    `yaml:"channels"`
	PartialResults       bool   `yaml:"partial_results"`
	PartialEveryMS       int    `yaml:"partial_every_ms"`
	MaxResults           int    `yaml:"max_results"`
	SpeechTimeoutMS      int    `yaml:"speech_timeout_ms"`
	RestartDelayMS       int    `yaml:"restart_delay_ms"`
	ErrorBackoffMaxMS    int    `yaml:"error_backoff_max_ms"`
	MaxConsecutiveErrors int    `yaml:"max_consecutive_errors"`
	WriteTimeoutMS       int    `yaml:"write_timeout_ms"`
}

type StoreConfig struct {
	Path       string `yaml:"path"`
	Collection string `yaml:"collection"`
}

type ViewerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	TimeZone string `yaml:"time_zone"`
	Title    string `yaml:"title"`
}

func (c RecorderConfig) RestartDelay() time.Duration {
	return time.Duration(c.RestartDelayMS) * time.Millisecond
}

func (c RecorderConfig) ErrorBackoffMax() time.Duration {
	if c.ErrorBackoffMaxMS <= 0 {
		return c.RestartDelay()
	}
	return time.Duration(c.ErrorBackoffMaxMS) * time.Millisecond
}

func Default() Config {
	return Config{
		RuntimeName: "livescribe",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Recorder: RecorderConfig{
			Enabled:         true,
			Language:        "zh-CN",
			Microphone:      "granted",
			Device:          "default",
			Mode:            "mock",
			SampleRate:      16000,
			Channels:        1,
			PartialResults:  true,
			PartialEveryMS:  800,
			MaxResults:      1,
			SpeechTimeoutMS: 5000,
			RestartDelayMS:  100,
			WriteTimeoutMS:  10000,
		},
		Store: StoreConfig{
			Path:       "./data/livescribe.db",
			Collection: "speechEntries",
		},
		Viewer: ViewerConfig{
			Enabled:  true,
			TimeZone: "Local",
			Title:    "实时语音文字显示",
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LIVESCRIBE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LIVESCRIBE_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LIVESCRIBE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LIVESCRIBE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LIVESCRIBE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LIVESCRIBE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LIVESCRIBE_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Embedded, "LIVESCRIBE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LIVESCRIBE_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LIVESCRIBE_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LIVESCRIBE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LIVESCRIBE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LIVESCRIBE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LIVESCRIBE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LIVESCRIBE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LIVESCRIBE_BUS_CONNECT_TIMEOUT_MS")
	overrideBool(&cfg.Recorder.Enabled, "LIVESCRIBE_RECORDER_ENABLED")
	overrideString(&cfg.Recorder.Language, "LIVESCRIBE_RECORDER_LANGUAGE")
	overrideString(&cfg.Recorder.Microphone, "LIVESCRIBE_RECORDER_MICROPHONE")
	overrideString(&cfg.Recorder.Device, "LIVESCRIBE_RECORDER_DEVICE")
	overrideString(&cfg.Recorder.Mode, "LIVESCRIBE_RECORDER_MODE")
	overrideString(&cfg.Recorder.Command, "LIVESCRIBE_RECORDER_COMMAND")
	overrideString(&cfg.Recorder.ModelPath, "LIVESCRIBE_RECORDER_MODEL_PATH")
	overrideInt(&cfg.Recorder.SampleRate, "LIVESCRIBE_RECORDER_SAMPLE_RATE")
	overrideInt(&cfg.Recorder.Channels, "LIVESCRIBE_RECORDER_CHANNELS")
	overrideBool(&cfg.Recorder.PartialResults, "LIVESCRIBE_RECORDER_PARTIAL_RESULTS")
	overrideInt(&cfg.Recorder.PartialEveryMS, "LIVESCRIBE_RECORDER_PARTIAL_EVERY_MS")
	overrideInt(&cfg.Recorder.SpeechTimeoutMS, "LIVESCRIBE_RECORDER_SPEECH_TIMEOUT_MS")
	overrideInt(&cfg.Recorder.RestartDelayMS, "LIVESCRIBE_RECORDER_RESTART_DELAY_MS")
	overrideInt(&cfg.Recorder.ErrorBackoffMaxMS, "LIVESCRIBE_RECORDER_ERROR_BACKOFF_MAX_MS")
	overrideInt(&cfg.Recorder.MaxConsecutiveErrors, "LIVESCRIBE_RECORDER_MAX_CONSECUTIVE_ERRORS")
	overrideInt(&cfg.Recorder.WriteTimeoutMS, "LIVESCRIBE_RECORDER_WRITE_TIMEOUT_MS")
	overrideString(&cfg.Store.Path, "LIVESCRIBE_STORE_PATH")
	overrideString(&cfg.Store.Collection, "LIVESCRIBE_STORE_COLLECTION")
	overrideBool(&cfg.Viewer.Enabled, "LIVESCRIBE_VIEWER_ENABLED")
	overrideString(&cfg.Viewer.TimeZone, "LIVESCRIBE_VIEWER_TIME_ZONE")
	overrideString(&cfg.Viewer.Title, "LIVESCRIBE_VIEWER_TITLE")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

var collectionName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Store.Path == "" {
		return errors.New("store.path must not be empty")
	}
	if !collectionName.MatchString(cfg.Store.Collection) {
		return errors.New("store.collection must be a plain identifier")
	}
	if cfg.Recorder.Enabled {
		if cfg.Recorder.Language == "" {
			return errors.New("recorder.language must not be empty")
		}
		switch cfg.Recorder.Microphone {
		case "granted", "denied":
		default:
			return errors.New("recorder.microphone must be one of granted|denied")
		}
		switch cfg.Recorder.Mode {
		case "mock", "exec":
		default:
			return errors.New("recorder.mode must be one of mock|exec")
		}
		if cfg.Recorder.Mode == "exec" && cfg.Recorder.Command == "" {
			return errors.New("recorder.command must be set when mode=exec")
		}
		if cfg.Recorder.Device == "" {
			return errors.New("recorder.device must not be empty")
		}
		if cfg.Recorder.SampleRate <= 0 {
			return errors.New("recorder.sample_rate must be positive")
		}
		if cfg.Recorder.Channels <= 0 {
			return errors.New("recorder.channels must be positive")
		}
		if cfg.Recorder.MaxResults <= 0 {
			return errors.New("recorder.max_results must be >= 1")
		}
		if cfg.Recorder.RestartDelayMS < 0 {
			return errors.New("recorder.restart_delay_ms must be >= 0")
		}
		if cfg.Recorder.ErrorBackoffMaxMS > 0 && cfg.Recorder.ErrorBackoffMaxMS < cfg.Recorder.RestartDelayMS {
			return errors.New("recorder.error_backoff_max_ms must not be below restart_delay_ms")
		}
		if cfg.Recorder.MaxConsecutiveErrors < 0 {
			return errors.New("recorder.max_consecutive_errors must be >= 0")
		}
	}
	if cfg.Viewer.Enabled {
		if _, err := time.LoadLocation(cfg.Viewer.TimeZone); err != nil {
			return fmt.Errorf("viewer.time_zone: %w", err)
		}
	}
	return nil
}
