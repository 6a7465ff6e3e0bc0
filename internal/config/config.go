package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
	// StdoutTraces prints spans to stdout when no OTLP endpoint is set.
	StdoutTraces   bool   `yaml:"stdout_traces"`
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
	Journal     JournalConfig   `yaml:"journal"`
	Worker      WorkerConfig    `yaml:"worker"`
	Fetch       FetchConfig     `yaml:"fetch"`
	Synth       SynthConfig     `yaml:"synth"`
	Service     ServiceConfig   `yaml:"service"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type JournalConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxEntries    int    `yaml:"max_entries"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
	Buffer        int    `yaml:"buffer"`
}

// WorkerConfig controls how synthesis workers are built and supervised.
type WorkerConfig struct {
	Mode            string   `yaml:"mode"` // mock, exec, wasm
	Command         string   `yaml:"command"`
	Module          string   `yaml:"module"`
	Env             []string `yaml:"env"`
	SynthTimeoutMS  int      `yaml:"synth_timeout_ms"`
	HealthTimeoutMS int      `yaml:"health_timeout_ms"`
	Retries         int      `yaml:"retries"`
	SampleRate      int      `yaml:"sample_rate"`
	MockStepMS      int      `yaml:"mock_step_ms"`
}

type FetchConfig struct {
	MaxRetries       int     `yaml:"max_retries"`
	InitialDelayMS   int     `yaml:"initial_delay_ms"`
	Multiplier       float64 `yaml:"multiplier"`
	MaxDelayMS       int     `yaml:"max_delay_ms"`
	RequestTimeoutMS int     `yaml:"request_timeout_ms"`
}

type SynthConfig struct {
	Prefetch     bool   `yaml:"prefetch"`
	VoicesPath   string `yaml:"voices_path"`
	DefaultVoice string `yaml:"default_voice"`
}

type ServiceConfig struct {
	Enabled        bool   `yaml:"enabled"`
	SubjectPrefix  string `yaml:"subject_prefix"`
	QueueGroup     string `yaml:"queue_group"`
	MaxConcurrency int    `yaml:"max_concurrency"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-piper",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Journal: JournalConfig{
			Path:          "./data/loqa-piper-journal.db",
			RetentionMode: "session",
			RetentionDays: 7,
			MaxEntries:    50000,
			Buffer:        256,
		},
		Worker: WorkerConfig{
			Mode:            "mock",
			SynthTimeoutMS:  60000,
			HealthTimeoutMS: 5000,
			Retries:         1,
			SampleRate:      22050,
		},
		Fetch: FetchConfig{
			MaxRetries:       3,
			InitialDelayMS:   1000,
			Multiplier:       2,
			MaxDelayMS:       30000,
			RequestTimeoutMS: 120000,
		},
		Synth: SynthConfig{
			Prefetch:   false,
			VoicesPath: "./voices.yaml",
		},
		Service: ServiceConfig{
			Enabled:        true,
			SubjectPrefix:  "tts",
			QueueGroup:     "loqa-piper",
			MaxConcurrency: 8,
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
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Telemetry.StdoutTraces, "LOQA_TELEMETRY_STDOUT_TRACES")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Journal.Path, "LOQA_JOURNAL_PATH")
	overrideString(&cfg.Journal.RetentionMode, "LOQA_JOURNAL_RETENTION_MODE")
	overrideInt(&cfg.Journal.RetentionDays, "LOQA_JOURNAL_RETENTION_DAYS")
	overrideInt(&cfg.Journal.MaxEntries, "LOQA_JOURNAL_MAX_ENTRIES")
	overrideBool(&cfg.Journal.VacuumOnStart, "LOQA_JOURNAL_VACUUM_ON_START")
	overrideInt(&cfg.Journal.Buffer, "LOQA_JOURNAL_BUFFER")
	overrideString(&cfg.Worker.Mode, "LOQA_WORKER_MODE")
	overrideString(&cfg.Worker.Command, "LOQA_WORKER_COMMAND")
	overrideString(&cfg.Worker.Module, "LOQA_WORKER_MODULE")
	overrideStringSlice(&cfg.Worker.Env, "LOQA_WORKER_ENV")
	overrideInt(&cfg.Worker.SynthTimeoutMS, "LOQA_WORKER_SYNTH_TIMEOUT_MS")
	overrideInt(&cfg.Worker.HealthTimeoutMS, "LOQA_WORKER_HEALTH_TIMEOUT_MS")
	overrideInt(&cfg.Worker.Retries, "LOQA_WORKER_RETRIES")
	overrideInt(&cfg.Worker.SampleRate, "LOQA_WORKER_SAMPLE_RATE")
	overrideInt(&cfg.Worker.MockStepMS, "LOQA_WORKER_MOCK_STEP_MS")
	overrideInt(&cfg.Fetch.MaxRetries, "LOQA_FETCH_MAX_RETRIES")
	overrideInt(&cfg.Fetch.InitialDelayMS, "LOQA_FETCH_INITIAL_DELAY_MS")
	overrideFloat(&cfg.Fetch.Multiplier, "LOQA_FETCH_MULTIPLIER")
	overrideInt(&cfg.Fetch.MaxDelayMS, "LOQA_FETCH_MAX_DELAY_MS")
	overrideInt(&cfg.Fetch.RequestTimeoutMS, "LOQA_FETCH_REQUEST_TIMEOUT_MS")
	overrideBool(&cfg.Synth.Prefetch, "LOQA_SYNTH_PREFETCH")
	overrideString(&cfg.Synth.VoicesPath, "LOQA_SYNTH_VOICES_PATH")
	overrideString(&cfg.Synth.DefaultVoice, "LOQA_SYNTH_DEFAULT_VOICE")
	overrideBool(&cfg.Service.Enabled, "LOQA_SERVICE_ENABLED")
	overrideString(&cfg.Service.SubjectPrefix, "LOQA_SERVICE_SUBJECT_PREFIX")
	overrideString(&cfg.Service.QueueGroup, "LOQA_SERVICE_QUEUE_GROUP")
	overrideInt(&cfg.Service.MaxConcurrency, "LOQA_SERVICE_MAX_CONCURRENCY")
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

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch strings.ToLower(cfg.Telemetry.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("telemetry.log_level must be one of debug|info|warn|error")
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
	switch cfg.Journal.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("journal.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.Journal.RetentionMode != "ephemeral" && cfg.Journal.Path == "" {
		return errors.New("journal.path must not be empty")
	}
	if cfg.Journal.RetentionDays < 0 {
		return errors.New("journal.retention_days must be >= 0")
	}
	switch cfg.Worker.Mode {
	case "mock", "exec", "wasm":
	default:
		return errors.New("worker.mode must be one of mock|exec|wasm")
	}
	if cfg.Worker.Mode == "exec" && cfg.Worker.Command == "" {
		return errors.New("worker.command must be set when mode=exec")
	}
	if cfg.Worker.Mode == "wasm" && cfg.Worker.Module == "" {
		return errors.New("worker.module must be set when mode=wasm")
	}
	if cfg.Worker.SynthTimeoutMS <= 0 {
		return errors.New("worker.synth_timeout_ms must be positive")
	}
	if cfg.Worker.HealthTimeoutMS <= 0 {
		return errors.New("worker.health_timeout_ms must be positive")
	}
	if cfg.Worker.HealthTimeoutMS >= cfg.Worker.SynthTimeoutMS {
		return errors.New("worker.health_timeout_ms must be shorter than synth timeout")
	}
	if cfg.Worker.Retries < 0 {
		return errors.New("worker.retries must be >= 0")
	}
	if cfg.Worker.SampleRate <= 0 {
		return errors.New("worker.sample_rate must be positive")
	}
	if cfg.Fetch.MaxRetries < 0 {
		return errors.New("fetch.max_retries must be >= 0")
	}
	if cfg.Fetch.InitialDelayMS < 0 {
		return errors.New("fetch.initial_delay_ms must be >= 0")
	}
	if cfg.Fetch.Multiplier < 1 {
		return errors.New("fetch.multiplier must be >= 1")
	}
	if cfg.Service.Enabled {
		if cfg.Service.SubjectPrefix == "" {
			return errors.New("service.subject_prefix must not be empty when service is enabled")
		}
		if cfg.Service.MaxConcurrency <= 0 {
			return errors.New("service.max_concurrency must be >= 1")
		}
	}
	return nil
}
