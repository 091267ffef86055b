package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

const (
	ModeMock = "mock"
	ModeExec = "exec"
	ModeHTTP = "http"

	MIMEPolicyStrict     = "strict"
	MIMEPolicyPermissive = "permissive"

	ExtractMarker = "marker"
	ExtractDirect = "direct"

	RetentionKeep                  = "keep"
	RetentionDeleteAfterProcessing = "delete_after_processing"
	RetentionTTL                   = "ttl"
)

type TelemetryConfig struct {
	LogLevel      string `yaml:"log_level"`
	TraceExporter string `yaml:"trace_exporter"` // none, stdout, otlp
	OTLPEndpoint  string `yaml:"otlp_endpoint"`
	OTLPInsecure  bool   `yaml:"otlp_insecure"`
	MetricsPath   string `yaml:"metrics_path"`
}

type HTTPConfig struct {
	Bind              string   `yaml:"bind"`
	Port              int      `yaml:"port"`
	CORSOrigins       []string `yaml:"cors_origins"`
	ServeUploads      bool     `yaml:"serve_uploads"`
	ExposeDiagnostics bool     `yaml:"expose_diagnostics"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Intake      IntakeConfig    `yaml:"intake"`
	Speech      SpeechConfig    `yaml:"speech"`
	Sign        SignConfig      `yaml:"sign"`
	Translate   TranslateConfig `yaml:"translate"`
	Store       StoreConfig     `yaml:"store"`
	Retention   RetentionConfig `yaml:"retention"`
	Bus         BusConfig       `yaml:"bus"`
}

type IntakeConfig struct {
	UploadDir      string `yaml:"upload_dir"`
	MaxUploadBytes int64  `yaml:"max_upload_bytes"`
	MIMEPolicy     string `yaml:"mime_policy"`
	VideoPrefix    string `yaml:"video_prefix"`
	AudioPrefix    string `yaml:"audio_prefix"`
}

// RecognizerConfig describes how one external recognition capability is reached.
type RecognizerConfig struct {
	Mode        string            `yaml:"mode"` // mock, exec, http
	Command     string            `yaml:"command"`
	Endpoint    string            `yaml:"endpoint"`
	TimeoutMS   int               `yaml:"timeout_ms"`
	Env         map[string]string `yaml:"env"`
	Extract     string            `yaml:"extract"` // marker, direct
	MarkerStart string            `yaml:"marker_start"`
	MarkerEnd   string            `yaml:"marker_end"`
}

type SpeechConfig struct {
	Recognizer RecognizerConfig `yaml:"recognizer"`
}

type SignConfig struct {
	Recognizer    RecognizerConfig  `yaml:"recognizer"`
	Labels        map[string]string `yaml:"labels"`
	IdlePrompt    string            `yaml:"idle_prompt"`
	SessionIdleMS int               `yaml:"session_idle_ms"`
	Natural       TranslateConfig   `yaml:"natural"` // sign words to a natural sentence
}

type OpenAIConfig struct {
	BaseURL      string `yaml:"base_url"`
	APIKey       string `yaml:"api_key"`
	Model        string `yaml:"model"`
	SystemPrompt string `yaml:"system_prompt"`
}

type TranslateConfig struct {
	Mode           string       `yaml:"mode"` // none, http, exec, openai, dictionary
	Endpoint       string       `yaml:"endpoint"`
	Command        string       `yaml:"command"`
	TimeoutMS      int          `yaml:"timeout_ms"`
	DictionaryPath string       `yaml:"dictionary_path"`
	Cutoff         float64      `yaml:"cutoff"`
	OpenAI         OpenAIConfig `yaml:"openai"`
}

type StoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"` // ephemeral, persistent
	RetentionDays int    `yaml:"retention_days"`
	MaxEvents     int    `yaml:"max_events"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type RetentionConfig struct {
	Policy     string `yaml:"policy"`
	TTLMinutes int    `yaml:"ttl_minutes"`
	SweepCron  string `yaml:"sweep_cron"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	SubjectPrefix  string   `yaml:"subject_prefix"`
}

func Default() Config {
	return Config{
		RuntimeName: "signbridge",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind:        "0.0.0.0",
			Port:        8080,
			CORSOrigins: []string{"*"},
		},
		Telemetry: TelemetryConfig{
			LogLevel:      "info",
			TraceExporter: "none",
			OTLPInsecure:  true,
			MetricsPath:   "/metrics",
		},
		Intake: IntakeConfig{
			UploadDir:      "./uploads",
			MaxUploadBytes: 100 << 20,
			MIMEPolicy:     MIMEPolicyPermissive,
			VideoPrefix:    "sign-language",
			AudioPrefix:    "speech",
		},
		Speech: SpeechConfig{
			Recognizer: RecognizerConfig{
				Mode:        ModeMock,
				TimeoutMS:   120000,
				Extract:     ExtractMarker,
				MarkerStart: "JSON_RESULT_START",
				MarkerEnd:   "JSON_RESULT_END",
			},
		},
		Sign: SignConfig{
			Recognizer: RecognizerConfig{
				Mode:        ModeMock,
				TimeoutMS:   30000,
				Extract:     ExtractMarker,
				MarkerStart: "JSON_RESULT_START",
				MarkerEnd:   "JSON_RESULT_END",
			},
			Labels:        DefaultSignLabels(),
			IdlePrompt:    "請打下一個字",
			SessionIdleMS: 60000,
			Natural:       defaultTranslate(),
		},
		Translate: defaultTranslate(),
		Store: StoreConfig{
			Path:          "./data/signbridge.db",
			RetentionMode: "persistent",
			RetentionDays: 90,
			MaxEvents:     100000,
		},
		Retention: RetentionConfig{
			Policy:     RetentionKeep,
			TTLMinutes: 24 * 60,
			SweepCron:  "@every 10m",
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       false,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			SubjectPrefix:  "signbridge",
		},
	}
}

func defaultTranslate() TranslateConfig {
	return TranslateConfig{
		Mode:      "none",
		Endpoint:  "http://localhost:5001/translate",
		TimeoutMS: 30000,
		Cutoff:    0.5,
		OpenAI: OpenAIConfig{
			BaseURL: "https://openrouter.ai/api/v1",
			Model:   "qwen/qwen2.5-vl-72b-instruct:free",
		},
	}
}

// DefaultSignLabels maps the trained action labels to kiosk display text.
func DefaultSignLabels() map[string]string {
	return map[string]string{
		"0": "0", "1": "1", "2": "2", "3": "3", "4": "4",
		"5": "5", "6": "6", "7": "7", "8": "8", "9": "9",
		"check":        "確認",
		"finish":       "完成",
		"give_you":     "給你",
		"good":         "好",
		"i":            "我",
		"id_card":      "身分證",
		"is":           "是",
		"money":        "錢",
		"saving_book":  "存摺",
		"sign":         "簽名",
		"taiwan":       "台灣",
		"take":         "拿",
		"ten_thousand": "萬",
		"yes":          "對",
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
	overrideString(&cfg.RuntimeName, "SIGNBRIDGE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "SIGNBRIDGE_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "SIGNBRIDGE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "SIGNBRIDGE_HTTP_PORT")
	overrideInt(&cfg.HTTP.Port, "PORT")
	overrideStringSlice(&cfg.HTTP.CORSOrigins, "SIGNBRIDGE_HTTP_CORS_ORIGINS")
	overrideBool(&cfg.HTTP.ServeUploads, "SIGNBRIDGE_HTTP_SERVE_UPLOADS")
	overrideBool(&cfg.HTTP.ExposeDiagnostics, "SIGNBRIDGE_HTTP_EXPOSE_DIAGNOSTICS")
	overrideString(&cfg.Telemetry.LogLevel, "SIGNBRIDGE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.TraceExporter, "SIGNBRIDGE_TELEMETRY_TRACE_EXPORTER")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "SIGNBRIDGE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "SIGNBRIDGE_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.MetricsPath, "SIGNBRIDGE_TELEMETRY_METRICS_PATH")
	overrideString(&cfg.Intake.UploadDir, "SIGNBRIDGE_INTAKE_UPLOAD_DIR")
	overrideInt64(&cfg.Intake.MaxUploadBytes, "SIGNBRIDGE_INTAKE_MAX_UPLOAD_BYTES")
	overrideString(&cfg.Intake.MIMEPolicy, "SIGNBRIDGE_INTAKE_MIME_POLICY")
	overrideRecognizer(&cfg.Speech.Recognizer, "SIGNBRIDGE_SPEECH")
	overrideRecognizer(&cfg.Sign.Recognizer, "SIGNBRIDGE_SIGN")
	overrideString(&cfg.Sign.IdlePrompt, "SIGNBRIDGE_SIGN_IDLE_PROMPT")
	overrideInt(&cfg.Sign.SessionIdleMS, "SIGNBRIDGE_SIGN_SESSION_IDLE_MS")
	overrideTranslate(&cfg.Sign.Natural, "SIGNBRIDGE_SIGN_NATURAL")
	overrideTranslate(&cfg.Translate, "SIGNBRIDGE_TRANSLATE")
	overrideString(&cfg.Store.Path, "SIGNBRIDGE_STORE_PATH")
	overrideString(&cfg.Store.RetentionMode, "SIGNBRIDGE_STORE_RETENTION_MODE")
	overrideInt(&cfg.Store.RetentionDays, "SIGNBRIDGE_STORE_RETENTION_DAYS")
	overrideInt(&cfg.Store.MaxEvents, "SIGNBRIDGE_STORE_MAX_EVENTS")
	overrideBool(&cfg.Store.VacuumOnStart, "SIGNBRIDGE_STORE_VACUUM_ON_START")
	overrideString(&cfg.Retention.Policy, "SIGNBRIDGE_RETENTION_POLICY")
	overrideInt(&cfg.Retention.TTLMinutes, "SIGNBRIDGE_RETENTION_TTL_MINUTES")
	overrideString(&cfg.Retention.SweepCron, "SIGNBRIDGE_RETENTION_SWEEP_CRON")
	overrideBool(&cfg.Bus.Enabled, "SIGNBRIDGE_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "SIGNBRIDGE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "SIGNBRIDGE_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "SIGNBRIDGE_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "SIGNBRIDGE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "SIGNBRIDGE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "SIGNBRIDGE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "SIGNBRIDGE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "SIGNBRIDGE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "SIGNBRIDGE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Bus.SubjectPrefix, "SIGNBRIDGE_BUS_SUBJECT_PREFIX")
}

func overrideRecognizer(rc *RecognizerConfig, prefix string) {
	overrideString(&rc.Mode, prefix+"_MODE")
	overrideString(&rc.Command, prefix+"_COMMAND")
	overrideString(&rc.Endpoint, prefix+"_ENDPOINT")
	overrideInt(&rc.TimeoutMS, prefix+"_TIMEOUT_MS")
	overrideString(&rc.Extract, prefix+"_EXTRACT")
	overrideString(&rc.MarkerStart, prefix+"_MARKER_START")
	overrideString(&rc.MarkerEnd, prefix+"_MARKER_END")
}

func overrideTranslate(tc *TranslateConfig, prefix string) {
	overrideString(&tc.Mode, prefix+"_MODE")
	overrideString(&tc.Endpoint, prefix+"_ENDPOINT")
	overrideString(&tc.Command, prefix+"_COMMAND")
	overrideInt(&tc.TimeoutMS, prefix+"_TIMEOUT_MS")
	overrideString(&tc.DictionaryPath, prefix+"_DICTIONARY_PATH")
	overrideFloat(&tc.Cutoff, prefix+"_CUTOFF")
	overrideString(&tc.OpenAI.BaseURL, prefix+"_OPENAI_BASE_URL")
	overrideString(&tc.OpenAI.APIKey, "OPENROUTER_API_KEY")
	overrideString(&tc.OpenAI.APIKey, prefix+"_OPENAI_API_KEY")
	overrideString(&tc.OpenAI.Model, prefix+"_OPENAI_MODEL")
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

func overrideInt64(target *int64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
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
	switch cfg.Telemetry.TraceExporter {
	case "none", "stdout", "otlp":
	default:
		return errors.New("telemetry.trace_exporter must be one of none|stdout|otlp")
	}
	if cfg.Telemetry.TraceExporter == "otlp" && cfg.Telemetry.OTLPEndpoint == "" {
		return errors.New("telemetry.otlp_endpoint must be set when trace_exporter=otlp")
	}
	if cfg.Intake.UploadDir == "" {
		return errors.New("intake.upload_dir must not be empty")
	}
	if cfg.Intake.MaxUploadBytes < 0 {
		return errors.New("intake.max_upload_bytes must be >= 0 (0 disables the limit)")
	}
	switch cfg.Intake.MIMEPolicy {
	case MIMEPolicyStrict, MIMEPolicyPermissive:
	default:
		return errors.New("intake.mime_policy must be one of strict|permissive")
	}
	if err := validateRecognizer("speech.recognizer", cfg.Speech.Recognizer); err != nil {
		return err
	}
	if err := validateRecognizer("sign.recognizer", cfg.Sign.Recognizer); err != nil {
		return err
	}
	if cfg.Sign.SessionIdleMS < 0 {
		return errors.New("sign.session_idle_ms must be >= 0")
	}
	if err := validateTranslate("sign.natural", cfg.Sign.Natural); err != nil {
		return err
	}
	if err := validateTranslate("translate", cfg.Translate); err != nil {
		return err
	}
	switch cfg.Store.RetentionMode {
	case "ephemeral":
	case "persistent":
		if cfg.Store.Path == "" {
			return errors.New("store.path must not be empty")
		}
	default:
		return errors.New("store.retention_mode must be one of ephemeral|persistent")
	}
	if cfg.Store.RetentionDays < 0 {
		return errors.New("store.retention_days must be >= 0")
	}
	switch cfg.Retention.Policy {
	case RetentionKeep, RetentionDeleteAfterProcessing:
	case RetentionTTL:
		if cfg.Retention.TTLMinutes <= 0 {
			return errors.New("retention.ttl_minutes must be positive when policy=ttl")
		}
		if _, err := cron.ParseStandard(cfg.Retention.SweepCron); err != nil {
			return fmt.Errorf("retention.sweep_cron is invalid: %w", err)
		}
	default:
		return errors.New("retention.policy must be one of keep|delete_after_processing|ttl")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port < -1 || cfg.Bus.Port == 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535, or -1 for a random port, when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Bus.SubjectPrefix == "" {
			return errors.New("bus.subject_prefix must not be empty")
		}
	}
	return nil
}

func validateRecognizer(name string, rc RecognizerConfig) error {
	switch rc.Mode {
	case ModeMock:
	case ModeExec:
		if rc.Command == "" {
			return fmt.Errorf("%s.command must be set when mode=exec", name)
		}
	case ModeHTTP:
		if rc.Endpoint == "" {
			return fmt.Errorf("%s.endpoint must be set when mode=http", name)
		}
	default:
		return fmt.Errorf("%s.mode must be one of mock|exec|http", name)
	}
	if rc.TimeoutMS <= 0 {
		return fmt.Errorf("%s.timeout_ms must be positive", name)
	}
	switch rc.Extract {
	case ExtractMarker:
		if rc.MarkerStart == "" || rc.MarkerEnd == "" {
			return fmt.Errorf("%s.marker_start and marker_end must be set when extract=marker", name)
		}
		if rc.MarkerStart == rc.MarkerEnd {
			return fmt.Errorf("%s.marker_start and marker_end must differ", name)
		}
	case ExtractDirect:
	default:
		return fmt.Errorf("%s.extract must be one of marker|direct", name)
	}
	return nil
}

func validateTranslate(name string, tc TranslateConfig) error {
	switch tc.Mode {
	case "none":
		return nil
	case ModeHTTP:
		if tc.Endpoint == "" {
			return fmt.Errorf("%s.endpoint must be set when mode=http", name)
		}
	case ModeExec:
		if tc.Command == "" {
			return fmt.Errorf("%s.command must be set when mode=exec", name)
		}
	case "openai":
		if tc.OpenAI.APIKey == "" {
			return fmt.Errorf("%s.openai.api_key must be set when mode=openai", name)
		}
		if tc.OpenAI.Model == "" {
			return fmt.Errorf("%s.openai.model must be set when mode=openai", name)
		}
	case "dictionary":
		if tc.DictionaryPath == "" {
			return fmt.Errorf("%s.dictionary_path must be set when mode=dictionary", name)
		}
		if tc.Cutoff < 0 || tc.Cutoff > 1 {
			return fmt.Errorf("%s.cutoff must be between 0 and 1", name)
		}
	default:
		return fmt.Errorf("%s.mode must be one of none|http|exec|openai|dictionary", name)
	}
	if tc.TimeoutMS <= 0 {
		return fmt.Errorf("%s.timeout_ms must be positive", name)
	}
	return nil
}
