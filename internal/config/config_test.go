package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Intake.MIMEPolicy != MIMEPolicyPermissive {
		t.Fatalf("expected permissive mime policy, got %q", cfg.Intake.MIMEPolicy)
	}
	if cfg.Intake.MaxUploadBytes != 100<<20 {
		t.Fatalf("expected 100MiB upload limit, got %d", cfg.Intake.MaxUploadBytes)
	}
	if cfg.Speech.Recognizer.Extract != ExtractMarker {
		t.Fatalf("expected marker extraction by default")
	}
	if cfg.Translate.TimeoutMS != 30000 {
		t.Fatalf("expected 30s translate timeout, got %d", cfg.Translate.TimeoutMS)
	}
	if cfg.Retention.Policy != RetentionKeep {
		t.Fatalf("expected keep retention, got %q", cfg.Retention.Policy)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SIGNBRIDGE_HTTP_PORT", "9090")
	t.Setenv("SIGNBRIDGE_INTAKE_MAX_UPLOAD_BYTES", "0")
	t.Setenv("SIGNBRIDGE_INTAKE_MIME_POLICY", "strict")
	t.Setenv("SIGNBRIDGE_SPEECH_MODE", "exec")
	t.Setenv("SIGNBRIDGE_SPEECH_COMMAND", "python3 speech_to_text.py")
	t.Setenv("SIGNBRIDGE_SPEECH_EXTRACT", "direct")
	t.Setenv("SIGNBRIDGE_TRANSLATE_MODE", "http")
	t.Setenv("SIGNBRIDGE_TRANSLATE_ENDPOINT", "http://localhost:5001/translate")
	t.Setenv("SIGNBRIDGE_HTTP_CORS_ORIGINS", "http://kiosk.local, http://localhost:3000")
	t.Setenv("SIGNBRIDGE_RETENTION_POLICY", "ttl")
	t.Setenv("SIGNBRIDGE_RETENTION_TTL_MINUTES", "15")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTP.Port != 9090 {
		t.Fatalf("expected port override, got %d", cfg.HTTP.Port)
	}
	if cfg.Intake.MaxUploadBytes != 0 {
		t.Fatalf("expected unlimited uploads, got %d", cfg.Intake.MaxUploadBytes)
	}
	if cfg.Intake.MIMEPolicy != MIMEPolicyStrict {
		t.Fatalf("expected strict policy override")
	}
	if cfg.Speech.Recognizer.Mode != ModeExec || cfg.Speech.Recognizer.Command != "python3 speech_to_text.py" {
		t.Fatalf("expected speech recognizer override, got %+v", cfg.Speech.Recognizer)
	}
	if cfg.Speech.Recognizer.Extract != ExtractDirect {
		t.Fatalf("expected direct extraction override")
	}
	if len(cfg.HTTP.CORSOrigins) != 2 {
		t.Fatalf("expected 2 cors origins, got %v", cfg.HTTP.CORSOrigins)
	}
	if cfg.Retention.Policy != RetentionTTL || cfg.Retention.TTLMinutes != 15 {
		t.Fatalf("expected ttl retention override, got %+v", cfg.Retention)
	}
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signbridge.yaml")
	data := []byte(`
http:
  port: 8181
sign:
  recognizer:
    mode: http
    endpoint: http://localhost:5000/predict
  labels:
    good: 很好
translate:
  mode: dictionary
  dictionary_path: ./sign_language_dic.txt
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTP.Port != 8181 {
		t.Fatalf("expected port from file, got %d", cfg.HTTP.Port)
	}
	if cfg.Sign.Recognizer.Mode != ModeHTTP {
		t.Fatalf("expected http sign recognizer")
	}
	if cfg.Sign.Labels["good"] != "很好" {
		t.Fatalf("expected label override, got %q", cfg.Sign.Labels["good"])
	}
	if cfg.Sign.Recognizer.MarkerStart != "JSON_RESULT_START" {
		t.Fatalf("expected default marker to survive partial yaml")
	}
}

func TestValidateRejectsInconsistentSettings(t *testing.T) {
	cases := map[string]func(*Config){
		"exec without command":  func(c *Config) { c.Speech.Recognizer.Mode = ModeExec },
		"unknown mime policy":   func(c *Config) { c.Intake.MIMEPolicy = "lenient" },
		"negative upload limit": func(c *Config) { c.Intake.MaxUploadBytes = -1 },
		"same markers":          func(c *Config) { c.Sign.Recognizer.MarkerEnd = c.Sign.Recognizer.MarkerStart },
		"bad translate mode":    func(c *Config) { c.Translate.Mode = "google" },
		"openai without key":    func(c *Config) { c.Translate.Mode = "openai" },
		"bad sweep cron": func(c *Config) {
			c.Retention.Policy = RetentionTTL
			c.Retention.SweepCron = "not a cron"
		},
		"bad port":                     func(c *Config) { c.HTTP.Port = 70000 },
		"natural exec without command": func(c *Config) { c.Sign.Natural.Mode = ModeExec },
		"embedded bus port zero": func(c *Config) {
			c.Bus.Enabled = true
			c.Bus.Embedded = true
			c.Bus.Port = 0
		},
		"embedded bus port below -1": func(c *Config) {
			c.Bus.Enabled = true
			c.Bus.Embedded = true
			c.Bus.Port = -2
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			if err := validate(cfg); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestEmbeddedBusAcceptsRandomPort(t *testing.T) {
	cfg := Default()
	cfg.Bus.Enabled = true
	cfg.Bus.Embedded = true
	cfg.Bus.Port = -1
	if err := validate(cfg); err != nil {
		t.Fatalf("expected -1 to select a random port, got %v", err)
	}
}

func TestSignNaturalOverrides(t *testing.T) {
	t.Setenv("SIGNBRIDGE_SIGN_NATURAL_MODE", "openai")
	t.Setenv("SIGNBRIDGE_SIGN_NATURAL_OPENAI_API_KEY", "sk-test")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Sign.Natural.Mode != "openai" || cfg.Sign.Natural.OpenAI.APIKey != "sk-test" {
		t.Fatalf("expected natural translator override, got %+v", cfg.Sign.Natural)
	}
	if cfg.Translate.Mode != "none" {
		t.Fatalf("speech translation should stay off, got %q", cfg.Translate.Mode)
	}
}

func TestMissingConfigFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
