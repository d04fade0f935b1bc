package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"github.com/ilyakaznacheev/cleanenv"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/earpiece/internal/settings"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"asr": {"deepgram"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, overlays environment
// variables, validates the result and fills defaults. Useful in tests where
// configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := cleanenv.UpdateEnv(cfg); err != nil {
		return nil, fmt.Errorf("config: read env: %w", err)
	}
	if key := cfg.Providers.LLMAPIKey; key != "" {
		for i := range cfg.Providers.LLM {
			if cfg.Providers.LLM[i].APIKey == "" {
				cfg.Providers.LLM[i].APIKey = key
			}
		}
	}
	// Validate before defaulting so negative values are reported instead of
	// being replaced.
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.ShutdownTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.shutdown_timeout %v must not be negative", cfg.Server.ShutdownTimeout))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Providers
	if len(cfg.Providers.LLM) == 0 {
		slog.Warn("providers.llm is empty; the server cannot generate suggestions")
	}
	seen := make(map[string]int, len(cfg.Providers.LLM))
	for i, e := range cfg.Providers.LLM {
		prefix := fmt.Sprintf("providers.llm[%d]", i)
		if e.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		if e.Model == "" {
			errs = append(errs, fmt.Errorf("%s.model is required", prefix))
		}
		key := e.Name + "/" + e.Model
		if prev, ok := seen[key]; ok {
			errs = append(errs, fmt.Errorf("%s %q is a duplicate of providers.llm[%d]", prefix, key, prev))
		}
		seen[key] = i
		validateProviderName("llm", e.Name)
	}
	validateProviderName("asr", cfg.Providers.ASR.Name)
	if cfg.Providers.ASR.Name != "" && cfg.Providers.ASR.APIKey == "" {
		slog.Warn("providers.asr has no api_key; set EARPIECE_ASR_API_KEY", "name", cfg.Providers.ASR.Name)
	}

	// Suggest
	s := cfg.Suggest
	if s.MinSegments < 0 {
		errs = append(errs, fmt.Errorf("suggest.min_segments %d must not be negative", s.MinSegments))
	}
	if s.MaxWindow < 0 {
		errs = append(errs, fmt.Errorf("suggest.max_window %d must not be negative", s.MaxWindow))
	}
	if s.MaxWindow > 0 && s.MinSegments > s.MaxWindow {
		errs = append(errs, fmt.Errorf("suggest.min_segments %d exceeds suggest.max_window %d", s.MinSegments, s.MaxWindow))
	}
	if s.ContextSegments != nil && *s.ContextSegments < 0 {
		errs = append(errs, fmt.Errorf("suggest.context_segments %d must not be negative", *s.ContextSegments))
	}
	if s.QuietPeriod < 0 || s.Timeout < 0 || (s.RetryBackoff != nil && *s.RetryBackoff < 0) {
		errs = append(errs, errors.New("suggest durations must not be negative"))
	}
	if s.DedupThreshold < 0 || s.DedupThreshold > 1 {
		errs = append(errs, fmt.Errorf("suggest.dedup_threshold %.2f is out of range [0, 1]", s.DedupThreshold))
	}
	if s.Temperature < 0 || s.Temperature > 2 {
		errs = append(errs, fmt.Errorf("suggest.temperature %.2f is out of range [0, 2]", s.Temperature))
	}
	if s.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("suggest.max_tokens %d must not be negative", s.MaxTokens))
	}

	// Fanout
	if cfg.Fanout.QueueDepth < 0 {
		errs = append(errs, fmt.Errorf("fanout.queue_depth %d must not be negative", cfg.Fanout.QueueDepth))
	}

	// Retention
	if err := settings.Validate(cfg.Retention.Defaults()); err != nil {
		errs = append(errs, fmt.Errorf("retention.default_retention_hours: %w", err))
	}
	if cfg.Retention.Interval < 0 {
		errs = append(errs, fmt.Errorf("retention.interval %v must not be negative", cfg.Retention.Interval))
	}
	if cfg.Retention.Concurrency < 0 {
		errs = append(errs, fmt.Errorf("retention.concurrency %d must not be negative", cfg.Retention.Concurrency))
	}
	owners := make([]string, 0, len(cfg.Retention.Overrides))
	for owner := range cfg.Retention.Overrides {
		owners = append(owners, owner)
	}
	slices.Sort(owners)
	for _, owner := range owners {
		o := cfg.Retention.Overrides[owner]
		if owner == "" {
			errs = append(errs, errors.New("retention.overrides has an empty owner id"))
			continue
		}
		if o.RetentionHours < settings.MinRetentionHours || o.RetentionHours > settings.MaxRetentionHours {
			errs = append(errs, fmt.Errorf("retention.overrides[%q].retention_hours %d is out of range [%d, %d]",
				owner, o.RetentionHours, settings.MinRetentionHours, settings.MaxRetentionHours))
		}
	}

	// Observe
	if r := cfg.Observe.TraceSampleRatio; r != nil && (*r < 0 || *r > 1) {
		errs = append(errs, fmt.Errorf("observe.trace_sample_ratio %v must be in [0, 1]", *r))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
