package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/earpiece/internal/app"
	"github.com/MrWong99/earpiece/internal/config"
	"github.com/MrWong99/earpiece/pkg/provider/asr"
	"github.com/MrWong99/earpiece/pkg/provider/asr/deepgram"
	"github.com/MrWong99/earpiece/pkg/provider/llm"
	"github.com/MrWong99/earpiece/pkg/provider/llm/anyllm"
	"github.com/MrWong99/earpiece/pkg/provider/llm/openai"
)

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the appropriate
// provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────

	// openai uses the native SDK. It also serves any OpenAI-compatible
	// endpoint through base_url.
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		return openai.New(entry.APIKey, entry.Model,
			openai.WithBaseURL(entry.BaseURL),
			openai.WithOrganization(entry.OptString("organization")),
			openai.WithMaxRetries(entry.OptInt("max_retries")),
		)
	})

	// Every other backend goes through any-llm-go with an optional API key and
	// base URL. ollama is a local server and ignores the key.
	for _, providerName := range anyllm.SupportedProviders {
		if providerName == "openai" {
			continue
		}
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" && providerName != "ollama" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ── ASR ───────────────────────────────────────────────────────────────────

	reg.RegisterASR("deepgram", func(entry config.ProviderEntry) (asr.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := entry.OptString("language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if rate := entry.OptInt("sample_rate"); rate > 0 {
			opts = append(opts, deepgram.WithSampleRate(rate))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		if ms := entry.OptInt("keep_alive_ms"); ms != 0 {
			opts = append(opts, deepgram.WithKeepAlive(time.Duration(ms)*time.Millisecond))
		}
		opts = append(opts, deepgram.WithSmartFormat(entry.OptBool("smart_format", false)))
		return deepgram.New(entry.APIKey, opts...)
	})

	for kind, names := range reg.Names() {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// buildProviders instantiates all providers named in cfg using the registry
// and returns them in an [app.Providers] struct for the application to consume.
// LLM entries keep their configured order, which is the failover order.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	for _, entry := range cfg.Providers.LLM {
		p, err := reg.CreateLLM(entry)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("unknown llm provider, skipping", "name", entry.Name)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("create llm provider %q: %w", entry.Name, err)
		}
		ps.LLM = append(ps.LLM, app.NamedLLM{Name: entry.Name, Model: entry.Model, Provider: p})
		slog.Info("provider created", "kind", "llm", "name", entry.Name, "model", entry.Model)
	}

	if name := cfg.Providers.ASR.Name; name != "" {
		p, err := reg.CreateASR(cfg.Providers.ASR)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("unknown asr provider, audio route disabled", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create asr provider %q: %w", name, err)
		} else {
			ps.ASR = p
			ps.ASRName = name
			slog.Info("provider created", "kind", "asr", "name", name)
		}
	}

	return ps, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(w io.Writer, cfg *config.Config) {
	fmt.Fprintln(w, "╔═══════════════════════════════════════╗")
	fmt.Fprintln(w, "║         Earpiece · startup summary    ║")
	fmt.Fprintln(w, "╠═══════════════════════════════════════╣")
	if len(cfg.Providers.LLM) == 0 {
		printRow(w, "LLM", "(not configured)")
	}
	for i, e := range cfg.Providers.LLM {
		kind := "LLM"
		if i > 0 {
			kind = fmt.Sprintf("LLM fallback %d", i)
		}
		printRow(w, kind, providerLabel(e.Name, e.Model))
	}
	printRow(w, "ASR", providerLabel(cfg.Providers.ASR.Name, cfg.Providers.ASR.Model))
	store := "memory"
	if cfg.Store.PostgresDSN != "" {
		store = "postgres"
	}
	printRow(w, "Store", store)
	printRow(w, "Overrides", fmt.Sprintf("%d", len(cfg.Retention.Overrides)))
	printRow(w, "Listen addr", cfg.Server.ListenAddr)
	fmt.Fprintln(w, "╚═══════════════════════════════════════╝")
}

func providerLabel(name, model string) string {
	switch {
	case name == "":
		return "(not configured)"
	case model != "":
		return name + " / " + model
	default:
		return name
	}
}

func printRow(w io.Writer, kind, value string) {
	if r := []rune(value); len(r) > 19 {
		value = string(r[:18]) + "…"
	}
	fmt.Fprintf(w, "║  %-15s : %-19s ║\n", kind, strings.TrimSpace(value))
}
