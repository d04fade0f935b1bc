package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MrWong99/earpiece/internal/config"
	"github.com/MrWong99/earpiece/internal/retention"
	"github.com/MrWong99/earpiece/pkg/provider/asr"
	asrmock "github.com/MrWong99/earpiece/pkg/provider/asr/mock"
	"github.com/MrWong99/earpiece/pkg/provider/llm"
	llmmock "github.com/MrWong99/earpiece/pkg/provider/llm/mock"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}
	return path
}

func TestVersionCmd(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	if err := root.Execute(); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if got := out.String(); !strings.Contains(got, "earpiece "+version) {
		t.Errorf("version output = %q", got)
	}
}

func TestRunSweep_EmptyStore(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "server:\n  log_level: error\n")
	var out bytes.Buffer
	if err := runSweep(context.Background(), path, false, &out); err != nil {
		t.Fatalf("runSweep() error: %v", err)
	}
	var res retention.Result
	if err := json.Unmarshal(out.Bytes(), &res); err != nil {
		t.Fatalf("output is not a sweep result: %v\n%s", err, out.String())
	}
	if len(res.Purged) != 0 || len(res.Failed) != 0 {
		t.Errorf("sweep of an empty store = %+v, want nothing purged", res)
	}
}

func TestRunSweep_DryRun(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "server:\n  log_level: error\n")
	var out bytes.Buffer
	if err := runSweep(context.Background(), path, true, &out); err != nil {
		t.Fatalf("runSweep() error: %v", err)
	}
	var got struct {
		DryRun bool `json:"dry_run"`
	}
	if err := json.Unmarshal(out.Bytes(), &got); err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}
	if !got.DryRun {
		t.Errorf("dry-run output = %s, want dry_run=true", out.String())
	}
}

func TestRunSweep_MissingConfig(t *testing.T) {
	t.Parallel()

	err := runSweep(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"), false, &bytes.Buffer{})
	if err == nil {
		t.Fatal("runSweep() with a missing config: expected error, got nil")
	}
	if !strings.Contains(err.Error(), "not found") {
		t.Errorf("error = %v, want a not-found hint", err)
	}
}

func TestBuildProviders(t *testing.T) {
	t.Parallel()

	primary, fallback := &llmmock.Provider{}, &llmmock.Provider{}
	reg := config.NewRegistry()
	reg.RegisterLLM("primary", func(config.ProviderEntry) (llm.Provider, error) { return primary, nil })
	reg.RegisterLLM("fallback", func(config.ProviderEntry) (llm.Provider, error) { return fallback, nil })
	reg.RegisterASR("mock", func(config.ProviderEntry) (asr.Provider, error) { return &asrmock.Provider{}, nil })

	cfg := &config.Config{Providers: config.ProvidersConfig{
		LLM: []config.ProviderEntry{
			{Name: "primary", Model: "a"},
			{Name: "unknown", Model: "b"},
			{Name: "fallback", Model: "c"},
		},
		ASR: config.ProviderEntry{Name: "mock"},
	}}

	ps, err := buildProviders(cfg, reg)
	if err != nil {
		t.Fatalf("buildProviders() error: %v", err)
	}
	if len(ps.LLM) != 2 {
		t.Fatalf("len(LLM) = %d, want 2 (unknown skipped)", len(ps.LLM))
	}
	if ps.LLM[0].Provider != primary || ps.LLM[1].Provider != fallback {
		t.Error("LLM providers are not in configured order")
	}
	if ps.LLM[1].Model != "c" {
		t.Errorf("LLM[1].Model = %q, want %q", ps.LLM[1].Model, "c")
	}
	if ps.ASR == nil || ps.ASRName != "mock" {
		t.Errorf("ASR = %v (%q), want the mock provider", ps.ASR, ps.ASRName)
	}
}

func TestBuildProviders_FactoryError(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	reg := config.NewRegistry()
	reg.RegisterLLM("broken", func(config.ProviderEntry) (llm.Provider, error) { return nil, boom })

	cfg := &config.Config{Providers: config.ProvidersConfig{
		LLM: []config.ProviderEntry{{Name: "broken", Model: "x"}},
	}}
	if _, err := buildProviders(cfg, reg); !errors.Is(err, boom) {
		t.Errorf("buildProviders() error = %v, want %v", err, boom)
	}
}

func TestRegisterBuiltinProviders(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)
	names := reg.Names()
	for _, want := range config.ValidProviderNames["llm"] {
		found := false
		for _, n := range names["llm"] {
			if n == want {
				found = true
			}
		}
		if !found {
			t.Errorf("llm provider %q is not registered", want)
		}
	}
	if got := names["asr"]; len(got) != 1 || got[0] != "deepgram" {
		t.Errorf("asr providers = %v, want [deepgram]", got)
	}
}

func TestPrintStartupSummary(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{
		Server: config.ServerConfig{ListenAddr: ":8080"},
		Providers: config.ProvidersConfig{
			LLM: []config.ProviderEntry{{Name: "openai", Model: "gpt-4o-mini"}, {Name: "ollama", Model: "llama3"}},
		},
	}
	var out bytes.Buffer
	printStartupSummary(&out, cfg)
	got := out.String()
	for _, want := range []string{"LLM fallback 1", "ollama / llama3", "memory", ":8080", "(not configured)"} {
		if !strings.Contains(got, want) {
			t.Errorf("summary missing %q:\n%s", want, got)
		}
	}
}
