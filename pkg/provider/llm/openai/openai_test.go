package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MrWong99/earpiece/pkg/provider/llm"
	"github.com/MrWong99/earpiece/pkg/types"
)

func TestToParam_Roles(t *testing.T) {
	t.Parallel()
	tests := []struct {
		role    string
		wantErr bool
		set     func(m types.Message) bool
	}{
		{role: "system", set: func(m types.Message) bool { p, _ := toParam(m); return p.OfSystem != nil }},
		{role: "user", set: func(m types.Message) bool { p, _ := toParam(m); return p.OfUser != nil }},
		{role: "assistant", set: func(m types.Message) bool { p, _ := toParam(m); return p.OfAssistant != nil }},
		{role: "tool", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.role, func(t *testing.T) {
			t.Parallel()
			m := types.Message{Role: tt.role, Content: "hello", Name: "interviewer"}
			_, err := toParam(m)
			if (err != nil) != tt.wantErr {
				t.Fatalf("toParam(%q) error = %v, wantErr %v", tt.role, err, tt.wantErr)
			}
			if !tt.wantErr && !tt.set(m) {
				t.Errorf("toParam(%q) did not set the matching union member", tt.role)
			}
		})
	}
}

func TestParams(t *testing.T) {
	t.Parallel()
	p := &Provider{model: "gpt-4o-mini"}
	params, err := p.params(llm.CompletionRequest{
		SystemPrompt: "You are an interview assistant.",
		Messages:     []types.Message{{Role: "user", Content: "interviewer: Tell me about yourself"}},
		Temperature:  0.7,
		MaxTokens:    300,
	})
	if err != nil {
		t.Fatalf("params() error: %v", err)
	}
	if len(params.Messages) != 2 || params.Messages[0].OfSystem == nil {
		t.Fatalf("params() messages = %d, want system prompt then user", len(params.Messages))
	}
	if string(params.Model) != "gpt-4o-mini" {
		t.Errorf("model = %q", params.Model)
	}
	if got := params.MaxCompletionTokens.Value; got != 300 {
		t.Errorf("max completion tokens = %d, want 300", got)
	}
	if got := params.Temperature.Value; got != 0.7 {
		t.Errorf("temperature = %v, want 0.7", got)
	}
}

func TestParams_BadRoleNamesIndex(t *testing.T) {
	t.Parallel()
	p := &Provider{model: "gpt-4o"}
	_, err := p.params(llm.CompletionRequest{Messages: []types.Message{
		{Role: "user", Content: "ok"},
		{Role: "function", Content: "bad"},
	}})
	if err == nil || !strings.Contains(err.Error(), "message 1") {
		t.Errorf("params() error = %v, want one naming message 1", err)
	}
}

// completionServer answers every chat completion with the given finish reason.
func completionServer(t *testing.T, status int, finish string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status != http.StatusOK {
			fmt.Fprint(w, `{"error":{"message":"slow down","type":"rate_limit"}}`)
			return
		}
		fmt.Fprintf(w, `{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"created": 1,
			"model": "gpt-4o-mini-2024-07-18",
			"choices": [{"index": 0, "finish_reason": %q,
				"message": {"role": "assistant", "content": "- Mention the migration\n- Quantify"}}],
			"usage": {"prompt_tokens": 40, "completion_tokens": 12, "total_tokens": 52}
		}`, finish)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestComplete(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name          string
		status        int
		finish        string
		wantErr       error
		wantTruncated bool
	}{
		{name: "stop", status: http.StatusOK, finish: "stop"},
		{name: "length", status: http.StatusOK, finish: "length", wantTruncated: true},
		{name: "filtered", status: http.StatusOK, finish: "content_filter", wantErr: llm.ErrContentFiltered},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := completionServer(t, tt.status, tt.finish)
			p, err := New("sk-test", "gpt-4o-mini", WithBaseURL(srv.URL))
			if err != nil {
				t.Fatalf("New() error: %v", err)
			}
			resp, err := p.Complete(context.Background(), llm.CompletionRequest{
				Messages: []types.Message{{Role: "user", Content: "hi"}},
			})
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Complete() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Complete() error: %v", err)
			}
			if resp.Model != "gpt-4o-mini-2024-07-18" {
				t.Errorf("model = %q, want the served model", resp.Model)
			}
			if resp.Usage.TotalTokens != 52 {
				t.Errorf("total tokens = %d, want 52", resp.Usage.TotalTokens)
			}
			if resp.Truncated != tt.wantTruncated {
				t.Errorf("truncated = %v, want %v", resp.Truncated, tt.wantTruncated)
			}
		})
	}
}

func TestComplete_APIErrorCarriesStatus(t *testing.T) {
	t.Parallel()
	srv := completionServer(t, http.StatusTooManyRequests, "")
	p, err := New("sk-test", "gpt-4o-mini", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	_, err = p.Complete(context.Background(), llm.CompletionRequest{
		Messages: []types.Message{{Role: "user", Content: "hi"}},
	})
	if err == nil || !strings.Contains(err.Error(), "status 429") {
		t.Errorf("Complete() error = %v, want status 429", err)
	}
}

func TestCapabilities(t *testing.T) {
	t.Parallel()
	p := &Provider{model: "gpt-4.1-mini"}
	if got := p.Capabilities().ContextWindow; got != 1_047_576 {
		t.Errorf("Capabilities().ContextWindow = %d, want 1047576", got)
	}
}

func TestCountTokens(t *testing.T) {
	t.Parallel()
	p := &Provider{model: "gpt-4o"}
	// 11 bytes round up to 3 tokens, plus 4 for framing.
	count, err := p.CountTokens([]types.Message{{Role: "user", Content: "Hello world"}})
	if err != nil {
		t.Fatalf("CountTokens() error: %v", err)
	}
	if count != 7 {
		t.Errorf("CountTokens() = %d, want 7", count)
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	if _, err := New("", "gpt-4o"); err == nil {
		t.Error("New() with empty api key: expected error")
	}
	if _, err := New("sk-test", ""); err == nil {
		t.Error("New() with empty model: expected error")
	}
	if _, err := New("sk-test", "gpt-4o",
		WithBaseURL("https://llm.internal.example.com/v1"),
		WithOrganization("org-123"),
		WithTimeout(0),
		WithMaxRetries(1),
	); err != nil {
		t.Fatalf("New() with options error: %v", err)
	}
}
