package deepgram

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/earpiece/pkg/provider/asr"
)

// ---- URL / query-param tests ----

func TestBuildURL_Defaults(t *testing.T) {
	p, err := New("test-key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := p.buildURL(asr.StreamConfig{
		SampleRate: 16000,
		Channels:   1,
		Language:   "en",
	})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse URL: %v", err)
	}
	q := u.Query()

	assertEqual(t, "host", "api.deepgram.com", u.Host)
	assertEqual(t, "model", "nova-3", q.Get("model"))
	assertEqual(t, "language", "en", q.Get("language"))
	assertEqual(t, "punctuate", "true", q.Get("punctuate"))
	assertEqual(t, "interim_results", "true", q.Get("interim_results"))
	assertEqual(t, "encoding", "linear16", q.Get("encoding"))
	assertEqual(t, "sample_rate", "16000", q.Get("sample_rate"))
	assertEqual(t, "channels", "1", q.Get("channels"))
	if q.Has("diarize") {
		t.Error("expected no diarize param when not requested")
	}
}

func TestBuildURL_CustomOptions(t *testing.T) {
	p, err := New("key",
		WithModel("base"),
		WithLanguage("de-DE"),
		WithSampleRate(48000),
		WithEndpoint("ws://localhost:9000/listen"),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := p.buildURL(asr.StreamConfig{Diarize: true, SessionID: "s-1"})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, _ := url.Parse(rawURL)
	q := u.Query()

	assertEqual(t, "host", "localhost:9000", u.Host)
	assertEqual(t, "model", "base", q.Get("model"))
	assertEqual(t, "language", "de-DE", q.Get("language"))
	assertEqual(t, "sample_rate", "48000", q.Get("sample_rate"))
	assertEqual(t, "diarize", "true", q.Get("diarize"))
	assertEqual(t, "tag", "s-1", q.Get("tag"))
	if q.Has("smart_format") {
		t.Error("smart_format sent without WithSmartFormat")
	}
}

func TestBuildURL_SmartFormat(t *testing.T) {
	p, err := New("key", WithSmartFormat(true))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rawURL, err := p.buildURL(asr.StreamConfig{})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	u, _ := url.Parse(rawURL)
	assertEqual(t, "smart_format", "true", u.Query().Get("smart_format"))
}

func TestBuildURL_LanguageOverriddenByCfg(t *testing.T) {
	p, err := New("key", WithLanguage("en"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := p.buildURL(asr.StreamConfig{Language: "fr-FR", SampleRate: 16000})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, _ := url.Parse(rawURL)
	assertEqual(t, "language", "fr-FR", u.Query().Get("language"))
}

// ---- JSON parsing tests ----

func TestParseDeepgramResponse_Final(t *testing.T) {
	raw := []byte(`{
		"type": "Results",
		"is_final": true,
		"start": 1.5,
		"duration": 2.25,
		"channel": {
			"alternatives": [{
				"transcript": "Tell me about yourself",
				"confidence": 0.95,
				"words": [
					{"word": "tell", "speaker": 1},
					{"word": "me", "speaker": 1}
				]
			}]
		}
	}`)

	tr, terr, ok := parseDeepgramResponse(raw)
	if terr != nil {
		t.Fatalf("unexpected transcription error: %v", terr)
	}
	if !ok {
		t.Fatal("expected ok=true for valid Results message")
	}
	if !tr.IsFinal {
		t.Error("expected IsFinal=true")
	}
	assertEqual(t, "text", "Tell me about yourself", tr.Text)
	assertEqual(t, "speaker", "1", tr.Speaker)
	if tr.Confidence != 0.95 {
		t.Errorf("expected confidence 0.95, got %f", tr.Confidence)
	}
	if tr.Start != 1500*time.Millisecond {
		t.Errorf("unexpected start: %v", tr.Start)
	}
	if tr.Duration != 2250*time.Millisecond {
		t.Errorf("unexpected duration: %v", tr.Duration)
	}
}

func TestParseDeepgramResponse_Partial(t *testing.T) {
	raw := []byte(`{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"Tell","confidence":0.7}]}}`)

	tr, terr, ok := parseDeepgramResponse(raw)
	if terr != nil || !ok {
		t.Fatalf("expected ok=true, got ok=%v err=%v", ok, terr)
	}
	if tr.IsFinal {
		t.Error("expected IsFinal=false for partial result")
	}
	if tr.Speaker != "" {
		t.Errorf("expected empty speaker without diarisation, got %q", tr.Speaker)
	}
}

func TestParseDeepgramResponse_Ignored(t *testing.T) {
	tests := map[string]string{
		"metadata":           `{"type":"Metadata","request_id":"abc"}`,
		"empty alternatives": `{"type":"Results","is_final":true,"channel":{"alternatives":[]}}`,
		"empty transcript":   `{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":""}]}}`,
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			_, terr, ok := parseDeepgramResponse([]byte(raw))
			if ok {
				t.Error("expected ok=false")
			}
			if terr != nil {
				t.Errorf("expected no transcription error, got %v", terr)
			}
		})
	}
}

func TestParseDeepgramResponse_Errors(t *testing.T) {
	tests := map[string]string{
		"error event":  `{"type":"Error","description":"audio decode failed"}`,
		"invalid json": `{invalid`,
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			_, terr, ok := parseDeepgramResponse([]byte(raw))
			if ok {
				t.Error("expected ok=false")
			}
			if terr == nil {
				t.Fatal("expected a transcription error")
			}
			assertEqual(t, "provider", "deepgram", terr.Provider)
		})
	}
}

func TestDominantSpeaker(t *testing.T) {
	t.Parallel()
	sp := func(n int) *int { return &n }
	tests := []struct {
		name  string
		words []word
		want  string
	}{
		{"no diarization", []word{{Word: "hi"}}, ""},
		{"single speaker", []word{{Word: "so", Speaker: sp(0)}, {Word: "tell", Speaker: sp(0)}}, "0"},
		{"late interjection loses", []word{
			{Word: "walk", Speaker: sp(0)},
			{Word: "me", Speaker: sp(0)},
			{Word: "through", Speaker: sp(0)},
			{Word: "sure", Speaker: sp(1)},
		}, "0"},
		{"tie keeps earliest", []word{{Word: "a", Speaker: sp(1)}, {Word: "b", Speaker: sp(0)}}, "1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assertEqual(t, "speaker", tt.want, dominantSpeaker(tt.words))
		})
	}
}

func TestStream_KeepAliveWhenIdle(t *testing.T) {
	texts := make(chan string, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Token key" {
			t.Errorf("Authorization = %q", got)
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("Accept: %v", err)
			return
		}
		defer conn.CloseNow()
		for {
			typ, msg, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			if typ == websocket.MessageText {
				texts <- string(msg)
			}
		}
	}))
	defer srv.Close()

	p, err := New("key",
		WithEndpoint("ws"+strings.TrimPrefix(srv.URL, "http")),
		WithKeepAlive(20*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h, err := p.StartStream(ctx, asr.StreamConfig{SampleRate: 16000})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}

	select {
	case msg := <-texts:
		assertEqual(t, "idle message", string(keepAliveMsg), msg)
	case <-ctx.Done():
		t.Fatal("no KeepAlive sent while idle")
	}

	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := h.SendAudio([]byte{0, 0}); err != asr.ErrHandleClosed {
		t.Errorf("SendAudio after Close = %v, want ErrHandleClosed", err)
	}
}

// ---- Constructor tests ----

func TestNew_EmptyAPIKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Error("expected error for empty API key")
	}
}

func TestNew_Defaults(t *testing.T) {
	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	assertEqual(t, "model", defaultModel, p.model)
	assertEqual(t, "language", defaultLanguage, p.language)
	if p.sampleRate != defaultSampleRate {
		t.Errorf("expected sampleRate %d, got %d", defaultSampleRate, p.sampleRate)
	}
	if p.keepAlive != defaultKeepAlive {
		t.Errorf("expected keepAlive %v, got %v", defaultKeepAlive, p.keepAlive)
	}
}

// ---- helpers ----

func assertEqual(t *testing.T, label, want, got string) {
	t.Helper()
	if want != got {
		t.Errorf("%s: want %q, got %q", label, want, got)
	}
}
