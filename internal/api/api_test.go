package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/earpiece/internal/api"
	"github.com/MrWong99/earpiece/internal/fanout"
	"github.com/MrWong99/earpiece/internal/session"
	settingsmock "github.com/MrWong99/earpiece/internal/settings/mock"
	"github.com/MrWong99/earpiece/internal/store/memstore"
	"github.com/MrWong99/earpiece/internal/suggest"
	"github.com/MrWong99/earpiece/internal/transcript"
	"github.com/MrWong99/earpiece/pkg/types"
)

const waitTimeout = 2 * time.Second

type genFunc func(ctx context.Context, sessionID string, w suggest.Window) (suggest.Candidate, error)

func (f genFunc) Generate(ctx context.Context, sessionID string, w suggest.Window) (suggest.Candidate, error) {
	return f(ctx, sessionID, w)
}

type env struct {
	srv *httptest.Server
	mgr *session.Manager
	hub *fanout.Hub
}

func newEnv(t *testing.T, audio api.Audio) *env {
	t.Helper()
	hub := fanout.New(fanout.Config{QueueDepth: 64})
	var ids atomic.Int64
	mgr, err := session.New(session.Config{
		Store:    memstore.New(),
		Settings: settingsmock.New(),
		Hub:      hub,
		Generator: genFunc(func(context.Context, string, suggest.Window) (suggest.Candidate, error) {
			return suggest.Candidate{Text: "Mention specific metrics", Kind: types.KindAnswer}, nil
		}),
		Policy: suggest.Policy{MinSegments: 2, QuietPeriod: time.Hour},
		NewID:  func() string { return fmt.Sprintf("id-%d", ids.Add(1)) },
	})
	if err != nil {
		t.Fatalf("session.New() error: %v", err)
	}
	cfg := api.Config{Sessions: mgr, Commands: hub}
	if audio != nil {
		cfg.Audio = audio
	}
	s, err := api.New(cfg)
	if err != nil {
		t.Fatalf("api.New() error: %v", err)
	}
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = mgr.Close(context.Background())
	})
	return &env{srv: srv, mgr: mgr, hub: hub}
}

// do sends a JSON request as owner and decodes a JSON response into out.
func (e *env) do(t *testing.T, method, path, owner string, body, out any) int {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("json.Marshal() error: %v", err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	if err != nil {
		t.Fatalf("NewRequest() error: %v", err)
	}
	if owner != "" {
		req.Header.Set(api.OwnerHeader, owner)
	}
	resp, err := e.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s error: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

// waitUntil polls cond until it holds or waitTimeout passes.
func waitUntil(cond func() bool) bool {
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(time.Millisecond)
	}
	return true
}

func (e *env) active(t *testing.T, owner string) types.Session {
	t.Helper()
	var sess types.Session
	if code := e.do(t, http.MethodPost, "/v1/sessions", owner, map[string]any{"platform": "zoom"}, &sess); code != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", code)
	}
	if code := e.do(t, http.MethodPost, "/v1/sessions/"+sess.ID+"/start", owner, nil, &sess); code != http.StatusOK {
		t.Fatalf("start status = %d, want 200", code)
	}
	return sess
}

func TestServer_RequiresOwner(t *testing.T) {
	t.Parallel()
	e := newEnv(t, nil)
	if code := e.do(t, http.MethodGet, "/v1/sessions", "", nil, nil); code != http.StatusUnauthorized {
		t.Errorf("status without owner = %d, want 401", code)
	}
}

func TestServer_InterviewScenario(t *testing.T) {
	t.Parallel()
	e := newEnv(t, nil)
	sess := e.active(t, "u1")
	if sess.Status != types.StatusActive || !sess.Recording {
		t.Fatalf("started session = %+v, want active and recording", sess)
	}

	base := "/v1/sessions/" + sess.ID
	for i, text := range []string{"Tell me about yourself", "I have 5 years experience"} {
		var seg types.Segment
		speaker := types.SpeakerInterviewer
		if i == 1 {
			speaker = types.SpeakerUser
		}
		if code := e.do(t, http.MethodPost, base+"/segments", "u1", map[string]any{"speaker": speaker, "text": text}, &seg); code != http.StatusCreated {
			t.Fatalf("append status = %d, want 201", code)
		}
		if seg.SequenceNo != uint64(i+1) {
			t.Errorf("segment %q seq = %d, want %d", text, seg.SequenceNo, i+1)
		}
	}

	var sgs struct{ Suggestions []types.Suggestion }
	deadline := time.Now().Add(waitTimeout)
	for len(sgs.Suggestions) == 0 && time.Now().Before(deadline) {
		e.do(t, http.MethodGet, base+"/suggestions", "u1", nil, &sgs)
		time.Sleep(5 * time.Millisecond)
	}
	if len(sgs.Suggestions) != 1 {
		t.Fatalf("suggestions = %+v, want one", sgs.Suggestions)
	}
	sg := sgs.Suggestions[0]
	if sg.Text != "Mention specific metrics" || sg.DerivedFromSequenceNo != 2 {
		t.Errorf("suggestion = %q derived from %d, want metrics from 2", sg.Text, sg.DerivedFromSequenceNo)
	}

	var resolved types.Suggestion
	fb := map[string]any{"accepted": true, "rating": 5}
	if code := e.do(t, http.MethodPost, "/v1/suggestions/"+sg.ID+"/feedback", "u1", fb, &resolved); code != http.StatusOK {
		t.Fatalf("feedback status = %d, want 200", code)
	}
	if resolved.Status != types.SuggestionAccepted || resolved.Rating != 5 {
		t.Errorf("resolved = %s rated %d, want accepted rated 5", resolved.Status, resolved.Rating)
	}
	if code := e.do(t, http.MethodPost, "/v1/suggestions/"+sg.ID+"/feedback", "u1", fb, nil); code != http.StatusConflict {
		t.Errorf("second feedback status = %d, want 409", code)
	}

	var stats suggest.Stats
	e.do(t, http.MethodGet, base+"/stats", "u1", nil, &stats)
	if stats.Total != 1 || stats.Accepted != 1 {
		t.Errorf("stats = %+v, want 1 total 1 accepted", stats)
	}

	var ended types.Session
	if code := e.do(t, http.MethodPost, base+"/end", "u1", nil, &ended); code != http.StatusOK {
		t.Fatalf("end status = %d, want 200", code)
	}
	if ended.Status != types.StatusEnded || ended.EndedAt == nil {
		t.Errorf("ended = %+v, want ended with timestamp", ended)
	}
	if code := e.do(t, http.MethodPost, base+"/end", "u1", nil, nil); code != http.StatusOK {
		t.Errorf("second end status = %d, want 200", code)
	}

	var tr struct{ Segments []types.Segment }
	e.do(t, http.MethodGet, base+"/transcript?since=1", "u1", nil, &tr)
	if len(tr.Segments) != 1 || tr.Segments[0].SequenceNo != 2 {
		t.Errorf("transcript since 1 = %+v, want only seq 2", tr.Segments)
	}
	if code := e.do(t, http.MethodPost, base+"/segments", "u1", map[string]any{"text": "late"}, nil); code != http.StatusConflict {
		t.Errorf("append after end status = %d, want 409", code)
	}

	if code := e.do(t, http.MethodDelete, base, "u1", nil, nil); code != http.StatusNoContent {
		t.Errorf("delete status = %d, want 204", code)
	}
	if code := e.do(t, http.MethodGet, base, "u1", nil, nil); code != http.StatusNotFound {
		t.Errorf("get after delete status = %d, want 404", code)
	}
}

func TestServer_RequestErrors(t *testing.T) {
	t.Parallel()
	e := newEnv(t, nil)
	sess := e.active(t, "u1")

	tests := []struct {
		name   string
		method string
		path   string
		owner  string
		body   any
		want   int
	}{
		{"second inflight session", http.MethodPost, "/v1/sessions", "u1", map[string]any{}, http.StatusConflict},
		{"unknown platform", http.MethodPost, "/v1/sessions", "u2", map[string]any{"platform": "fax"}, http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/v1/sessions", "u2", map[string]any{"colour": "red"}, http.StatusBadRequest},
		{"start active session", http.MethodPost, "/v1/sessions/" + sess.ID + "/start", "u1", nil, http.StatusConflict},
		{"other owner", http.MethodGet, "/v1/sessions/" + sess.ID, "u2", nil, http.StatusNotFound},
		{"unknown session", http.MethodGet, "/v1/sessions/nope", "u1", nil, http.StatusNotFound},
		{"bad since", http.MethodGet, "/v1/sessions/" + sess.ID + "/transcript?since=-1", "u1", nil, http.StatusBadRequest},
		{"bad limit", http.MethodGet, "/v1/sessions?limit=x", "u1", nil, http.StatusBadRequest},
		{"bad status", http.MethodGet, "/v1/sessions?status=paused", "u1", nil, http.StatusBadRequest},
		{"empty segment", http.MethodPost, "/v1/sessions/" + sess.ID + "/segments", "u1", map[string]any{"text": " "}, http.StatusBadRequest},
		{"unknown suggestion", http.MethodPost, "/v1/suggestions/nope/feedback", "u1", map[string]any{"accepted": true}, http.StatusNotFound},
		{"unknown surface", http.MethodGet, "/v1/sessions/" + sess.ID + "/surfaces/watch", "u1", nil, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := e.do(t, tt.method, tt.path, tt.owner, tt.body, nil); got != tt.want {
				t.Errorf("%s %s status = %d, want %d", tt.method, tt.path, got, tt.want)
			}
		})
	}
}

func TestServer_ListFiltersByOwner(t *testing.T) {
	t.Parallel()
	e := newEnv(t, nil)
	mine := e.active(t, "u1")
	e.active(t, "u2")
	e.do(t, http.MethodPost, "/v1/sessions/"+mine.ID+"/end", "u1", nil, nil)

	var out struct{ Sessions []types.Session }
	if code := e.do(t, http.MethodGet, "/v1/sessions?status=ended&limit=5", "u1", nil, &out); code != http.StatusOK {
		t.Fatalf("list status = %d, want 200", code)
	}
	if len(out.Sessions) != 1 || out.Sessions[0].ID != mine.ID {
		t.Errorf("list = %+v, want only %s", out.Sessions, mine.ID)
	}
}

func TestServer_OwnerData(t *testing.T) {
	t.Parallel()
	e := newEnv(t, nil)
	ctx := context.Background()

	done := e.active(t, "u1")
	for _, text := range []string{"Walk me through the outage", "We rolled back first"} {
		if _, err := e.mgr.Append(ctx, done.ID, transcript.SegmentInput{Text: text}); err != nil {
			t.Fatalf("Append() error: %v", err)
		}
	}
	if code := e.do(t, http.MethodPost, "/v1/sessions/"+done.ID+"/end", "u1", nil, nil); code != http.StatusOK {
		t.Fatalf("end status = %d, want 200", code)
	}
	live := e.active(t, "u1")
	e.active(t, "u2")

	var sum session.OwnerSummary
	if code := e.do(t, http.MethodGet, "/v1/owners/me/summary", "u1", nil, &sum); code != http.StatusOK {
		t.Fatalf("summary status = %d, want 200", code)
	}
	if sum.OwnerID != "u1" || sum.Sessions != 2 || sum.TranscriptSegments != 2 {
		t.Errorf("summary = %+v, want 2 sessions and 2 segments for u1", sum)
	}

	req, err := http.NewRequest(http.MethodGet, e.srv.URL+"/v1/owners/me/export", nil)
	if err != nil {
		t.Fatalf("NewRequest() error: %v", err)
	}
	req.Header.Set(api.OwnerHeader, "u1")
	resp, err := e.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("GET export error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("export status = %d, want 200", resp.StatusCode)
	}
	if cd := resp.Header.Get("Content-Disposition"); !strings.HasPrefix(cd, "attachment;") {
		t.Errorf("Content-Disposition = %q, want an attachment", cd)
	}
	var x session.OwnerExport
	if err := json.NewDecoder(resp.Body).Decode(&x); err != nil {
		t.Fatalf("decode export: %v", err)
	}
	if len(x.Sessions) != 2 {
		t.Fatalf("exported %d sessions, want 2", len(x.Sessions))
	}

	var rep session.OwnerDeletion
	if code := e.do(t, http.MethodDelete, "/v1/owners/me/data", "u1", nil, &rep); code != http.StatusOK {
		t.Fatalf("delete status = %d, want 200", code)
	}
	if len(rep.Deleted) != 1 || rep.Deleted[0] != done.ID {
		t.Errorf("Deleted = %v, want [%s]", rep.Deleted, done.ID)
	}
	if len(rep.Kept) != 1 || rep.Kept[0] != live.ID {
		t.Errorf("Kept = %v, want [%s]", rep.Kept, live.ID)
	}
	if code := e.do(t, http.MethodGet, "/v1/sessions/"+done.ID, "u1", nil, nil); code != http.StatusNotFound {
		t.Errorf("get deleted session status = %d, want 404", code)
	}

	var other session.OwnerSummary
	if code := e.do(t, http.MethodGet, "/v1/owners/me/summary", "u2", nil, &other); code != http.StatusOK || other.Sessions != 1 {
		t.Errorf("u2 summary = %+v (status %d), want its session untouched", other, code)
	}
	if code := e.do(t, http.MethodDelete, "/v1/owners/me/data", "", nil, nil); code != http.StatusUnauthorized {
		t.Errorf("delete without owner status = %d, want 401", code)
	}
}

func TestServer_ErrorBody(t *testing.T) {
	t.Parallel()
	e := newEnv(t, nil)
	req, _ := http.NewRequest(http.MethodGet, e.srv.URL+"/v1/sessions/nope", nil)
	req.Header.Set(api.OwnerHeader, "u1")
	resp, err := e.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("GET error: %v", err)
	}
	defer resp.Body.Close()
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body.Error == "" {
		t.Error("error body has no message")
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	if _, err := api.New(api.Config{Commands: fanout.New(fanout.Config{})}); err == nil {
		t.Error("New() without sessions error = nil")
	}
	hub := fanout.New(fanout.Config{})
	mgr, err := session.New(session.Config{
		Store: memstore.New(), Settings: settingsmock.New(), Hub: hub,
		Generator: genFunc(func(context.Context, string, suggest.Window) (suggest.Candidate, error) {
			return suggest.Candidate{}, errors.New("unused")
		}),
	})
	if err != nil {
		t.Fatalf("session.New() error: %v", err)
	}
	defer mgr.Close(context.Background())
	if _, err := api.New(api.Config{Sessions: mgr}); err == nil {
		t.Error("New() without commands error = nil")
	}
}
