package suggest

import (
	"testing"
	"time"

	"github.com/MrWong99/earpiece/pkg/types"
)

func TestSimilarity(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		a, b    string
		wantDup bool
	}{
		{name: "identical", a: "Mention specific metrics", b: "Mention specific metrics", wantDup: true},
		{name: "case and spacing", a: "Mention specific metrics", b: "  mention   SPECIFIC metrics ", wantDup: true},
		{name: "trailing punctuation", a: "Mention specific metrics", b: "Mention specific metrics.", wantDup: true},
		{name: "different advice", a: "Mention specific metrics", b: "Ask about the team structure", wantDup: false},
		{name: "empty candidate", a: "", b: "Mention specific metrics", wantDup: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := similarity(tc.a, tc.b) >= DefaultDedupThreshold
			if got != tc.wantDup {
				t.Errorf("similarity(%q, %q) = %.3f, duplicate = %v, want %v",
					tc.a, tc.b, similarity(tc.a, tc.b), got, tc.wantDup)
			}
		})
	}
}

func TestIsDuplicate(t *testing.T) {
	t.Parallel()
	existing := []*types.Suggestion{
		{Text: "Use the STAR format"},
		{Text: "Mention specific metrics"},
	}
	if !isDuplicate("mention specific metrics", existing, DefaultDedupThreshold) {
		t.Error("expected near-identical text to be a duplicate")
	}
	if isDuplicate("Keep it under two minutes", existing, DefaultDedupThreshold) {
		t.Error("expected unrelated text not to be a duplicate")
	}
	if isDuplicate("anything", nil, DefaultDedupThreshold) {
		t.Error("nothing is a duplicate of an empty set")
	}
}

func TestScoreFor(t *testing.T) {
	t.Parallel()
	s := &session{suggestions: []*types.Suggestion{
		{Kind: types.KindAnswer, Status: types.SuggestionAccepted},
		{Kind: types.KindAnswer, Status: types.SuggestionAccepted},
		{Kind: types.KindAnswer, Status: types.SuggestionDismissed},
		{Kind: types.KindTip, Status: types.SuggestionDismissed},
		{Kind: types.KindAnswer, Status: types.SuggestionPending},
	}}

	tests := []struct {
		kind types.SuggestionKind
		want float64
	}{
		{types.KindAnswer, 2.5},
		{types.KindTip, 0.5},
		{types.KindCode, 1},
	}
	for _, tc := range tests {
		if got := s.scoreFor(tc.kind); got != tc.want {
			t.Errorf("scoreFor(%s) = %g, want %g", tc.kind, got, tc.want)
		}
	}
}

func TestPolicy_Validate(t *testing.T) {
	t.Parallel()
	if err := DefaultPolicy().Validate(); err != nil {
		t.Fatalf("DefaultPolicy().Validate() error: %v", err)
	}
	bad := Policy{MinSegments: -1, DedupThreshold: 1.5, Timeout: -time.Second}
	if err := bad.Validate(); err == nil {
		t.Fatal("expected validation error")
	}
}
