package session

import (
	"context"
	"errors"
	"testing"

	storemock "github.com/MrWong99/earpiece/internal/store/mock"
	"github.com/MrWong99/earpiece/pkg/types"
)

func TestStoreGuard_SwallowsAndRecovers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storemock.New()
	g := NewStoreGuard(st, nil)

	g.AppendSegment(ctx, types.Segment{SessionID: "s1", SequenceNo: 1})
	if g.IsDegraded() {
		t.Fatal("IsDegraded() = true after successful write")
	}

	st.SetErr("SaveSuggestion", errors.New("connection refused"))
	g.SaveSuggestion(ctx, types.Suggestion{ID: "g1", SessionID: "s1"})
	if !g.IsDegraded() {
		t.Fatal("IsDegraded() = false after failed write")
	}
	if sgs, _ := st.Suggestions(ctx, "s1"); len(sgs) != 0 {
		t.Errorf("failed write persisted %d suggestions", len(sgs))
	}

	st.SetErr("SaveSuggestion", nil)
	g.SaveSuggestion(ctx, types.Suggestion{ID: "g1", SessionID: "s1"})
	if g.IsDegraded() {
		t.Error("IsDegraded() = true after recovery")
	}
	if n := st.CallCount("SaveSuggestion"); n != 2 {
		t.Errorf("SaveSuggestion calls = %d, want 2", n)
	}
}
