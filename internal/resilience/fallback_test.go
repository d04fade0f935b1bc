package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newGroup(t *testing.T, maxFailures int) *FallbackGroup[string] {
	t.Helper()
	fg := NewFallbackGroup("primary", "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: maxFailures, ResetTimeout: time.Hour},
	})
	fg.AddFallback("secondary", "secondary")
	return fg
}

func TestFallbackGroup_Execute(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		failing  map[string]bool
		wantCall string
		wantErr  error
	}{
		{name: "primary succeeds", wantCall: "primary"},
		{name: "primary fails", failing: map[string]bool{"primary": true}, wantCall: "secondary"},
		{name: "all fail", failing: map[string]bool{"primary": true, "secondary": true}, wantErr: ErrAllFailed},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			fg := newGroup(t, 3)

			var called string
			err := fg.Execute(context.Background(), func(v string) error {
				if tc.failing[v] {
					return errTest
				}
				called = v
				return nil
			})
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("err = %v, want %v", err, tc.wantErr)
				}
				if !errors.Is(err, errTest) {
					t.Errorf("err = %v, want last provider error wrapped", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if called != tc.wantCall {
				t.Fatalf("called = %q, want %q", called, tc.wantCall)
			}
		})
	}
}

func TestFallbackGroup_CircuitBreakerSkipsOpenProvider(t *testing.T) {
	t.Parallel()
	fg := newGroup(t, 2)

	for range 2 {
		_ = fg.Execute(context.Background(), func(v string) error {
			if v == "primary" {
				return errTest
			}
			return nil
		})
	}

	states := fg.States()
	if states["primary"] != StateOpen {
		t.Fatalf("primary state = %v, want open", states["primary"])
	}
	if states["secondary"] != StateClosed {
		t.Fatalf("secondary state = %v, want closed", states["secondary"])
	}

	var calls []string
	err := fg.Execute(context.Background(), func(v string) error {
		calls = append(calls, v)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(calls) != 1 || calls[0] != "secondary" {
		t.Fatalf("calls = %v, want only secondary (primary circuit should be open)", calls)
	}
}

func TestFallbackGroup_StopsOnCancelledContext(t *testing.T) {
	t.Parallel()
	fg := newGroup(t, 3)
	ctx, cancel := context.WithCancel(context.Background())

	var calls []string
	err := fg.Execute(ctx, func(v string) error {
		calls = append(calls, v)
		cancel()
		return ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if errors.Is(err, ErrAllFailed) {
		t.Fatal("cancellation must not be reported as ErrAllFailed")
	}
	if len(calls) != 1 {
		t.Fatalf("calls = %v, want failover to stop after cancellation", calls)
	}
	if fg.States()["primary"] != StateClosed {
		t.Fatal("cancellation must not count against the breaker")
	}
}

func TestExecuteWithResult(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		fail    map[int]bool
		want    string
		wantErr bool
	}{
		{name: "primary", want: "from-10"},
		{name: "failover", fail: map[int]bool{10: true}, want: "from-20"},
		{name: "all fail", fail: map[int]bool{10: true, 20: true}, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			fg := NewFallbackGroup(10, "ten", FallbackConfig{
				CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
			})
			fg.AddFallback("twenty", 20)

			got, err := ExecuteWithResult(context.Background(), fg, func(v int) (string, error) {
				if tc.fail[v] {
					return "", errTest
				}
				if v == 10 {
					return "from-10", nil
				}
				return "from-20", nil
			})
			if tc.wantErr {
				if !errors.Is(err, ErrAllFailed) {
					t.Fatalf("err = %v, want ErrAllFailed", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("result = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestFallbackGroup_Primary(t *testing.T) {
	t.Parallel()
	fg := newGroup(t, 1)
	if got := fg.Primary(); got != "primary" {
		t.Fatalf("Primary() = %q, want primary", got)
	}
}

func TestFallbackGroup_RequestErrorStopsFailover(t *testing.T) {
	t.Parallel()
	errBadInput := errors.New("bad input")
	fg := NewFallbackGroup("primary", "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour},
		RequestError:   func(err error) bool { return errors.Is(err, errBadInput) },
	})
	fg.AddFallback("secondary", "secondary")

	var calls []string
	err := fg.Execute(context.Background(), func(v string) error {
		calls = append(calls, v)
		return errBadInput
	})
	if !errors.Is(err, errBadInput) || errors.Is(err, ErrAllFailed) {
		t.Fatalf("Execute() error = %v, want the request error itself", err)
	}
	if len(calls) != 1 {
		t.Errorf("calls = %v, want only the primary", calls)
	}
	if st := fg.States()["primary"]; st != StateClosed {
		t.Errorf("primary breaker = %v, want closed", st)
	}
}

func TestFallbackGroup_All(t *testing.T) {
	t.Parallel()
	fg := newGroup(t, 3)
	fg.AddFallback("tertiary", "tertiary")

	var names []string
	for name, v := range fg.All() {
		if name != v {
			t.Errorf("entry %q holds %q", name, v)
		}
		names = append(names, name)
		if name == "secondary" {
			break
		}
	}
	if len(names) != 2 || names[0] != "primary" {
		t.Errorf("All() yielded %v, want primary then secondary before break", names)
	}
}
