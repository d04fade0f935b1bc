package settings_test

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/earpiece/internal/settings"
	"github.com/MrWong99/earpiece/pkg/types"
)

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		hours   int
		wantErr bool
	}{
		{hours: 0, wantErr: true},
		{hours: 1},
		{hours: 24},
		{hours: 168},
		{hours: 169, wantErr: true},
		{hours: -5, wantErr: true},
	}
	for _, tt := range tests {
		err := settings.Validate(types.RetentionSettings{RetentionHours: tt.hours})
		if (err != nil) != tt.wantErr {
			t.Errorf("Validate(%d) error = %v, wantErr %v", tt.hours, err, tt.wantErr)
		}
		if err != nil && !errors.Is(err, settings.ErrInvalidSettings) {
			t.Errorf("Validate(%d) error = %v, want ErrInvalidSettings", tt.hours, err)
		}
	}
}

func TestStatic_Overrides(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s, err := settings.NewStatic(settings.Default(), map[string]types.RetentionSettings{
		"u2": {AutoDeleteEnabled: false, RetentionHours: 48},
	})
	if err != nil {
		t.Fatalf("NewStatic() error: %v", err)
	}

	got, _ := s.GetRetentionPolicy(ctx, "u1")
	if got != settings.Default() {
		t.Errorf("GetRetentionPolicy(u1) = %+v, want defaults", got)
	}
	got, _ = s.GetRetentionPolicy(ctx, "u2")
	if got.AutoDeleteEnabled || got.RetentionHours != 48 {
		t.Errorf("GetRetentionPolicy(u2) = %+v, want override", got)
	}

	bad := map[string]types.RetentionSettings{
		"u1": {AutoDeleteEnabled: true, RetentionHours: 2},
		"u3": {RetentionHours: 500},
	}
	if err := s.SetOverrides(bad); err == nil {
		t.Fatal("SetOverrides() with invalid entry succeeded")
	}
	if got, _ := s.GetRetentionPolicy(ctx, "u1"); got != settings.Default() {
		t.Errorf("rejected reload changed u1 to %+v", got)
	}

	if err := s.SetOverrides(map[string]types.RetentionSettings{"u1": {AutoDeleteEnabled: true, RetentionHours: 2}}); err != nil {
		t.Fatalf("SetOverrides() error: %v", err)
	}
	if got, _ := s.GetRetentionPolicy(ctx, "u1"); got.RetentionHours != 2 {
		t.Errorf("reloaded u1 = %+v, want 2h", got)
	}
	if got, _ := s.GetRetentionPolicy(ctx, "u2"); got != settings.Default() {
		t.Errorf("u2 after reload = %+v, want defaults", got)
	}
}

func TestNewStatic_InvalidDefaults(t *testing.T) {
	t.Parallel()
	if _, err := settings.NewStatic(types.RetentionSettings{RetentionHours: 0}, nil); err == nil {
		t.Error("NewStatic() with zero hours succeeded")
	}
}
