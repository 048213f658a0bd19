package fan

import (
	"testing"

	"ktcc-go/pkg/errors"
	"ktcc-go/pkg/logger"
)

func TestSetSpeedClamping(t *testing.T) {
	tests := []struct {
		name     string
		maxPower float64
		offBelow float64
		speed    float64
		want     float64
	}{
		{"plain", 1.0, 0, 0.5, 0.5},
		{"clamp to max power", 0.8, 0, 1.0, 0.8},
		{"snap to zero below threshold", 1.0, 0.1, 0.05, 0},
		{"at threshold stays", 1.0, 0.1, 0.1, 0.1},
		{"full off", 1.0, 0.1, 0, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f, err := New(Config{Name: "partfan", MaxPower: tc.maxPower, OffBelow: tc.offBelow})
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if err := f.SetSpeed(tc.speed); err != nil {
				t.Fatalf("SetSpeed: %v", err)
			}
			if got := f.Speed(); got != tc.want {
				t.Errorf("Speed() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestSetSpeedRange(t *testing.T) {
	f, err := New(Config{Name: "partfan"})
	if err != nil {
		t.Fatal(err)
	}
	if err := f.SetSpeed(1.5); !errors.Is(err, errors.CodeInvalidState) {
		t.Errorf("SetSpeed(1.5) = %v, want invalid state error", err)
	}
	if err := f.SetSpeed(-0.1); !errors.Is(err, errors.CodeInvalidState) {
		t.Errorf("SetSpeed(-0.1) = %v, want invalid state error", err)
	}
}

func TestConfigValidation(t *testing.T) {
	if _, err := New(Config{Name: "bad", MaxPower: 1.5}); !errors.Is(err, errors.CodeConfig) {
		t.Errorf("New(max_power=1.5) = %v, want config error", err)
	}
	if _, err := New(Config{Name: "bad", OffBelow: -0.2}); !errors.Is(err, errors.CodeConfig) {
		t.Errorf("New(off_below=-0.2) = %v, want config error", err)
	}
}

func TestManager(t *testing.T) {
	m := NewManager(logger.NewNop())
	if _, err := m.Add(Config{Name: "partfan_t0"}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := m.Add(Config{Name: "partfan_t0"}); !errors.Is(err, errors.CodeConfig) {
		t.Errorf("duplicate Add = %v, want config error", err)
	}
	if err := m.SetSpeed("partfan_t0", 0.75); err != nil {
		t.Fatalf("SetSpeed: %v", err)
	}
	f, err := m.Fan("partfan_t0")
	if err != nil {
		t.Fatalf("Fan: %v", err)
	}
	if got := f.Speed(); got != 0.75 {
		t.Errorf("Speed() = %v, want 0.75", got)
	}
	if err := m.SetSpeed("missing", 0.5); !errors.Is(err, errors.CodeConfig) {
		t.Errorf("SetSpeed(missing) = %v, want config error", err)
	}
}
