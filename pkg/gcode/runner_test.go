package gcode

import (
	"testing"

	"ktcc-go/pkg/errors"
	"ktcc-go/pkg/logger"
)

func newTestRunner() *Runner {
	return NewRunner(logger.NewNop())
}

func TestRegisterAndRun(t *testing.T) {
	r := newTestRunner()
	var got Args
	r.Register("TOOL_LOCK", "Lock the tool", func(args Args) error {
		got = args
		return nil
	})
	if err := r.Run("tool_lock T=2 RESTORE=XYZ"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got.Command != "TOOL_LOCK" {
		t.Errorf("Command = %q, want TOOL_LOCK", got.Command)
	}
	if n, _ := got.GetInt("T"); n != 2 {
		t.Errorf("T = %d, want 2", n)
	}
	if got.Get("RESTORE") != "XYZ" {
		t.Errorf("RESTORE = %q, want XYZ", got.Get("RESTORE"))
	}
}

func TestRunUnknownCommand(t *testing.T) {
	r := newTestRunner()
	err := r.Run("NOT_A_COMMAND")
	if !errors.Is(err, errors.CodeUnknownCommand) {
		t.Errorf("Run error = %v, want unknown command error", err)
	}
}

func TestFallback(t *testing.T) {
	r := newTestRunner()
	var lines []string
	r.SetFallback(func(line string) error {
		lines = append(lines, line)
		return nil
	})
	script := "G28 XY\nG4 P0.2"
	if err := r.Run(script); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(lines) != 2 || lines[0] != "G28 XY" || lines[1] != "G4 P0.2" {
		t.Errorf("fallback lines = %v", lines)
	}
}

func TestRunSkipsCommentsAndBlanks(t *testing.T) {
	r := newTestRunner()
	calls := 0
	r.Register("PING", "", func(args Args) error {
		calls++
		return nil
	})
	script := "; leading comment\n\nPING ; trailing comment\n   \nPING"
	if err := r.Run(script); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestRunStopsAtFirstError(t *testing.T) {
	r := newTestRunner()
	calls := 0
	r.Register("BOOM", "", func(args Args) error {
		return errors.InvalidStatef("boom")
	})
	r.Register("AFTER", "", func(args Args) error {
		calls++
		return nil
	})
	err := r.Run("BOOM\nAFTER")
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 0 {
		t.Errorf("handler after error ran %d times", calls)
	}
}

func TestArgsTypedGetters(t *testing.T) {
	args := NewArgs("SET_TOOL_TEMPERATURE", map[string]string{
		"TOOL":       "1",
		"ACTV_TMP":   "215.5",
		"CHNG_STATE": "2",
	})
	f, err := args.GetFloat("ACTV_TMP")
	if err != nil || f != 215.5 {
		t.Errorf("GetFloat = %v, %v", f, err)
	}
	if _, err := args.GetInt("MISSING"); err == nil {
		t.Error("GetInt(missing) should error without fallback")
	}
	if n, _ := args.GetInt("MISSING", 7); n != 7 {
		t.Errorf("GetInt fallback = %d, want 7", n)
	}
	p, err := args.MaybeInt("CHNG_STATE")
	if err != nil || p == nil || *p != 2 {
		t.Errorf("MaybeInt = %v, %v", p, err)
	}
	if p, _ := args.MaybeInt("ABSENT"); p != nil {
		t.Errorf("MaybeInt(absent) = %v, want nil", p)
	}
	if _, err := args.GetInt("ACTV_TMP"); err == nil {
		t.Error("GetInt on float value should error")
	}
}

func TestTemplateRender(t *testing.T) {
	tmpl := NewTemplate("tool:pickup_gcode", "G1 X{myself.park_x} Y{myself.park_y}\nM117 Picking up {myself.name}")
	out, err := tmpl.Render(map[string]any{
		"myself": map[string]any{
			"park_x": 420.0,
			"park_y": 10.5,
			"name":   "1",
		},
	})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	want := "G1 X420 Y10.5\nM117 Picking up 1"
	if out != want {
		t.Errorf("Render = %q, want %q", out, want)
	}
}

func TestTemplateParams(t *testing.T) {
	tmpl := NewTemplate("macro", "M117 {params.MSG}")
	out, err := tmpl.Render(map[string]any{
		"params": map[string]string{"MSG": "hello"},
	})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if out != "M117 hello" {
		t.Errorf("Render = %q", out)
	}
}

func TestTemplateUnresolvedLeftInPlace(t *testing.T) {
	tmpl := NewTemplate("macro", "G1 X{unknown.var}")
	out, err := tmpl.Render(map[string]any{})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if out != "G1 X{unknown.var}" {
		t.Errorf("Render = %q", out)
	}
}

func TestRunTemplate(t *testing.T) {
	r := newTestRunner()
	var got string
	r.SetFallback(func(line string) error {
		got = line
		return nil
	})
	tmpl := NewTemplate("dropoff", "G1 X{myself.zone_x} F9000")
	ctx := map[string]any{"myself": map[string]any{"zone_x": 300.0}}
	if err := r.RunTemplate(tmpl, ctx); err != nil {
		t.Fatalf("RunTemplate: %v", err)
	}
	if got != "G1 X300 F9000" {
		t.Errorf("line = %q", got)
	}
	if err := r.RunTemplate(nil, ctx); err != nil {
		t.Errorf("RunTemplate(nil) = %v, want nil", err)
	}
}
