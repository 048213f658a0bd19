package config

import (
	"os"
	"path/filepath"
	"testing"

	"ktcc-go/pkg/errors"
)

const sampleConfig = `
# Machine definition
[toollock]
purge_on_toolchange: true
init_printer_to_last_tool: yes

[toolgroup 0]
lazy_home_when_parking = 1

[tool 0]
toolgroup: 0
extruder: extruder
fan: partfan_t0
zone: 420, 20
offset: 0.0, 0.0, 0.0

[tool 1]
toolgroup: 0
extruder: extruder1
idle_to_standby_time: 30.5
`

func TestLoadString(t *testing.T) {
	cfg, err := LoadString(sampleConfig)
	if err != nil {
		t.Fatalf("LoadString: %v", err)
	}
	if !cfg.HasSection("toollock") {
		t.Errorf("expected [toollock] section")
	}
	if !cfg.HasSection("tool 1") {
		t.Errorf("expected [tool 1] section")
	}
	if cfg.HasSection("tool 2") {
		t.Errorf("unexpected [tool 2] section")
	}
}

func TestSectionAccessors(t *testing.T) {
	cfg, err := LoadString(sampleConfig)
	if err != nil {
		t.Fatalf("LoadString: %v", err)
	}
	sec, err := cfg.Section("tool 1")
	if err != nil {
		t.Fatalf("Section: %v", err)
	}
	if got := sec.Suffix(); got != "1" {
		t.Errorf("Suffix() = %q, want %q", got, "1")
	}
	if got, _ := sec.Get("extruder"); got != "extruder1" {
		t.Errorf("Get(extruder) = %q, want %q", got, "extruder1")
	}
	if got, _ := sec.GetInt("toolgroup"); got != 0 {
		t.Errorf("GetInt(toolgroup) = %d, want 0", got)
	}
	if got, _ := sec.GetFloat("idle_to_standby_time"); got != 30.5 {
		t.Errorf("GetFloat(idle_to_standby_time) = %v, want 30.5", got)
	}
	if got, _ := sec.GetFloat("missing", 0.1); got != 0.1 {
		t.Errorf("GetFloat fallback = %v, want 0.1", got)
	}
	if _, err := sec.Get("missing"); !errors.Is(err, errors.CodeConfig) {
		t.Errorf("Get(missing) error = %v, want config error", err)
	}
}

func TestGetBool(t *testing.T) {
	cfg, err := LoadString(sampleConfig)
	if err != nil {
		t.Fatalf("LoadString: %v", err)
	}
	sec, _ := cfg.Section("toollock")
	tests := []struct {
		key  string
		want bool
	}{
		{"purge_on_toolchange", true},
		{"init_printer_to_last_tool", true},
	}
	for _, tc := range tests {
		got, err := sec.GetBool(tc.key)
		if err != nil {
			t.Errorf("GetBool(%s): %v", tc.key, err)
			continue
		}
		if got != tc.want {
			t.Errorf("GetBool(%s) = %v, want %v", tc.key, got, tc.want)
		}
	}
	grp, _ := cfg.Section("toolgroup 0")
	if got, _ := grp.GetBool("lazy_home_when_parking"); !got {
		t.Errorf("GetBool(lazy_home_when_parking) = false, want true")
	}
}

func TestGetFloatList(t *testing.T) {
	cfg, err := LoadString(sampleConfig)
	if err != nil {
		t.Fatalf("LoadString: %v", err)
	}
	sec, _ := cfg.Section("tool 0")
	offsets, err := sec.GetFloatList("offset")
	if err != nil {
		t.Fatalf("GetFloatList: %v", err)
	}
	if len(offsets) != 3 {
		t.Fatalf("len(offsets) = %d, want 3", len(offsets))
	}
	zone, err := sec.GetFloatList("zone")
	if err != nil {
		t.Fatalf("GetFloatList(zone): %v", err)
	}
	if zone[0] != 420 || zone[1] != 20 {
		t.Errorf("zone = %v, want [420 20]", zone)
	}
}

func TestPrefixSections(t *testing.T) {
	cfg, err := LoadString(sampleConfig)
	if err != nil {
		t.Fatalf("LoadString: %v", err)
	}
	tools := cfg.PrefixSections("tool ")
	if len(tools) != 2 {
		t.Fatalf("len(tools) = %d, want 2", len(tools))
	}
	if tools[0].Suffix() != "0" || tools[1].Suffix() != "1" {
		t.Errorf("tool order = %q, %q; want 0, 1", tools[0].Suffix(), tools[1].Suffix())
	}
}

func TestContinuationLines(t *testing.T) {
	cfg, err := LoadString(`
[tool 0]
pickup_gcode:
    G1 X420.000 F12000
    G1 Y5.000 F3000
offset: 0, 0, 0
`)
	if err != nil {
		t.Fatalf("LoadString: %v", err)
	}
	sec, _ := cfg.Section("tool 0")
	want := "\nG1 X420.000 F12000\nG1 Y5.000 F3000"
	if got, _ := sec.Get("pickup_gcode"); got != want {
		t.Errorf("Get(pickup_gcode) = %q, want %q", got, want)
	}
	if got, _ := sec.Get("offset"); got != "0, 0, 0" {
		t.Errorf("Get(offset) = %q, want %q", got, "0, 0, 0")
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"option outside section", "speed: 100\n"},
		{"empty header", "[]\n"},
		{"malformed option", "[tool 0]\nnot an option\n"},
		{"orphan continuation", "[tool 0]\n    G1 X0\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := LoadString(tc.data); !errors.Is(err, errors.CodeConfig) {
				t.Errorf("LoadString error = %v, want config error", err)
			}
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "printer.cfg")
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := len(cfg.SectionNames()); got != 4 {
		t.Errorf("section count = %d, want 4", got)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.cfg")); !errors.Is(err, errors.CodeConfig) {
		t.Errorf("Load(missing) error = %v, want config error", err)
	}
}
