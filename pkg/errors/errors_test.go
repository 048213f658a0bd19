package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorString(t *testing.T) {
	e := GcodeScript("pickup", 3, stderrors.New("boom"))
	msg := e.Error()
	if !strings.Contains(msg, "GCODE_SCRIPT") {
		t.Errorf("missing code in %q", msg)
	}
	if !strings.Contains(msg, "tool 3") {
		t.Errorf("missing tool in %q", msg)
	}
	if !strings.Contains(msg, "boom") {
		t.Errorf("missing cause in %q", msg)
	}
}

func TestIs(t *testing.T) {
	tests := []struct {
		err  error
		code Code
		want bool
	}{
		{Configf("bad zone"), CodeConfig, true},
		{NotHomed(0, "not homed"), CodeNotHomed, true},
		{InvalidStatef("unknown tool mounted"), CodeInvalidState, true},
		{UnknownEndstop("toollock"), CodeUnknownEndstop, true},
		{NotHomed(0, "not homed"), CodeConfig, false},
		{stderrors.New("plain"), CodeConfig, false},
		{nil, CodeConfig, false},
	}
	for _, tc := range tests {
		if got := Is(tc.err, tc.code); got != tc.want {
			t.Errorf("Is(%v, %s) = %v, want %v", tc.err, tc.code, got, tc.want)
		}
	}
}

func TestIsThroughWrapping(t *testing.T) {
	inner := NotHomed(1, "not homed")
	outer := fmt.Errorf("select tool: %w", inner)
	if !Is(outer, CodeNotHomed) {
		t.Error("Is should see through fmt.Errorf wrapping")
	}
}

func TestUnwrap(t *testing.T) {
	cause := stderrors.New("disk full")
	e := VarStore("save tool_current", cause)
	if !stderrors.Is(e, cause) {
		t.Error("errors.Is should find the wrapped cause")
	}
	if !Is(e, CodeVarStore) {
		t.Errorf("code = %v, want %v", e.Code, CodeVarStore)
	}
	if e.Message != "save tool_current" {
		t.Errorf("message = %q, want %q", e.Message, "save tool_current")
	}
}
