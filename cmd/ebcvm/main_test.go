package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"

	"ebcvm/internal/bytecode"
	"ebcvm/internal/config"
	"ebcvm/internal/engine"
	"ebcvm/internal/observ"
	"ebcvm/internal/vm"
)

func TestParseArgs(t *testing.T) {
	got, err := parseArgs([]string{"7", "0x10", "0o17", "-1", "1_000"})
	if err != nil {
		t.Fatal(err)
	}
	want := []uint64{7, 16, 15, ^uint64(0), 1000}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("arg %d = %d, want %d", i, got[i], want[i])
		}
	}
	if _, err := parseArgs([]string{"nope"}); err == nil {
		t.Fatal("expected error for non-numeric argument")
	}
}

func TestReadUIMode(t *testing.T) {
	cases := []struct {
		in   string
		want uiMode
		ok   bool
	}{
		{"", uiModeAuto, true},
		{"ON", uiModeOn, true},
		{"off", uiModeOff, true},
		{"sometimes", "", false},
	}
	for _, tc := range cases {
		got, err := readUIMode(tc.in)
		if (err == nil) != tc.ok || got != tc.want {
			t.Fatalf("readUIMode(%q) = %q, %v", tc.in, got, err)
		}
	}
}

func TestApplyColorMode(t *testing.T) {
	orig := color.NoColor
	t.Cleanup(func() { color.NoColor = orig })

	if err := applyColorMode("off"); err != nil || !color.NoColor {
		t.Fatalf("off: NoColor=%v err=%v", color.NoColor, err)
	}
	if err := applyColorMode("on"); err != nil || color.NoColor {
		t.Fatalf("on: NoColor=%v err=%v", color.NoColor, err)
	}
	if err := applyColorMode("rainbow"); err == nil {
		t.Fatal("expected error")
	}
}

func TestDisassemble(t *testing.T) {
	code := bytecode.NewBuilder().
		Movi(bytecode.R(1), 64, 16, 5).
		Ret().
		Bytes()
	code = append(code, 0xFF)

	var out bytes.Buffer
	if err := disassemble(&out, code, 0x1000); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines:\n%s", len(lines), out.String())
	}
	if !strings.HasPrefix(lines[0], "0x00001000") || !strings.Contains(lines[0], "MOVIqw R1, 5") {
		t.Fatalf("line 0 = %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "0x00001004") || !strings.HasSuffix(lines[1], "RET") {
		t.Fatalf("line 1 = %q", lines[1])
	}
	if !strings.HasSuffix(lines[2], ".byte 0xff") {
		t.Fatalf("line 2 = %q", lines[2])
	}
}

func TestLoadImageAndPrintResult(t *testing.T) {
	noColor(t)
	cfg := config.Default()
	cfg.Stack.PoolSize = 1
	cfg.Stack.BufferSize = 64 * 1024
	e, err := engine.New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close() //nolint:errcheck

	path := filepath.Join(t.TempDir(), "prog.efi")
	code := bytecode.NewBuilder().Movi(bytecode.R(7), 64, 16, 42).Ret().Bytes()
	if err := os.WriteFile(path, code, 0o600); err != nil {
		t.Fatal(err)
	}
	timer := observ.NewTimer()
	if err := loadImage(e, timer, path, defaultImageBase); err != nil {
		t.Fatal(err)
	}
	if n := len(timer.Report().Phases); n != 2 {
		t.Fatalf("phases = %d, want load and map", n)
	}

	res, err := e.Execute(defaultImageBase)
	if err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	printResult(&out, res)
	if !strings.HasPrefix(out.String(), "normal r7=0x2a (42)") {
		t.Fatalf("printResult = %q", out.String())
	}

	empty := filepath.Join(t.TempDir(), "empty.efi")
	if err := os.WriteFile(empty, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	if err := loadImage(e, observ.NewTimer(), empty, 0x50_0000); err == nil {
		t.Fatal("expected error for empty image")
	}
}

func TestPrintResultFault(t *testing.T) {
	noColor(t)
	var out bytes.Buffer
	printResult(&out, vm.Result{Reason: vm.HaltFault, Exception: &vm.Exception{Type: vm.ExceptDivideError, Severity: vm.SeverityFatal, IP: 0x10}})
	if !strings.Contains(out.String(), "fault") || !strings.Contains(out.String(), "EBC0001") {
		t.Fatalf("printResult = %q", out.String())
	}
}

func noColor(t *testing.T) {
	t.Helper()
	orig := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = orig })
}
