package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"ebcvm/internal/vm"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, FileName)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
[vm]
native_width = 4
fault_policy = "strict"

[stack]
pool_size = 2
buffer_size = 65536

[debug]
periodic_interval = "250ms"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.VM.NativeWidth != 4 || cfg.Stack.PoolSize != 2 || cfg.Stack.BufferSize != 65536 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if p, _ := cfg.Policy(); p != vm.PolicyStrict {
		t.Fatalf("policy = %s", p)
	}
	if d, _ := cfg.PeriodicInterval(); d != 250*time.Millisecond {
		t.Fatalf("interval = %s", d)
	}
	if cfg.Thunk.Slots != Default().Thunk.Slots {
		t.Fatalf("thunk slots lost their default: %d", cfg.Thunk.Slots)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"syntax", "[vm\n", "failed to parse TOML"},
		{"unknown key", "[vm]\nwidth = 8\n", "unknown keys: vm.width"},
		{"bad width", "[vm]\nnative_width = 2\n", "native_width must be 4 or 8"},
		{"bad policy", "[vm]\nfault_policy = \"panic\"\n", "unknown fault policy"},
		{"empty policy", "[vm]\nfault_policy = \" \"\n", "empty [vm].fault_policy"},
		{"small stack", "[stack]\nbuffer_size = 1024\n", "buffer_size must be at least"},
		{"bad interval", "[debug]\nperiodic_interval = \"soon\"\n", "periodic_interval"},
		{"bad level", "[trace]\nlevel = \"loud\"\n", "invalid trace level"},
		{"overlap", "[thunk]\nbase = 0x100000\n", "overlaps"},
		{"stride", "[stack]\nbuffer_size = 65536\nstride = 4096\n", "smaller than buffer_size"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, t.TempDir(), tt.body)
			_, err := Load(path)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestFindWalksUp(t *testing.T) {
	root := t.TempDir()
	want := writeConfig(t, root, "")
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}
	got, ok, err := Find(nested)
	if err != nil || !ok {
		t.Fatalf("Find: ok=%v err=%v", ok, err)
	}
	if got != want {
		t.Fatalf("Find = %q, want %q", got, want)
	}
}

func TestReserved(t *testing.T) {
	cfg := Default()
	if name, ok := cfg.Reserved(cfg.Thunk.Base+8, 4); !ok || name != "thunk" {
		t.Fatalf("Reserved(thunk) = %q, %v", name, ok)
	}
	if _, ok := cfg.Reserved(0x40_0000, 0x1000); ok {
		t.Fatal("image base reported as reserved")
	}
}
