// Package config loads engine settings from ebcvm.toml.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"fortio.org/safecast"
	"github.com/BurntSushi/toml"

	"ebcvm/internal/stackpool"
	"ebcvm/internal/thunk"
	"ebcvm/internal/trace"
	"ebcvm/internal/vm"
)

// FileName is the configuration file looked up by Find.
const FileName = "ebcvm.toml"

// Config is the full engine configuration.
type Config struct {
	VM     VMConfig     `toml:"vm"`
	Stack  StackConfig  `toml:"stack"`
	Thunk  ThunkConfig  `toml:"thunk"`
	Native NativeConfig `toml:"native"`
	Debug  DebugConfig  `toml:"debug"`
	Trace  TraceConfig  `toml:"trace"`
}

type VMConfig struct {
	// NativeWidth is the pointer size in bytes, 4 or 8.
	NativeWidth int    `toml:"native_width"`
	FaultPolicy string `toml:"fault_policy"`
}

type StackConfig struct {
	PoolSize   int    `toml:"pool_size"`
	BufferSize int    `toml:"buffer_size"`
	Base       uint64 `toml:"base"`
	// Stride is the distance between buffers; 0 rounds BufferSize up to 64 KiB.
	Stride uint64 `toml:"stride"`
}

type ThunkConfig struct {
	Base  uint64 `toml:"base"`
	Slots int    `toml:"slots"`
}

type NativeConfig struct {
	Base  uint64 `toml:"base"`
	Slots int    `toml:"slots"`
}

type DebugConfig struct {
	PeriodicInterval string `toml:"periodic_interval"`
}

type TraceConfig struct {
	Level  string `toml:"level"`
	Mode   string `toml:"mode"`
	Output string `toml:"output"`
}

// NativeSlotSize is the address span reserved per registered native.
const NativeSlotSize = 16

// minStackBuffer leaves room for the reserved remainder, the guard word and
// a full argument frame.
const minStackBuffer = 2 * vm.StackRemainder

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		VM: VMConfig{
			NativeWidth: 8,
			FaultPolicy: vm.PolicyContinue.String(),
		},
		Stack: StackConfig{
			PoolSize:   stackpool.DefaultCapacity,
			BufferSize: stackpool.DefaultBufferSize,
			Base:       0x1000_0000,
		},
		Thunk: ThunkConfig{
			Base:  0x0020_0000,
			Slots: 256,
		},
		Native: NativeConfig{
			Base:  0x0010_0000,
			Slots: 64,
		},
		Debug: DebugConfig{
			PeriodicInterval: "10ms",
		},
		Trace: TraceConfig{
			Level:  "off",
			Mode:   "stream",
			Output: "-",
		},
	}
}

// Load reads path over the defaults. Keys the file leaves out keep their
// default value; unknown keys are rejected.
func Load(path string) (Config, error) {
	cfg := Default()
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("%s: failed to parse TOML: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return Config{}, fmt.Errorf("%s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	if meta.IsDefined("vm", "fault_policy") && strings.TrimSpace(cfg.VM.FaultPolicy) == "" {
		return Config{}, fmt.Errorf("%s: empty [vm].fault_policy", path)
	}
	if meta.IsDefined("trace", "output") && strings.TrimSpace(cfg.Trace.Output) == "" {
		return Config{}, fmt.Errorf("%s: empty [trace].output", path)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Find walks up from startDir looking for FileName.
func Find(startDir string) (string, bool, error) {
	if startDir == "" {
		startDir = "."
	}
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", false, fmt.Errorf("failed to resolve start directory: %w", err)
	}
	for {
		candidate := filepath.Join(dir, FileName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, true, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", false, fmt.Errorf("failed to stat %q: %w", candidate, err)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false, nil
}

// Validate checks ranges and that the fixed regions do not overlap.
func (c Config) Validate() error {
	if c.VM.NativeWidth != 4 && c.VM.NativeWidth != 8 {
		return fmt.Errorf("[vm].native_width must be 4 or 8, got %d", c.VM.NativeWidth)
	}
	if _, err := c.Policy(); err != nil {
		return fmt.Errorf("[vm].fault_policy: %w", err)
	}
	if c.Stack.PoolSize <= 0 {
		return fmt.Errorf("[stack].pool_size must be positive, got %d", c.Stack.PoolSize)
	}
	if c.Stack.BufferSize < minStackBuffer {
		return fmt.Errorf("[stack].buffer_size must be at least %d, got %d", minStackBuffer, c.Stack.BufferSize)
	}
	if c.Thunk.Slots <= 0 {
		return fmt.Errorf("[thunk].slots must be positive, got %d", c.Thunk.Slots)
	}
	if c.Native.Slots <= 0 {
		return fmt.Errorf("[native].slots must be positive, got %d", c.Native.Slots)
	}
	if _, err := c.PeriodicInterval(); err != nil {
		return fmt.Errorf("[debug].periodic_interval: %w", err)
	}
	if _, err := trace.ParseLevel(c.Trace.Level); err != nil {
		return fmt.Errorf("[trace].level: %w", err)
	}
	if _, err := trace.ParseMode(c.Trace.Mode); err != nil {
		return fmt.Errorf("[trace].mode: %w", err)
	}
	return c.checkLayout()
}

// Policy returns the parsed fault policy.
func (c Config) Policy() (vm.FaultPolicy, error) {
	return vm.ParseFaultPolicy(c.VM.FaultPolicy)
}

// PeriodicInterval returns the debug tick period.
func (c Config) PeriodicInterval() (time.Duration, error) {
	d, err := time.ParseDuration(c.Debug.PeriodicInterval)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("must be positive, got %s", d)
	}
	return d, nil
}

// StackStride returns the effective distance between stack buffers.
func (c Config) StackStride() (uint64, error) {
	size, err := safecast.Conv[uint64](c.Stack.BufferSize)
	if err != nil {
		return 0, err
	}
	if c.Stack.Stride == 0 {
		return (size + 0xFFFF) &^ 0xFFFF, nil
	}
	if c.Stack.Stride < size {
		return 0, fmt.Errorf("[stack].stride 0x%x smaller than buffer_size 0x%x", c.Stack.Stride, size)
	}
	return c.Stack.Stride, nil
}

type span struct {
	name       string
	start, end uint64
}

func (c Config) spans() ([]span, error) {
	stride, err := c.StackStride()
	if err != nil {
		return nil, err
	}
	pool, err := safecast.Conv[uint64](c.Stack.PoolSize)
	if err != nil {
		return nil, fmt.Errorf("[stack].pool_size: %w", err)
	}
	thunks, err := safecast.Conv[uint64](c.Thunk.Slots)
	if err != nil {
		return nil, fmt.Errorf("[thunk].slots: %w", err)
	}
	natives, err := safecast.Conv[uint64](c.Native.Slots)
	if err != nil {
		return nil, fmt.Errorf("[native].slots: %w", err)
	}
	return []span{
		{"stack", c.Stack.Base, c.Stack.Base + pool*stride},
		{"thunk", c.Thunk.Base, c.Thunk.Base + thunks*thunk.SlotStride},
		{"native", c.Native.Base, c.Native.Base + natives*NativeSlotSize},
	}, nil
}

func (c Config) checkLayout() error {
	spans, err := c.spans()
	if err != nil {
		return err
	}
	for i, a := range spans {
		if a.end < a.start {
			return fmt.Errorf("[%s] region wraps the address space", a.name)
		}
		for _, b := range spans[i+1:] {
			if a.start < b.end && b.start < a.end {
				return fmt.Errorf("[%s] region [0x%x, 0x%x) overlaps [%s] region [0x%x, 0x%x)",
					a.name, a.start, a.end, b.name, b.start, b.end)
			}
		}
	}
	return nil
}

// Reserved reports whether [addr, addr+n) touches a region the engine maps
// itself.
func (c Config) Reserved(addr uint64, n uint64) (string, bool) {
	spans, err := c.spans()
	if err != nil {
		return "", false
	}
	for _, s := range spans {
		if addr < s.end && s.start < addr+n {
			return s.name, true
		}
	}
	return "", false
}
