package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"ebcvm/internal/engine"
	"ebcvm/internal/observ"
)

const defaultImageBase = 0x40_0000

// loadImage reads a flat image and maps it into e at base.
func loadImage(e *engine.Engine, timer *observ.Timer, path string, base uint64) error {
	var code []byte
	err := timer.Measure("load", func() error {
		var err error
		code, err = os.ReadFile(path) //nolint:gosec
		return err
	})
	if err != nil {
		return fmt.Errorf("read image: %w", err)
	}
	if len(code) == 0 {
		return fmt.Errorf("image %s is empty", path)
	}
	return timer.Measure("map", func() error {
		_, err := e.MapImage(filepath.Base(path), base, code)
		return err
	})
}

// parseArgs converts --arg values; decimal, 0x hex and 0o octal are
// accepted.
func parseArgs(values []string) ([]uint64, error) {
	args := make([]uint64, 0, len(values))
	for _, v := range values {
		n, err := parseWord(v)
		if err != nil {
			return nil, fmt.Errorf("invalid --arg %q: %w", v, err)
		}
		args = append(args, n)
	}
	return args, nil
}

func parseWord(s string) (uint64, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), "_", "")
	if strings.HasPrefix(s, "-") {
		n, err := strconv.ParseInt(s, 0, 64)
		return uint64(n), err //nolint:gosec
	}
	return strconv.ParseUint(s, 0, 64)
}
