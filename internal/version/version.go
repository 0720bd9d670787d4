package version

import (
	"fmt"
	"strings"

	"github.com/fatih/color"

	"ebcvm/internal/vm"
)

// Version information for the ebcvm CLI.
// These variables can be overridden at build time via -ldflags.

var (
	versionMajorColor = color.New(color.FgYellow, color.Bold)
	versionMinorColor = color.New(color.FgGreen, color.Bold)
	versionPatchColor = color.New(color.FgBlue, color.Bold)

	// Version is the semantic version of the CLI.
	Version = versionMajorColor.Sprint("0") + "." + versionMinorColor.Sprint("1") + "." + versionPatchColor.Sprint("0") + "-dev"

	// GitCommit is an optional git commit hash.
	GitCommit = ""

	// BuildDate is an optional build date in ISO-8601.
	BuildDate = ""
)

// Interpreter formats the interpreter version reported by BREAK 1 as
// major.minor.
func Interpreter() string {
	return fmt.Sprintf("%d.%d", vm.Version>>16, vm.Version&0xFFFF)
}

// String renders the full version banner.
func String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "ebcvm %s (interpreter %s)", Version, Interpreter())
	if GitCommit != "" {
		fmt.Fprintf(&b, "\ncommit: %s", GitCommit)
	}
	if BuildDate != "" {
		fmt.Fprintf(&b, "\nbuilt:  %s", BuildDate)
	}
	return b.String()
}
