package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"ebcvm/internal/engine"
	"ebcvm/internal/observ"
	"ebcvm/internal/vm"
)

var (
	debugBase   uint64
	debugEntry  uint64
	debugArgs   []string
	debugScript string
)

var debugCmd = &cobra.Command{
	Use:   "debug <image>",
	Short: "Step through a flat EBC image",
	Args:  cobra.ExactArgs(1),
	RunE:  runDebugger,
}

func init() {
	debugCmd.Flags().Uint64Var(&debugBase, "base", defaultImageBase, "load address of the image")
	debugCmd.Flags().Uint64Var(&debugEntry, "entry", 0, "entry point address (default: the load address)")
	debugCmd.Flags().StringSliceVar(&debugArgs, "arg", nil, "argument word (repeatable)")
	debugCmd.Flags().StringVar(&debugScript, "script", "", "read debugger commands from this file")
}

func runDebugger(cmd *cobra.Command, args []string) error {
	callArgs, err := parseArgs(debugArgs)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	tracer, cleanup, err := setupTracing(cmd, cfg)
	if err != nil {
		return err
	}
	defer cleanup()
	stopProfiling, err := setupProfiling(cmd)
	if err != nil {
		return err
	}
	defer stopProfiling()

	e, err := engine.New(cfg, engine.WithTracer(tracer))
	if err != nil {
		return err
	}
	defer e.Close() //nolint:errcheck
	if err := loadImage(e, observ.NewTimer(), args[0], debugBase); err != nil {
		return err
	}
	entry := debugEntry
	if entry == 0 {
		entry = debugBase
	}

	var in io.Reader = cmd.InOrStdin()
	interactive := isTerminal(os.Stdin)
	if debugScript != "" {
		f, err := os.Open(debugScript)
		if err != nil {
			return err
		}
		defer f.Close() //nolint:errcheck
		in, interactive = f, false
	}

	inv, err := e.Start(entry, callArgs...)
	if err != nil {
		return err
	}
	defer inv.Close() //nolint:errcheck

	res := vm.NewDebugger(inv.VM(), in, cmd.OutOrStdout(), interactive).Run()
	if res.Quit {
		return nil
	}
	printResult(cmd.OutOrStdout(), inv.Result())
	if res.Reason == vm.HaltFault {
		return fmt.Errorf("%w: %v", errCallFaulted, inv.Result().Exception)
	}
	return nil
}
