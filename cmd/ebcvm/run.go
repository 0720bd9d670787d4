package main

import (
	"errors"
	"fmt"
	"io"
	"runtime"
	"sync"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"ebcvm/internal/batch"
	"ebcvm/internal/engine"
	"ebcvm/internal/observ"
	"ebcvm/internal/snapshot"
	"ebcvm/internal/vm"
)

var errCallFaulted = errors.New("call faulted")

type runOptions struct {
	base        uint64
	entry       uint64
	args        []string
	imageEntry  bool
	imageHandle uint64
	systemTable uint64
	policy      string
	vmTrace     bool
	dumpState   string
	repeat      int
	jobs        int
	ui          string
	timings     bool
}

var runOpts runOptions

var runCmd = &cobra.Command{
	Use:   "run <image>",
	Short: "Execute a flat EBC image",
	Args:  cobra.ExactArgs(1),
	RunE:  runExecution,
}

func init() {
	f := runCmd.Flags()
	f.Uint64Var(&runOpts.base, "base", defaultImageBase, "load address of the image")
	f.Uint64Var(&runOpts.entry, "entry", 0, "entry point address (default: the load address)")
	f.StringSliceVar(&runOpts.args, "arg", nil, "argument word for a generic call (repeatable)")
	f.BoolVar(&runOpts.imageEntry, "image-entry", false, "call the entry point with an image handle and system table")
	f.Uint64Var(&runOpts.imageHandle, "image-handle", 1, "image handle passed with --image-entry")
	f.Uint64Var(&runOpts.systemTable, "system-table", 0, "system table pointer passed with --image-entry")
	f.StringVar(&runOpts.policy, "policy", "", "fault policy override (continue|abort-on-error|strict)")
	f.BoolVar(&runOpts.vmTrace, "vm-trace", false, "print every executed instruction to stderr")
	f.StringVar(&runOpts.dumpState, "dump-state", "", "write the final register state to this file")
	f.IntVar(&runOpts.repeat, "repeat", 1, "run the call this many times")
	f.IntVar(&runOpts.jobs, "jobs", 0, "concurrent calls for --repeat (0 = GOMAXPROCS)")
	f.StringVar(&runOpts.ui, "ui", "auto", "progress UI for --repeat (auto|on|off)")
	f.BoolVar(&runOpts.timings, "timings", false, "print phase timings to stderr")
}

func runExecution(cmd *cobra.Command, args []string) error {
	opts := runOpts
	if opts.repeat < 1 {
		return fmt.Errorf("--repeat must be at least 1")
	}
	if opts.repeat > 1 && (opts.vmTrace || opts.dumpState != "") {
		return fmt.Errorf("--vm-trace and --dump-state need a single call")
	}
	callArgs, err := parseArgs(opts.args)
	if err != nil {
		return err
	}
	if opts.imageEntry && len(callArgs) > 0 {
		return fmt.Errorf("--arg cannot be combined with --image-entry")
	}
	mode, err := readUIMode(opts.ui)
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

	engineOpts := []engine.Option{engine.WithTracer(tracer)}
	if opts.policy != "" {
		p, err := vm.ParseFaultPolicy(opts.policy)
		if err != nil {
			return err
		}
		engineOpts = append(engineOpts, engine.WithPolicy(p))
	}
	if opts.vmTrace {
		engineOpts = append(engineOpts, engine.WithHooks(vm.NewTracer(cmd.ErrOrStderr())))
	}

	timer := observ.NewTimer()
	if opts.timings {
		defer func() { fmt.Fprint(cmd.ErrOrStderr(), timer.Summary()) }()
	}

	var e *engine.Engine
	if err := timer.Measure("engine", func() error {
		e, err = engine.New(cfg, engineOpts...)
		return err
	}); err != nil {
		return err
	}
	defer e.Close() //nolint:errcheck

	if err := loadImage(e, timer, args[0], opts.base); err != nil {
		return err
	}
	entry := opts.entry
	if entry == 0 {
		entry = opts.base
	}

	if opts.repeat > 1 {
		return runBatch(cmd, e, timer, opts, entry, callArgs, mode)
	}

	var inv *engine.Invocation
	if opts.imageEntry {
		inv, err = e.StartImageEntry(opts.imageHandle, entry, opts.systemTable)
	} else {
		inv, err = e.Start(entry, callArgs...)
	}
	if err != nil {
		return err
	}
	var res vm.Result
	timer.Measure("execute", func() error { //nolint:errcheck
		res = inv.Run()
		if res.Exception != nil {
			return res.Exception
		}
		return nil
	})
	if opts.dumpState != "" {
		state, err := snapshot.FromVM(inv.VM(), args[0])
		if err == nil {
			err = snapshot.Write(opts.dumpState, state)
		}
		if err != nil {
			inv.Close() //nolint:errcheck
			return fmt.Errorf("dump state: %w", err)
		}
	}
	if err := inv.Close(); err != nil {
		return err
	}

	printResult(cmd.OutOrStdout(), res)
	if res.Reason == vm.HaltFault {
		return errCallFaulted
	}
	return nil
}

func runBatch(cmd *cobra.Command, e *engine.Engine, timer *observ.Timer, opts runOptions, entry uint64, callArgs []uint64, mode uiMode) error {
	exec := batch.ExecFunc(e.Execute)
	if opts.imageEntry {
		exec = func(entry uint64, _ ...uint64) (vm.Result, error) {
			return e.ExecuteImageEntry(opts.imageHandle, entry, opts.systemTable)
		}
	}
	workers := opts.jobs
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	jobs := batch.Repeat("call", entry, callArgs, opts.repeat)

	var outcomes []batch.Outcome
	err := timer.Measure("execute", func() error {
		var err error
		if shouldUseTUI(mode) {
			outcomes, err = runBatchWithUI(cmd.Context(), fmt.Sprintf("running 0x%x", entry), exec, jobs, workers)
		} else {
			outcomes, err = batch.Run(cmd.Context(), exec, jobs, workers, &printSink{out: cmd.OutOrStdout()})
		}
		return err
	})
	if err != nil {
		return err
	}

	s := batch.Summarize(outcomes)
	fmt.Fprintf(cmd.OutOrStdout(), "%d calls: %s, %s, %s\n", len(outcomes),
		color.GreenString("%d normal", s.Normal),
		color.RedString("%d faulted", s.Faulted),
		color.YellowString("%d not started", s.Errors))
	if s.Faulted > 0 {
		return errCallFaulted
	}
	return nil
}

// printSink writes one line per finished job.
type printSink struct {
	mu  sync.Mutex
	out io.Writer
}

func (p *printSink) OnEvent(ev batch.Event) {
	if ev.Status != batch.StatusDone && ev.Status != batch.StatusError {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if ev.Err != nil {
		fmt.Fprintf(p.out, "%-10s %s %v\n", ev.Job, color.YellowString("error"), ev.Err)
		return
	}
	fmt.Fprintf(p.out, "%-10s ", ev.Job)
	printResult(p.out, ev.Result)
}

func printResult(out io.Writer, res vm.Result) {
	switch res.Reason {
	case vm.HaltFault:
		fmt.Fprintf(out, "%s %v (steps=%d)\n", color.RedString("fault"), res.Exception, res.Steps)
	default:
		fmt.Fprintf(out, "%s r7=0x%x (%d) steps=%d\n", color.GreenString(res.Reason.String()), res.Value, res.Value, res.Steps)
	}
}
