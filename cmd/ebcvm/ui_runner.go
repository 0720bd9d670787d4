package main

import (
	"context"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"ebcvm/internal/batch"
	"ebcvm/internal/ui"
)

type batchOutcome struct {
	outcomes []batch.Outcome
	err      error
}

func runBatchWithUI(ctx context.Context, title string, exec batch.ExecFunc, jobs []batch.Job, workers int) ([]batch.Outcome, error) {
	events := make(chan batch.Event, 256)
	outcomeCh := make(chan batchOutcome, 1)

	go func() {
		res, err := batch.Run(ctx, exec, jobs, workers, batch.ChannelSink{Ch: events})
		outcomeCh <- batchOutcome{outcomes: res, err: err}
		close(events)
	}()

	names := make([]string, len(jobs))
	for i, job := range jobs {
		names[i] = job.Name
	}
	model := ui.NewProgressModel(title, names, events)
	program := tea.NewProgram(model, tea.WithOutput(os.Stdout))
	_, uiErr := program.Run()
	// Drain so workers blocked on a full channel can finish after an early quit.
	go func() {
		for range events {
		}
	}()
	outcome := <-outcomeCh
	if uiErr != nil {
		return outcome.outcomes, uiErr
	}
	return outcome.outcomes, outcome.err
}
