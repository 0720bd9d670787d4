// Package batch runs many bytecode invocations across a bounded set of
// workers and reports their progress as events.
package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"ebcvm/internal/vm"
)

// Status captures the progress state of one job.
type Status string

const (
	// StatusQueued indicates the job is waiting for a worker.
	StatusQueued Status = "queued"
	// StatusRunning indicates the job is executing.
	StatusRunning Status = "running"
	// StatusDone indicates the call returned, normally or with a fault.
	StatusDone Status = "done"
	// StatusError indicates the call could not be started.
	StatusError Status = "error"
)

// Event reports progress for a job.
type Event struct {
	Job     string
	Status  Status
	Result  vm.Result
	Err     error
	Elapsed time.Duration
}

// Sink consumes progress events. OnEvent is called from worker goroutines.
type Sink interface {
	OnEvent(Event)
}

// ChannelSink forwards events into a channel.
type ChannelSink struct {
	Ch chan<- Event
}

func (s ChannelSink) OnEvent(evt Event) {
	if s.Ch == nil {
		return
	}
	s.Ch <- evt
}

// ExecFunc runs one call; engine.Engine.Execute satisfies it.
type ExecFunc func(entry uint64, args ...uint64) (vm.Result, error)

// Job is one invocation.
type Job struct {
	Name  string
	Entry uint64
	Args  []uint64
}

// Outcome is the result of one job. Err is set when the call could not be
// started, for instance because every stack buffer was busy.
type Outcome struct {
	Job     Job
	Result  vm.Result
	Err     error
	Elapsed time.Duration
}

// Repeat returns n copies of one call named name#1..name#n.
func Repeat(name string, entry uint64, args []uint64, n int) []Job {
	jobs := make([]Job, n)
	for i := range jobs {
		jobs[i] = Job{Name: fmt.Sprintf("%s#%d", name, i+1), Entry: entry, Args: args}
	}
	return jobs
}

// Run executes jobs with at most workers in flight. Per-job failures are
// recorded in the outcomes; the returned error is only the context's.
func Run(ctx context.Context, exec ExecFunc, jobs []Job, workers int, sink Sink) ([]Outcome, error) {
	if exec == nil {
		return nil, errors.New("batch: nil exec function")
	}
	if workers <= 0 {
		workers = 1
	}
	emit := func(ev Event) {
		if sink != nil {
			sink.OnEvent(ev)
		}
	}
	for _, job := range jobs {
		emit(Event{Job: job.Name, Status: StatusQueued})
	}

	outcomes := make([]Outcome, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, min(workers, len(jobs))))

	for i, job := range jobs {
		i, job := i, job
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}
			emit(Event{Job: job.Name, Status: StatusRunning})
			start := time.Now()
			res, err := exec(job.Entry, job.Args...)
			elapsed := time.Since(start)
			outcomes[i] = Outcome{Job: job, Result: res, Err: err, Elapsed: elapsed}

			status := StatusDone
			if err != nil {
				status = StatusError
			}
			emit(Event{Job: job.Name, Status: status, Result: res, Err: err, Elapsed: elapsed})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return outcomes, err
	}
	return outcomes, nil
}

// Summary counts outcomes by how they ended.
type Summary struct {
	Normal  int
	Faulted int
	Errors  int
	Total   time.Duration
}

// Summarize tallies outcomes.
func Summarize(outcomes []Outcome) Summary {
	var s Summary
	for _, o := range outcomes {
		s.Total += o.Elapsed
		switch {
		case o.Err != nil:
			s.Errors++
		case o.Result.Reason == vm.HaltFault:
			s.Faulted++
		default:
			s.Normal++
		}
	}
	return s
}
