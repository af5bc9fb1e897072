package board

import (
	"context"
	"runtime"
	"sync"
	"time"
)

// Stepper advances the CPU by one batch of instructions.
type Stepper interface {
	Step(ctx context.Context) error
}

// StepperFunc adapts a function to Stepper.
type StepperFunc func(ctx context.Context) error

// Step implements Stepper.
func (f StepperFunc) Step(ctx context.Context) error { return f(ctx) }

// Ticker is a device that needs periodic servicing on the worker goroutine.
type Ticker interface {
	Tick()
}

// Worker runs CPU batches and device ticks on a single goroutine. Anything
// outside the worker that changes the device set or reads device state must
// Join it first.
type Worker struct {
	batch sync.Mutex // held for the duration of each batch and by joiners

	joinMu sync.Mutex
	joins  int // nesting depth of outstanding joins

	step     Stepper
	interval time.Duration

	tickMu  sync.Mutex
	tickers []*tickerEntry
}

type tickerEntry struct {
	t Ticker
}

// NewWorker creates a worker. step may be nil when only device ticks are
// needed. interval is the pause between batches; zero yields the processor.
func NewWorker(step Stepper, interval time.Duration) *Worker {
	return &Worker{step: step, interval: interval}
}

// AddTicker registers t to be ticked once per batch. The returned function
// removes the registration.
func (w *Worker) AddTicker(t Ticker) (remove func()) {
	entry := &tickerEntry{t: t}
	w.tickMu.Lock()
	w.tickers = append(w.tickers, entry)
	w.tickMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			w.tickMu.Lock()
			defer w.tickMu.Unlock()
			for i, e := range w.tickers {
				if e == entry {
					w.tickers = append(w.tickers[:i], w.tickers[i+1:]...)
					return
				}
			}
		})
	}
}

// Join blocks until the worker is parked between batches and keeps it parked
// until resume is called. Joining a worker that is not running returns
// immediately. Joins nest: while one is outstanding, further Joins return at
// once and the worker resumes when the last resume runs. Joins belong to the
// configuration goroutine and must not be made from a Ticker or Stepper.
func (w *Worker) Join() (resume func()) {
	w.joinMu.Lock()
	if w.joins == 0 {
		w.batch.Lock()
	}
	w.joins++
	w.joinMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			w.joinMu.Lock()
			defer w.joinMu.Unlock()
			w.joins--
			if w.joins == 0 {
				w.batch.Unlock()
			}
		})
	}
}

// RunBatch executes one step and one round of ticks.
func (w *Worker) RunBatch(ctx context.Context) error {
	w.batch.Lock()
	defer w.batch.Unlock()
	return w.runBatchLocked(ctx)
}

func (w *Worker) runBatchLocked(ctx context.Context) error {
	if w.step != nil {
		if err := w.step.Step(ctx); err != nil {
			return err
		}
	}

	w.tickMu.Lock()
	tickers := make([]Ticker, len(w.tickers))
	for i, e := range w.tickers {
		tickers[i] = e.t
	}
	w.tickMu.Unlock()

	for _, t := range tickers {
		t.Tick()
	}
	return nil
}

// Run loops until ctx is done or the stepper fails.
func (w *Worker) Run(ctx context.Context) error {
	var tick *time.Ticker
	if w.interval > 0 {
		tick = time.NewTicker(w.interval)
		defer tick.Stop()
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := w.RunBatch(ctx); err != nil {
			return err
		}
		if tick == nil {
			runtime.Gosched()
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
}
