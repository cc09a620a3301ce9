// Package pipeline orchestrates document conversion across two lanes:
// a parallel local lane for digitally parseable formats, and a strictly
// serialized external lane for documents that need the paid OCR
// provider. The external lane is a single-consumer channel, so at most
// one provider request is ever in flight.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/paperlane/paperlane/cleaner"
	"github.com/paperlane/paperlane/credit"
	"github.com/paperlane/paperlane/events"
	"github.com/paperlane/paperlane/ocr"
)

// Lane names an execution path.
type Lane string

const (
	LaneLocal    Lane = "local"
	LaneExternal Lane = "external"
)

// Per-file terminal statuses.
const (
	StatusSuccess = "success"
	StatusPartial = "partial"
	StatusFail    = "fail"
)

// Task is one file queued for conversion. Immutable once classified.
type Task struct {
	Path  string
	Lane  Lane
	Pages int // measured page count for external PDFs, 1 for images
}

// Result is the terminal outcome for one file.
type Result struct {
	File    string
	Lane    Lane
	Status  string
	Reason  string
	Elapsed float64
	Output  string
}

// Stats aggregates a whole run.
type Stats struct {
	Success   int
	Partial   int
	Fail      int
	TotalTime float64
	ByLane    map[string]int
}

// Config controls a pipeline run.
type Config struct {
	// OutputDir receives one subdirectory per converted document.
	OutputDir string

	// LocalWorkers bounds the local lane pool. Zero means
	// min(8, available cores).
	LocalWorkers int

	// CleanHTML and Markdown toggle the secondary outputs next to
	// view.html.
	CleanHTML bool
	Markdown  bool

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.LocalWorkers <= 0 {
		c.LocalWorkers = runtime.NumCPU()
		if c.LocalWorkers > 8 {
			c.LocalWorkers = 8
		}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Orchestrator drives a conversion run. Caller and gate may be nil
// when no OCR provider or credit ledger is configured; external-lane
// files then fail with an explanatory reason instead of aborting the
// run.
type Orchestrator struct {
	cfg    Config
	caller *ocr.Caller
	gate   *credit.Gate
	clean  *cleaner.Cleaner
	events *events.Emitter
	logger *slog.Logger
}

// New creates an Orchestrator.
func New(cfg Config, caller *ocr.Caller, gate *credit.Gate, emitter *events.Emitter) *Orchestrator {
	cfg.defaults()
	return &Orchestrator{
		cfg:    cfg,
		caller: caller,
		gate:   gate,
		clean:  cleaner.New(),
		events: emitter,
		logger: cfg.Logger,
	}
}

// accumulator is the single piece of state shared between the lanes.
type accumulator struct {
	mu    sync.Mutex
	stats Stats
}

func newAccumulator() *accumulator {
	return &accumulator{stats: Stats{ByLane: map[string]int{
		string(LaneLocal):    0,
		string(LaneExternal): 0,
	}}}
}

func (a *accumulator) add(r Result) {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch r.Status {
	case StatusSuccess:
		a.stats.Success++
	case StatusPartial:
		a.stats.Partial++
	default:
		a.stats.Fail++
	}
	if r.Status != StatusFail {
		a.stats.TotalTime += r.Elapsed
		a.stats.ByLane[string(r.Lane)]++
	}
}

// Run collects, classifies, and converts every supported file under
// root, returning aggregate statistics. Per-file failures are recorded
// and reported, never propagated; the returned error covers only
// run-level conditions (unreadable input root, cancellation).
func (o *Orchestrator) Run(ctx context.Context, root string) (Stats, error) {
	paths, err := o.Collect(root)
	if err != nil {
		return Stats{}, fmt.Errorf("collect files: %w", err)
	}
	acc := newAccumulator()
	if len(paths) == 0 {
		o.events.Emit(events.Record{Type: events.TypeWarning, Msg: "no convertible files found"})
		return acc.stats, nil
	}

	o.events.Emit(events.Record{
		Type:    events.TypeInit,
		Total:   len(paths),
		Workers: o.cfg.LocalWorkers,
		Output:  o.cfg.OutputDir,
	})

	var local, external []Task
	for _, p := range paths {
		t, err := o.classify(p)
		if err != nil {
			r := Result{File: baseName(p), Lane: LaneLocal, Status: StatusFail, Reason: err.Error()}
			acc.add(r)
			o.report(r)
			continue
		}
		if t.Lane == LaneExternal {
			external = append(external, t)
		} else {
			local = append(local, t)
		}
	}
	o.logger.Info("run classified",
		"total", len(paths), "local", len(local), "external", len(external))

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)

	localCh := make(chan Task)
	g.Go(func() error {
		defer close(localCh)
		return feed(gctx, localCh, local)
	})
	for i := 0; i < o.cfg.LocalWorkers; i++ {
		g.Go(func() error {
			for t := range localCh {
				r := o.processLocal(gctx, t)
				acc.add(r)
				o.report(r)
			}
			return nil
		})
	}

	// One feeder, one consumer: the provider forbids concurrent
	// requests, so serialization is structural here.
	externalCh := make(chan Task)
	g.Go(func() error {
		defer close(externalCh)
		return feed(gctx, externalCh, external)
	})
	g.Go(func() error {
		for t := range externalCh {
			r := o.processExternal(gctx, t)
			acc.add(r)
			o.report(r)
			if gctx.Err() != nil {
				return gctx.Err()
			}
		}
		return nil
	})

	runErr := g.Wait()

	st := acc.stats
	done := st.Success + st.Partial
	avg := 0.0
	if done > 0 {
		avg = round2(st.TotalTime / float64(done))
	}
	o.events.Emit(events.Record{
		Type:      events.TypeComplete,
		Success:   st.Success,
		Partial:   st.Partial,
		Fail:      st.Fail,
		TotalTime: round2(time.Since(start).Seconds()),
		AvgTime:   avg,
		ByLane:    st.ByLane,
		Output:    o.cfg.OutputDir,
	})
	return st, runErr
}

func feed(ctx context.Context, ch chan<- Task, tasks []Task) error {
	for _, t := range tasks {
		select {
		case ch <- t:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (o *Orchestrator) report(r Result) {
	o.events.Emit(events.Record{
		Type:    events.TypeProgress,
		File:    r.File,
		Lane:    string(r.Lane),
		Status:  r.Status,
		Reason:  r.Reason,
		Elapsed: r.Elapsed,
		Output:  r.Output,
	})
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
