// Package artifact waits for files the analysis pipeline writes after its
// process has already reported their paths.
//
// The wait is bounded: one immediate check, then at most MaxAttempts checks
// spaced Interval apart. An optional Signal (see FSNotify) wakes the loop as
// soon as the file is written; wake-ups never consume an attempt, so the
// polling budget stays the timeout policy.
//
//	w := artifact.New(artifact.Options{Policy: artifact.DefaultPolicy()})
//	outcome, err := w.Await(ctx, "/out/NM_000001.svg")
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"time"
)

// Kind distinguishes the two result documents.
type Kind int

const (
	Diagram Kind = iota
	Table
)

func (k Kind) String() string {
	switch k {
	case Diagram:
		return "diagram"
	case Table:
		return "table"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// TableSuffix is appended to a diagram path to obtain its table.
const TableSuffix = ".html"

// Artifact is a file produced by the pipeline.
type Artifact struct {
	Path string
	Kind Kind
}

// TableFor returns the table path paired with a diagram path.
func TableFor(diagramPath string) string { return diagramPath + TableSuffix }

// Pair returns the diagram artifact and the table derived from it.
func Pair(diagramPath string) (Artifact, Artifact) {
	return Artifact{Path: diagramPath, Kind: Diagram},
		Artifact{Path: TableFor(diagramPath), Kind: Table}
}

// Outcome is the terminal state of a wait.
type Outcome int

const (
	Ready Outcome = iota + 1
	TimedOut
)

func (o Outcome) String() string {
	switch o {
	case Ready:
		return "ready"
	case TimedOut:
		return "timed_out"
	}
	return "unknown"
}

// ErrNoArtifactDeclared is returned without polling when the pipeline did
// not name an artifact.
var ErrNoArtifactDeclared = errors.New("artifact: no artifact declared")

// Policy bounds a wait.
type Policy struct {
	MaxAttempts int
	Interval    time.Duration
}

// DefaultPolicy is 100 attempts at 100ms.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 100, Interval: 100 * time.Millisecond}
}

// PolicyFor derives the attempt count from an explicit timeout.
func PolicyFor(timeout, interval time.Duration) Policy {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	n := int(timeout / interval)
	if n < 1 {
		n = 1
	}
	return Policy{MaxAttempts: n, Interval: interval}
}

// Budget is the longest a wait can last.
func (p Policy) Budget() time.Duration {
	return time.Duration(p.MaxAttempts) * p.Interval
}

// Signal pushes a notification when a path may have become readable.
// The returned cancel func releases the subscription.
type Signal interface {
	Subscribe(path string) (<-chan struct{}, func(), error)
}

// Options tunes a Waiter.
type Options struct {
	Policy Policy
	// Signal is optional; without it the waiter only polls.
	Signal Signal
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Policy.MaxAttempts <= 0 {
		o.Policy.MaxAttempts = DefaultPolicy().MaxAttempts
	}
	if o.Policy.Interval <= 0 {
		o.Policy.Interval = DefaultPolicy().Interval
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Waiter awaits artifacts. Each Await call owns its timers, so concurrent
// waits never share state beyond the counters. Safe for concurrent use.
type Waiter struct {
	opts Options

	checks   atomic.Int64
	failures atomic.Int64
	signals  atomic.Int64
	ready    atomic.Int64
	timeouts atomic.Int64
}

// Stats are point-in-time counters.
type Stats struct {
	Checks   int64 `json:"checks"`
	Failures int64 `json:"failures"`
	Signals  int64 `json:"signals"`
	Ready    int64 `json:"ready"`
	TimedOut int64 `json:"timed_out"`
}

// New creates a Waiter.
func New(opts Options) *Waiter {
	opts.defaults()
	return &Waiter{opts: opts}
}

// Policy returns the effective policy.
func (w *Waiter) Policy() Policy { return w.opts.Policy }

// Stats returns the current counters.
func (w *Waiter) Stats() Stats {
	return Stats{
		Checks:   w.checks.Load(),
		Failures: w.failures.Load(),
		Signals:  w.signals.Load(),
		Ready:    w.ready.Load(),
		TimedOut: w.timeouts.Load(),
	}
}

// Await blocks until path is readable (Ready), the attempts are exhausted
// (TimedOut) or ctx ends. Read failures during the wait are never fatal.
func (w *Waiter) Await(ctx context.Context, path string) (Outcome, error) {
	return w.AwaitAll(ctx, path)
}

// AwaitAll is Await for several files sharing one budget: it returns Ready
// once every path is readable.
func (w *Waiter) AwaitAll(ctx context.Context, paths ...string) (Outcome, error) {
	if len(paths) == 0 {
		return 0, ErrNoArtifactDeclared
	}
	for _, p := range paths {
		if p == "" {
			return 0, ErrNoArtifactDeclared
		}
	}
	log := w.opts.Logger
	pol := w.opts.Policy

	var wake <-chan struct{}
	if w.opts.Signal != nil {
		stop := make(chan struct{})
		defer close(stop)
		merged := make(chan struct{}, 1)
		for _, p := range paths {
			ch, cancel, err := w.opts.Signal.Subscribe(p)
			if err != nil {
				log.Debug("artifact: signal unavailable, polling only", "path", p, "error", err)
				continue
			}
			defer cancel()
			go forward(stop, ch, merged)
		}
		wake = merged
	}

	pending := append([]string(nil), paths...)
	check := func() bool {
		pending = w.filterPending(pending)
		return len(pending) == 0
	}

	start := time.Now()
	if check() {
		w.ready.Add(1)
		return Ready, nil
	}

	ticker := time.NewTicker(pol.Interval)
	defer ticker.Stop()

	for attempt := 1; attempt <= pol.MaxAttempts; {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-wake:
			w.signals.Add(1)
			if check() {
				w.ready.Add(1)
				log.Debug("artifact: ready on signal", "paths", paths, "attempt", attempt, "elapsed", time.Since(start))
				return Ready, nil
			}
		case <-ticker.C:
			if check() {
				w.ready.Add(1)
				log.Debug("artifact: ready", "paths", paths, "attempt", attempt, "elapsed", time.Since(start))
				return Ready, nil
			}
			attempt++
		}
	}

	w.timeouts.Add(1)
	log.Warn("artifact: timed out", "pending", pending, "attempts", pol.MaxAttempts, "elapsed", time.Since(start))
	return TimedOut, nil
}

func (w *Waiter) filterPending(paths []string) []string {
	out := paths[:0]
	for _, p := range paths {
		w.checks.Add(1)
		ok, err := readable(p)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			w.failures.Add(1)
			w.opts.Logger.Debug("artifact: transient read failure", "path", p, "error", err)
		}
		if !ok {
			out = append(out, p)
		}
	}
	return out
}

// readable reports whether path exists and yields at least one byte.
func readable(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()
	var b [1]byte
	n, err := f.Read(b[:])
	if n > 0 {
		return true, nil
	}
	if errors.Is(err, io.EOF) {
		return false, nil
	}
	return false, err
}

func forward(stop <-chan struct{}, in <-chan struct{}, out chan<- struct{}) {
	for {
		select {
		case <-stop:
			return
		case _, ok := <-in:
			if !ok {
				return
			}
			select {
			case out <- struct{}{}:
			default:
			}
		}
	}
}
