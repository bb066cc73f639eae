// Package jobrun invokes the external analysis pipeline.
//
// A Stage is a command template whose arguments may contain {name}
// placeholders. Every supplied value is checked with horosafe.ValidateArg
// before the command is composed; a single unsafe value rejects the whole
// call and no process is spawned. Composed arguments are handed to the
// process as argv entries, never through a shell.
//
//	iv := jobrun.New(jobrun.DefaultStages(), jobrun.WithAudit(auditLogger))
//	ids, err := iv.Invoke(ctx, jobrun.StageTranscripts, map[string]string{"gene": "BRCA1", "species": "human"})
package jobrun

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/sitefinder/audit"
	"github.com/hazyhaar/sitefinder/horosafe"
	"github.com/hazyhaar/sitefinder/kit"
)

// Stage names used by the wizard.
const (
	StageTranscripts = "transcripts"
	StageSites       = "sites"
)

// Stage is one pipeline command template.
type Stage struct {
	Command string        `yaml:"command"`
	Args    []string      `yaml:"args"`
	Dir     string        `yaml:"dir"`
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultStages reproduces the pipeline commands of the original deployment:
// transcript lookup by gene, then target-site reporting by RefSeq id.
func DefaultStages() map[string]Stage {
	return map[string]Stage{
		StageTranscripts: {
			Command: "perl",
			Args:    []string{"scripts/ObtainRefSeqIDFromGene.pl", "-g", "{gene}", "-s", "{species}"},
			Timeout: time.Minute,
		},
		StageSites: {
			Command: "perl",
			Args:    []string{"scripts/ReportTargetSites.pl", "-r", "{refSeqId}", "-s", "{species}"},
			Timeout: 5 * time.Minute,
		},
	}
}

// Reason classifies an InvocationError.
type Reason string

const (
	ReasonRejected     Reason = "rejected"
	ReasonUnknownStage Reason = "unknown_stage"
	ReasonStart        Reason = "start"
	ReasonExit         Reason = "exit"
	ReasonTimeout      Reason = "timeout"
	ReasonCancelled    Reason = "cancelled"
)

// ErrUnknownPlaceholder is wrapped when a template names an argument the
// caller did not supply.
var ErrUnknownPlaceholder = errors.New("jobrun: placeholder has no value")

// InvocationError reports a pipeline call that was refused or failed.
// Its message may contain the offending input and must not be shown to users.
type InvocationError struct {
	Stage  string
	Reason Reason
	Err    error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("jobrun: %s: %s: %v", e.Stage, e.Reason, e.Err)
}

func (e *InvocationError) Unwrap() error { return e.Err }

// IsRejected reports whether err is an input rejection, which callers must
// surface as a client error rather than as an empty result.
func IsRejected(err error) bool {
	var ie *InvocationError
	return errors.As(err, &ie) && (ie.Reason == ReasonRejected || ie.Reason == ReasonUnknownStage)
}

// Invoker runs pipeline stages.
type Invoker struct {
	stages    map[string]Stage
	audit     audit.Logger
	logger    *slog.Logger
	maxOutput int64
	waitDelay time.Duration
}

// Option configures an Invoker.
type Option func(*Invoker)

// WithAudit records every call, including rejected ones.
func WithAudit(l audit.Logger) Option { return func(iv *Invoker) { iv.audit = l } }

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option { return func(iv *Invoker) { iv.logger = l } }

// WithMaxOutput caps captured stdout. Default: 4 MiB.
func WithMaxOutput(n int64) Option { return func(iv *Invoker) { iv.maxOutput = n } }

// New creates an Invoker over the given stages.
func New(stages map[string]Stage, opts ...Option) *Invoker {
	iv := &Invoker{
		stages:    stages,
		audit:     audit.Discard,
		logger:    slog.Default(),
		maxOutput: 4 << 20,
		waitDelay: time.Second,
	}
	for _, o := range opts {
		o(iv)
	}
	return iv
}

var placeholderRe = regexp.MustCompile(`\{([A-Za-z][A-Za-z0-9_]*)\}`)

// Compose resolves a stage template against args. It returns the command
// name and argv, or a ReasonRejected error if any value is unsafe or any
// placeholder is missing. All values are checked, used or not.
func (iv *Invoker) Compose(stage string, args map[string]string) (string, []string, error) {
	st, ok := iv.stages[stage]
	if !ok || st.Command == "" {
		return "", nil, &InvocationError{Stage: stage, Reason: ReasonUnknownStage, Err: errors.New("no such stage")}
	}

	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := horosafe.ValidateArg(args[k]); err != nil {
			return st.Command, render(st.Args, args), &InvocationError{Stage: stage, Reason: ReasonRejected, Err: fmt.Errorf("%s: %w", k, err)}
		}
	}

	argv := make([]string, len(st.Args))
	for i, tmpl := range st.Args {
		var missing string
		argv[i] = placeholderRe.ReplaceAllStringFunc(tmpl, func(m string) string {
			key := m[1 : len(m)-1]
			v, ok := args[key]
			if !ok && missing == "" {
				missing = key
			}
			return v
		})
		if missing != "" {
			return st.Command, argv, &InvocationError{Stage: stage, Reason: ReasonRejected, Err: fmt.Errorf("%w: %s", ErrUnknownPlaceholder, missing)}
		}
	}
	return st.Command, argv, nil
}

// render substitutes placeholders without validation, for audit records only.
func render(tmpl []string, args map[string]string) []string {
	out := make([]string, len(tmpl))
	for i, t := range tmpl {
		out[i] = placeholderRe.ReplaceAllStringFunc(t, func(m string) string {
			return args[m[1:len(m)-1]]
		})
	}
	return out
}

// Invoke runs a stage to completion and returns its stdout lines. On any
// failure the returned slice is empty, never nil, and never fabricated.
func (iv *Invoker) Invoke(ctx context.Context, stage string, args map[string]string) ([]string, error) {
	job, err := iv.Start(ctx, stage, args)
	if err != nil {
		return []string{}, err
	}
	return job.Wait()
}

// Start composes and spawns exactly one process for the stage. The returned
// Job can be cancelled independently of ctx; cancelling either kills the
// process.
func (iv *Invoker) Start(ctx context.Context, stage string, args map[string]string) (*Job, error) {
	name, argv, err := iv.Compose(stage, args)
	entry := &audit.Entry{
		Action:     "jobrun." + stage,
		Command:    horosafe.QuoteCommand(name, argv),
		Parameters: paramsJSON(args),
	}
	if err != nil {
		entry.Status = audit.StatusRejected
		entry.Error = err.Error()
		iv.audit.LogAsync(withContext(ctx, entry))
		iv.logger.Warn("jobrun: invocation rejected", "stage", stage, "error", err)
		return nil, err
	}

	st := iv.stages[stage]
	parentCtx, cancel := context.WithCancel(ctx)
	jobCtx, stopTimer := parentCtx, context.CancelFunc(func() {})
	if st.Timeout > 0 {
		jobCtx, stopTimer = context.WithTimeout(parentCtx, st.Timeout)
	}

	cmd := exec.CommandContext(jobCtx, name, argv...)
	cmd.Dir = st.Dir
	stdout := &capWriter{max: iv.maxOutput}
	stderr := &capWriter{max: 8 << 10}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = iv.waitDelay

	start := time.Now()
	if err := cmd.Start(); err != nil {
		stopTimer()
		cancel()
		ie := &InvocationError{Stage: stage, Reason: ReasonStart, Err: err}
		entry.Error = ie.Error()
		iv.audit.LogAsync(withContext(ctx, entry))
		iv.logger.Error("jobrun: start failed", "stage", stage, "command", name, "error", err)
		return nil, ie
	}

	job := &Job{
		Stage:  stage,
		PID:    cmd.Process.Pid,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	iv.logger.Debug("jobrun: started", "stage", stage, "pid", job.PID)

	go func() {
		defer close(job.done)
		defer cancel()
		defer stopTimer()
		waitErr := cmd.Wait()
		job.lines = []string{}

		switch {
		case waitErr == nil:
			job.lines = splitLines(stdout.Bytes())
		case ctx.Err() != nil:
			job.err = &InvocationError{Stage: stage, Reason: ReasonCancelled, Err: ctx.Err()}
		case errors.Is(jobCtx.Err(), context.DeadlineExceeded):
			job.err = &InvocationError{Stage: stage, Reason: ReasonTimeout, Err: fmt.Errorf("exceeded %s", st.Timeout)}
		case job.canceled.Load():
			job.err = &InvocationError{Stage: stage, Reason: ReasonCancelled, Err: context.Canceled}
		default:
			job.err = &InvocationError{Stage: stage, Reason: ReasonExit, Err: waitErr}
		}

		entry.DurationMs = time.Since(start).Milliseconds()
		entry.Result = fmt.Sprintf("%d lines", len(job.lines))
		if job.err != nil {
			entry.Error = job.err.Error()
			iv.logger.Warn("jobrun: stage failed", "stage", stage, "pid", job.PID,
				"error", job.err, "stderr", strings.TrimSpace(stderr.String()))
		} else {
			iv.logger.Info("jobrun: stage complete", "stage", stage, "pid", job.PID,
				"lines", len(job.lines), "duration", time.Since(start))
		}
		iv.audit.LogAsync(withContext(ctx, entry))
	}()
	return job, nil
}

// Job is a running pipeline process.
type Job struct {
	Stage string
	PID   int

	cancel   context.CancelFunc
	canceled atomic.Bool
	done     chan struct{}
	lines    []string
	err      error
}

// Cancel kills the process if it is still running. Safe to call repeatedly
// and after completion.
func (j *Job) Cancel() {
	j.canceled.Store(true)
	j.cancel()
}

// Done is closed once the process has exited and its output is collected.
func (j *Job) Done() <-chan struct{} { return j.done }

// Wait blocks until the process exits and returns its output lines.
func (j *Job) Wait() ([]string, error) {
	<-j.done
	return j.lines, j.err
}

// splitLines returns stdout lines with trailing whitespace removed, dropping
// blank lines: a blank line is neither an id nor a path.
func splitLines(b []byte) []string {
	out := []string{}
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimRight(line, " \t\r")
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

func withContext(ctx context.Context, e *audit.Entry) *audit.Entry {
	return e.Stamp(kit.MetaFrom(ctx))
}

func paramsJSON(args map[string]string) string {
	b, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// capWriter keeps at most max bytes and silently discards the rest.
type capWriter struct {
	buf bytes.Buffer
	max int64
}

func (w *capWriter) Write(p []byte) (int, error) {
	if room := w.max - int64(w.buf.Len()); room > 0 {
		if int64(len(p)) > room {
			w.buf.Write(p[:room])
		} else {
			w.buf.Write(p)
		}
	}
	return len(p), nil
}

func (w *capWriter) Bytes() []byte  { return w.buf.Bytes() }
func (w *capWriter) String() string { return w.buf.String() }
