// Package wizard is the two-step gene analysis service: list the transcripts
// of a gene, then compute the target sites of one transcript and show them as
// a diagram and a table whose highlights stay in sync.
//
//	svc := wizard.New(cfg, invoker, waiter, logger)
//	r := chi.NewRouter()
//	svc.Routes(r)
package wizard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/sitefinder/artifact"
	"github.com/hazyhaar/sitefinder/horosafe"
	"github.com/hazyhaar/sitefinder/idgen"
	"github.com/hazyhaar/sitefinder/jobrun"
	"github.com/hazyhaar/sitefinder/viewreg"
)

const viewPrefix = "view_"

// Service owns the result views. One session has at most one live view.
type Service struct {
	cfg     *Config
	invoker *jobrun.Invoker
	waiter  *artifact.Waiter
	logger  *slog.Logger
	newID   idgen.Generator
	checkID func(string) (string, error) // nil with a custom generator

	mu       sync.Mutex
	views    map[string]*View
	sessions map[string]string // session id -> view id
}

// Option configures a Service.
type Option func(*Service)

// WithIDGenerator overrides view ids. Ids from URLs are then only checked
// by lookup.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(s *Service) { s.newID, s.checkID = gen, nil }
}

// New creates a Service.
func New(cfg *Config, invoker *jobrun.Invoker, waiter *artifact.Waiter, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		cfg:      cfg,
		invoker:  invoker,
		waiter:   waiter,
		logger:   logger,
		newID:    idgen.Prefixed(viewPrefix, idgen.Default),
		checkID:  func(id string) (string, error) { return idgen.ParsePrefixed(viewPrefix, id) },
		views:    make(map[string]*View),
		sessions: make(map[string]string),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ListTranscripts runs the transcript stage. An empty list is a valid result.
func (s *Service) ListTranscripts(ctx context.Context, req AnalysisRequest) ([]TranscriptCandidate, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	args, err := req.TranscriptArgs()
	if err != nil {
		return nil, err
	}
	lines, err := s.invoker.Invoke(ctx, jobrun.StageTranscripts, args)
	if err != nil {
		if jobrun.IsRejected(err) {
			return nil, err
		}
		// A failed lookup lists nothing.
		s.logger.Warn("wizard: transcript lookup failed", "error", err)
	}
	out := make([]TranscriptCandidate, 0, len(lines))
	for _, l := range lines {
		out = append(out, TranscriptCandidate{RefSeqID: l})
	}
	return out, nil
}

// Analyze runs the site stage for a session and returns its view. The
// session's previous view, if any, is torn down first. Rejected input is
// returned as an error and leaves no view behind; every other outcome is a
// view whose Status tells what happened.
func (s *Service) Analyze(ctx context.Context, session string, req AnalysisRequest) (*View, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	args, err := req.SiteArgs()
	if err != nil {
		return nil, err
	}

	jobCtx, cancel := context.WithCancel(ctx)
	v := newView(s.newID(), session, req, cancel, s.logger)
	s.register(v)

	lines, err := s.invoker.Invoke(jobCtx, jobrun.StageSites, args)
	if err != nil {
		if jobrun.IsRejected(err) {
			s.CloseView(v.ID)
			return nil, err
		}
		v.logger.Warn("wizard: site computation failed", "error", err)
		v.setStatus(StatusFailed)
		return v, nil
	}

	diagram := declaredArtifact(lines)
	if diagram != "" {
		// Relative paths are relative to where the stage ran.
		if dir := s.cfg.Stages[jobrun.StageSites].Dir; dir != "" && !filepath.IsAbs(diagram) {
			diagram = filepath.Join(dir, diagram)
		}
		if diagram, err = horosafe.Contained(s.cfg.ArtifactRoot, diagram); err != nil {
			v.logger.Warn("wizard: artifact outside root", "root", s.cfg.ArtifactRoot, "error", err)
			v.setStatus(StatusFailed)
			return v, nil
		}
	}
	v.setDiagramPath(diagram)

	outcome, err := s.waiter.AwaitAll(jobCtx, diagram, artifact.TableFor(diagram))
	switch {
	case errors.Is(err, artifact.ErrNoArtifactDeclared):
		v.setStatus(StatusNoSites)
		return v, nil
	case err != nil:
		v.logger.Info("wizard: wait abandoned", "error", err)
		v.setStatus(StatusFailed)
		return v, nil
	case outcome == artifact.TimedOut:
		v.setStatus(StatusTimedOut)
		return v, nil
	}

	if err := s.loadDocuments(jobCtx, v, diagram); err != nil {
		v.logger.Warn("wizard: load documents", "error", err)
		v.setStatus(StatusFailed)
	}
	return v, nil
}

// loadDocuments reads both artifacts concurrently and hands each to the view
// as it arrives. A failed read cancels the other.
func (s *Service) loadDocuments(ctx context.Context, v *View, diagram string) error {
	diagramArt, tableArt := artifact.Pair(diagram)
	g, gctx := errgroup.WithContext(ctx)
	for _, a := range []artifact.Artifact{diagramArt, tableArt} {
		pane := viewreg.PaneDiagram
		if a.Kind == artifact.Table {
			pane = viewreg.PaneTable
		}
		g.Go(func() error {
			doc, err := s.readArtifact(gctx, a.Path)
			if err != nil {
				return fmt.Errorf("%s: %w", a.Kind, err)
			}
			if err := gctx.Err(); err != nil {
				return err
			}
			return v.load(pane, doc)
		})
	}
	return g.Wait()
}

func (s *Service) readArtifact(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return horosafe.LimitedReadAll(f, s.cfg.Views.MaxDocument)
}

// declaredArtifact returns the last output line, which names the diagram.
func declaredArtifact(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return lines[len(lines)-1]
}

func (s *Service) register(v *View) {
	s.mu.Lock()
	prev := s.views[s.sessions[v.SessionID]]
	if prev != nil {
		delete(s.views, prev.ID)
	}
	s.views[v.ID] = v
	if v.SessionID != "" {
		s.sessions[v.SessionID] = v.ID
	}
	s.mu.Unlock()

	if prev != nil {
		prev.logger.Info("wizard: view superseded", "by", v.ID)
		prev.Close()
	}
}

// View returns a live view owned by session.
func (s *Service) View(session, id string) (*View, error) {
	if s.checkID != nil {
		if _, err := s.checkID(id); err != nil {
			return nil, ErrViewNotFound
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.views[id]
	if !ok || v.SessionID != session {
		return nil, ErrViewNotFound
	}
	return v, nil
}

// CloseView tears a view down and forgets it.
func (s *Service) CloseView(id string) {
	s.mu.Lock()
	v, ok := s.views[id]
	if ok {
		delete(s.views, id)
		if s.sessions[v.SessionID] == id {
			delete(s.sessions, v.SessionID)
		}
	}
	s.mu.Unlock()
	if ok {
		v.Close()
	}
}

// Len returns the number of live views.
func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.views)
}

// Sweep closes views older than the configured TTL and returns how many.
func (s *Service) Sweep(now time.Time) int {
	s.mu.Lock()
	var expired []string
	for id, v := range s.views {
		if now.Sub(v.Created) > s.cfg.Views.TTL {
			expired = append(expired, id)
		}
	}
	s.mu.Unlock()
	for _, id := range expired {
		s.CloseView(id)
	}
	if len(expired) > 0 {
		s.logger.Info("wizard: expired views closed", "count", len(expired))
	}
	return len(expired)
}

// Run sweeps expired views until ctx is done, then closes every view.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Views.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.Close()
			return
		case now := <-ticker.C:
			s.Sweep(now)
		}
	}
}

// Close tears down every view.
func (s *Service) Close() {
	s.mu.Lock()
	views := s.views
	s.views = make(map[string]*View)
	s.sessions = make(map[string]string)
	s.mu.Unlock()
	for _, v := range views {
		v.Close()
	}
}
