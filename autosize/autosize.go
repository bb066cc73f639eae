// Package autosize fits frame heights to the documents they host.
//
// A frame may only be measured after its document signalled ready. Fitting
// resets the frame height to 0 first so the document reports its natural
// height instead of the frame's current one, then applies that height and
// turns scrolling off. The frame's parent is not fitted in the same call: a
// request is queued for it and served when the parent is itself ready, so
// propagation moves up one level per ready event.
package autosize

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var (
	ErrNotReady     = errors.New("autosize: frame not ready")
	ErrUnknownFrame = errors.New("autosize: unknown frame")
)

// Measurer reports the scroll height of a frame's document given the frame
// height currently applied. Like a browser's scrollHeight it never reports
// less than frameHeight.
type Measurer interface {
	Measure(frameHeight int) int
}

// Reported is a height measured elsewhere, typically by the browser after it
// reset the frame itself.
type Reported int

// Measure implements Measurer.
func (r Reported) Measure(frameHeight int) int {
	if frameHeight > int(r) {
		return frameHeight
	}
	return int(r)
}

// Fit is the outcome of fitting one frame.
type Fit struct {
	Frame     string `json:"frame"`
	Height    int    `json:"height"`
	Scrolling bool   `json:"scrolling"`

	// Parent has a fit request queued, or is empty at the top.
	Parent string `json:"parent,omitempty"`
}

type frame struct {
	parent    string
	height    int
	scrolling bool
	ready     bool
	measurer  Measurer
	queued    bool
}

// Sizer tracks the frames of one page. Safe for concurrent use.
type Sizer struct {
	logger *slog.Logger

	mu     sync.Mutex
	frames map[string]*frame
}

// New creates an empty Sizer.
func New(logger *slog.Logger) *Sizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sizer{logger: logger, frames: make(map[string]*frame)}
}

// Add declares a frame hosted in parent ("" for the top level). Frames start
// not ready, scrolling, with height 0. Re-adding a frame resets it.
func (s *Sizer) Add(id, parent string) error {
	if id == "" {
		return fmt.Errorf("autosize: empty frame id")
	}
	if id == parent {
		return fmt.Errorf("autosize: frame %q cannot host itself", id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames[id] = &frame{parent: parent, scrolling: true}
	return nil
}

// Ready records that the frame's document finished layout. Any fit queued by
// a child is served now and returned.
func (s *Sizer) Ready(id string, m Measurer) ([]Fit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.frames[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFrame, id)
	}
	f.ready = true
	f.measurer = m
	if !f.queued {
		return nil, nil
	}
	f.queued = false
	return []Fit{s.fitLocked(id, f)}, nil
}

// Fit measures and sizes the frame, and queues a fit for its parent.
// Calling it again on an unchanged document yields the same height.
func (s *Sizer) Fit(id string) (Fit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.frames[id]
	if !ok {
		return Fit{}, fmt.Errorf("%w: %s", ErrUnknownFrame, id)
	}
	if !f.ready || f.measurer == nil {
		return Fit{}, fmt.Errorf("%w: %s", ErrNotReady, id)
	}
	return s.fitLocked(id, f), nil
}

func (s *Sizer) fitLocked(id string, f *frame) Fit {
	f.height = 0
	f.height = f.measurer.Measure(f.height)
	f.scrolling = false

	out := Fit{Frame: id, Height: f.height, Scrolling: f.scrolling}
	if p, ok := s.frames[f.parent]; ok {
		p.queued = true
		out.Parent = f.parent
	}
	s.logger.Debug("autosize: fitted", "frame", id, "height", f.height, "parent", out.Parent)
	return out
}

// Height returns the frame's applied height.
func (s *Sizer) Height(id string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.frames[id]
	if !ok {
		return 0, false
	}
	return f.height, true
}

// Pending reports whether a child queued a fit for the frame that its ready
// event has not served yet.
func (s *Sizer) Pending(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.frames[id]
	return ok && f.queued
}
