package wizard

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/sitefinder/autosize"
	"github.com/hazyhaar/sitefinder/syncbridge"
	"github.com/hazyhaar/sitefinder/viewreg"
)

// Status is the visible state of a result view.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusReady      Status = "ready"
	StatusNoSites    Status = "no_sites"
	StatusTimedOut   Status = "timed_out"
	StatusFailed     Status = "failed"
	StatusClosed     Status = "closed"
)

var (
	// ErrNotReady is returned by view operations that need both documents.
	ErrNotReady = errors.New("wizard: view not ready")

	// ErrViewNotFound is returned for unknown, foreign or expired views.
	ErrViewNotFound = errors.New("wizard: view not found")
)

// Frame ids of a result view. The results frame hosts the two panes.
const (
	FrameResults = "results"
	FrameDiagram = "diagram"
	FrameTable   = "table"
)

// View is one result view: the outcome of a site computation, its two
// documents and the state shared between them. Safe for concurrent use.
type View struct {
	ID        string
	SessionID string
	Request   AnalysisRequest
	Created   time.Time

	logger *slog.Logger
	cancel context.CancelFunc

	mu            sync.Mutex
	status        Status
	diagramPath   string
	diagram       []byte
	table         []byte
	diagramLoaded bool
	tableLoaded   bool
	diagramHTML   template.HTML
	tableHTML     template.HTML
	index         *viewreg.Index
	bridge        *syncbridge.Bridge
	sizer         *autosize.Sizer
}

func newView(id, session string, req AnalysisRequest, cancel context.CancelFunc, logger *slog.Logger) *View {
	v := &View{
		ID:        id,
		SessionID: session,
		Request:   req,
		Created:   time.Now(),
		logger:    logger.With("view", id),
		cancel:    cancel,
		status:    StatusProcessing,
		sizer:     autosize.New(logger.With("view", id)),
	}
	v.sizer.Add(FrameResults, "")
	v.sizer.Add(FrameDiagram, FrameResults)
	v.sizer.Add(FrameTable, FrameResults)
	return v
}

// Status returns the current status.
func (v *View) Status() Status {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.status
}

// DiagramPath returns the artifact path declared by the pipeline.
func (v *View) DiagramPath() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.diagramPath
}

func (v *View) setStatus(s Status) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.status != StatusClosed {
		v.status = s
	}
}

func (v *View) setDiagramPath(p string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.diagramPath = p
}

// load registers one pane's document. The registry and the bridge are built
// once both documents are in, in whichever order they arrive.
func (v *View) load(pane viewreg.Pane, doc []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.status == StatusClosed {
		return ErrViewNotFound
	}
	switch pane {
	case viewreg.PaneDiagram:
		v.diagram, v.diagramLoaded = doc, true
	case viewreg.PaneTable:
		v.table, v.tableLoaded = doc, true
	default:
		return fmt.Errorf("wizard: load: unknown pane %q", pane)
	}
	if !v.diagramLoaded || !v.tableLoaded {
		return nil
	}

	idx, err := viewreg.Build(bytes.NewReader(v.diagram), bytes.NewReader(v.table), viewreg.WithLogger(v.logger))
	if err != nil {
		return err
	}
	svg, err := scrubSVG(v.diagram)
	if err != nil {
		return err
	}
	v.index = idx
	v.diagramHTML = svg
	v.tableHTML = sanitizeTable(v.table)
	v.bridge = syncbridge.New(idx, v.logger)
	v.status = StatusReady
	v.logger.Info("wizard: view ready", "sites", idx.Len(), "orphans", len(idx.Orphans))
	return nil
}

func (v *View) readyBridge() (*syncbridge.Bridge, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.status == StatusClosed {
		return nil, ErrViewNotFound
	}
	if v.bridge == nil {
		return nil, ErrNotReady
	}
	return v.bridge, nil
}

// Toggle flips a site through the bridge.
func (v *View) Toggle(site string, origin viewreg.Pane) (bool, error) {
	b, err := v.readyBridge()
	if err != nil {
		return false, err
	}
	return b.Toggle(site, origin)
}

// Subscribe streams bridge events for pane.
func (v *View) Subscribe(pane viewreg.Pane) (<-chan syncbridge.Event, func(), error) {
	b, err := v.readyBridge()
	if err != nil {
		return nil, func() {}, err
	}
	return b.Subscribe(pane)
}

// Snapshot returns highlight state per site id.
func (v *View) Snapshot() (map[string]bool, error) {
	b, err := v.readyBridge()
	if err != nil {
		return nil, err
	}
	return b.Snapshot(), nil
}

// Index returns the site registry, nil before the view is ready.
func (v *View) Index() *viewreg.Index {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.index
}

// Fit records a frame's measured content height and returns the height to
// apply. The first report for a frame is its ready event.
func (v *View) Fit(frame string, contentHeight int) (autosize.Fit, error) {
	if contentHeight < 0 {
		contentHeight = 0
	}
	fits, err := v.sizer.Ready(frame, autosize.Reported(contentHeight))
	if err != nil {
		return autosize.Fit{}, err
	}
	if len(fits) > 0 {
		return fits[len(fits)-1], nil
	}
	return v.sizer.Fit(frame)
}

// Documents returns the rendered diagram and table.
func (v *View) Documents() (template.HTML, template.HTML, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.status != StatusReady {
		return "", "", ErrNotReady
	}
	return v.diagramHTML, v.tableHTML, nil
}

// rawTable returns the table document as loaded.
func (v *View) rawTable() []byte {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.table
}

// Close tears the view down: a running pipeline process is killed and the
// bridge stops. Idempotent.
func (v *View) Close() {
	v.mu.Lock()
	if v.status == StatusClosed {
		v.mu.Unlock()
		return
	}
	v.status = StatusClosed
	b := v.bridge
	v.mu.Unlock()

	if v.cancel != nil {
		v.cancel()
	}
	if b != nil {
		b.Close()
	}
	v.logger.Debug("wizard: view closed")
}
