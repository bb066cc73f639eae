// Package syncbridge owns the per-site highlight state of one result view and
// relays every change to both panes.
//
// Panes never author highlight state. A click in either pane calls Toggle;
// the bridge flips the site and sends an Event to every subscriber of both
// panes, origin included, naming the element id that pane must restyle.
//
//	b := syncbridge.New(idx, logger)
//	events, cancel, _ := b.Subscribe(viewreg.PaneTable)
//	defer cancel()
//	b.Toggle("site1", viewreg.PaneDiagram)
package syncbridge

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/hazyhaar/sitefinder/viewreg"
)

var (
	ErrUnknownSite = errors.New("syncbridge: unknown site")
	ErrClosed      = errors.New("syncbridge: closed")
)

// EventType distinguishes incremental updates from full state.
type EventType string

const (
	EventToggle   EventType = "toggle"
	EventSnapshot EventType = "snapshot"
)

// Event is delivered to one pane.
type Event struct {
	Type EventType    `json:"type"`
	Pane viewreg.Pane `json:"pane"`

	// Toggle fields.
	Site        string `json:"site,omitempty"`
	Target      string `json:"target,omitempty"` // element id inside Pane
	Highlighted bool   `json:"highlighted"`
	Seq         uint64 `json:"seq"`

	// Snapshot fields: element id -> highlighted, for every site the pane shows.
	States map[string]bool `json:"states,omitempty"`
}

// SubscriberBuffer is the per-subscriber queue length.
const SubscriberBuffer = 64

type subscriber struct {
	pane   viewreg.Pane
	ch     chan Event
	resync bool
}

// Bridge is safe for concurrent use.
type Bridge struct {
	idx    *viewreg.Index
	logger *slog.Logger

	mu          sync.Mutex
	highlighted map[string]bool // paired sites and orphans
	seq         uint64
	subs        map[*subscriber]struct{}
	closed      bool
}

// New creates a bridge with every site Normal.
func New(idx *viewreg.Index, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bridge{
		idx:         idx,
		logger:      logger,
		highlighted: make(map[string]bool, idx.Len()+len(idx.Orphans)),
		subs:        make(map[*subscriber]struct{}),
	}
	for _, id := range idx.IDs() {
		b.highlighted[id] = false
	}
	for _, id := range idx.Orphans {
		b.highlighted[id] = false
	}
	return b
}

// Index returns the registry the bridge was built from.
func (b *Bridge) Index() *viewreg.Index { return b.idx }

// Toggle flips the highlight state of id and returns the new state.
//
// A paired site notifies both panes. An orphan (diagram element without a
// table row) flips locally and notifies the diagram pane only.
func (b *Bridge) Toggle(id string, origin viewreg.Pane) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return false, ErrClosed
	}
	state, ok := b.highlighted[id]
	if !ok {
		b.logger.Debug("syncbridge: toggle ignored", "site", id, "origin", origin, "error", ErrUnknownSite)
		return false, ErrUnknownSite
	}
	orphan := b.idx.IsOrphan(id)
	if orphan && origin == viewreg.PaneTable {
		b.logger.Debug("syncbridge: table toggle for orphan", "site", id)
		return state, ErrUnknownSite
	}

	state = !state
	b.highlighted[id] = state
	b.seq++

	b.broadcast(Event{
		Type: EventToggle, Pane: viewreg.PaneDiagram,
		Site: id, Target: id, Highlighted: state, Seq: b.seq,
	})
	if !orphan {
		b.broadcast(Event{
			Type: EventToggle, Pane: viewreg.PaneTable,
			Site: id, Target: viewreg.RowID(id), Highlighted: state, Seq: b.seq,
		})
	}
	b.logger.Debug("syncbridge: toggled", "site", id, "origin", origin, "highlighted", state, "orphan", orphan)
	return state, nil
}

// State returns the highlight state of id.
func (b *Bridge) State(id string) (bool, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.highlighted[id]
	return s, ok
}

// Snapshot returns the state of every site, orphans included, keyed by site id.
func (b *Bridge) Snapshot() map[string]bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]bool, len(b.highlighted))
	for id, s := range b.highlighted {
		out[id] = s
	}
	return out
}

// Subscribe registers a listener for pane. The first event is always a
// snapshot. If the listener falls behind, events are dropped and the next
// delivered event is a fresh snapshot. cancel is idempotent.
func (b *Bridge) Subscribe(pane viewreg.Pane) (<-chan Event, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, func() {}, ErrClosed
	}
	sub := &subscriber{pane: pane, ch: make(chan Event, SubscriberBuffer)}
	sub.ch <- b.snapshotLocked(pane)
	b.subs[sub] = struct{}{}

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[sub]; ok {
			delete(b.subs, sub)
			close(sub.ch)
		}
	}
	return sub.ch, cancel, nil
}

// Close ends every subscription. Later calls to Toggle and Subscribe return
// ErrClosed.
func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		delete(b.subs, sub)
		close(sub.ch)
	}
}

// Closed reports whether Close has been called.
func (b *Bridge) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Bridge) broadcast(ev Event) {
	for sub := range b.subs {
		if sub.pane != ev.Pane {
			continue
		}
		out := ev
		if sub.resync {
			out = b.snapshotLocked(sub.pane)
		}
		select {
		case sub.ch <- out:
			sub.resync = false
		default:
			if !sub.resync {
				b.logger.Warn("syncbridge: subscriber behind, dropping events", "pane", sub.pane)
			}
			sub.resync = true
		}
	}
}

// snapshotLocked builds the snapshot for pane, keyed by that pane's element
// ids. The table never sees orphans.
func (b *Bridge) snapshotLocked(pane viewreg.Pane) Event {
	states := make(map[string]bool, len(b.highlighted))
	for id, s := range b.highlighted {
		if pane == viewreg.PaneTable {
			if b.idx.IsOrphan(id) {
				continue
			}
			states[viewreg.RowID(id)] = s
			continue
		}
		states[id] = s
	}
	return Event{Type: EventSnapshot, Pane: pane, Seq: b.seq, States: states}
}
