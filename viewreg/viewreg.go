// Package viewreg pairs the site elements of a diagram document with the
// rows of its table document.
//
// The join key is the site id: a diagram element carries it verbatim and the
// table row carrying it has the id "<id>.table". Element handles never leave
// their pane; only the id crosses between documents.
package viewreg

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// RowSuffix is appended to a site id to form its table row id.
const RowSuffix = ".table"

// RowID returns the table row id for a site.
func RowID(site string) string { return site + RowSuffix }

// Pane names one of the two documents of a result view.
type Pane string

const (
	PaneDiagram Pane = "diagram"
	PaneTable   Pane = "table"
)

// ParsePane accepts "diagram" or "table".
func ParsePane(s string) (Pane, error) {
	switch Pane(s) {
	case PaneDiagram, PaneTable:
		return Pane(s), nil
	}
	return "", fmt.Errorf("viewreg: unknown pane %q", s)
}

// ErrOrphanedSite describes a diagram site without a table row. It is
// reported through the logger and Index.Orphans, never returned from Build.
var ErrOrphanedSite = errors.New("viewreg: orphaned site")

// ElementRef locates an element inside one pane's document: the element's
// position among all elements in document order, and its tag.
type ElementRef struct {
	Pane    Pane
	Ordinal int
	Tag     string
}

// Site is one id present in both documents.
type Site struct {
	ID         string
	DiagramRef ElementRef
	TableRef   ElementRef
}

// Index is the immutable result of Build.
type Index struct {
	sites map[string]Site
	order []string

	// Orphans lists diagram ids with no table row, in diagram order. Their
	// diagram refs are kept in orphanRefs.
	Orphans    []string
	orphanRefs map[string]ElementRef
}

// Option configures Build.
type Option func(*buildOpts)

type buildOpts struct {
	logger *slog.Logger
}

// WithLogger sets the logger orphans are reported to.
func WithLogger(l *slog.Logger) Option { return func(o *buildOpts) { o.logger = l } }

// Build scans both documents and pairs diagram sites with table rows.
// Either document may be empty; a parse error is returned as is.
func Build(diagram, table io.Reader, opts ...Option) (*Index, error) {
	o := buildOpts{logger: slog.Default()}
	for _, fn := range opts {
		fn(&o)
	}

	dDoc, err := html.Parse(diagram)
	if err != nil {
		return nil, fmt.Errorf("viewreg: parse diagram: %w", err)
	}
	tDoc, err := html.Parse(table)
	if err != nil {
		return nil, fmt.Errorf("viewreg: parse table: %w", err)
	}

	diagramSites, order := scanDiagram(dDoc)
	rows := scanTable(tDoc)

	idx := &Index{
		sites:      make(map[string]Site, len(order)),
		orphanRefs: make(map[string]ElementRef),
	}
	for _, id := range order {
		dref := diagramSites[id]
		tref, ok := rows[id]
		if !ok {
			idx.Orphans = append(idx.Orphans, id)
			idx.orphanRefs[id] = dref
			o.logger.Warn("viewreg: site excluded from sync",
				"site", id, "row", RowID(id), "error", ErrOrphanedSite)
			continue
		}
		idx.sites[id] = Site{ID: id, DiagramRef: dref, TableRef: tref}
		idx.order = append(idx.order, id)
	}
	o.logger.Debug("viewreg: index built", "sites", len(idx.order), "orphans", len(idx.Orphans), "rows", len(rows))
	return idx, nil
}

// Len returns the number of paired sites.
func (x *Index) Len() int { return len(x.order) }

// IDs returns the paired site ids in diagram order.
func (x *Index) IDs() []string { return append([]string(nil), x.order...) }

// Lookup returns the paired site for id.
func (x *Index) Lookup(id string) (Site, bool) {
	s, ok := x.sites[id]
	return s, ok
}

// IsOrphan reports whether id appears in the diagram without a table row.
func (x *Index) IsOrphan(id string) bool {
	_, ok := x.orphanRefs[id]
	return ok
}

// scanDiagram collects site elements: any element with data-site, or with
// both an id and an onclick handler. The first occurrence of an id wins.
func scanDiagram(doc *html.Node) (map[string]ElementRef, []string) {
	sites := make(map[string]ElementRef)
	var order []string
	walkElements(doc, func(n *html.Node, ordinal int) {
		id := attr(n, "data-site")
		if id == "" {
			if attr(n, "onclick") == "" {
				return
			}
			id = attr(n, "id")
		}
		id = strings.TrimSpace(id)
		if id == "" || strings.HasSuffix(id, RowSuffix) {
			return
		}
		if _, dup := sites[id]; dup {
			return
		}
		sites[id] = ElementRef{Pane: PaneDiagram, Ordinal: ordinal, Tag: n.Data}
		order = append(order, id)
	})
	return sites, order
}

// scanTable collects <tr id="<site>.table"> rows keyed by site id.
func scanTable(doc *html.Node) map[string]ElementRef {
	rows := make(map[string]ElementRef)
	walkElements(doc, func(n *html.Node, ordinal int) {
		if n.DataAtom != atom.Tr {
			return
		}
		id := attr(n, "id")
		site, ok := strings.CutSuffix(id, RowSuffix)
		if !ok || site == "" {
			return
		}
		if _, dup := rows[site]; !dup {
			rows[site] = ElementRef{Pane: PaneTable, Ordinal: ordinal, Tag: n.Data}
		}
	})
	return rows
}

// walkElements visits element nodes in document order with their ordinal.
func walkElements(root *html.Node, fn func(n *html.Node, ordinal int)) {
	ordinal := 0
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			fn(n, ordinal)
			ordinal++
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			return a.Val
		}
	}
	return ""
}
