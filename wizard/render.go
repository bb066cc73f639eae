package wizard

import (
	"bytes"
	"fmt"
	"html/template"
	"regexp"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var rowIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.:-]+\.table$`)

// tablePolicy keeps tables and their row ids, nothing executable.
var tablePolicy = func() *bluemonday.Policy {
	p := bluemonday.UGCPolicy()
	p.AllowAttrs("id").Matching(rowIDPattern).OnElements("tr")
	p.AllowAttrs("class").Matching(regexp.MustCompile(`^[A-Za-z0-9_ -]+$`)).OnElements("table", "tr", "td", "th")
	return p
}()

var mdConverter = converter.NewConverter(
	converter.WithPlugins(
		base.NewBasePlugin(),
		commonmark.NewCommonmarkPlugin(),
		table.NewTablePlugin(),
	),
)

// sanitizeTable strips everything but markup from the table document.
func sanitizeTable(doc []byte) template.HTML {
	return template.HTML(tablePolicy.SanitizeBytes(doc))
}

// tableMarkdown renders the sanitized table as Markdown.
func tableMarkdown(doc []byte) (string, error) {
	md, err := mdConverter.ConvertString(string(tablePolicy.SanitizeBytes(doc)))
	if err != nil {
		return "", fmt.Errorf("wizard: table to markdown: %w", err)
	}
	return strings.TrimSpace(md), nil
}

// scrubSVG returns the first <svg> of doc ready to be inlined: scripts and
// foreign objects are removed, event handler attributes and javascript:
// links are dropped, and site elements are tagged with data-site so the
// page script can bind clicks without the original handlers.
func scrubSVG(doc []byte) (template.HTML, error) {
	root, err := html.Parse(bytes.NewReader(doc))
	if err != nil {
		return "", fmt.Errorf("wizard: parse diagram: %w", err)
	}
	svg := findSVG(root)
	if svg == nil {
		return "", nil
	}
	scrubNode(svg)

	var buf bytes.Buffer
	if err := html.Render(&buf, svg); err != nil {
		return "", fmt.Errorf("wizard: render diagram: %w", err)
	}
	return template.HTML(buf.String()), nil
}

func findSVG(n *html.Node) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == atom.Svg {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if s := findSVG(c); s != nil {
			return s
		}
	}
	return nil
}

func scrubNode(n *html.Node) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		if c.Type == html.ElementNode {
			switch strings.ToLower(c.Data) {
			case "script", "foreignobject", "iframe", "object", "embed":
				n.RemoveChild(c)
				c = next
				continue
			case "animate", "set":
				if animatesHref(c) {
					n.RemoveChild(c)
					c = next
					continue
				}
			}
			scrubNode(c)
		}
		c = next
	}
	if n.Type != html.ElementNode {
		return
	}

	var (
		id, site   string
		hasHandler bool
		kept       = n.Attr[:0]
	)
	for _, a := range n.Attr {
		key := strings.ToLower(a.Key)
		switch {
		case strings.HasPrefix(key, "on"):
			if key == "onclick" {
				hasHandler = true
			}
			continue
		case key == "href" && isScriptURL(a.Val):
			continue
		case key == "id" && a.Namespace == "":
			id = a.Val
		case key == "data-site":
			site = a.Val
		}
		kept = append(kept, a)
	}
	n.Attr = kept
	switch {
	case site == "" && hasHandler && id != "":
		n.Attr = append(n.Attr, html.Attribute{Key: "data-site", Val: id})
	case site != "" && id == "":
		n.Attr = append(n.Attr, html.Attribute{Key: "id", Val: site})
	}
}

// animatesHref reports whether an animation element rewrites a link target,
// which would bring back a URL the attribute pass removed.
func animatesHref(n *html.Node) bool {
	for _, a := range n.Attr {
		if !strings.EqualFold(a.Key, "attributename") {
			continue
		}
		name := strings.ToLower(strings.TrimSpace(a.Val))
		if name == "href" || strings.HasSuffix(name, ":href") {
			return true
		}
	}
	return false
}

// isScriptURL matches the scheme the way browsers parse it: control
// characters and whitespace inside it are ignored.
func isScriptURL(v string) bool {
	v = strings.ToLower(strings.Map(func(r rune) rune {
		if r <= ' ' || r == 0x7f {
			return -1
		}
		return r
	}, v))
	for _, scheme := range []string{"javascript:", "vbscript:", "data:text/html", "data:image/svg+xml"} {
		if strings.HasPrefix(v, scheme) {
			return true
		}
	}
	return false
}
