package compile

import (
	"bytes"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"rab/css"
	"rab/epub"
)

// preparedChapter is a spine document made safe for the layout sidecar.
type preparedChapter struct {
	ID      string
	Title   string
	HTML    string
	Summary css.Summary
}

// prepareChapter parses a spine document, folds its stylesheets in and
// sanitizes everything style-bearing. External stylesheet links are
// inlined (so the sidecar never fetches anything) or dropped when their
// target is unsafe or missing.
func prepareChapter(ec *epub.Container, docPath string, data []byte, san *css.Sanitizer, log *zap.Logger) (preparedChapter, error) {

	var (
		ch    preparedChapter
		total css.Summary
	)

	root, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return ch, fmt.Errorf("unable to parse chapter %s: %w", docPath, err)
	}

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		for c := n.FirstChild; c != nil; {
			next := c.NextSibling
			if c.Type == html.ElementNode {
				switch c.DataAtom {
				case atom.Title:
					ch.Title = strings.TrimSpace(textContent(c))
				case atom.Link:
					if isStylesheetLink(c) {
						if repl := inlineStylesheet(ec, docPath, c, san, &total, log); repl != nil {
							n.InsertBefore(repl, c)
						}
						n.RemoveChild(c)
						c = next
						continue
					}
				case atom.Style:
					sanitizeStyleElement(c, san, &total)
				case atom.Script:
					// scripted content is out of scope for static layout
					n.RemoveChild(c)
					log.Debug("Removed script element", zap.String("chapter", docPath))
					c = next
					continue
				default:
					sanitizeStyleAttr(c, san, &total)
				}
			}
			walk(c)
			c = next
		}
	}
	walk(root)

	var buf bytes.Buffer
	if err := html.Render(&buf, root); err != nil {
		return ch, fmt.Errorf("unable to serialize chapter %s: %w", docPath, err)
	}
	ch.HTML = buf.String()
	ch.Summary = total
	return ch, nil
}

func textContent(n *html.Node) string {
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
		}
	}
	return b.String()
}

func isStylesheetLink(n *html.Node) bool {
	return strings.EqualFold(attr(n, "rel"), "stylesheet")
}

// inlineStylesheet resolves a stylesheet link against the container and
// returns a style element with sanitized content, or nil when the link
// must simply go away.
func inlineStylesheet(ec *epub.Container, docPath string, n *html.Node, san *css.Sanitizer, total *css.Summary, log *zap.Logger) *html.Node {

	href := attr(n, "href")
	if !css.IsSafeStylesheetHref(href) {
		total.RemovedImports++
		log.Info("Dropping unsafe stylesheet link", zap.String("chapter", docPath), zap.String("href", href))
		return nil
	}

	target := epub.ResolvePath(docPath, href)
	data, err := ec.ReadFile(target)
	if err != nil {
		log.Warn("Stylesheet is not in the container, dropping link", zap.String("chapter", docPath), zap.String("href", href), zap.Error(err))
		return nil
	}

	clean, sum := san.SanitizeStylesheet(string(data))
	total.Add(sum)

	style := &html.Node{
		Type:     html.ElementNode,
		DataAtom: atom.Style,
		Data:     "style",
		Attr:     []html.Attribute{{Key: "type", Val: "text/css"}},
	}
	style.AppendChild(&html.Node{Type: html.TextNode, Data: clean})
	return style
}

func sanitizeStyleElement(n *html.Node, san *css.Sanitizer, total *css.Summary) {
	var sheet strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.TextNode {
			sheet.WriteString(c.Data)
		}
	}
	clean, sum := san.SanitizeStylesheet(sheet.String())
	total.Add(sum)

	for n.FirstChild != nil {
		n.RemoveChild(n.FirstChild)
	}
	n.AppendChild(&html.Node{Type: html.TextNode, Data: clean})
}

func sanitizeStyleAttr(n *html.Node, san *css.Sanitizer, total *css.Summary) {
	for i := range n.Attr {
		if n.Attr[i].Key != "style" || len(n.Attr[i].Namespace) != 0 {
			continue
		}
		clean, sum := san.SanitizeDeclarationList(n.Attr[i].Val)
		total.Add(sum)
		n.Attr[i].Val = clean
	}
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key && len(a.Namespace) == 0 {
			return a.Val
		}
	}
	return ""
}
