package renderer

import (
	"bytes"
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

// BuildDocument reconstructs a standalone document from captured markup
// and styles. The captured CSS is re-embedded as a stylesheet block next
// to viewport-pinning rules so layout does not depend on the rendering
// host's default stylesheet or window size.
//
// Parsing is tolerant: x/net/html normalizes fragments into a full
// html/head/body tree, and on an actual parse error the entire input is
// treated as body content. Malformed markup never fails a render.
func BuildDocument(rawHTML, css string, width, height int) string {
	headInner, bodyInner := splitDocument(rawHTML)

	var b strings.Builder
	b.WriteString("<!DOCTYPE html>\n<html>\n<head>\n<meta charset=\"utf-8\">\n")
	if headInner != "" {
		b.WriteString(headInner)
		b.WriteString("\n")
	}
	if css != "" {
		b.WriteString("<style>\n")
		b.WriteString(css)
		b.WriteString("\n</style>\n")
	}
	b.WriteString(viewportStyle(width, height))
	b.WriteString("</head>\n<body>\n")
	b.WriteString(bodyInner)
	b.WriteString("\n</body>\n</html>")
	return b.String()
}

// splitDocument extracts the inner content of head and body. Input with
// no structural tags lands entirely in body.
func splitDocument(rawHTML string) (head, body string) {
	doc, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return "", rawHTML
	}

	headNode := findElement(doc, "head")
	bodyNode := findElement(doc, "body")
	if bodyNode == nil {
		return "", rawHTML
	}
	return innerHTML(headNode), innerHTML(bodyNode)
}

func findElement(n *html.Node, name string) *html.Node {
	if n.Type == html.ElementNode && n.Data == name {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, name); found != nil {
			return found
		}
	}
	return nil
}

func innerHTML(n *html.Node) string {
	if n == nil {
		return ""
	}
	var buf bytes.Buffer
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if err := html.Render(&buf, c); err != nil {
			continue
		}
	}
	return strings.TrimSpace(buf.String())
}

// viewportStyle pins the document to the captured viewport: exact pixel
// width, box-sizing normalization, zero margins.
func viewportStyle(width, height int) string {
	return fmt.Sprintf(`<style>
*, *::before, *::after { box-sizing: border-box; }
html, body { margin: 0; padding: 0; }
html { width: %dpx; min-height: %dpx; }
body { width: %dpx; }
</style>
`, width, height, width)
}
