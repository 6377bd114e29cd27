package renderer

import (
	"strings"
	"testing"
)

func TestBuildDocumentSplitsHeadAndBody(t *testing.T) {
	raw := `<html><head><title>Captured</title></head><body><h1>Hi</h1></body></html>`
	doc := BuildDocument(raw, "h1 { color: red; }", 800, 600)

	if !strings.Contains(doc, "<title>Captured</title>") {
		t.Fatalf("head content missing:\n%s", doc)
	}
	if !strings.Contains(doc, "<h1>Hi</h1>") {
		t.Fatalf("body content missing:\n%s", doc)
	}
	if !strings.Contains(doc, "h1 { color: red; }") {
		t.Fatalf("captured css not injected:\n%s", doc)
	}
	if !strings.Contains(doc, "width: 800px") || !strings.Contains(doc, "min-height: 600px") {
		t.Fatalf("viewport pinning missing:\n%s", doc)
	}
	if !strings.Contains(doc, "box-sizing: border-box") {
		t.Fatalf("box-sizing normalization missing:\n%s", doc)
	}
	if strings.Count(doc, "<h1>Hi</h1>") != 1 {
		t.Fatalf("body content duplicated:\n%s", doc)
	}
}

func TestBuildDocumentFragmentFallsIntoBody(t *testing.T) {
	doc := BuildDocument(`<p>loose fragment</p>`, "", 1920, 1080)
	if !strings.Contains(doc, "<p>loose fragment</p>") {
		t.Fatalf("fragment content missing:\n%s", doc)
	}
	body := doc[strings.Index(doc, "<body>"):]
	if !strings.Contains(body, "loose fragment") {
		t.Fatalf("fragment did not land in body:\n%s", doc)
	}
}

func TestBuildDocumentToleratesMalformedMarkup(t *testing.T) {
	doc := BuildDocument(`<div><span>unclosed`, "", 1024, 768)
	if !strings.Contains(doc, "unclosed") {
		t.Fatalf("malformed content dropped:\n%s", doc)
	}
}

func TestBuildDocumentWithoutCSSOmitsCapturedStyleBlock(t *testing.T) {
	doc := BuildDocument(`<body>x</body>`, "", 100, 100)
	// Only the viewport-pinning style block should be present.
	if strings.Count(doc, "<style>") != 1 {
		t.Fatalf("expected exactly one style block:\n%s", doc)
	}
}
