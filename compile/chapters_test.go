package compile

import (
	"archive/zip"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"rab/bundle"
	"rab/css"
	"rab/epub"
)

const testContainerXML = `<?xml version="1.0" encoding="UTF-8"?>
<container version="1.0" xmlns="urn:oasis:names:tc:opendocument:xmlns:container">
  <rootfiles>
    <rootfile full-path="OPS/content.opf" media-type="application/oebps-package+xml"/>
  </rootfiles>
</container>`

func buildTestEPUB(t *testing.T, extra map[string]string) *epub.Container {
	t.Helper()

	entries := map[string]string{
		"mimetype":               "application/epub+zip",
		"META-INF/container.xml": testContainerXML,
		"OPS/content.opf":        "<package/>",
	}
	for k, v := range extra {
		entries[k] = v
	}

	p := filepath.Join(t.TempDir(), "book.epub")
	f, err := os.Create(p)
	if err != nil {
		t.Fatal(err)
	}
	w := zip.NewWriter(f)
	for name, data := range entries {
		fw, err := w.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := fw.Write([]byte(data)); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	c, err := epub.Open(p)
	if err != nil {
		t.Fatalf("unable to open test epub: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestPrepareChapter(t *testing.T) {
	ec := buildTestEPUB(t, map[string]string{
		"OPS/styles/main.css": `@import url(http://evil.test/x.css); p{color:green}`,
		"OPS/text/ch1.xhtml": `<html><head>
<title>Chapter One</title>
<link rel="stylesheet" href="../styles/main.css"/>
<link rel="stylesheet" href="http://evil.test/remote.css"/>
<link rel="stylesheet" href="../styles/absent.css"/>
<style>a{behavior:url(#x);color:blue}</style>
<script>alert(1)</script>
</head><body>
<p style="width:expression(alert(1));margin:0">text</p>
</body></html>`,
	})

	san := css.NewSanitizer(nil)
	data, err := ec.ReadFile("OPS/text/ch1.xhtml")
	if err != nil {
		t.Fatal(err)
	}

	ch, err := prepareChapter(ec, "OPS/text/ch1.xhtml", data, san, zap.NewNop())
	if err != nil {
		t.Fatalf("prepareChapter() error = %v", err)
	}

	if ch.Title != "Chapter One" {
		t.Errorf("Title = %q, want %q", ch.Title, "Chapter One")
	}

	out := ch.HTML
	if strings.Contains(out, "<link") {
		t.Error("stylesheet links survived preparation")
	}
	if !strings.Contains(out, "p{color:green}") {
		t.Error("safe stylesheet content was not inlined")
	}
	if strings.Contains(out, "evil.test") {
		t.Errorf("unsafe reference survived: %s", out)
	}
	if strings.Contains(out, "behavior") || strings.Contains(out, "expression") {
		t.Errorf("dangerous declaration survived: %s", out)
	}
	if !strings.Contains(out, "a{color:blue}") {
		t.Error("style element lost its safe content")
	}
	if !strings.Contains(out, "margin:0") {
		t.Error("style attribute lost its safe declaration")
	}
	if strings.Contains(out, "<script") || strings.Contains(out, "alert(1)") {
		t.Error("script survived preparation")
	}

	// remote import inside main.css plus the dropped remote link; style
	// element and style attribute each lost one declaration
	if ch.Summary.RemovedImports != 2 || ch.Summary.RemovedDeclarations != 2 {
		t.Errorf("summary = %+v", ch.Summary)
	}
}

func TestPrepareChapterPlain(t *testing.T) {
	ec := buildTestEPUB(t, map[string]string{
		"OPS/text/plain.xhtml": `<html><head><title>T</title></head><body><p>hello</p></body></html>`,
	})

	data, err := ec.ReadFile("OPS/text/plain.xhtml")
	if err != nil {
		t.Fatal(err)
	}
	ch, err := prepareChapter(ec, "OPS/text/plain.xhtml", data, css.NewSanitizer(nil), zap.NewNop())
	if err != nil {
		t.Fatalf("prepareChapter() error = %v", err)
	}
	if !strings.Contains(ch.HTML, "<p>hello</p>") {
		t.Errorf("content lost: %s", ch.HTML)
	}
	if ch.Summary != (css.Summary{}) {
		t.Errorf("clean chapter produced summary %+v", ch.Summary)
	}
}

func TestBuildSpanPageIndex(t *testing.T) {
	spans := []bundle.Span{
		{ID: "s1"}, {ID: "s2"}, {ID: "s3"}, {ID: "s4"}, {ID: "s5"},
	}
	pages := []bundle.Page{
		{PageIndex: 0, SpanRects: map[string]bundle.Rect{"s1": {}, "s2": {}}},
		{PageIndex: 1, SpanRects: map[string]bundle.Rect{"s2": {}, "s3": {}}},
		// s4 and s5 carry no geometry but fall inside the page range
		{PageIndex: 2, FirstSpanID: "s4", LastSpanID: "s5"},
	}
	idx := buildSpanPageIndex(pages, spans, zap.NewNop())

	want := map[string]int{"s1": 0, "s2": 0, "s3": 1, "s4": 2, "s5": 2}
	for id, pi := range want {
		if idx[id] != pi {
			t.Errorf("index[%q] = %d, want %d", id, idx[id], pi)
		}
	}

	if _, ok := idx["s6"]; ok {
		t.Error("unknown span got a mapping")
	}
}

func TestBuildTOC(t *testing.T) {
	chapters := []preparedChapter{
		{ID: "ch1", Title: "One"},
		{ID: "ch2"}, // no title, falls back to id
		{ID: "ch3", Title: "Unpaginated"},
	}
	pages := []bundle.Page{
		{ChapterID: "ch1", PageIndex: 0},
		{ChapterID: "ch1", PageIndex: 1},
		{ChapterID: "ch2", PageIndex: 2},
	}

	toc := buildTOC(chapters, pages)
	if len(toc) != 2 {
		t.Fatalf("len(toc) = %d, want 2", len(toc))
	}
	if toc[0].Title != "One" || toc[0].PageIndex != 0 {
		t.Errorf("toc[0] = %+v", toc[0])
	}
	if toc[1].Title != "ch2" || toc[1].PageIndex != 2 {
		t.Errorf("toc[1] = %+v", toc[1])
	}
}

func TestCollectAudioSources(t *testing.T) {
	spans := []bundle.Span{
		{ID: "s1", AudioSrc: "audio/b.mp3"},
		{ID: "s2", AudioSrc: "audio/a.mp3"},
		{ID: "s3", AudioSrc: "audio/b.mp3"},
		{ID: "s4"},
	}
	got := collectAudioSources(spans)
	if len(got) != 2 || got[0] != "audio/b.mp3" || got[1] != "audio/a.mp3" {
		t.Errorf("collectAudioSources() = %v", got)
	}
}

func TestCheckDestination(t *testing.T) {
	dir := t.TempDir()

	existingFile := filepath.Join(dir, "book.rab")
	if err := os.WriteFile(existingFile, []byte("old"), 0644); err != nil {
		t.Fatal(err)
	}
	existingDir := filepath.Join(dir, "bundle-dir")
	if err := os.MkdirAll(filepath.Join(existingDir, "pages"), 0755); err != nil {
		t.Fatal(err)
	}

	if err := checkDestination(existingFile, false); err == nil {
		t.Error("existing file accepted without overwrite")
	}
	// the uncompressed variant removes a whole tree, same gate applies
	if err := checkDestination(existingDir, false); err == nil {
		t.Error("existing directory accepted without overwrite")
	}

	if err := checkDestination(existingFile, true); err != nil {
		t.Errorf("overwrite of existing file refused: %v", err)
	}
	if err := checkDestination(existingDir, true); err != nil {
		t.Errorf("overwrite of existing directory refused: %v", err)
	}
	if err := checkDestination(filepath.Join(dir, "absent.rab"), false); err != nil {
		t.Errorf("fresh destination refused: %v", err)
	}
}

func TestIsDocumentType(t *testing.T) {
	if !isDocumentType("application/xhtml+xml") || !isDocumentType("text/html") {
		t.Error("document media types rejected")
	}
	if isDocumentType("text/css") || isDocumentType("image/jpeg") || isDocumentType("") {
		t.Error("non-document media type accepted")
	}
}
