package bundle

import (
	"archive/zip"
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
)

type mapSource map[string][]byte

func (m mapSource) ReadFile(name string) ([]byte, error) {
	data, ok := m[name]
	if !ok {
		return nil, fmt.Errorf("no such entry: %s", name)
	}
	return data, nil
}

func testInput() WriteInput {
	return WriteInput{
		Meta: Meta{
			FormatVersion: FormatVersion,
			BundleID:      "test-book",
			Title:         "Test Book",
			Profile:       "phone-medium",
			PageCount:     2,
			SpanCount:     2,
			ChapterCount:  1,
			AudioCount:    1,
		},
		Spans: []Span{
			{ID: "s1", ChapterID: "ch1", TextRef: "ch1.xhtml#s1", AudioSrc: "OPS/audio/a.mp3", ClipBeginMs: 0, ClipEndMs: 1500},
			{ID: "s2", ChapterID: "ch1", TextRef: "ch1.xhtml#s2", AudioSrc: "OPS/audio/a.mp3", ClipBeginMs: 1500, ClipEndMs: 2800},
		},
		Pages: []Page{
			{PageID: "p1", ChapterID: "ch1", PageIndex: 0, TextRuns: []TextRun{{Text: "hello", StyleID: 0}}},
			{PageID: "p2", ChapterID: "ch1", PageIndex: 1},
		},
		SpanPageIndex: map[string]int{"s1": 0},
		TOC:           []TocEntry{{Title: "Chapter 1", PageIndex: 0}},
		AudioFiles:    []string{"OPS/audio/a.mp3"},
		Audio:         mapSource{"OPS/audio/a.mp3": []byte("not really audio")},
	}
}

func TestWriteBundleLayout(t *testing.T) {
	out := filepath.Join(t.TempDir(), "book.rab")

	w := NewWriter(zap.NewNop())
	if err := w.Write(t.Context(), out, testInput()); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	zr, err := zip.OpenReader(out)
	if err != nil {
		t.Fatalf("output is not a readable zip: %v", err)
	}
	defer zr.Close()

	got := make(map[string]bool)
	for _, f := range zr.File {
		got[f.Name] = true
	}
	for _, name := range []string{"meta.json", "toc.json", "spans.jsonl", "pages/p1.json", "pages/p2.json", "audio/a.mp3"} {
		if !got[name] {
			t.Errorf("archive is missing %s (have %v)", name, zr.File)
		}
	}

	var meta Meta
	readZipJSON(t, &zr.Reader, "meta.json", &meta)
	if meta.FormatVersion != FormatVersion {
		t.Errorf("meta.formatVersion = %d, want %d", meta.FormatVersion, FormatVersion)
	}
	if meta.BundleID != "test-book" {
		t.Errorf("meta.bundleId = %q, want %q", meta.BundleID, "test-book")
	}

	var toc []TocEntry
	readZipJSON(t, &zr.Reader, "toc.json", &toc)
	if len(toc) != 1 || toc[0].Title != "Chapter 1" {
		t.Errorf("unexpected toc: %+v", toc)
	}
}

func TestWriteSpansLines(t *testing.T) {
	out := filepath.Join(t.TempDir(), "book.rab")

	w := NewWriter(zap.NewNop())
	if err := w.Write(t.Context(), out, testInput()); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	lines := readZipLines(t, out, "spans.jsonl")
	if len(lines) != 2 {
		t.Fatalf("spans.jsonl has %d lines, want 2", len(lines))
	}

	var e1, e2 spanEntry
	if err := json.Unmarshal([]byte(lines[0]), &e1); err != nil {
		t.Fatalf("bad span line: %v", err)
	}
	if err := json.Unmarshal([]byte(lines[1]), &e2); err != nil {
		t.Fatalf("bad span line: %v", err)
	}

	if e1.PageIndex != 0 {
		t.Errorf("s1 pageIndex = %d, want 0", e1.PageIndex)
	}
	// no mapping recorded for s2 - sentinel, not an error
	if e2.PageIndex != UnassignedPageIndex {
		t.Errorf("s2 pageIndex = %d, want %d", e2.PageIndex, UnassignedPageIndex)
	}
	// audio source rewritten to the bundle-local name
	if e1.AudioSrc != "a.mp3" || e2.AudioSrc != "a.mp3" {
		t.Errorf("audio sources = %q, %q, want both %q", e1.AudioSrc, e2.AudioSrc, "a.mp3")
	}
}

func TestWriteAudioNameCollisions(t *testing.T) {
	out := filepath.Join(t.TempDir(), "book.rab")

	in := testInput()
	in.Spans = []Span{
		{ID: "s1", AudioSrc: "OPS/ch1/a.mp3", ClipBeginMs: 0, ClipEndMs: 100},
		{ID: "s2", AudioSrc: "OPS/ch2/a.mp3", ClipBeginMs: 0, ClipEndMs: 100},
		{ID: "s3", AudioSrc: "OPS/b.mp3", ClipBeginMs: 0, ClipEndMs: 100},
	}
	in.AudioFiles = []string{"OPS/ch1/a.mp3", "OPS/ch2/a.mp3", "OPS/b.mp3"}
	in.Audio = mapSource{
		"OPS/ch1/a.mp3": []byte("one"),
		"OPS/ch2/a.mp3": []byte("two"),
		"OPS/b.mp3":     []byte("three"),
	}

	w := NewWriter(zap.NewNop())
	if err := w.Write(t.Context(), out, in); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	zr, err := zip.OpenReader(out)
	if err != nil {
		t.Fatalf("unable to open output: %v", err)
	}
	defer zr.Close()

	payloads := map[string]string{}
	for _, f := range zr.File {
		if !strings.HasPrefix(f.Name, "audio/") {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			t.Fatalf("unable to open %s: %v", f.Name, err)
		}
		var buf bytes.Buffer
		if _, err := buf.ReadFrom(rc); err != nil {
			t.Fatalf("unable to read %s: %v", f.Name, err)
		}
		rc.Close()
		payloads[f.Name] = buf.String()
	}

	want := map[string]string{
		"audio/a.mp3":   "one",
		"audio/a_1.mp3": "two",
		"audio/b.mp3":   "three",
	}
	for name, content := range want {
		if payloads[name] != content {
			t.Errorf("%s = %q, want %q", name, payloads[name], content)
		}
	}

	// span sources must follow the same rename
	lines := readZipLines(t, out, "spans.jsonl")
	var sources []string
	for _, l := range lines {
		var e spanEntry
		if err := json.Unmarshal([]byte(l), &e); err != nil {
			t.Fatalf("bad span line: %v", err)
		}
		sources = append(sources, e.AudioSrc)
	}
	if got, want := strings.Join(sources, ","), "a.mp3,a_1.mp3,b.mp3"; got != want {
		t.Errorf("span audio sources = %s, want %s", got, want)
	}
}

func TestResolveAudioNames(t *testing.T) {
	names := resolveAudioNames([]string{"x/a.mp3", "y/a.mp3", "z/a.mp3", "x/b.mp3", "x/a.mp3"})
	want := map[string]string{
		"x/a.mp3": "a.mp3",
		"y/a.mp3": "a_1.mp3",
		"z/a.mp3": "a_2.mp3",
		"x/b.mp3": "b.mp3",
	}
	for src, dst := range want {
		if names[src] != dst {
			t.Errorf("names[%q] = %q, want %q", src, names[src], dst)
		}
	}
}

func TestWriteSkipsUnreadableAudio(t *testing.T) {
	out := filepath.Join(t.TempDir(), "book.rab")

	in := testInput()
	in.AudioFiles = []string{"OPS/audio/a.mp3", "OPS/audio/missing.mp3"}

	w := NewWriter(zap.NewNop())
	if err := w.Write(t.Context(), out, in); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	zr, err := zip.OpenReader(out)
	if err != nil {
		t.Fatalf("unable to open output: %v", err)
	}
	defer zr.Close()

	for _, f := range zr.File {
		if f.Name == "audio/missing.mp3" {
			t.Error("unreadable audio asset ended up in the bundle")
		}
	}
}

func TestWriteReplacesExistingBundle(t *testing.T) {
	out := filepath.Join(t.TempDir(), "book.rab")
	w := NewWriter(zap.NewNop())

	if err := w.Write(t.Context(), out, testInput()); err != nil {
		t.Fatalf("first Write() error = %v", err)
	}

	// recompile with fewer pages - old page files must not survive
	in := testInput()
	in.Pages = in.Pages[:1]
	if err := w.Write(t.Context(), out, in); err != nil {
		t.Fatalf("second Write() error = %v", err)
	}

	zr, err := zip.OpenReader(out)
	if err != nil {
		t.Fatalf("unable to open output: %v", err)
	}
	defer zr.Close()

	for _, f := range zr.File {
		if f.Name == "pages/p2.json" {
			t.Error("stale page survived full replace")
		}
	}
}

func TestWriteCleansStaging(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "book.rab")

	w := NewWriter(zap.NewNop())
	if err := w.Write(t.Context(), out, testInput()); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	// on failure too
	bad := testInput()
	bad.Pages = []Page{{PageID: strings.Repeat("x", 1000)}}
	_ = w.Write(t.Context(), filepath.Join(dir, "bad.rab"), bad)

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), "staging") {
			t.Errorf("staging leftover: %s", e.Name())
		}
	}
}

func TestWriteUncompressed(t *testing.T) {
	out := filepath.Join(t.TempDir(), "bundle-dir")

	w := NewWriter(zap.NewNop())
	if err := w.WriteUncompressed(t.Context(), out, testInput()); err != nil {
		t.Fatalf("WriteUncompressed() error = %v", err)
	}

	for _, name := range []string{"meta.json", "toc.json", "spans.jsonl", "pages/p1.json", "audio/a.mp3"} {
		if _, err := os.Stat(filepath.Join(out, name)); err != nil {
			t.Errorf("missing %s: %v", name, err)
		}
	}
}

func TestWriteEmptyTOC(t *testing.T) {
	out := filepath.Join(t.TempDir(), "book.rab")

	in := testInput()
	in.TOC = nil

	w := NewWriter(zap.NewNop())
	if err := w.Write(t.Context(), out, in); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	data := readZipFile(t, out, "toc.json")
	var toc []TocEntry
	if err := json.Unmarshal(data, &toc); err != nil {
		t.Fatalf("toc.json does not parse: %v", err)
	}
	if toc == nil || len(toc) != 0 {
		t.Errorf("toc = %v, want empty array", toc)
	}
	if strings.TrimSpace(string(data)) == "null" {
		t.Error("toc.json serialized as null instead of []")
	}
}

func TestSpanValidate(t *testing.T) {
	if err := (Span{ID: "s1", ClipBeginMs: 0, ClipEndMs: 10}).Validate(); err != nil {
		t.Errorf("valid span rejected: %v", err)
	}
	if err := (Span{ClipBeginMs: 0, ClipEndMs: 10}).Validate(); err == nil {
		t.Error("span without id accepted")
	}
	if err := (Span{ID: "s1", ClipBeginMs: 10, ClipEndMs: 10}).Validate(); err == nil {
		t.Error("zero-length clip accepted")
	}
	if err := (Span{ID: "s1", ClipBeginMs: 20, ClipEndMs: 10}).Validate(); err == nil {
		t.Error("inverted clip accepted")
	}
}

func readZipJSON(t *testing.T, zr *zip.Reader, name string, v any) {
	t.Helper()
	f, err := zr.Open(name)
	if err != nil {
		t.Fatalf("unable to open %s: %v", name, err)
	}
	defer f.Close()
	if err := json.NewDecoder(f).Decode(v); err != nil {
		t.Fatalf("unable to decode %s: %v", name, err)
	}
}

func readZipFile(t *testing.T, archive, name string) []byte {
	t.Helper()
	zr, err := zip.OpenReader(archive)
	if err != nil {
		t.Fatalf("unable to open %s: %v", archive, err)
	}
	defer zr.Close()

	f, err := zr.Open(name)
	if err != nil {
		t.Fatalf("unable to open %s: %v", name, err)
	}
	defer f.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(f); err != nil {
		t.Fatalf("unable to read %s: %v", name, err)
	}
	return buf.Bytes()
}

func readZipLines(t *testing.T, archive, name string) []string {
	t.Helper()
	var lines []string
	s := bufio.NewScanner(bytes.NewReader(readZipFile(t, archive, name)))
	for s.Scan() {
		if len(s.Text()) > 0 {
			lines = append(lines, s.Text())
		}
	}
	if err := s.Err(); err != nil {
		t.Fatal(err)
	}
	return lines
}
