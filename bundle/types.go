// Package bundle assembles spans, pages, audio and navigation into the
// versioned self-contained package consumed by the playback client.
package bundle

import (
	"fmt"
	"strconv"
	"strings"
)

// FormatVersion is the on-disk bundle format version written to meta.json.
const FormatVersion = 1

// Span is a synchronized text+audio timing unit. Produced upstream by the
// alignment stage; read-only input here. ClipEndMs > ClipBeginMs always
// holds for spans that passed loading.
type Span struct {
	ID          string `json:"id"`
	ChapterID   string `json:"chapterId"`
	TextRef     string `json:"textRef"`
	AudioSrc    string `json:"audioSrc"`
	ClipBeginMs int64  `json:"clipBeginMs"`
	ClipEndMs   int64  `json:"clipEndMs"`
}

// TextStyle is a value object compared structurally, never by identity.
type TextStyle struct {
	FontFamily string  `json:"fontFamily,omitempty"`
	FontSizePx float64 `json:"fontSizePx,omitempty"`
	Bold       bool    `json:"bold,omitempty"`
	Italic     bool    `json:"italic,omitempty"`
	Color      string  `json:"color,omitempty"`
	Align      string  `json:"align,omitempty"`
}

// canonicalKey serializes the style for structural dedup lookups. Field
// order is fixed, so two equal values always produce the same key.
func (s TextStyle) canonicalKey() string {
	var b strings.Builder
	b.WriteString(s.FontFamily)
	b.WriteByte('|')
	b.WriteString(strconv.FormatFloat(s.FontSizePx, 'g', -1, 64))
	b.WriteByte('|')
	b.WriteString(strconv.FormatBool(s.Bold))
	b.WriteByte('|')
	b.WriteString(strconv.FormatBool(s.Italic))
	b.WriteByte('|')
	b.WriteString(s.Color)
	b.WriteByte('|')
	b.WriteString(s.Align)
	return b.String()
}

// Rect is a text geometry rectangle in page coordinates.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// TextRun is positioned text carrying either an inline style (as produced
// by the pagination sidecar) or a style table id after compaction. SpanID
// is an explicit optional - empty means the run belongs to no span.
type TextRun struct {
	Text    string     `json:"text"`
	X       float64    `json:"x"`
	Y       float64    `json:"y"`
	Width   float64    `json:"width"`
	Height  float64    `json:"height"`
	Style   *TextStyle `json:"style,omitempty"`
	StyleID int        `json:"styleId"`
	SpanID  string     `json:"spanId,omitempty"`
}

// Page is one laid-out page. Read-only input; PageIndex is monotonic and
// unique within the full book ordering.
type Page struct {
	PageID      string          `json:"pageId"`
	ChapterID   string          `json:"chapterId"`
	PageIndex   int             `json:"pageIndex"`
	Width       float64         `json:"width"`
	Height      float64         `json:"height"`
	TextRuns    []TextRun       `json:"textRuns"`
	SpanRects   map[string]Rect `json:"spanRects,omitempty"`
	FirstSpanID string          `json:"firstSpanId,omitempty"`
	LastSpanID  string          `json:"lastSpanId,omitempty"`
}

// Meta is the aggregate bundle descriptor, created once per compile.
type Meta struct {
	FormatVersion int    `json:"formatVersion"`
	BundleID      string `json:"bundleId"`
	Title         string `json:"title,omitempty"`
	Language      string `json:"language,omitempty"`
	Profile       string `json:"profile"`
	PageCount     int    `json:"pageCount"`
	SpanCount     int    `json:"spanCount"`
	ChapterCount  int    `json:"chapterCount"`
	AudioCount    int    `json:"audioCount"`
}

// TocEntry maps a table of contents title to a global page index.
type TocEntry struct {
	Title     string `json:"title"`
	PageIndex int    `json:"pageIndex"`
}

// spanEntry is the serialized span line of spans.jsonl: the span itself
// plus its resolved page index and resolved audio path. Transient - built
// during write, discarded after serialization.
type spanEntry struct {
	ID          string `json:"id"`
	ChapterID   string `json:"chapterId"`
	TextRef     string `json:"textRef"`
	AudioSrc    string `json:"audioSrc"`
	ClipBeginMs int64  `json:"clipBeginMs"`
	ClipEndMs   int64  `json:"clipEndMs"`
	PageIndex   int    `json:"pageIndex"`
}

// Validate checks span timing sanity.
func (s Span) Validate() error {
	if len(s.ID) == 0 {
		return fmt.Errorf("span has no id")
	}
	if s.ClipEndMs <= s.ClipBeginMs {
		return fmt.Errorf("span %s: clipEnd (%d) must be greater than clipBegin (%d)", s.ID, s.ClipEndMs, s.ClipBeginMs)
	}
	return nil
}
