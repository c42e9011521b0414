package align

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeSpansFile(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "spans.json")
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadSpans(t *testing.T) {
	p := writeSpansFile(t, `{
		"schemaVersion": 1,
		"spans": [
			{"id": "s1", "chapterId": "ch1", "textRef": "ch1.xhtml#s1", "audioSrc": "audio/a.mp3", "clipBeginMs": 0, "clipEndMs": 1500},
			{"id": "s2", "chapterId": "ch1", "textRef": "ch1.xhtml#s2", "audioSrc": "audio/a.mp3", "clipBeginMs": 1500, "clipEndMs": 2800}
		]
	}`)

	spans, err := LoadSpans(p, nil)
	if err != nil {
		t.Fatalf("LoadSpans() error = %v", err)
	}
	if len(spans) != 2 {
		t.Fatalf("len(spans) = %d, want 2", len(spans))
	}
	if spans[0].ID != "s1" || spans[0].ClipEndMs != 1500 {
		t.Errorf("spans[0] = %+v", spans[0])
	}
	// file order is preserved
	if spans[1].ID != "s2" {
		t.Errorf("spans[1] = %+v", spans[1])
	}
}

func TestLoadSpansErrors(t *testing.T) {
	cases := []struct {
		name    string
		content string
		want    string
	}{
		{
			name:    "wrong schema version",
			content: `{"schemaVersion": 2, "spans": []}`,
			want:    "schema version mismatch",
		},
		{
			name:    "not json",
			content: `spans go here`,
			want:    "unable to parse",
		},
		{
			name:    "duplicate ids",
			content: `{"schemaVersion": 1, "spans": [{"id":"s1","clipBeginMs":0,"clipEndMs":10},{"id":"s1","clipBeginMs":10,"clipEndMs":20}]}`,
			want:    "duplicate span id",
		},
		{
			name:    "inverted timing",
			content: `{"schemaVersion": 1, "spans": [{"id":"s1","clipBeginMs":20,"clipEndMs":10}]}`,
			want:    "clipEnd",
		},
		{
			name:    "span without id",
			content: `{"schemaVersion": 1, "spans": [{"clipBeginMs":0,"clipEndMs":10}]}`,
			want:    "no id",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := LoadSpans(writeSpansFile(t, c.content), nil)
			if err == nil || !strings.Contains(err.Error(), c.want) {
				t.Errorf("error = %v, want substring %q", err, c.want)
			}
		})
	}
}

func TestLoadSpansMissingFile(t *testing.T) {
	_, err := LoadSpans(filepath.Join(t.TempDir(), "nope.json"), nil)
	if err == nil {
		t.Error("expected error for missing file")
	}
}
