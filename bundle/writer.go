package bundle

import (
	"archive/zip"
	"compress/flate"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/h2non/filetype"
	fixzip "github.com/hidez8891/zip"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"rab/config"
	"rab/misc"
)

// UnassignedPageIndex marks a span without a page mapping. Recorded, never
// treated as an error - this writer does not validate upstream
// consistency, only records it.
const UnassignedPageIndex = -1

// AudioSource supplies audio payloads by container path.
type AudioSource interface {
	ReadFile(name string) ([]byte, error)
}

// WriteInput carries everything one bundle write needs. All collections
// are read-only inputs produced upstream.
type WriteInput struct {
	Meta          Meta
	Spans         []Span
	Pages         []Page
	SpanPageIndex map[string]int
	TOC           []TocEntry
	AudioFiles    []string
	Audio         AudioSource
}

// Writer produces on-disk bundles. A single Writer may be reused, but two
// concurrent writes must never target the same output path - that is the
// caller's contract.
type Writer struct {
	log    *zap.Logger
	fixZip bool
}

// Option adjusts writer behavior.
type Option func(*Writer)

// WithFixZip rewrites the final archive dropping zip data descriptors so
// picky consumers can stream entries.
func WithFixZip() Option {
	return func(w *Writer) { w.fixZip = true }
}

// NewWriter creates a bundle writer.
func NewWriter(log *zap.Logger, opts ...Option) *Writer {
	if log == nil {
		log = zap.NewNop()
	}
	w := &Writer{log: log.Named("bundle-writer")}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Write produces or fully replaces the bundle archive at outputPath. All
// output is staged in a private temporary directory and the final archive
// is materialized only after every write succeeded, so a fatal failure
// leaves no partial artifact - observers see either the old bundle or the
// new one, never a mix. The staging directory is removed on every exit
// path.
func (w *Writer) Write(ctx context.Context, outputPath string, in WriteInput) (err error) {
	if err = ctx.Err(); err != nil {
		return err
	}

	w.log.Info("Writing bundle", zap.String("output", outputPath), zap.Int("pages", len(in.Pages)), zap.Int("spans", len(in.Spans)))

	if err = os.MkdirAll(filepath.Dir(outputPath), 0755); err != nil {
		return fmt.Errorf("unable to create output directory: %w", err)
	}

	// staging next to the output keeps the final rename on one filesystem
	tmpDir, err := os.MkdirTemp(filepath.Dir(outputPath), "."+misc.GetAppName()+"-staging-")
	if err != nil {
		return fmt.Errorf("unable to create staging directory: %w", err)
	}
	defer func() {
		if rmErr := os.RemoveAll(tmpDir); rmErr != nil {
			err = multierr.Append(err, fmt.Errorf("unable to remove staging directory: %w", rmErr))
		}
	}()

	contentDir := filepath.Join(tmpDir, "bundle")
	if err = w.stage(contentDir, in); err != nil {
		return err
	}

	archive := filepath.Join(tmpDir, "bundle.zip")
	if err = packDir(contentDir, archive); err != nil {
		return fmt.Errorf("unable to pack bundle archive: %w", err)
	}

	final := archive
	if w.fixZip {
		final = filepath.Join(tmpDir, "bundle-fixed.zip")
		if err = copyZipWithoutDataDescriptors(archive, final); err != nil {
			return err
		}
	}

	// full overwrite, no merge - stale content must not survive a recompile
	if err = os.RemoveAll(outputPath); err != nil {
		return fmt.Errorf("unable to remove previous bundle: %w", err)
	}
	if err = os.Rename(final, outputPath); err != nil {
		return fmt.Errorf("unable to finalize bundle: %w", err)
	}
	return nil
}

// WriteUncompressed shares all staging and content logic with Write but
// emits the bundle as a plain directory at outputDir. No temp-then-archive
// indirection and no atomicity guarantee - debugging only.
func (w *Writer) WriteUncompressed(ctx context.Context, outputDir string, in WriteInput) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	w.log.Info("Writing uncompressed bundle", zap.String("output", outputDir), zap.Int("pages", len(in.Pages)), zap.Int("spans", len(in.Spans)))

	if err := os.RemoveAll(outputDir); err != nil {
		return fmt.Errorf("unable to remove previous bundle: %w", err)
	}
	return w.stage(outputDir, in)
}

// stage writes full bundle content under dir.
func (w *Writer) stage(dir string, in WriteInput) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("unable to create bundle directory: %w", err)
	}

	if err := writeJSONPretty(filepath.Join(dir, "meta.json"), in.Meta); err != nil {
		return fmt.Errorf("unable to write meta.json: %w", err)
	}

	toc := in.TOC
	if toc == nil {
		toc = []TocEntry{}
	}
	if err := writeJSONPretty(filepath.Join(dir, "toc.json"), toc); err != nil {
		return fmt.Errorf("unable to write toc.json: %w", err)
	}

	if err := w.writePages(dir, in.Pages); err != nil {
		return err
	}

	audioNames := resolveAudioNames(in.AudioFiles)
	if err := w.writeAudio(dir, in.AudioFiles, audioNames, in.Audio); err != nil {
		return err
	}

	if err := w.writeSpans(filepath.Join(dir, "spans.jsonl"), in.Spans, in.SpanPageIndex, audioNames); err != nil {
		return fmt.Errorf("unable to write spans.jsonl: %w", err)
	}
	return nil
}

func (w *Writer) writePages(dir string, pages []Page) error {
	pagesDir := filepath.Join(dir, "pages")
	if err := os.MkdirAll(pagesDir, 0755); err != nil {
		return fmt.Errorf("unable to create pages directory: %w", err)
	}
	for i, p := range pages {
		name := config.CleanFileName(p.PageID)
		if len(p.PageID) == 0 {
			name = fmt.Sprintf("page-%d", i)
			w.log.Warn("Page without id", zap.Int("position", i), zap.String("file", name))
		}
		data, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("unable to serialize page %s: %w", p.PageID, err)
		}
		if err := os.WriteFile(filepath.Join(pagesDir, name+".json"), data, 0644); err != nil {
			return fmt.Errorf("unable to write page %s: %w", p.PageID, err)
		}
	}
	return nil
}

// writeAudio copies audio payloads under their resolved names. A read
// failure for a single asset is a warning, not a fatal error - the rest of
// the bundle still writes.
func (w *Writer) writeAudio(dir string, files []string, names map[string]string, src AudioSource) error {
	if len(files) == 0 {
		return nil
	}
	if src == nil {
		w.log.Warn("Audio files listed but no audio source supplied", zap.Int("count", len(files)))
		return nil
	}

	audioDir := filepath.Join(dir, "audio")
	if err := os.MkdirAll(audioDir, 0755); err != nil {
		return fmt.Errorf("unable to create audio directory: %w", err)
	}

	done := make(map[string]bool, len(files))
	for _, f := range files {
		if done[f] {
			continue
		}
		done[f] = true

		data, err := src.ReadFile(f)
		if err != nil {
			w.log.Warn("Unable to read audio asset, skipping", zap.String("source", f), zap.Error(err))
			continue
		}
		if !filetype.IsAudio(data) {
			w.log.Warn("Audio asset payload does not look like audio", zap.String("source", f))
		}
		if err := os.WriteFile(filepath.Join(audioDir, names[f]), data, 0644); err != nil {
			return fmt.Errorf("unable to write audio asset %s: %w", names[f], err)
		}
	}
	return nil
}

func (w *Writer) writeSpans(path string, spans []Span, pageIndex map[string]int, audioNames map[string]string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	enc := json.NewEncoder(f)
	for _, s := range spans {
		e := spanEntry{
			ID:          s.ID,
			ChapterID:   s.ChapterID,
			TextRef:     s.TextRef,
			AudioSrc:    s.AudioSrc,
			ClipBeginMs: s.ClipBeginMs,
			ClipEndMs:   s.ClipEndMs,
			PageIndex:   UnassignedPageIndex,
		}
		if idx, ok := pageIndex[s.ID]; ok {
			e.PageIndex = idx
		} else {
			w.log.Debug("Span has no page mapping", zap.String("span", s.ID))
		}
		// the same resolution map names copied audio bytes and rewrites
		// span sources - the two must never diverge
		if dest, ok := audioNames[s.AudioSrc]; ok {
			e.AudioSrc = dest
		}
		if err := enc.Encode(e); err != nil {
			return err
		}
	}
	return nil
}

// resolveAudioNames maps every distinct audio source to a destination
// basename. First occurrence of a basename keeps it, each subsequent
// collision on that exact basename gets a numeric suffix before the
// extension, counted independently per basename, in input traversal order.
func resolveAudioNames(files []string) map[string]string {
	seen := make(map[string]int, len(files))
	names := make(map[string]string, len(files))
	for _, f := range files {
		if _, dup := names[f]; dup {
			continue
		}
		base := path.Base(f)
		n := seen[base]
		seen[base] = n + 1
		if n == 0 {
			names[f] = base
			continue
		}
		ext := path.Ext(base)
		names[f] = fmt.Sprintf("%s_%d%s", strings.TrimSuffix(base, ext), n, ext)
	}
	return names
}

func writeJSONPretty(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0644)
}

// packDir packs directory content into a zip archive at maximum
// compression.
func packDir(dir, archive string) (err error) {
	f, err := os.Create(archive)
	if err != nil {
		return err
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.BestCompression)
	})
	defer zw.Close()

	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		w, err := zw.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		in, err := os.Open(p)
		if err != nil {
			return err
		}
		defer in.Close()
		_, err = io.Copy(w, in)
		return err
	})
	if err != nil {
		return err
	}

	// make sure buffers are flushed before continuing
	if err = zw.Close(); err != nil {
		return fmt.Errorf("unable to close output archive: %w", err)
	}
	return f.Close()
}

func copyZipWithoutDataDescriptors(from, to string) error {

	out, err := os.Create(to)
	if err != nil {
		return fmt.Errorf("unable to create target file (%s): %w", to, err)
	}
	defer out.Close()

	r, err := fixzip.OpenReader(from)
	if err != nil {
		return fmt.Errorf("unable to read archive file (%s): %w", from, err)
	}
	defer r.Close()

	w := fixzip.NewWriter(out)
	defer w.Close()

	for _, file := range r.File {
		// unset data descriptor flag.
		file.Flags &= ^fixzip.FlagDataDescriptor

		// copy zip entry
		if err := w.CopyFile(file); err != nil {
			return fmt.Errorf("unable to write target file (%s): %w", to, err)
		}
	}
	return nil
}
