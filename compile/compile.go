// Package compile drives the EPUB to bundle pipeline: container, package
// document, chapter sanitization, sidecar layout, style compaction and the
// final atomic bundle write.
package compile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	cli "github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"rab/align"
	"rab/bundle"
	"rab/config"
	"rab/css"
	"rab/epub"
	"rab/paginate"
	"rab/state"
)

// Run is the compile subcommand entry point.
func Run(ctx context.Context, cmd *cli.Command) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}

	env := state.EnvFromContext(ctx)
	log := env.Log.Named("compile")

	src := cmd.Args().Get(0)
	if len(src) == 0 {
		return errors.New("no input EPUB has been specified")
	}
	if src, err = filepath.Abs(src); err != nil {
		return err
	}

	dst := cmd.Args().Get(1)
	if len(dst) == 0 {
		dst = strings.TrimSuffix(filepath.Base(src), filepath.Ext(src)) + ".rab"
	}
	if dst, err = filepath.Abs(dst); err != nil {
		return err
	}
	if cmd.Args().Len() > 2 {
		log.Warn("Malformed command line, too many destinations", zap.Strings("ignoring", cmd.Args().Slice()[2:]))
	}

	env.Overwrite = cmd.Bool("overwrite")
	if err := checkDestination(dst, env.Overwrite); err != nil {
		return err
	}

	// command line beats configuration file
	if name := cmd.String("profile"); len(name) > 0 {
		env.Cfg.Compile.Profile = name
	}
	if bin := cmd.String("paginator"); len(bin) > 0 {
		env.Cfg.Compile.Paginator.Path = bin
	}
	if cmd.Bool("fix-zip") {
		env.Cfg.Compile.FixZip = true
	}
	if cmd.Bool("uncompressed") {
		env.Cfg.Compile.Uncompressed = true
	}

	c := &compiler{
		env:       env,
		log:       log,
		spansPath: cmd.String("spans"),
	}
	return c.compile(ctx, src, dst)
}

// checkDestination refuses a pre-existing destination unless overwrite was
// requested. Both output variants replace dst completely - the directory
// one removes a whole tree - so the guard must not depend on the variant.
func checkDestination(dst string, overwrite bool) error {
	if overwrite {
		return nil
	}
	if _, err := os.Stat(dst); err == nil {
		return fmt.Errorf("destination '%s' already exists, use --overwrite to replace it", dst)
	}
	return nil
}

type compiler struct {
	env       *state.LocalEnv
	log       *zap.Logger
	spansPath string
}

func (c *compiler) compile(ctx context.Context, src, dst string) error {

	cfg := c.env.Cfg.Compile
	log := c.log

	profile, ok := c.env.Profiles.Lookup(cfg.Profile)
	if !ok {
		return fmt.Errorf("unknown device profile %q (have: %s)", cfg.Profile, strings.Join(c.env.Profiles.Names(), ", "))
	}

	start := time.Now()
	log.Info("Compiling", zap.String("from", src), zap.String("to", dst), zap.String("profile", profile.Name))

	ec, err := epub.Open(src)
	if err != nil {
		return fmt.Errorf("unable to open container: %w", err)
	}
	defer ec.Close()

	if c.env.Rpt != nil {
		c.env.Rpt.Store("input/"+filepath.Base(src), src)
	}

	// broken mimetype entry is common enough in the wild to tolerate
	if err := ec.CheckMimetype(); err != nil {
		log.Warn("Container has questionable mimetype entry", zap.Error(err))
	}

	opfData, err := ec.ReadFile(ec.OPFPath())
	if err != nil {
		return fmt.Errorf("unable to read package document: %w", err)
	}
	pkg, err := epub.ParsePackage(opfData, log)
	if err != nil {
		return fmt.Errorf("unable to parse package document: %w", err)
	}

	chapters, err := c.prepareChapters(ec, pkg)
	if err != nil {
		return err
	}
	if len(chapters) == 0 {
		return errors.New("book has no usable spine documents")
	}

	var spans []bundle.Span
	if len(c.spansPath) > 0 {
		if spans, err = align.LoadSpans(c.spansPath, log); err != nil {
			return err
		}
	} else {
		log.Info("No alignment file provided, producing text-only bundle")
	}

	pages, err := c.paginate(ctx, profile, chapters)
	if err != nil {
		return err
	}
	if len(pages) == 0 {
		return errors.New("paginator produced no pages")
	}

	pages, styles := bundle.CompactStyles(pages)
	log.Debug("Compacted styles", zap.Int("pages", len(pages)), zap.Int("styles", len(styles)))

	spanPages := buildSpanPageIndex(pages, spans, log)
	audio := collectAudioSources(spans)

	meta := bundle.Meta{
		FormatVersion: bundle.FormatVersion,
		BundleID:      bundle.DeriveBundleID(pkg.Identifier, opfData),
		Title:         pkg.Title,
		Language:      pkg.Language,
		Profile:       profile.Name,
		PageCount:     len(pages),
		SpanCount:     len(spans),
		ChapterCount:  len(chapters),
		AudioCount:    len(audio),
	}

	in := bundle.WriteInput{
		Meta:          meta,
		Spans:         spans,
		Pages:         pages,
		SpanPageIndex: spanPages,
		TOC:           buildTOC(chapters, pages),
		AudioFiles:    audio,
		Audio:         ec,
	}

	var opts []bundle.Option
	if cfg.FixZip {
		opts = append(opts, bundle.WithFixZip())
	}
	w := bundle.NewWriter(log, opts...)

	if cfg.Uncompressed {
		err = w.WriteUncompressed(ctx, dst, in)
	} else {
		err = w.Write(ctx, dst, in)
	}
	if err != nil {
		return fmt.Errorf("unable to write bundle: %w", err)
	}

	log.Info("Compiled",
		zap.String("bundle", meta.BundleID),
		zap.Int("pages", meta.PageCount),
		zap.Int("spans", meta.SpanCount),
		zap.Int("audio", meta.AudioCount),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

// prepareChapters walks the spine in reading order sanitizing every
// document the package declares renderable.
func (c *compiler) prepareChapters(ec *epub.Container, pkg *epub.Package) ([]preparedChapter, error) {

	san := css.NewSanitizer(c.log)

	var (
		chapters []preparedChapter
		total    css.Summary
	)
	for _, item := range pkg.SpineManifestItems(c.log) {
		if !isDocumentType(item.MediaType) {
			c.log.Debug("Skipping non-document spine item", zap.String("id", item.ID), zap.String("media-type", item.MediaType))
			continue
		}
		// manifest hrefs are relative to the package document
		docPath := epub.ResolvePath(ec.OPFPath(), item.Href)
		data, err := ec.ReadFile(docPath)
		if err != nil {
			return nil, fmt.Errorf("unable to read spine document %s: %w", docPath, err)
		}
		ch, err := prepareChapter(ec, docPath, data, san, c.log)
		if err != nil {
			return nil, err
		}
		ch.ID = item.ID
		total.Add(ch.Summary)
		chapters = append(chapters, ch)

		if c.env.Rpt != nil {
			c.env.Rpt.StoreData("chapters/"+config.CleanFileName(item.ID)+".html", []byte(ch.HTML))
		}
	}

	if total.RemovedImports+total.RewrittenURLs+total.RemovedDeclarations > 0 {
		c.log.Info("Sanitized book styles",
			zap.Int("removed imports", total.RemovedImports),
			zap.Int("rewritten urls", total.RewrittenURLs),
			zap.Int("removed declarations", total.RemovedDeclarations))
	}
	return chapters, nil
}

func (c *compiler) paginate(ctx context.Context, profile config.DeviceProfile, chapters []preparedChapter) ([]bundle.Page, error) {

	cfg := c.env.Cfg.Compile.Paginator

	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(cfg.Timeout)*time.Second)
		defer cancel()
	}

	req := make([]paginate.Chapter, 0, len(chapters))
	for _, ch := range chapters {
		req = append(req, paginate.Chapter{ChapterID: ch.ID, HTML: ch.HTML})
	}

	client := paginate.NewClient(cfg.Path, cfg.Args, c.log)
	return client.Paginate(ctx, paginate.ProfileFromDevice(profile), req)
}

// buildSpanPageIndex maps every span to the lowest-index page presenting
// it, either through explicit geometry or through the page
// firstSpanId..lastSpanId range walked in alignment order.
func buildSpanPageIndex(pages []bundle.Page, spans []bundle.Span, log *zap.Logger) map[string]int {
	index := make(map[string]int)
	for _, p := range pages {
		for spanID := range p.SpanRects {
			if prev, ok := index[spanID]; ok {
				if p.PageIndex < prev {
					index[spanID] = p.PageIndex
				}
				log.Debug("Span appears on multiple pages", zap.String("span", spanID), zap.Int("page", p.PageIndex))
				continue
			}
			index[spanID] = p.PageIndex
		}
	}

	pos := make(map[string]int, len(spans))
	for i, s := range spans {
		pos[s.ID] = i
	}
	for _, p := range pages {
		first, okF := pos[p.FirstSpanID]
		last, okL := pos[p.LastSpanID]
		if !okF || !okL || first > last {
			continue
		}
		for i := first; i <= last; i++ {
			id := spans[i].ID
			if prev, ok := index[id]; !ok || p.PageIndex < prev {
				index[id] = p.PageIndex
			}
		}
	}
	return index
}

// buildTOC produces one entry per chapter pointing at its first page.
// Chapters the paginator returned no pages for are left out.
func buildTOC(chapters []preparedChapter, pages []bundle.Page) []bundle.TocEntry {
	first := make(map[string]int, len(chapters))
	for _, p := range pages {
		if cur, ok := first[p.ChapterID]; !ok || p.PageIndex < cur {
			first[p.ChapterID] = p.PageIndex
		}
	}

	toc := make([]bundle.TocEntry, 0, len(chapters))
	for _, ch := range chapters {
		idx, ok := first[ch.ID]
		if !ok {
			continue
		}
		title := ch.Title
		if len(title) == 0 {
			title = ch.ID
		}
		toc = append(toc, bundle.TocEntry{Title: title, PageIndex: idx})
	}
	return toc
}

// collectAudioSources returns unique span audio paths in first-use order.
func collectAudioSources(spans []bundle.Span) []string {
	var (
		seen  = make(map[string]struct{})
		files []string
	)
	for _, s := range spans {
		if len(s.AudioSrc) == 0 {
			continue
		}
		if _, ok := seen[s.AudioSrc]; ok {
			continue
		}
		seen[s.AudioSrc] = struct{}{}
		files = append(files, s.AudioSrc)
	}
	return files
}

func isDocumentType(mediaType string) bool {
	switch mediaType {
	case "application/xhtml+xml", "text/html":
		return true
	}
	return false
}
