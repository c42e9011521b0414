// Package epub builds read-only container abstraction on top of "archive/zip".
package epub

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/beevik/etree"
	"github.com/maruel/natural"
)

const (
	mimetypeContent = "application/epub+zip"
	containerPath   = "META-INF/container.xml"
)

var (
	// ErrNotFound is returned when requested entry is not in the archive.
	ErrNotFound = errors.New("file not found in container")
	// ErrInvalidContainer is returned when META-INF/container.xml is missing or malformed.
	ErrInvalidContainer = errors.New("invalid container")
)

// Container provides indexed read-only access to files inside an EPUB
// archive. The entry index is built once in Open and never mutated, so a
// Container is safe for concurrent reads.
type Container struct {
	path    string
	zr      *zip.ReadCloser
	files   map[string]*zip.File
	opfPath string
}

// Open reads the full archive entry index and locates the package document.
// Directory entries are excluded, names are normalized to forward slashes
// with no leading slash. Entries with path traversal components are
// rejected to prevent Zip Slip style surprises downstream.
func Open(archivePath string) (*Container, error) {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, fmt.Errorf("unable to open container (%s): %w", archivePath, err)
	}

	c := &Container{
		path:  archivePath,
		zr:    zr,
		files: make(map[string]*zip.File, len(zr.File)),
	}

	for _, f := range zr.File {
		name := f.FileHeader.Name
		if !isSafeEntryName(name) {
			zr.Close()
			return nil, fmt.Errorf("zip entry %q: unsafe path (absolute or contains path traversal)", name)
		}
		if f.FileInfo().IsDir() {
			continue
		}
		c.files[normalizeName(name)] = f
	}

	if c.opfPath, err = c.locatePackageDocument(); err != nil {
		zr.Close()
		return nil, err
	}
	return c, nil
}

// Close releases the underlying archive.
func (c *Container) Close() error {
	return c.zr.Close()
}

// OPFPath returns the archive path of the package document declared in
// META-INF/container.xml.
func (c *Container) OPFPath() string {
	return c.opfPath
}

// ReadFile returns the full content of the named entry.
func (c *Container) ReadFile(name string) ([]byte, error) {
	f, ok := c.files[normalizeName(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("unable to open entry %s: %w", name, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("unable to read entry %s: %w", name, err)
	}
	return data, nil
}

// ListFiles returns normalized entry names in natural order.
func (c *Container) ListFiles() []string {
	names := make([]string, 0, len(c.files))
	for n := range c.files {
		names = append(names, n)
	}
	sort.Sort(natural.StringSlice(names))
	return names
}

// CheckMimetype verifies that the archive carries the EPUB mimetype entry,
// stored uncompressed with the expected content. Failures here are
// diagnostic - plenty of books in the wild get this wrong.
func (c *Container) CheckMimetype() error {
	f, ok := c.files["mimetype"]
	if !ok {
		return fmt.Errorf("%w: mimetype", ErrNotFound)
	}
	if f.Method != zip.Store {
		return fmt.Errorf("mimetype entry is compressed")
	}
	data, err := c.ReadFile("mimetype")
	if err != nil {
		return err
	}
	if string(data) != mimetypeContent {
		return fmt.Errorf("unexpected mimetype content %q", string(data))
	}
	return nil
}

// locatePackageDocument parses META-INF/container.xml and returns the
// declared full path of the first rootfile element.
func (c *Container) locatePackageDocument() (string, error) {
	data, err := c.ReadFile(containerPath)
	if err != nil {
		return "", fmt.Errorf("%w: missing %s", ErrInvalidContainer, containerPath)
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return "", fmt.Errorf("%w: unable to parse %s: %v", ErrInvalidContainer, containerPath, err)
	}

	rootfile := doc.FindElement("//rootfile")
	if rootfile == nil {
		return "", fmt.Errorf("%w: no rootfile element in %s", ErrInvalidContainer, containerPath)
	}
	attr := rootfile.SelectAttr("full-path")
	if attr == nil || len(attr.Value) == 0 {
		return "", fmt.Errorf("%w: rootfile element has no full-path attribute", ErrInvalidContainer)
	}
	return normalizeName(attr.Value), nil
}

// ResolvePath resolves a relative reference against the directory of base.
// The reference may carry a #fragment which is reattached unchanged - span
// anchors use combined relative+fragment references. Folding never escapes
// the archive root.
func ResolvePath(base, ref string) string {
	refPath, frag, hasFrag := strings.Cut(ref, "#")
	if len(refPath) == 0 && hasFrag {
		// pure fragment points back into base itself
		return base + "#" + frag
	}

	dir := ""
	if i := strings.LastIndex(base, "/"); i >= 0 {
		dir = base[:i]
	}

	var parts []string
	for p := range strings.SplitSeq(dir+"/"+refPath, "/") {
		switch p {
		case "", ".":
		case "..":
			if len(parts) > 0 {
				parts = parts[:len(parts)-1]
			}
		default:
			parts = append(parts, p)
		}
	}
	out := strings.Join(parts, "/")
	if hasFrag {
		out += "#" + frag
	}
	return out
}

func normalizeName(name string) string {
	name = strings.ReplaceAll(name, `\`, "/")
	name = strings.TrimPrefix(name, "./")
	return strings.TrimPrefix(name, "/")
}

// isSafeEntryName returns false for paths that could escape the archive
// root: absolute paths and those containing ".." components.
func isSafeEntryName(name string) bool {
	if path.IsAbs(name) || strings.HasPrefix(name, "/") || strings.HasPrefix(name, `\`) {
		return false
	}
	for _, part := range strings.Split(name, "/") {
		if part == ".." {
			return false
		}
	}
	return true
}
