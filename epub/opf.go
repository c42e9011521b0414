package epub

import (
	"fmt"

	"github.com/beevik/etree"
	"go.uber.org/zap"
)

// ManifestItem is a single manifest entry of the package document.
type ManifestItem struct {
	ID         string
	Href       string
	MediaType  string
	Properties string
}

// SpineItem is a single spine reference of the package document.
type SpineItem struct {
	IDRef  string
	Linear bool
}

// Package holds the OPF-derived structures consumed by the compile
// pipeline. Nothing here is mutated after parsing.
type Package struct {
	Version    string
	Identifier string
	Title      string
	Language   string
	Manifest   []ManifestItem
	Spine      []SpineItem
}

// ManifestByID returns the manifest item with the given id.
func (p *Package) ManifestByID(id string) (ManifestItem, bool) {
	for _, item := range p.Manifest {
		if item.ID == id {
			return item, true
		}
	}
	return ManifestItem{}, false
}

// SpineManifestItems resolves spine references to manifest items in spine
// order, skipping danglers.
func (p *Package) SpineManifestItems(log *zap.Logger) []ManifestItem {
	items := make([]ManifestItem, 0, len(p.Spine))
	for _, s := range p.Spine {
		item, ok := p.ManifestByID(s.IDRef)
		if !ok {
			log.Warn("Spine references unknown manifest item", zap.String("idref", s.IDRef))
			continue
		}
		items = append(items, item)
	}
	return items
}

// ParsePackage reads an OPF package document. Optional metadata may be
// absent - only a missing manifest or spine is fatal.
func ParsePackage(data []byte, log *zap.Logger) (*Package, error) {
	if log == nil {
		log = zap.NewNop()
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, fmt.Errorf("unable to parse package document: %w", err)
	}

	root := doc.SelectElement("package")
	if root == nil {
		return nil, fmt.Errorf("package document has no package element")
	}

	pkg := &Package{Version: attrValue(root, "version")}

	if meta := root.SelectElement("metadata"); meta != nil {
		// Dublin Core elements usually carry the dc prefix, but not always.
		pkg.Identifier = elementText(meta, "dc:identifier", "identifier")
		pkg.Title = elementText(meta, "dc:title", "title")
		pkg.Language = elementText(meta, "dc:language", "language")
	} else {
		log.Warn("Package document has no metadata element")
	}

	manifest := root.SelectElement("manifest")
	if manifest == nil {
		return nil, fmt.Errorf("package document has no manifest element")
	}
	for _, e := range manifest.SelectElements("item") {
		item := ManifestItem{
			ID:         attrValue(e, "id"),
			Href:       attrValue(e, "href"),
			MediaType:  attrValue(e, "media-type"),
			Properties: attrValue(e, "properties"),
		}
		if len(item.ID) == 0 || len(item.Href) == 0 {
			log.Warn("Skipping incomplete manifest item", zap.String("id", item.ID), zap.String("href", item.Href))
			continue
		}
		pkg.Manifest = append(pkg.Manifest, item)
	}

	spine := root.SelectElement("spine")
	if spine == nil {
		return nil, fmt.Errorf("package document has no spine element")
	}
	for _, e := range spine.SelectElements("itemref") {
		idref := attrValue(e, "idref")
		if len(idref) == 0 {
			log.Warn("Skipping spine itemref without idref")
			continue
		}
		pkg.Spine = append(pkg.Spine, SpineItem{
			IDRef:  idref,
			Linear: attrValue(e, "linear") != "no",
		})
	}

	return pkg, nil
}

func elementText(parent *etree.Element, tags ...string) string {
	for _, tag := range tags {
		if e := parent.SelectElement(tag); e != nil {
			return e.Text()
		}
	}
	return ""
}

func attrValue(e *etree.Element, name string) string {
	if a := e.SelectAttr(name); a != nil {
		return a.Value
	}
	return ""
}
