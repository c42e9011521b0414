package css

import (
	"strings"
)

// IsSafeURL reports whether a generic url() reference is safe to keep.
// Fragment references and data: URLs are safe; protocol-relative
// references and any other scheme are not, and neither is an empty value.
func IsSafeURL(u string) bool {
	u = strings.TrimSpace(u)
	if len(u) == 0 {
		return false
	}
	if u[0] == '#' {
		return true
	}
	if strings.HasPrefix(u, "//") {
		return false
	}
	scheme, ok := splitScheme(u)
	if !ok {
		return true // relative in-package reference
	}
	// Only the exact data scheme is allowed. Anything else - including a
	// colon-bearing prefix that is not a well-formed scheme token, e.g. an
	// obfuscated "java\tscript:" - is rejected.
	return strings.EqualFold(scheme, "data")
}

// IsSafeStylesheetHref is the stricter predicate for top-level stylesheet
// links: only same-package relative paths are safe. No data: exception, no
// scheme, no protocol-relative form, no escape from the package root.
func IsSafeStylesheetHref(href string) bool {
	href = strings.TrimSpace(href)
	if len(href) == 0 {
		return false
	}
	if href[0] == '#' || href[0] == '/' {
		return false
	}
	if _, ok := splitScheme(href); ok {
		return false
	}
	for _, part := range strings.Split(href, "/") {
		if part == ".." {
			return false
		}
	}
	return true
}

// splitScheme reports whether u starts with a scheme-like prefix: anything
// up to a colon that appears before the first path, query or fragment
// delimiter. The prefix is returned verbatim, so callers comparing it
// against an allowed scheme automatically reject obfuscated variants with
// embedded whitespace or control characters.
func splitScheme(u string) (string, bool) {
	for i := 0; i < len(u); i++ {
		switch u[i] {
		case ':':
			return u[:i], true
		case '/', '#', '?':
			return "", false
		}
	}
	return "", false
}
