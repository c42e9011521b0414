// Package css makes untrusted stylesheet content safe to render while
// preserving presentation as much as possible.
package css

import (
	"strings"

	parse "github.com/tdewolff/parse/v2"
	"github.com/tdewolff/parse/v2/css"
	"go.uber.org/zap"
)

// Summary counts what sanitization removed or rewrote. Diagnostics only,
// never correctness-affecting.
type Summary struct {
	RemovedImports      int
	RewrittenURLs       int
	RemovedDeclarations int
}

// Add accumulates counters from another pass or document.
func (s *Summary) Add(o Summary) {
	s.RemovedImports += o.RemovedImports
	s.RewrittenURLs += o.RewrittenURLs
	s.RemovedDeclarations += o.RemovedDeclarations
}

// Sanitizer rewrites third-party CSS dropping script-execution vectors and
// out-of-package references. All passes are bounded sequential scans over
// lexer tokens - no backtracking, pathological input stays linear.
type Sanitizer struct {
	log *zap.Logger
}

// NewSanitizer creates a new CSS sanitizer.
func NewSanitizer(log *zap.Logger) *Sanitizer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Sanitizer{log: log.Named("css-sanitizer")}
}

// SanitizeStylesheet runs the three passes over full stylesheet text:
// unsafe @import removal, dangerous declaration removal, unsafe url()
// rewriting. Pass order matters - dropping dangerous declarations before
// the URL pass keeps an expression() payload from surviving inside a
// URL-looking construct an earlier pass already excised.
func (s *Sanitizer) SanitizeStylesheet(sheet string) (string, Summary) {
	var sum Summary
	toks := tokenize(sheet)
	toks = s.stripImports(toks, &sum)
	toks = s.stripDangerousDeclarations(toks, false, &sum)
	toks = s.rewriteUnsafeURLs(toks, &sum)
	if sum != (Summary{}) {
		s.log.Debug("Sanitized stylesheet",
			zap.Int("removed_imports", sum.RemovedImports),
			zap.Int("removed_declarations", sum.RemovedDeclarations),
			zap.Int("rewritten_urls", sum.RewrittenURLs))
	}
	return join(toks), sum
}

// SanitizeDeclarationList runs passes 2-3 only - inline style attributes
// cannot contain @import rules.
func (s *Sanitizer) SanitizeDeclarationList(decls string) (string, Summary) {
	var sum Summary
	toks := tokenize(decls)
	toks = s.stripDangerousDeclarations(toks, true, &sum)
	toks = s.rewriteUnsafeURLs(toks, &sum)
	return join(toks), sum
}

type token struct {
	tt   css.TokenType
	data string
}

// tokenize splits input into lexer tokens. Token data slices concatenate
// back to the exact original text, which lets passes drop or replace spans
// without reformatting anything they did not touch.
func tokenize(s string) []token {
	l := css.NewLexer(parse.NewInputString(s))
	var toks []token
	for {
		tt, data := l.Next()
		if tt == css.ErrorToken {
			return toks
		}
		toks = append(toks, token{tt, string(data)})
	}
}

func join(toks []token) string {
	var b strings.Builder
	for _, t := range toks {
		b.WriteString(t.data)
	}
	return b.String()
}

// stripImports drops every @import rule whose target does not pass the
// stylesheet href predicate. Both url(...) and quoted-string forms are
// recognized.
func (s *Sanitizer) stripImports(toks []token, sum *Summary) []token {
	out := make([]token, 0, len(toks))
	for i := 0; i < len(toks); {
		t := toks[i]
		if t.tt != css.AtKeywordToken || !strings.EqualFold(t.data, "@import") {
			out = append(out, t)
			i++
			continue
		}

		// rule runs through its terminating semicolon
		end := i
		url := ""
		for end < len(toks) {
			switch toks[end].tt {
			case css.URLToken:
				if len(url) == 0 {
					url = unwrapURL(toks[end].data)
				}
			case css.StringToken:
				if len(url) == 0 {
					url = unquote(toks[end].data)
				}
			}
			if toks[end].tt == css.SemicolonToken {
				break
			}
			end++
		}
		if end == len(toks) {
			end-- // unterminated rule at EOF
		}

		if IsSafeStylesheetHref(url) {
			out = append(out, toks[i:end+1]...)
			i = end + 1
			continue
		}

		s.log.Debug("Removing unsafe @import", zap.String("url", url))
		sum.RemovedImports++
		i = end + 1
		// swallow trailing whitespace of the removed rule
		for i < len(toks) && toks[i].tt == css.WhitespaceToken {
			i++
		}
	}
	return out
}

// stripDangerousDeclarations removes declarations carrying legacy
// script-execution vectors regardless of where they appear: behavior
// bindings, vendor binding extensions and expression() values. When a
// removed declaration had a separator semicolon exactly one survives, so
// surrounding syntax stays valid.
func (s *Sanitizer) stripDangerousDeclarations(toks []token, listMode bool, sum *Summary) []token {
	out := make([]token, 0, len(toks))
	braces := 0
	parens := 0

	for i := 0; i < len(toks); {
		t := toks[i]
		switch t.tt {
		case css.LeftBraceToken:
			braces++
		case css.RightBraceToken:
			if braces > 0 {
				braces--
			}
		case css.LeftParenthesisToken, css.FunctionToken:
			parens++
		case css.RightParenthesisToken:
			if parens > 0 {
				parens--
			}
		}

		inDeclarations := listMode || braces > 0
		if t.tt != css.IdentToken || !inDeclarations || parens > 0 {
			out = append(out, t)
			i++
			continue
		}

		// declaration requires a colon right after the property name
		colon := i + 1
		for colon < len(toks) && skippable(toks[colon].tt) {
			colon++
		}
		if colon == len(toks) || toks[colon].tt != css.ColonToken {
			out = append(out, t)
			i++
			continue
		}

		// value runs until the separator at this nesting level
		nested := false
		end := colon + 1
		depth := 0
		for end < len(toks) {
			switch toks[end].tt {
			case css.LeftParenthesisToken, css.FunctionToken:
				depth++
			case css.LeftBraceToken:
				if depth == 0 {
					// a block in value position means the colon belonged
					// to a selector pseudo-class, not a declaration
					nested = true
					goto valueEnd
				}
				depth++
			case css.RightParenthesisToken:
				if depth > 0 {
					depth--
				}
			case css.RightBraceToken:
				if depth == 0 {
					goto valueEnd
				}
				depth--
			case css.SemicolonToken:
				if depth == 0 {
					goto valueEnd
				}
			}
			end++
		}
	valueEnd:

		if nested {
			// emit the selector token only and rescan from the next one,
			// so declarations inside the nested ruleset get examined
			out = append(out, t)
			i++
			continue
		}

		if !dangerousDeclaration(t.data, toks[colon+1:end]) {
			out = append(out, toks[i:end]...)
			i = end
			continue
		}

		s.log.Debug("Removing dangerous declaration", zap.String("property", t.data))
		sum.RemovedDeclarations++
		i = end
		if i < len(toks) && toks[i].tt == css.SemicolonToken {
			i++
		}
		for i < len(toks) && toks[i].tt == css.WhitespaceToken {
			i++
		}
	}
	return out
}

// rewriteUnsafeURLs replaces every unsafe url(...) value with an empty
// quoted URL, leaving safe ones untouched.
func (s *Sanitizer) rewriteUnsafeURLs(toks []token, sum *Summary) []token {
	out := make([]token, 0, len(toks))
	for i := 0; i < len(toks); i++ {
		t := toks[i]
		switch {
		case t.tt == css.URLToken:
			if u := unwrapURL(t.data); !IsSafeURL(u) {
				s.log.Debug("Rewriting unsafe url()", zap.String("url", u))
				t.data = `url("")`
				sum.RewrittenURLs++
			}
			out = append(out, t)

		case t.tt == css.FunctionToken && strings.EqualFold(t.data, "url("):
			// quoted form lexes as function + string + closing paren
			out = append(out, t)
			for i+1 < len(toks) && toks[i+1].tt != css.RightParenthesisToken {
				i++
				st := toks[i]
				if st.tt == css.StringToken {
					if u := unquote(st.data); !IsSafeURL(u) {
						s.log.Debug("Rewriting unsafe url()", zap.String("url", u))
						st.data = `""`
						sum.RewrittenURLs++
					}
				}
				out = append(out, st)
			}

		default:
			out = append(out, t)
		}
	}
	return out
}

func skippable(tt css.TokenType) bool {
	return tt == css.WhitespaceToken || tt == css.CommentToken
}

func dangerousDeclaration(property string, value []token) bool {
	prop := strings.ToLower(strings.TrimSpace(property))
	if prop == "behavior" || strings.HasSuffix(prop, "-binding") {
		return true
	}
	for _, t := range value {
		if t.tt == css.FunctionToken && strings.EqualFold(t.data, "expression(") {
			return true
		}
	}
	return false
}

// unwrapURL extracts the target from a url(...) token.
func unwrapURL(s string) string {
	if len(s) >= 4 && strings.EqualFold(s[:4], "url(") {
		s = s[4:]
	}
	s = strings.TrimSuffix(s, ")")
	return unquote(s)
}

// unquote removes surrounding quotes from a string.
func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) < 2 {
		return s
	}
	if (s[0] == '"' && s[len(s)-1] == '"') ||
		(s[0] == '\'' && s[len(s)-1] == '\'') {
		return s[1 : len(s)-1]
	}
	return s
}
