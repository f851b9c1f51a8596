package mapping

import (
	"regexp"
	"strings"

	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"

	"github.com/JakeFAU/directory-submitter/internal/submission"
)

var (
	// quoted strips attribute values so their contents are not mistaken for
	// combinators or class selectors.
	quoted        = regexp.MustCompile(`'[^']*'|"[^"]*"`)
	attributeName = regexp.MustCompile(`\[\s*([a-zA-Z-]+)`)
)

// fieldAttributes are the attributes discovery records on a FormField.
var fieldAttributes = map[string]bool{"id": true, "name": true, "type": true, "placeholder": true, "aria-label": true}

// fieldSelector is a compiled CSS selector evaluated against discovered fields.
// Attribute values compare case-insensitively.
type fieldSelector struct {
	sel cascadia.Sel
}

// parseSelector compiles sel. ok is false when sel does not compile or needs
// context a discovered field does not carry, such as a class or an ancestor.
func parseSelector(sel string) (fieldSelector, bool) {
	sel = strings.TrimSpace(sel)
	bare := quoted.ReplaceAllString(sel, "")
	if sel == "" || strings.ContainsAny(bare, ".: >+~,") {
		return fieldSelector{}, false
	}
	for _, m := range attributeName.FindAllStringSubmatch(bare, -1) {
		if !fieldAttributes[strings.ToLower(m[1])] {
			return fieldSelector{}, false
		}
	}
	compiled, err := cascadia.Parse(strings.ToLower(sel))
	if err != nil {
		return fieldSelector{}, false
	}
	return fieldSelector{sel: compiled}, true
}

func (s fieldSelector) matches(f submission.FormField) bool {
	return s.sel != nil && s.sel.Match(fieldNode(f))
}

// fieldNode rebuilds the element a field was discovered from, with the
// attributes discovery keeps.
func fieldNode(f submission.FormField) *html.Node {
	tag := strings.ToLower(f.Tag)
	if tag == "" {
		tag = "input"
	}
	n := &html.Node{Type: html.ElementNode, Data: tag}
	for _, a := range []struct{ key, val string }{
		{"id", f.ID},
		{"name", f.Name},
		{"type", fieldType(f)},
		{"placeholder", f.Placeholder},
		{"aria-label", f.Label},
	} {
		if v := strings.TrimSpace(a.val); v != "" {
			n.Attr = append(n.Attr, html.Attribute{Key: a.key, Val: strings.ToLower(v)})
		}
	}
	return n
}

// selectorPresent reports whether sel targets one of fields. known is false when
// sel is too complex to evaluate without a DOM.
func selectorPresent(sel string, fields []submission.FormField) (present, known bool) {
	for _, f := range fields {
		if f.Selector != "" && f.Selector == sel {
			return true, true
		}
	}
	spec, ok := parseSelector(sel)
	if !ok {
		return false, false
	}
	for _, f := range fields {
		if spec.matches(f) {
			return true, true
		}
	}
	return false, true
}

func fieldType(f submission.FormField) string {
	if f.Type != "" {
		return strings.ToLower(f.Type)
	}
	if strings.EqualFold(f.Tag, "input") {
		return "text"
	}
	return ""
}

func fillable(f submission.FormField) bool {
	return f.Selector != "" && !ignoredTypes[fieldType(f)]
}
