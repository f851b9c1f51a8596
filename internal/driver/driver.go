// Package driver holds what the static and headless form drivers share: form
// field discovery over a parsed page and the judgement of a submission
// response.
package driver

import (
	"bytes"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/directory-submitter/internal/classifier"
	"github.com/JakeFAU/directory-submitter/internal/mapping"
	"github.com/JakeFAU/directory-submitter/internal/submission"
)

// Config tunes both drivers.
type Config struct {
	UserAgent      string
	RequestTimeout time.Duration
	NavTimeout     time.Duration
	// ExecPath points the headless driver at a specific Chrome binary.
	ExecPath string
}

// textPrefix marks an indicator matched against page text instead of a selector.
const textPrefix = "text*="

var confirmationPhrases = []string{"thank you", "thanks for your submission", "successfully submitted"}

var cssIdent = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]*$`)

// ParseDocument parses an HTML body.
func ParseDocument(body []byte) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse page: %w", err)
	}
	return doc, nil
}

// PickForm returns the form most likely to be the listing form: the one with
// the most named or identified controls, skipping search and login forms.
// When the page has no form element the whole document is returned.
func PickForm(doc *goquery.Document) *goquery.Selection {
	var best *goquery.Selection
	bestCount := 0
	doc.Find("form").Each(func(_ int, form *goquery.Selection) {
		if form.Find("input[type='password']").Length() > 0 || form.AttrOr("role", "") == "search" {
			return
		}
		count := len(DiscoverFields(form))
		if count > bestCount {
			best, bestCount = form, count
		}
	})
	if best == nil {
		return doc.Selection
	}
	return best
}

// DiscoverFields lists the controls under root that a mapping can address.
// Controls with neither an id nor a name are left out.
func DiscoverFields(root *goquery.Selection) []submission.FormField {
	var fields []submission.FormField
	root.Find("input, select, textarea").Each(func(_ int, el *goquery.Selection) {
		tag := goquery.NodeName(el)
		field := submission.FormField{
			Name:        el.AttrOr("name", ""),
			ID:          el.AttrOr("id", ""),
			Placeholder: el.AttrOr("placeholder", ""),
			Type:        strings.ToLower(el.AttrOr("type", "")),
			Tag:         tag,
		}
		if tag == "input" && field.Type == "" {
			field.Type = "text"
		}
		field.Selector = selectorFor(tag, field.ID, field.Name)
		if field.Selector == "" {
			return
		}
		field.Label = labelFor(root, el, field.ID)
		fields = append(fields, field)
	})
	return fields
}

func selectorFor(tag, id, name string) string {
	switch {
	case id != "" && cssIdent.MatchString(id):
		return "#" + id
	case name != "":
		return fmt.Sprintf("%s[name='%s']", tag, strings.ReplaceAll(name, "'", "\\'"))
	case id != "":
		return fmt.Sprintf("%s[id='%s']", tag, strings.ReplaceAll(id, "'", "\\'"))
	default:
		return ""
	}
}

func labelFor(root, el *goquery.Selection, id string) string {
	if id != "" {
		var text string
		root.Find("label").EachWithBreak(func(_ int, label *goquery.Selection) bool {
			if label.AttrOr("for", "") == id {
				text = collapse(label.Text())
				return false
			}
			return true
		})
		if text != "" {
			return text
		}
	}
	if parent := el.Closest("label"); parent.Length() > 0 {
		return collapse(parent.Text())
	}
	return el.AttrOr("aria-label", "")
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Indicators returns the mapping's success and error indicators, falling back
// to the standard ones.
func Indicators(m submission.FieldMapping) (success, failure []string) {
	success, failure = m.SuccessIndicators, m.ErrorIndicators
	if len(success) == 0 {
		success = mapping.DefaultSuccessIndicators
	}
	if len(failure) == 0 {
		failure = mapping.DefaultErrorIndicators
	}
	return success, failure
}

// SubmitSelector returns the mapping's submit selector or the default one.
func SubmitSelector(m submission.FieldMapping) string {
	if s := strings.TrimSpace(m.SubmitSelector); s != "" {
		return s
	}
	return mapping.DefaultSubmitSelector
}

// Judge decides whether a response page confirms a submission. Error
// indicators win over success indicators; a 4xx/5xx status without either is
// a failure; a 2xx page with neither is reported as unconfirmed.
func Judge(statusCode int, headers http.Header, body []byte, m submission.FieldMapping) (submission.SubmitResult, error) {
	sig, err := classifier.Inspect(statusCode, headers, body)
	if err != nil {
		return submission.SubmitResult{}, fmt.Errorf("inspect response: %w", err)
	}
	res := submission.SubmitResult{Signal: sig}
	doc, err := ParseDocument(body)
	if err != nil {
		return submission.SubmitResult{}, err
	}
	success, failure := Indicators(m)
	if msg, ok := match(doc, failure); ok {
		res.Message = "form reported an error: " + msg
		return res, nil
	}
	if statusCode >= http.StatusBadRequest {
		res.Message = fmt.Sprintf("response status %d %s", statusCode, http.StatusText(statusCode))
		return res, nil
	}
	if msg, ok := match(doc, success); ok {
		res.Success = true
		res.Message = msg
		return res, nil
	}
	if msg, ok := match(doc, confirmationMatchers()); ok {
		res.Success = true
		res.Message = msg
		return res, nil
	}
	res.Message = "no confirmation found on response page"
	return res, nil
}

func confirmationMatchers() []string {
	out := make([]string, 0, len(confirmationPhrases))
	for _, phrase := range confirmationPhrases {
		out = append(out, textPrefix+phrase)
	}
	return out
}

// match reports the first indicator present in doc and a short excerpt.
func match(doc *goquery.Document, indicators []string) (string, bool) {
	var text string
	for _, ind := range indicators {
		ind = strings.TrimSpace(ind)
		if ind == "" {
			continue
		}
		if phrase, ok := strings.CutPrefix(ind, textPrefix); ok {
			if text == "" {
				text = strings.ToLower(collapse(doc.Find("body").Text()))
			}
			if strings.Contains(text, strings.ToLower(phrase)) {
				return phrase, true
			}
			continue
		}
		found := doc.Find(ind)
		if found.Length() > 0 {
			if excerpt := collapse(found.First().Text()); excerpt != "" {
				return truncate(excerpt, 200), true
			}
			return ind, true
		}
	}
	return "", false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
