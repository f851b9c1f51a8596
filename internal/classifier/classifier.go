// Package classifier decides when a directory page cannot be automated safely.
package classifier

import (
	"bytes"
	"fmt"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"

	"github.com/JakeFAU/directory-submitter/internal/submission"
)

// Decision is the classifier verdict for one directory.
type Decision struct {
	Skip   bool                  `json:"skip"`
	Reason submission.SkipReason `json:"reason"`
}

// Proceed is the non-skip decision.
var Proceed = Decision{Reason: submission.SkipNone}

func skip(reason submission.SkipReason) Decision {
	return Decision{Skip: true, Reason: reason}
}

// ForDirectory short-circuits on catalog flags before any page is loaded.
func ForDirectory(dir submission.Directory) Decision {
	switch {
	case dir.RequiresLogin:
		return skip(submission.SkipRequiresLogin)
	case dir.HasCaptcha:
		return skip(submission.SkipCaptcha)
	default:
		return Proceed
	}
}

// Classify maps a page signal onto a skip reason. Login walls win over CAPTCHAs,
// which win over anti-bot pages. Rate limiting and multi-step hints never skip.
func Classify(sig submission.PageSignal) Decision {
	switch {
	case sig.PasswordField || sig.LoginForm:
		return skip(submission.SkipRequiresLogin)
	case len(sig.CaptchaMarkers) > 0:
		return skip(submission.SkipCaptcha)
	case len(sig.AntiBotSignatures) > 0:
		return skip(submission.SkipAntiBot)
	default:
		return Proceed
	}
}

// RateLimitError returns a transient error for a rate-limited page, nil otherwise.
func RateLimitError(sig submission.PageSignal) error {
	if !sig.RateLimited {
		return nil
	}
	msg := "directory rate limited the request"
	if sig.RetryAfter != "" {
		msg += fmt.Sprintf(" (retry after %s)", sig.RetryAfter)
	}
	return submission.Transient(fmt.Errorf("%s", msg), http.StatusTooManyRequests)
}

// SkipIndicated reports the first of a mapping's skip indicators present on
// the inspected page. Selectors that do not compile are ignored.
func SkipIndicated(sig submission.PageSignal, indicators []string) (string, bool) {
	if len(indicators) == 0 || strings.TrimSpace(sig.HTML) == "" {
		return "", false
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(sig.HTML))
	if err != nil {
		return "", false
	}
	for _, sel := range indicators {
		m, err := cascadia.Compile(strings.TrimSpace(sel))
		if err != nil {
			continue
		}
		if doc.FindMatcher(m).Length() > 0 {
			return sel, true
		}
	}
	return "", false
}

var captchaSelectors = []string{
	".g-recaptcha",
	".h-captcha",
	".cf-turnstile",
	"[data-sitekey]",
	"#captcha",
	"input[name*='captcha']",
	"iframe[src*='recaptcha']",
	"iframe[src*='hcaptcha']",
	"iframe[src*='captcha']",
	"iframe[src*='arkoselabs']",
	"iframe[src*='funcaptcha']",
	"script[src*='recaptcha']",
	"script[src*='hcaptcha']",
	"script[src*='captcha']",
	"script[src*='arkoselabs']",
	"script[src*='funcaptcha']",
}

var loginFormTerms = []string{"login", "log-in", "signin", "sign-in", "sign_in"}

var antiBotPhrases = []string{
	"checking your browser",
	"attention required",
	"access denied",
	"cf-browser-verification",
	"_cf_chl_opt",
	"challenge-platform",
	"perimeterx",
	"_pxappid",
	"px-captcha",
	"datadome",
	"captcha-delivery.com",
	"ak_bmsc",
	"are you a robot",
}

var challengeServers = []string{"cloudflare", "akamaighost", "ddos-guard", "sucuri"}

var multiStepSelectors = []string{
	"[data-step]",
	".wizard",
	".form-wizard",
	".progressbar",
	"[role='progressbar']",
	".step-indicator",
	".steps",
}

// Inspect builds a PageSignal from a loaded page.
func Inspect(statusCode int, headers http.Header, body []byte) (submission.PageSignal, error) {
	sig := submission.PageSignal{StatusCode: statusCode, HTML: string(body)}
	if statusCode == http.StatusTooManyRequests {
		sig.RateLimited = true
		sig.RetryAfter = headers.Get("Retry-After")
	}
	inspectHeaders(&sig, statusCode, headers)
	if len(body) == 0 {
		return sig, nil
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return sig, fmt.Errorf("parse page: %w", err)
	}
	inspectDocument(&sig, doc)
	return sig, nil
}

func inspectHeaders(sig *submission.PageSignal, statusCode int, headers http.Header) {
	if headers == nil {
		return
	}
	if strings.EqualFold(headers.Get("Cf-Mitigated"), "challenge") {
		sig.AntiBotSignatures = append(sig.AntiBotSignatures, "cf-mitigated")
	}
	if headers.Get("X-Datadome") != "" {
		sig.AntiBotSignatures = append(sig.AntiBotSignatures, "datadome-header")
	}
	if statusCode != http.StatusForbidden && statusCode != http.StatusServiceUnavailable {
		return
	}
	server := strings.ToLower(headers.Get("Server"))
	for _, name := range challengeServers {
		if strings.Contains(server, name) {
			sig.AntiBotSignatures = append(sig.AntiBotSignatures, fmt.Sprintf("%d-%s", statusCode, name))
			return
		}
	}
}

func inspectDocument(sig *submission.PageSignal, doc *goquery.Document) {
	if doc.Find("input[type='password']").Length() > 0 {
		sig.PasswordField = true
	}
	doc.Find("form").EachWithBreak(func(_ int, form *goquery.Selection) bool {
		if looksLikeLogin(form) {
			sig.LoginForm = true
			return false
		}
		return true
	})

	for _, sel := range captchaSelectors {
		if doc.Find(sel).Length() > 0 {
			sig.CaptchaMarkers = append(sig.CaptchaMarkers, sel)
		}
	}

	html, _ := doc.Html()
	lower := strings.ToLower(html)
	title := strings.ToLower(strings.TrimSpace(doc.Find("title").First().Text()))
	for _, phrase := range antiBotPhrases {
		if strings.Contains(lower, phrase) || strings.Contains(title, phrase) {
			sig.AntiBotSignatures = append(sig.AntiBotSignatures, phrase)
		}
	}

	sig.MultiStep = hasMultiStepHint(doc)
}

func looksLikeLogin(form *goquery.Selection) bool {
	attrs := strings.ToLower(strings.Join([]string{
		form.AttrOr("action", ""),
		form.AttrOr("id", ""),
		form.AttrOr("class", ""),
		form.AttrOr("name", ""),
	}, " "))
	for _, term := range loginFormTerms {
		if strings.Contains(attrs, term) {
			return true
		}
	}
	return false
}

func hasMultiStepHint(doc *goquery.Document) bool {
	for _, sel := range multiStepSelectors {
		if doc.Find(sel).Length() > 0 {
			return true
		}
	}
	found := false
	doc.Find("button, input[type='button'], a.btn").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		label := strings.ToLower(strings.TrimSpace(s.Text() + " " + s.AttrOr("value", "")))
		if strings.HasPrefix(label, "next") || strings.HasPrefix(label, "continue") {
			found = true
			return false
		}
		return true
	})
	return found
}
