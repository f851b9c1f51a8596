// Package static implements submission.FormDriver over plain HTTP with colly.
// It cannot run page scripts, so it suits directories whose forms post
// without JavaScript.
package static

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/directory-submitter/internal/classifier"
	"github.com/JakeFAU/directory-submitter/internal/driver"
	"github.com/JakeFAU/directory-submitter/internal/submission"
)

// Driver fetches and posts forms with a shared colly collector.
type Driver struct {
	cfg  driver.Config
	base *colly.Collector
}

var _ submission.FormDriver = (*Driver)(nil)

// page is one fetched document.
type page struct {
	status  int
	headers http.Header
	body    []byte
	url     *url.URL
}

// New builds a Driver. The collector keeps cookies between the form GET and
// its POST.
func New(cfg driver.Config) *Driver {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(newHTTPTransport())
	c.SetRequestTimeout(cfg.RequestTimeout)
	c.AllowURLRevisit = true
	c.ParseHTTPErrorResponse = true
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	return &Driver{cfg: cfg, base: c}
}

// Probe loads url and inspects it for automation blockers.
func (d *Driver) Probe(ctx context.Context, rawURL string) (submission.PageSignal, error) {
	p, err := d.get(ctx, rawURL)
	if err != nil {
		return submission.PageSignal{}, err
	}
	sig, err := classifier.Inspect(p.status, p.headers, p.body)
	if err != nil {
		return submission.PageSignal{}, fmt.Errorf("load %s: %w", rawURL, err)
	}
	sig.FinalURL = p.url.String()
	return sig, nil
}

// DiscoverFormFields lists the controls of the page's listing form.
func (d *Driver) DiscoverFormFields(ctx context.Context, rawURL string) ([]submission.FormField, error) {
	p, err := d.get(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	if p.status >= http.StatusBadRequest {
		return nil, submission.StatusError(p.status, "load form page")
	}
	doc, err := driver.ParseDocument(p.body)
	if err != nil {
		return nil, err
	}
	return driver.DiscoverFields(driver.PickForm(doc)), nil
}

// FillAndSubmit loads the form, fills the mapped controls from profile, and
// posts it to the form action. Existing control values, such as hidden
// tokens, are sent along.
func (d *Driver) FillAndSubmit(
	ctx context.Context,
	rawURL string,
	m submission.FieldMapping,
	profile submission.BusinessProfile,
) (submission.SubmitResult, error) {
	p, err := d.get(ctx, rawURL)
	if err != nil {
		return submission.SubmitResult{}, err
	}
	if p.status >= http.StatusBadRequest {
		return driver.Judge(p.status, p.headers, p.body, m)
	}
	doc, err := driver.ParseDocument(p.body)
	if err != nil {
		return submission.SubmitResult{}, err
	}
	form := driver.PickForm(doc)
	values := formValues(form)
	filled := fill(form, values, m, profile)
	if filled == 0 {
		sig, _ := classifier.Inspect(p.status, p.headers, p.body)
		return submission.SubmitResult{Message: "no mapped field found on the form", Signal: sig}, nil
	}

	action, err := resolveAction(p.url, form.AttrOr("action", ""))
	if err != nil {
		return submission.SubmitResult{}, submission.Permanent(err, 0)
	}
	post := func(c *colly.Collector) error {
		if strings.EqualFold(form.AttrOr("method", "post"), http.MethodGet) {
			action.RawQuery = values.Encode()
			return c.Visit(action.String())
		}
		return c.Post(action.String(), flatten(values))
	}
	resp, err := d.visit(ctx, action.String(), post)
	if err != nil {
		return submission.SubmitResult{}, err
	}
	res, err := driver.Judge(resp.status, resp.headers, resp.body, m)
	if err != nil {
		return submission.SubmitResult{}, err
	}
	res.Signal.FinalURL = resp.url.String()
	return res, nil
}

func (d *Driver) get(ctx context.Context, rawURL string) (page, error) {
	return d.visit(ctx, rawURL, func(c *colly.Collector) error { return c.Visit(rawURL) })
}

// visit runs one request through a clone of the base collector and captures
// the response. Clones share the HTTP client, so cookies set by the form page
// reach its POST.
func (d *Driver) visit(ctx context.Context, target string, do func(*colly.Collector) error) (page, error) {
	c := d.base.Clone()
	c.Context = ctx
	var (
		result   page
		fetchErr error
	)
	c.OnResponse(func(r *colly.Response) {
		result = page{
			status: r.StatusCode,
			body:   append([]byte(nil), r.Body...),
			url:    r.Request.URL,
		}
		if r.Headers != nil {
			result.headers = r.Headers.Clone()
		}
	})
	c.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode > 0 && result.status == 0 {
			result = page{status: r.StatusCode, body: append([]byte(nil), r.Body...), url: r.Request.URL}
			if r.Headers != nil {
				result.headers = r.Headers.Clone()
			}
			return
		}
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- do(c)
	}()

	select {
	case <-ctx.Done():
		return page{}, fmt.Errorf("request %s canceled: %w", target, ctx.Err())
	case err := <-done:
		if err == nil {
			err = fetchErr
		}
		if err != nil && result.status == 0 {
			return page{}, requestError(target, err)
		}
		if result.url == nil {
			parsed, perr := url.Parse(target)
			if perr != nil {
				return page{}, submission.Permanent(fmt.Errorf("parse url %s: %w", target, perr), 0)
			}
			result.url = parsed
		}
		return result, nil
	}
}

// requestError classifies a transport failure. Network errors are transient;
// anything else (bad URL, forbidden domain) is permanent.
func requestError(target string, err error) error {
	wrapped := fmt.Errorf("request %s: %w", target, err)
	var netErr net.Error
	if errors.As(err, &netErr) || submission.IsTransient(err) {
		return submission.Transient(wrapped, 0)
	}
	return submission.Permanent(wrapped, 0)
}

// formValues collects the values a browser would submit before any filling.
func formValues(form *goquery.Selection) url.Values {
	values := url.Values{}
	form.Find("input, select, textarea").Each(func(_ int, el *goquery.Selection) {
		name := el.AttrOr("name", "")
		if name == "" {
			return
		}
		switch goquery.NodeName(el) {
		case "select":
			opt := el.Find("option[selected]").First()
			if opt.Length() == 0 {
				opt = el.Find("option").First()
			}
			values.Set(name, opt.AttrOr("value", strings.TrimSpace(opt.Text())))
		case "textarea":
			values.Set(name, el.Text())
		default:
			switch strings.ToLower(el.AttrOr("type", "text")) {
			case "submit", "button", "image", "reset", "file":
				return
			case "checkbox", "radio":
				if _, checked := el.Attr("checked"); !checked {
					return
				}
				values.Add(name, el.AttrOr("value", "on"))
			default:
				values.Set(name, el.AttrOr("value", ""))
			}
		}
	})
	return values
}

// fill writes profile values into values for every mapped field whose first
// matching selector names a control. It returns the number of fields filled.
func fill(form *goquery.Selection, values url.Values, m submission.FieldMapping, profile submission.BusinessProfile) int {
	filled := 0
	for field, selectors := range m.Fields {
		value := profile.Value(field)
		if value == "" {
			continue
		}
		for _, sel := range selectors {
			el := form.Find(sel).First()
			if el.Length() == 0 {
				continue
			}
			name := el.AttrOr("name", "")
			if name == "" {
				continue
			}
			values.Set(name, value)
			filled++
			break
		}
	}
	return filled
}

func resolveAction(base *url.URL, action string) (*url.URL, error) {
	if strings.TrimSpace(action) == "" {
		cp := *base
		return &cp, nil
	}
	ref, err := url.Parse(strings.TrimSpace(action))
	if err != nil {
		return nil, fmt.Errorf("parse form action %q: %w", action, err)
	}
	return base.ResolveReference(ref), nil
}

func flatten(values url.Values) map[string]string {
	out := make(map[string]string, len(values))
	for key, vals := range values {
		if len(vals) > 0 {
			out[key] = vals[len(vals)-1]
		}
	}
	return out
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
