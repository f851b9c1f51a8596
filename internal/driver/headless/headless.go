// Package headless implements submission.FormDriver with a headless Chrome
// driven through chromedp. Forms are discovered and filled by script so
// client-rendered and script-validated forms behave as they do for people.
package headless

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/directory-submitter/internal/classifier"
	"github.com/JakeFAU/directory-submitter/internal/driver"
	"github.com/JakeFAU/directory-submitter/internal/submission"
)

// Config controls the headless driver.
type Config struct {
	driver.Config
	MaxParallel int
	// SettleDelay is how long to wait after clicking submit before reading the page.
	SettleDelay time.Duration
}

// Driver runs each call in a fresh browser tab.
type Driver struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

var _ submission.FormDriver = (*Driver)(nil)

// New creates a Driver backed by a shared exec allocator.
func New(cfg Config) (*Driver, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = 45 * time.Second
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = 1500 * time.Millisecond
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Driver{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close shuts the browser down.
func (d *Driver) Close() {
	d.allocCancel()
}

// Probe loads url and inspects the rendered page.
func (d *Driver) Probe(ctx context.Context, url string) (submission.PageSignal, error) {
	var html string
	status, headers, finalURL, err := d.run(ctx, url,
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return submission.PageSignal{}, err
	}
	sig, err := classifier.Inspect(status, headers, []byte(html))
	if err != nil {
		return submission.PageSignal{}, fmt.Errorf("load %s: %w", url, err)
	}
	sig.FinalURL = finalURL
	return sig, nil
}

// DiscoverFormFields lists the controls of the rendered listing form.
func (d *Driver) DiscoverFormFields(ctx context.Context, url string) ([]submission.FormField, error) {
	var fields []submission.FormField
	status, _, _, err := d.run(ctx, url, chromedp.Evaluate(discoverScript, &fields))
	if err != nil {
		return nil, err
	}
	if status >= http.StatusBadRequest {
		return nil, submission.StatusError(status, "load form page")
	}
	return fields, nil
}

// FillAndSubmit fills every mapped field it can find, clicks submit, and
// judges the page the browser lands on.
func (d *Driver) FillAndSubmit(
	ctx context.Context,
	url string,
	m submission.FieldMapping,
	profile submission.BusinessProfile,
) (submission.SubmitResult, error) {
	scripts, err := fillScripts(m, profile)
	if err != nil {
		return submission.SubmitResult{}, submission.Permanent(err, 0)
	}
	submit, err := submitScript(driver.SubmitSelector(m))
	if err != nil {
		return submission.SubmitResult{}, submission.Permanent(err, 0)
	}

	var (
		filled    int
		submitted bool
		html      string
	)
	actions := []chromedp.Action{
		chromedp.ActionFunc(func(ctx context.Context) error {
			for _, script := range scripts {
				var ok bool
				if err := chromedp.Evaluate(script, &ok).Do(ctx); err != nil {
					return fmt.Errorf("fill field: %w", err)
				}
				if ok {
					filled++
				}
			}
			if filled == 0 {
				return nil
			}
			if err := chromedp.Evaluate(submit, &submitted).Do(ctx); err != nil {
				return fmt.Errorf("click submit: %w", err)
			}
			return nil
		}),
		chromedp.Sleep(d.cfg.SettleDelay),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	status, headers, finalURL, err := d.run(ctx, url, actions...)
	if err != nil {
		return submission.SubmitResult{}, err
	}
	if filled == 0 {
		sig, _ := classifier.Inspect(status, headers, []byte(html))
		return submission.SubmitResult{Message: "no mapped field found on the form", Signal: sig}, nil
	}
	if !submitted {
		sig, _ := classifier.Inspect(status, headers, []byte(html))
		return submission.SubmitResult{Message: "submit control not found", Signal: sig}, nil
	}
	res, err := driver.Judge(status, headers, []byte(html), m)
	if err != nil {
		return submission.SubmitResult{}, err
	}
	res.Signal.FinalURL = finalURL
	return res, nil
}

// run opens a tab, navigates to url, runs actions, and reports the status and
// headers of the last document response.
func (d *Driver) run(ctx context.Context, url string, actions ...chromedp.Action) (int, http.Header, string, error) {
	if err := d.acquire(ctx); err != nil {
		return 0, nil, "", err
	}
	defer d.release()

	taskCtx, taskCancel := chromedp.NewContext(d.allocator)
	defer taskCancel()
	taskCtx, cancel := context.WithTimeout(taskCtx, d.cfg.NavTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	meta := newResponseMeta()
	chromedp.ListenTarget(taskCtx, meta.captureEvent)

	var finalURL string
	all := append([]chromedp.Action{
		d.networkSetupAction(),
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	}, actions...)
	all = append(all, chromedp.Location(&finalURL))
	if err := chromedp.Run(taskCtx, all...); err != nil {
		if ctx.Err() != nil {
			return 0, nil, "", fmt.Errorf("headless run canceled: %w", ctx.Err())
		}
		return 0, nil, "", submission.Transient(fmt.Errorf("chromedp run %s: %w", url, err), 0)
	}
	status, headers, responseURL := meta.snapshotWithFallbacks(url, finalURL)
	return status, headers, responseURL, nil
}

func (d *Driver) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if d.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(d.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

func (d *Driver) acquire(ctx context.Context) error {
	if d.limiter == nil {
		return nil
	}
	select {
	case d.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (d *Driver) release() {
	if d.limiter == nil {
		return
	}
	select {
	case <-d.limiter:
	default:
	}
}

// fillScripts renders one script per mapped field with a profile value. Each
// script fills the first selector present and reports whether it did.
func fillScripts(m submission.FieldMapping, profile submission.BusinessProfile) ([]string, error) {
	var scripts []string
	for _, field := range submission.CanonicalFields {
		selectors := m.Fields[field]
		value := profile.Value(field)
		if len(selectors) == 0 || value == "" {
			continue
		}
		sels, err := json.Marshal(selectors)
		if err != nil {
			return nil, fmt.Errorf("encode selectors for %s: %w", field, err)
		}
		val, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("encode value for %s: %w", field, err)
		}
		scripts = append(scripts, fmt.Sprintf(fillTemplate, sels, val))
	}
	return scripts, nil
}

func submitScript(selector string) (string, error) {
	sel, err := json.Marshal(selector)
	if err != nil {
		return "", fmt.Errorf("encode submit selector: %w", err)
	}
	return fmt.Sprintf(submitTemplate, sel), nil
}

const fillTemplate = `((sels, value) => {
  for (const sel of sels) {
    let el = null;
    try { el = document.querySelector(sel); } catch (e) { continue; }
    if (!el) continue;
    el.focus();
    el.value = value;
    el.dispatchEvent(new Event('input', { bubbles: true }));
    el.dispatchEvent(new Event('change', { bubbles: true }));
    return true;
  }
  return false;
})(%s, %s)`

const submitTemplate = `((sel) => {
  let btn = null;
  try { btn = document.querySelector(sel); } catch (e) {}
  if (btn) { btn.click(); return true; }
  const form = document.querySelector('form');
  if (form) { form.requestSubmit ? form.requestSubmit() : form.submit(); return true; }
  return false;
})(%s)`

// discoverScript mirrors driver.DiscoverFields against the live DOM.
const discoverScript = `(() => {
  const ident = /^[A-Za-z][A-Za-z0-9_-]*$/;
  const esc = (s) => s.replace(/'/g, "\\'");
  const squash = (s) => (s || '').replace(/\s+/g, ' ').trim();
  const controls = (root) => Array.from(root.querySelectorAll('input, select, textarea'))
    .filter((el) => el.id || el.getAttribute('name'));
  let root = document;
  let best = 0;
  document.querySelectorAll('form').forEach((form) => {
    if (form.querySelector("input[type='password']") || form.getAttribute('role') === 'search') return;
    const n = controls(form).length;
    if (n > best) { best = n; root = form; }
  });
  const label = (el) => {
    if (el.id) {
      const l = Array.from(root.querySelectorAll('label')).find((x) => x.getAttribute('for') === el.id);
      if (l) return squash(l.textContent);
    }
    const p = el.closest('label');
    return p ? squash(p.textContent) : (el.getAttribute('aria-label') || '');
  };
  return controls(root).map((el) => {
    const tag = el.tagName.toLowerCase();
    const id = el.id || '';
    const name = el.getAttribute('name') || '';
    let selector = '';
    if (id && ident.test(id)) selector = '#' + id;
    else if (name) selector = tag + "[name='" + esc(name) + "']";
    else selector = tag + "[id='" + esc(id) + "']";
    let type = (el.getAttribute('type') || '').toLowerCase();
    if (tag === 'input' && !type) type = 'text';
    return { selector, name, id, label: label(el), placeholder: el.getAttribute('placeholder') || '', type, tag };
  });
})()`

type responseMeta struct {
	mu      sync.RWMutex
	status  int
	headers http.Header
	url     string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{headers: http.Header{}}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	headers := http.Header{}
	for key, value := range event.Response.Headers {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []any:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	m.mu.Lock()
	m.status = int(event.Response.Status)
	m.headers = headers
	m.url = event.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, http.Header, string) {
	m.mu.RLock()
	status, headers, url := m.status, m.headers.Clone(), m.url
	m.mu.RUnlock()
	switch {
	case finalURL != "":
		url = finalURL
	case url != "":
	default:
		url = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	return status, headers, url
}
