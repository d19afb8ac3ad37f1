// Package headless implements a Revealer for infinite-scroll catalogs driven
// through a headless Chrome tab.
package headless

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-crawler/internal/crawler"
)

// Config controls the browser and the scrolling behavior.
type Config struct {
	// ItemSelector matches the anchors that link to item pages.
	ItemSelector string
	// LoadMoreSelector, when set, is clicked on every Advance in addition to scrolling.
	LoadMoreSelector  string
	UserAgent         string
	NavigationTimeout time.Duration
	// ActionTimeout bounds each Snapshot and Advance call.
	ActionTimeout time.Duration
	// ExecPath overrides the Chrome binary lookup.
	ExecPath string
	// Headful shows the browser window; used when debugging selectors.
	Headful bool
}

func (c Config) withDefaults() Config {
	if c.ItemSelector == "" {
		c.ItemSelector = "a[href]"
	}
	if c.NavigationTimeout <= 0 {
		c.NavigationTimeout = 45 * time.Second
	}
	if c.ActionTimeout <= 0 {
		c.ActionTimeout = 15 * time.Second
	}
	return c
}

// Factory opens one browser per revealer.
type Factory struct {
	cfg    Config
	logger *zap.Logger
}

// NewFactory builds a Factory.
func NewFactory(cfg Config, logger *zap.Logger) (*Factory, error) {
	if cfg.NavigationTimeout < 0 || cfg.ActionTimeout < 0 {
		return nil, errors.New("timeouts must be >= 0")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Factory{cfg: cfg.withDefaults(), logger: logger.Named("headless_revealer")}, nil
}

// Open starts a browser, navigates to catalogURL and waits for the body.
// The returned Revealer must be closed to release the browser.
func (f *Factory) Open(ctx context.Context, catalogURL string) (crawler.Revealer, error) {
	normalized, err := crawler.NormalizeURL(catalogURL)
	if err != nil {
		return nil, fmt.Errorf("catalog url: %w", err)
	}
	base, err := url.Parse(normalized)
	if err != nil {
		return nil, fmt.Errorf("parse catalog url: %w", err)
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.WithoutCancel(ctx), f.allocatorOptions()...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)
	r := &Revealer{
		cfg:    f.cfg,
		base:   base,
		tab:    tabCtx,
		logger: f.logger.With(zap.String("catalog_url", normalized)),
		cancel: func() {
			tabCancel()
			allocCancel()
		},
	}

	// The browser is allocated by the first Run on a context and dies with it,
	// so start it on the long-lived tab context before any bounded call.
	if err := chromedp.Run(tabCtx); err != nil {
		r.cancel()
		return nil, fmt.Errorf("start browser: %w", err)
	}
	actions := []chromedp.Action{
		r.setupAction(),
		chromedp.Navigate(normalized),
		chromedp.WaitReady("body", chromedp.ByQuery),
	}
	if err := r.run(ctx, f.cfg.NavigationTimeout, actions...); err != nil {
		r.cancel()
		return nil, fmt.Errorf("open catalog %s: %w", normalized, err)
	}
	r.logger.Debug("catalog opened")
	return r, nil
}

func (f *Factory) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)
	if f.cfg.Headful {
		opts = append(opts, chromedp.Flag("headless", false))
	} else {
		opts = append(opts, chromedp.Flag("headless", "new"))
	}
	if f.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(f.cfg.ExecPath))
	}
	return opts
}

// Revealer reads item links from a live browser tab and scrolls to load more.
type Revealer struct {
	cfg    Config
	base   *url.URL
	tab    context.Context
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
	cancel func()
}

// Snapshot returns the item refs currently present in the DOM, in document order.
func (r *Revealer) Snapshot(ctx context.Context) ([]crawler.CandidateRef, error) {
	var hrefs []string
	if err := r.run(ctx, r.cfg.ActionTimeout, chromedp.Evaluate(hrefScript(r.cfg.ItemSelector), &hrefs)); err != nil {
		return nil, fmt.Errorf("read item links: %w", err)
	}
	return resolveHrefs(r.base, hrefs), nil
}

// Advance scrolls to the bottom of the page and clicks the load-more control
// when one is configured and present.
func (r *Revealer) Advance(ctx context.Context) error {
	var clicked bool
	actions := []chromedp.Action{
		chromedp.Evaluate(scrollScript, nil),
	}
	if r.cfg.LoadMoreSelector != "" {
		actions = append(actions, chromedp.Evaluate(clickScript(r.cfg.LoadMoreSelector), &clicked))
	}
	if err := r.run(ctx, r.cfg.ActionTimeout, actions...); err != nil {
		return fmt.Errorf("advance catalog: %w", err)
	}
	r.logger.Debug("catalog advanced", zap.Bool("load_more_clicked", clicked))
	return nil
}

// Close shuts the tab and the browser. It is safe to call more than once.
func (r *Revealer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	r.cancel()
	return nil
}

// run executes actions on the tab, bounded by timeout and by ctx.
func (r *Revealer) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return errors.New("revealer closed")
	}

	runCtx, cancel := context.WithTimeout(r.tab, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("chromedp run: %w", ctxErr)
		}
		return fmt.Errorf("chromedp run: %w", err)
	}
	return nil
}

func (r *Revealer) setupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if r.cfg.UserAgent == "" {
			return nil
		}
		if err := emulation.SetUserAgentOverride(r.cfg.UserAgent).Do(ctx); err != nil {
			return fmt.Errorf("set user-agent: %w", err)
		}
		return nil
	})
}

const scrollScript = `(() => {
	const h = document.body ? document.body.scrollHeight : 0;
	window.scrollTo(0, h);
	return h;
})()`

func hrefScript(selector string) string {
	return fmt.Sprintf(`Array.from(document.querySelectorAll(%s)).map(a => a.getAttribute("href") || "")`, jsString(selector))
}

func clickScript(selector string) string {
	return fmt.Sprintf(`(() => {
	const el = document.querySelector(%s);
	if (!el) { return false; }
	el.click();
	return true;
})()`, jsString(selector))
}

func jsString(s string) string {
	b, err := json.Marshal(s)
	if err != nil {
		return `""`
	}
	return string(b)
}

// resolveHrefs turns raw href attributes into normalized refs, dropping
// non-HTTP links and repeats while keeping first-seen order.
func resolveHrefs(base *url.URL, hrefs []string) []crawler.CandidateRef {
	out := make([]crawler.CandidateRef, 0, len(hrefs))
	seen := make(map[crawler.CandidateRef]struct{}, len(hrefs))
	for _, href := range hrefs {
		ref, ok := crawler.ResolveReference(base, href)
		if !ok {
			continue
		}
		if _, dup := seen[ref]; dup {
			continue
		}
		seen[ref] = struct{}{}
		out = append(out, ref)
	}
	return out
}
