// Package paged implements a Revealer for catalogs that spread items over
// numbered pages linked by a "next" control.
package paged

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-crawler/internal/crawler"
)

// Config controls how catalog pages are read.
type Config struct {
	// ItemSelector matches the anchors that link to item pages.
	ItemSelector string
	// NextSelector matches the anchor that links to the following page.
	NextSelector string
	UserAgent    string
	Timeout      time.Duration
	// MaxPages caps how many catalog pages one revealer visits; 0 means unlimited.
	MaxPages int
}

func (c Config) withDefaults() Config {
	if c.ItemSelector == "" {
		c.ItemSelector = "a[href]"
	}
	if c.NextSelector == "" {
		c.NextSelector = `a[rel="next"]`
	}
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	return c
}

// Factory opens paged revealers that share one collector and transport.
type Factory struct {
	cfg       Config
	collector *colly.Collector
	logger    *zap.Logger
}

// NewFactory builds a Factory. A nil transport uses a pooled default.
func NewFactory(cfg Config, transport http.RoundTripper, logger *zap.Logger) (*Factory, error) {
	if cfg.MaxPages < 0 {
		return nil, errors.New("max pages must be >= 0")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if transport == nil {
		transport = newHTTPTransport()
	}
	cfg = cfg.withDefaults()
	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(transport)
	c.AllowURLRevisit = true
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.SetRequestTimeout(cfg.Timeout)
	return &Factory{cfg: cfg, collector: c, logger: logger.Named("paged_revealer")}, nil
}

// Open visits the first catalog page and returns a Revealer positioned on it.
func (f *Factory) Open(ctx context.Context, catalogURL string) (crawler.Revealer, error) {
	normalized, err := crawler.NormalizeURL(catalogURL)
	if err != nil {
		return nil, fmt.Errorf("catalog url: %w", err)
	}
	r := &Revealer{
		cfg:       f.cfg,
		collector: f.collector,
		logger:    f.logger.With(zap.String("catalog_url", normalized)),
		seen:      map[crawler.CandidateRef]struct{}{},
		visited:   map[string]struct{}{},
		next:      normalized,
	}
	if err := r.Advance(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// Revealer accumulates the item links of every catalog page visited so far.
// Each Advance visits the next page; once no next link remains it no-ops.
type Revealer struct {
	cfg       Config
	collector *colly.Collector
	logger    *zap.Logger

	mu      sync.Mutex
	refs    []crawler.CandidateRef
	seen    map[crawler.CandidateRef]struct{}
	visited map[string]struct{}
	next    string
	pages   int
}

type page struct {
	refs []crawler.CandidateRef
	next string
	err  error
}

// Snapshot returns every item ref revealed so far in page order.
func (r *Revealer) Snapshot(context.Context) ([]crawler.CandidateRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]crawler.CandidateRef(nil), r.refs...), nil
}

// Advance fetches the next catalog page, if any.
func (r *Revealer) Advance(ctx context.Context) error {
	r.mu.Lock()
	target := r.next
	if target == "" || (r.cfg.MaxPages > 0 && r.pages >= r.cfg.MaxPages) {
		r.mu.Unlock()
		return nil
	}
	if _, done := r.visited[target]; done {
		// A next link pointing back at a visited page ends pagination.
		r.next = ""
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	p, err := r.visit(ctx, target)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.visited[target] = struct{}{}
	r.pages++
	added := 0
	for _, ref := range p.refs {
		if _, ok := r.seen[ref]; ok {
			continue
		}
		r.seen[ref] = struct{}{}
		r.refs = append(r.refs, ref)
		added++
	}
	r.next = p.next
	r.logger.Debug("catalog page read",
		zap.String("page", target),
		zap.Int("new_refs", added),
		zap.Bool("has_next", p.next != ""),
	)
	return nil
}

// Pages returns the number of catalog pages visited.
func (r *Revealer) Pages() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pages
}

func (r *Revealer) visit(ctx context.Context, pageURL string) (page, error) {
	if err := ctx.Err(); err != nil {
		return page{}, fmt.Errorf("catalog page %s canceled: %w", pageURL, err)
	}
	collector := r.collector.Clone()
	p := &page{}
	collector.OnHTML(r.cfg.ItemSelector, func(e *colly.HTMLElement) {
		if ref, ok := crawler.ResolveReference(e.Request.URL, e.Attr("href")); ok {
			p.refs = append(p.refs, ref)
		}
	})
	collector.OnHTML(r.cfg.NextSelector, func(e *colly.HTMLElement) {
		if p.next != "" {
			return
		}
		if ref, ok := crawler.ResolveReference(e.Request.URL, e.Attr("href")); ok {
			p.next = string(ref)
		}
	})
	collector.OnError(func(resp *colly.Response, err error) {
		if resp != nil && resp.StatusCode != 0 {
			err = fmt.Errorf("status %d: %w", resp.StatusCode, err)
		}
		p.err = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(pageURL)
	}()
	select {
	case <-ctx.Done():
		return page{}, fmt.Errorf("catalog page %s canceled: %w", pageURL, ctx.Err())
	case err := <-done:
		if err != nil {
			return page{}, fmt.Errorf("visit catalog page %s: %w", pageURL, err)
		}
		if p.err != nil {
			return page{}, fmt.Errorf("catalog page %s: %w", pageURL, p.err)
		}
	}
	// The next link must stay inside the catalog host.
	if p.next != "" && !sameHost(pageURL, p.next) {
		p.next = ""
	}
	return *p, nil
}

func sameHost(a, b string) bool {
	ua, errA := url.Parse(a)
	ub, errB := url.Parse(b)
	if errA != nil || errB != nil {
		return false
	}
	return strings.EqualFold(ua.Hostname(), ub.Hostname())
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
