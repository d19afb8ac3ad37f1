// Package collyextractor implements crawler.Extractor with gocolly: one GET
// per item page, fields read through CSS selectors, and the raw page
// optionally archived to a BlobStore.
package collyextractor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-crawler/internal/crawler"
	"github.com/JakeFAU/listing-crawler/internal/metrics"
)

// Hasher digests raw bytes; used to name archives for refs without an identity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Waiter blocks until a request to rawURL may proceed.
type Waiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Config controls collector behavior and field extraction.
type Config struct {
	// Fields maps a field name to a CSS selector. A selector suffixed with
	// "@attr" reads that attribute instead of the element text.
	Fields map[string]string
	// Required fields must be present and non-empty or the item fails.
	Required      []string
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	// ArchivePrefix is the object prefix raw pages are written under.
	ArchivePrefix string
}

// Dependencies are optional collaborators of the Extractor.
type Dependencies struct {
	Resolver crawler.IdentityResolver
	Blob     crawler.BlobStore
	Limiter  Waiter
	Hasher   Hasher
	Clock    crawler.Clock
	Logger   *zap.Logger
}

// Extractor implements crawler.Extractor using the Colly collector.
type Extractor struct {
	cfg           Config
	fields        []fieldSpec
	deps          Dependencies
	logger        *zap.Logger
	baseCollector *colly.Collector
}

type fieldSpec struct {
	name     string
	selector string
	attr     string
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnHTML(string, colly.HTMLCallback)
	OnError(colly.ErrorCallback)
}

// New builds an Extractor. A nil transport uses a pooled default.
func New(cfg Config, transport http.RoundTripper, deps Dependencies) (*Extractor, error) {
	fields, err := parseFields(cfg.Fields)
	if err != nil {
		return nil, err
	}
	for _, name := range cfg.Required {
		if _, ok := cfg.Fields[name]; !ok {
			return nil, fmt.Errorf("required field %q has no selector", name)
		}
	}
	if deps.Blob != nil && deps.Resolver == nil && deps.Hasher == nil {
		return nil, errors.New("archiving needs a resolver or a hasher to name objects")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.ArchivePrefix == "" {
		cfg.ArchivePrefix = "raw"
	}
	if transport == nil {
		transport = newHTTPTransport()
	}
	if cfg.RespectRobots {
		transport = newRobotsTransport(transport, deps.Logger.Named("robots"))
	}
	metrics.Init()

	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(transport)
	c.AllowURLRevisit = true
	c.IgnoreRobotsTxt = !cfg.RespectRobots
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.SetRequestTimeout(cfg.Timeout)

	return &Extractor{
		cfg:           cfg,
		fields:        fields,
		deps:          deps,
		logger:        deps.Logger.Named("extractor"),
		baseCollector: c,
	}, nil
}

type fetchResult struct {
	url    string
	status int
	body   []byte
	fields map[string]string
}

// ExtractItem fetches ref and returns a Record with the configured fields.
func (e *Extractor) ExtractItem(ctx context.Context, ref crawler.CandidateRef) (crawler.Record, error) {
	target := string(ref)
	if e.deps.Limiter != nil {
		if err := e.deps.Limiter.Wait(ctx, target); err != nil {
			return crawler.Record{}, err
		}
	}

	result := &fetchResult{fields: map[string]string{}}
	var fetchErr error
	collector := e.baseCollector.Clone()
	e.configureCollectorHooks(collector, result, &fetchErr)

	if err := runCollector(ctx, collector, target, &fetchErr); err != nil {
		metrics.ObserveItemFetch(target, "error", 0)
		return crawler.Record{}, err
	}
	metrics.ObserveItemFetch(target, "success", len(result.body))

	for _, name := range e.cfg.Required {
		if result.fields[name] == "" {
			return crawler.Record{}, fmt.Errorf("item %s: required field %q missing", target, name)
		}
	}

	rec := crawler.Record{
		URL:    result.url,
		Fields: result.fields,
	}
	if e.deps.Resolver != nil {
		if id, ok := e.deps.Resolver.Resolve(ref); ok {
			rec.Identity = id
		}
	}
	if e.deps.Clock != nil {
		rec.ExtractedAt = e.deps.Clock.Now()
	}
	if e.deps.Blob != nil {
		uri, err := e.archive(ctx, ref, rec.Identity, result.body)
		if err != nil {
			return crawler.Record{}, err
		}
		rec.RawURI = uri
	}
	e.logger.Debug("item extracted",
		zap.String("ref", target),
		zap.Int("status", result.status),
		zap.Int("fields", len(rec.Fields)),
	)
	return rec, nil
}

func (e *Extractor) configureCollectorHooks(hooks collectorHooks, result *fetchResult, fetchErr *error) {
	hooks.OnResponse(func(r *colly.Response) {
		result.url = r.Request.URL.String()
		result.status = r.StatusCode
		result.body = append([]byte(nil), r.Body...)
	})

	hooks.OnHTML("html", func(h *colly.HTMLElement) {
		for _, f := range e.fields {
			sel := h.DOM.Find(f.selector).First()
			if sel.Length() == 0 {
				continue
			}
			var value string
			if f.attr != "" {
				value, _ = sel.Attr(f.attr)
			} else {
				value = sel.Text()
			}
			if value = strings.Join(strings.Fields(value), " "); value != "" {
				result.fields[f.name] = value
			}
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			err = fmt.Errorf("status %d: %w", r.StatusCode, err)
		}
		*fetchErr = err
	})
}

// archive writes body to <prefix>/<source>/<external_id>.html, or to
// <prefix>/<host>/<sha256 of ref>.html when the ref has no identity.
func (e *Extractor) archive(ctx context.Context, ref crawler.CandidateRef, id crawler.Identity, body []byte) (string, error) {
	var objectPath string
	if !id.IsZero() {
		objectPath = path.Join(e.cfg.ArchivePrefix, safeSegment(id.Source), safeSegment(id.ExternalID)+".html")
	} else {
		digest, err := e.deps.Hasher.Hash([]byte(ref))
		if err != nil {
			return "", fmt.Errorf("hash ref %s: %w", ref, err)
		}
		objectPath = path.Join(e.cfg.ArchivePrefix, crawler.HostOf(string(ref)), digest+".html")
	}
	uri, err := e.deps.Blob.PutObject(ctx, objectPath, "text/html; charset=utf-8", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("archive %s: %w", ref, err)
	}
	return uri, nil
}

func runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("colly fetch canceled: %w", err)
	}
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

func parseFields(raw map[string]string) ([]fieldSpec, error) {
	out := make([]fieldSpec, 0, len(raw))
	for name, selector := range raw {
		if strings.TrimSpace(name) == "" {
			return nil, errors.New("field name must not be empty")
		}
		spec := fieldSpec{name: name, selector: strings.TrimSpace(selector)}
		if idx := strings.LastIndex(spec.selector, "@"); idx >= 0 {
			spec.attr = strings.TrimSpace(spec.selector[idx+1:])
			spec.selector = strings.TrimSpace(spec.selector[:idx])
		}
		if spec.selector == "" {
			return nil, fmt.Errorf("field %q has an empty selector", name)
		}
		out = append(out, spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out, nil
}

func safeSegment(s string) string {
	s = strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(s)
	if s == "" {
		return "_"
	}
	return s
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
