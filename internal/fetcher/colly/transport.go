// Package collyfetcher implements a single-attempt crawler.Transport using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/listing-crawler/internal/crawler"
)

// DefaultUserAgents is the rotation pool used when none is configured.
var DefaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 13_5) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64; rv:125.0) Gecko/20100101 Firefox/125.0",
}

// Config controls collector behavior.
type Config struct {
	UserAgents     []string
	AcceptLanguage string
	RespectRobots  bool
	Timeout        time.Duration
	MaxBodySize    int
}

// Transport implements crawler.Transport using the Colly collector.
type Transport struct {
	cfg           Config
	baseCollector *colly.Collector
	pickAgent     func() string
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Transport.
func New(cfg Config) *Transport {
	if len(cfg.UserAgents) == 0 {
		cfg.UserAgents = DefaultUserAgents
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(newHTTPTransport())

	agents := append([]string(nil), cfg.UserAgents...)
	return &Transport{
		cfg:           cfg,
		baseCollector: c,
		pickAgent: func() string {
			return agents[rand.IntN(len(agents))]
		},
	}
}

// Get executes a single HTTP GET. Responses of any status are returned as
// pages; only transport failures are errors.
func (t *Transport) Get(ctx context.Context, rawURL string) (crawler.Page, error) {
	if err := validateURL(rawURL); err != nil {
		return crawler.Page{}, err
	}
	var (
		result   crawler.Page
		fetchErr error
	)
	start := time.Now()
	collector := t.buildCollector(ctx)
	t.configureCollectorHooks(collector, rawURL, start, &result, &fetchErr)

	if err := t.runCollector(ctx, collector, rawURL, &fetchErr); err != nil {
		return crawler.Page{}, err
	}
	return result, nil
}

func (t *Transport) buildCollector(ctx context.Context) *colly.Collector {
	collector := t.baseCollector.Clone()
	collector.Context = ctx
	collector.UserAgent = t.pickAgent()
	collector.IgnoreRobotsTxt = !t.cfg.RespectRobots
	// Clones share the visited set; retries and re-runs must be able to revisit.
	collector.AllowURLRevisit = true
	collector.ParseHTTPErrorResponse = true
	if t.cfg.MaxBodySize > 0 {
		collector.MaxBodySize = t.cfg.MaxBodySize
	}
	collector.SetRequestTimeout(t.cfg.Timeout)
	return collector
}

func (t *Transport) configureCollectorHooks(
	hooks collectorHooks,
	requestURL string,
	start time.Time,
	result *crawler.Page,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		if t.cfg.AcceptLanguage != "" {
			r.Headers.Set("Accept-Language", t.cfg.AcceptLanguage)
		}
		r.Headers.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")
	})

	hooks.OnResponse(func(r *colly.Response) {
		finalURL := requestURL
		if r.Request != nil && r.Request.URL != nil {
			finalURL = r.Request.URL.String()
		}
		var headers http.Header
		if r.Headers != nil {
			headers = r.Headers.Clone()
		}
		*result = crawler.Page{
			URL:        requestURL,
			FinalURL:   finalURL,
			StatusCode: r.StatusCode,
			Headers:    headers,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (t *Transport) runCollector(ctx context.Context, collector *colly.Collector, rawURL string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(rawURL)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return classify(fmt.Errorf("colly visit failed: %w", err))
		}
		if *fetchErr != nil {
			return classify(fmt.Errorf("colly response failed: %w", *fetchErr))
		}
		return nil
	}
}

// classify marks collector refusals as permanent; everything else is a
// transport failure the fetcher may retry.
func classify(err error) error {
	switch {
	case errors.Is(err, colly.ErrForbiddenDomain),
		errors.Is(err, colly.ErrForbiddenURL),
		errors.Is(err, colly.ErrMissingURL),
		errors.Is(err, colly.ErrRobotsTxtBlocked):
		return fmt.Errorf("%w: %w", crawler.ErrPermanent, err)
	default:
		return err
	}
}

func validateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: parse url: %w", crawler.ErrPermanent, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: unsupported url %q", crawler.ErrPermanent, rawURL)
	}
	return nil
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
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
	}
}
