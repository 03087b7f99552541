// Package headless implements a crawler.Transport that renders listing pages
// in headless Chrome through chromedp.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/listing-crawler/internal/crawler"
)

const (
	defaultNavTimeout   = 45 * time.Second
	defaultWaitSelector = "body"
)

// Config controls the browser transport.
type Config struct {
	// MaxTabs bounds the tabs open at once.
	MaxTabs        int
	UserAgents     []string
	AcceptLanguage string
	NavTimeout     time.Duration
	// WaitSelector must match before the DOM is captured.
	WaitSelector string
}

// Transport renders one page per Get in a fresh tab of a shared browser.
type Transport struct {
	cfg     Config
	tabs    *semaphore.Weighted
	agent   atomic.Uint64
	browser context.Context
	cancel  context.CancelFunc
}

// New prepares a Chrome allocator. The browser process starts with the first Get.
func New(cfg Config) (*Transport, error) {
	if cfg.MaxTabs <= 0 {
		return nil, errors.New("max tabs must be > 0")
	}
	if len(cfg.UserAgents) == 0 {
		return nil, errors.New("at least one user agent is required")
	}
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = defaultNavTimeout
	}
	if cfg.WaitSelector == "" {
		cfg.WaitSelector = defaultWaitSelector
	}
	cfg.UserAgents = append([]string(nil), cfg.UserAgents...)

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("blink-settings", "imagesEnabled=false"),
	)
	browser, cancel := chromedp.NewExecAllocator(context.Background(), opts...)
	return &Transport{
		cfg:     cfg,
		tabs:    semaphore.NewWeighted(int64(cfg.MaxTabs)),
		browser: browser,
		cancel:  cancel,
	}, nil
}

// Close shuts the browser down.
func (t *Transport) Close() {
	t.cancel()
}

// Get renders rawURL and returns the DOM after WaitSelector matches. The
// status and headers are those of the main document response, so 429 and 5xx
// pages come back as pages for the fetcher to classify.
func (t *Transport) Get(ctx context.Context, rawURL string) (crawler.Page, error) {
	if err := t.tabs.Acquire(ctx, 1); err != nil {
		return crawler.Page{}, fmt.Errorf("wait for browser tab: %w", err)
	}
	defer t.tabs.Release(1)

	tab, closeTab := chromedp.NewContext(t.browser)
	defer closeTab()
	stop := context.AfterFunc(ctx, closeTab)
	defer stop()
	tab, cancel := context.WithTimeout(tab, t.cfg.NavTimeout)
	defer cancel()

	doc := &documentResponse{}
	chromedp.ListenTarget(tab, doc.observe)

	start := time.Now()
	var html, location string
	err := chromedp.Run(tab,
		t.prepareTab(t.nextUserAgent()),
		chromedp.Navigate(rawURL),
		chromedp.WaitReady(t.cfg.WaitSelector, chromedp.ByQuery),
		chromedp.Location(&location),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		if ctx.Err() != nil {
			return crawler.Page{}, fmt.Errorf("headless fetch canceled: %w", ctx.Err())
		}
		return crawler.Page{}, fmt.Errorf("render %s: %w", rawURL, err)
	}
	return doc.page(rawURL, location, []byte(html), time.Since(start)), nil
}

func (t *Transport) nextUserAgent() string {
	n := t.agent.Add(1) - 1
	return t.cfg.UserAgents[n%uint64(len(t.cfg.UserAgents))]
}

func (t *Transport) prepareTab(userAgent string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network events: %w", err)
		}
		override := emulation.SetUserAgentOverride(userAgent)
		if t.cfg.AcceptLanguage != "" {
			override = override.WithAcceptLanguage(t.cfg.AcceptLanguage)
		}
		if err := override.Do(ctx); err != nil {
			return fmt.Errorf("set user agent: %w", err)
		}
		return nil
	})
}

// documentResponse keeps the first document response of a tab, which is the
// main frame after redirects. Iframes and subresources are ignored.
type documentResponse struct {
	mu      sync.Mutex
	status  int
	url     string
	headers http.Header
}

func (d *documentResponse) observe(ev any) {
	e, ok := ev.(*network.EventResponseReceived)
	if !ok || e.Type != network.ResourceTypeDocument || e.Response == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.status != 0 {
		return
	}
	d.status = int(e.Response.Status)
	d.url = e.Response.URL
	d.headers = pageHeaders(e.Response.Headers)
}

func (d *documentResponse) page(requestURL, location string, body []byte, took time.Duration) crawler.Page {
	d.mu.Lock()
	defer d.mu.Unlock()

	p := crawler.Page{
		URL:        requestURL,
		FinalURL:   d.url,
		StatusCode: d.status,
		Headers:    d.headers,
		Body:       body,
		Duration:   took,
	}
	if p.FinalURL == "" {
		p.FinalURL = location
	}
	if p.FinalURL == "" {
		p.FinalURL = requestURL
	}
	// No document event means the page came from the browser cache.
	if p.StatusCode == 0 {
		p.StatusCode = http.StatusOK
	}
	if p.Headers == nil {
		p.Headers = http.Header{}
	}
	return p
}

// pageHeaders converts CDP headers, where repeated fields arrive joined by
// newlines, into canonical http.Header values.
func pageHeaders(src network.Headers) http.Header {
	h := make(http.Header, len(src))
	for key, value := range src {
		s, ok := value.(string)
		if !ok {
			s = fmt.Sprint(value)
		}
		for _, line := range strings.Split(s, "\n") {
			h.Add(key, line)
		}
	}
	return h
}
