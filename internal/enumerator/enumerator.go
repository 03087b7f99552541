// Package enumerator walks paginated listing-index pages and streams the
// distinct detail-page URLs it finds.
package enumerator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-crawler/internal/crawler"
)

// DefaultDetailPattern matches auto.ria.com detail pages, absolute or relative.
const DefaultDetailPattern = `(?:https?://[A-Za-z0-9.-]+(?::\d+)?)?/uk/auto_[^"'#?\s<>]+?\.html`

// StopReason explains why enumeration ended.
type StopReason string

// Stop reasons reported in Result.
const (
	StopNoNewLinks StopReason = "no_new_links"
	StopNoNextPage StopReason = "no_next_page"
	StopCycle      StopReason = "cycle"
	StopMaxPages   StopReason = "max_pages"
	StopIndexError StopReason = "index_error"
	StopCanceled   StopReason = "canceled"
)

// Config describes the pagination walk.
type Config struct {
	StartURL string
	// MaxPages caps the number of index pages read; 0 means unbounded.
	MaxPages int
	// PageParam is the query parameter carrying the page number.
	PageParam string
	// NextSelector, when set, locates the "next page" link instead of PageParam.
	NextSelector  string
	DetailPattern string
}

// Result summarises one enumeration.
type Result struct {
	Pages      int
	Discovered int
	StopReason StopReason
	FailedPage string
	Err        error
}

// Enumerator produces distinct detail URLs from paginated index pages.
type Enumerator struct {
	fetcher crawler.Fetcher
	cfg     Config
	detail  *regexp.Regexp
	logger  *zap.Logger
}

// New validates cfg and builds an Enumerator.
func New(fetcher crawler.Fetcher, cfg Config, logger *zap.Logger) (*Enumerator, error) {
	if fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	start, err := crawler.NormalizeURL(cfg.StartURL)
	if err != nil {
		return nil, fmt.Errorf("start url: %w", err)
	}
	cfg.StartURL = start
	if cfg.MaxPages < 0 {
		return nil, fmt.Errorf("max pages must be >= 0, got %d", cfg.MaxPages)
	}
	if cfg.PageParam == "" {
		cfg.PageParam = "page"
	}
	if cfg.DetailPattern == "" {
		cfg.DetailPattern = DefaultDetailPattern
	}
	detail, err := regexp.Compile(cfg.DetailPattern)
	if err != nil {
		return nil, fmt.Errorf("compile detail pattern: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Enumerator{fetcher: fetcher, cfg: cfg, detail: detail, logger: logger}, nil
}

// Enumerate walks the index pages, sending every new detail URL on out. Sends
// block, so a slow consumer paces the walk. out is closed before returning.
func (e *Enumerator) Enumerate(ctx context.Context, out chan<- string) Result {
	defer close(out)

	var res Result
	seen := make(map[string]struct{})
	visited := make(map[string]struct{})
	pageURL := e.cfg.StartURL

	for pageNum := 1; ; pageNum++ {
		if e.cfg.MaxPages > 0 && pageNum > e.cfg.MaxPages {
			res.StopReason = StopMaxPages
			return res
		}
		if ctx.Err() != nil {
			res.StopReason, res.Err = StopCanceled, ctx.Err()
			return res
		}
		visited[pageURL] = struct{}{}

		page, err := e.fetcher.Fetch(ctx, pageURL)
		if err != nil {
			res.StopReason, res.FailedPage = StopIndexError, pageURL
			res.Err = fmt.Errorf("fetch index page %d: %w", pageNum, err)
			if ctx.Err() != nil {
				res.StopReason = StopCanceled
			}
			e.logger.Warn("index page failed",
				zap.String("url", pageURL),
				zap.Int("page", pageNum),
				zap.Error(err),
			)
			return res
		}
		res.Pages++
		if final, ferr := crawler.NormalizeURL(page.BaseURL()); ferr == nil && final != pageURL {
			if _, ok := visited[final]; ok {
				// Redirected back onto a page already read.
				res.StopReason = StopCycle
				return res
			}
			visited[final] = struct{}{}
		}

		doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
		if err != nil {
			res.StopReason, res.FailedPage = StopIndexError, pageURL
			res.Err = fmt.Errorf("parse index page %d: %w", pageNum, err)
			return res
		}

		fresh := 0
		for _, link := range e.detailLinks(doc, page) {
			if _, ok := seen[link]; ok {
				continue
			}
			seen[link] = struct{}{}
			select {
			case out <- link:
			case <-ctx.Done():
				res.StopReason, res.Err = StopCanceled, ctx.Err()
				return res
			}
			fresh++
			res.Discovered++
		}
		e.logger.Info("index page enumerated",
			zap.String("url", pageURL),
			zap.Int("page", pageNum),
			zap.Int("new_links", fresh),
		)
		if fresh == 0 {
			res.StopReason = StopNoNewLinks
			return res
		}

		next, ok := e.nextPage(doc, page, pageNum)
		if !ok {
			res.StopReason = StopNoNextPage
			return res
		}
		if _, ok := visited[next]; ok {
			res.StopReason = StopCycle
			return res
		}
		pageURL = next
	}
}

// detailLinks returns the normalized detail URLs on an index page in
// document order: anchors first, then matches in the raw body, which catch
// links that only appear inside scripts.
func (e *Enumerator) detailLinks(doc *goquery.Document, page crawler.Page) []string {
	base := page.BaseURL()
	var links []string
	local := make(map[string]struct{})
	add := func(ref string) {
		resolved, err := crawler.ResolveURL(base, ref)
		if err != nil || !e.detail.MatchString(resolved) {
			return
		}
		if _, ok := local[resolved]; ok {
			return
		}
		local[resolved] = struct{}{}
		links = append(links, resolved)
	}

	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		add(href)
	})
	for _, m := range e.detail.FindAll(page.Body, -1) {
		add(string(m))
	}
	return links
}

func (e *Enumerator) nextPage(doc *goquery.Document, page crawler.Page, pageNum int) (string, bool) {
	if e.cfg.NextSelector != "" {
		href, ok := doc.Find(e.cfg.NextSelector).First().Attr("href")
		if !ok || href == "" {
			return "", false
		}
		next, err := crawler.ResolveURL(page.BaseURL(), href)
		if err != nil {
			return "", false
		}
		return next, true
	}
	next, err := crawler.WithQueryParam(e.cfg.StartURL, e.cfg.PageParam, strconv.Itoa(pageNum+1))
	if err != nil {
		return "", false
	}
	return next, true
}
