// Package extractor turns fetched detail pages into listings by running a
// table of field rules over a parsed document.
package extractor

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/currency"

	"github.com/JakeFAU/listing-crawler/internal/crawler"
)

// DefaultStateMarkers precede the embedded application state on detail pages.
var DefaultStateMarkers = []string{"window.__PINIA__", "window.__INITIAL_STATE__"}

// Config holds extraction defaults.
type Config struct {
	StateMarkers       []string
	DefaultCurrency    string
	DefaultCountryCode string
}

// Extractor implements crawler.Extractor.
type Extractor struct {
	cfg   Config
	rules []Rule
	clock crawler.Clock
}

// New builds an Extractor using DefaultRules.
func New(cfg Config, clock crawler.Clock) (*Extractor, error) {
	cfg, err := withDefaults(cfg)
	if err != nil {
		return nil, err
	}
	return NewWithRules(cfg, clock, DefaultRules(cfg))
}

// NewWithRules builds an Extractor over a custom rule table.
func NewWithRules(cfg Config, clock crawler.Clock, rules []Rule) (*Extractor, error) {
	cfg, err := withDefaults(cfg)
	if err != nil {
		return nil, err
	}
	if clock == nil {
		return nil, errors.New("clock is required")
	}
	if len(rules) == 0 {
		return nil, errors.New("at least one rule is required")
	}
	seen := make(map[string]struct{}, len(rules))
	for i, r := range rules {
		if r.Field == "" || r.Apply == nil || len(r.Sources) == 0 {
			return nil, fmt.Errorf("rule %d is incomplete", i)
		}
		if _, dup := seen[r.Field]; dup {
			return nil, fmt.Errorf("duplicate rule for field %q", r.Field)
		}
		seen[r.Field] = struct{}{}
	}
	return &Extractor{cfg: cfg, rules: rules, clock: clock}, nil
}

func withDefaults(cfg Config) (Config, error) {
	if len(cfg.StateMarkers) == 0 {
		cfg.StateMarkers = DefaultStateMarkers
	}
	if cfg.DefaultCurrency == "" {
		cfg.DefaultCurrency = "USD"
	}
	if _, err := currency.ParseISO(cfg.DefaultCurrency); err != nil {
		return cfg, fmt.Errorf("default currency %q: %w", cfg.DefaultCurrency, err)
	}
	if strings.Trim(cfg.DefaultCountryCode, "0123456789") != "" {
		return cfg, fmt.Errorf("default country code %q must be digits", cfg.DefaultCountryCode)
	}
	return cfg, nil
}

// Extract runs every rule over page. A field that cannot be located or
// normalized is left nil and reported as a warning; the page is rejected only
// when a required field cannot be located at all.
func (e *Extractor) Extract(page crawler.Page) (crawler.Listing, []crawler.FieldWarning, error) {
	doc, err := ParseDocument(page.Body, e.cfg.StateMarkers)
	if err != nil {
		return crawler.Listing{}, nil, &crawler.ExtractError{URL: page.URL, Reason: err.Error()}
	}

	listing := crawler.Listing{
		URL:       page.URL,
		PhotoURLs: []string{},
		ScrapedAt: e.clock.Now(),
	}
	var (
		warnings []crawler.FieldWarning
		missing  []string
	)
	for _, rule := range e.rules {
		values := rule.locate(doc)
		if len(values) == 0 {
			if rule.Required {
				missing = append(missing, rule.Field)
				continue
			}
			warnings = append(warnings, crawler.FieldWarning{Field: rule.Field, Reason: "not found"})
			continue
		}
		if err := rule.Apply(&listing, values, page); err != nil {
			warnings = append(warnings, crawler.FieldWarning{Field: rule.Field, Reason: err.Error()})
		}
	}
	if len(missing) > 0 {
		return crawler.Listing{}, warnings, &crawler.ExtractError{
			URL:    page.URL,
			Reason: "not a detail page: missing " + strings.Join(missing, ", "),
		}
	}
	return listing, warnings, nil
}
