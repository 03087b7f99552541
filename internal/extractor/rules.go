package extractor

import (
	"errors"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/listing-crawler/internal/crawler"
)

// Source is one place a field value may be found. Exactly one of the
// selector fields should be set.
type Source struct {
	// Selector is a CSS selector; the element text is used unless Attr is set.
	Selector string
	Attr     string
	// Meta matches <meta name=...> or <meta property=...> and reads content.
	Meta string
	// State is a dotted path into embedded application state. The first key
	// may appear at any depth.
	State string
	// LD lists dotted paths into JSON-LD objects. Values of all paths are
	// joined with a space, e.g. offers.price and offers.priceCurrency.
	LD []string
	// Pattern is matched against the visible text. Capture groups, when
	// present, are joined with a space.
	Pattern *regexp.Regexp
}

func (s Source) values(doc *Document) []string {
	switch {
	case s.Selector != "":
		var out []string
		doc.HTML.Find(s.Selector).Each(func(_ int, sel *goquery.Selection) {
			var v string
			if s.Attr != "" {
				v, _ = sel.Attr(s.Attr)
			} else {
				v = sel.Text()
			}
			if v = collapse(v); v != "" {
				out = append(out, v)
			}
		})
		return out
	case s.Meta != "":
		sel := doc.HTML.Find(`meta[name="` + s.Meta + `"], meta[property="` + s.Meta + `"]`)
		var out []string
		sel.Each(func(_ int, m *goquery.Selection) {
			if v, _ := m.Attr("content"); strings.TrimSpace(v) != "" {
				out = append(out, strings.TrimSpace(v))
			}
		})
		return out
	case s.State != "":
		return doc.stateValues(s.State)
	case len(s.LD) > 0:
		first := doc.ldValues(s.LD[0])
		if len(first) == 0 || len(s.LD) == 1 {
			return first
		}
		parts := []string{first[0]}
		for _, path := range s.LD[1:] {
			if vals := doc.ldValues(path); len(vals) > 0 {
				parts = append(parts, vals[0])
			}
		}
		return []string{strings.Join(parts, " ")}
	case s.Pattern != nil:
		var out []string
		for _, m := range s.Pattern.FindAllStringSubmatch(doc.Text, -1) {
			v := m[0]
			if len(m) > 1 {
				v = strings.Join(nonEmpty(m[1:]), " ")
			}
			if v = strings.TrimSpace(v); v != "" {
				out = append(out, v)
			}
		}
		return out
	}
	return nil
}

func nonEmpty(in []string) []string {
	var out []string
	for _, s := range in {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Rule locates one field and writes its normalized value into a Listing.
type Rule struct {
	Field string
	// Required fields mark a detail page; a page where one cannot be located
	// is rejected.
	Required bool
	// Multi collects every value of the first matching source.
	Multi   bool
	Sources []Source
	// Apply normalizes values and stores the result. An error leaves the
	// field unset and is reported as a warning.
	Apply func(dst *crawler.Listing, values []string, page crawler.Page) error
}

func (r Rule) locate(doc *Document) []string {
	for _, src := range r.Sources {
		vals := src.values(doc)
		if len(vals) == 0 {
			continue
		}
		if r.Multi {
			return vals
		}
		return vals[:1]
	}
	return nil
}

var (
	priceTextRe   = regexp.MustCompile(`(\d+(?:[\s\x{00a0}.,]\d{3})*(?:[.,]\d{1,2})?)\s*(\$|€|грн|USD|EUR|UAH)`)
	mileageTextRe = regexp.MustCompile(`(?i)пробіг\s*:?\s*(\d[\d\s.,]*\s*(?:тис\.?)?)\s*км`)
	vinTextRe     = regexp.MustCompile(`\b[A-HJ-NPR-Z0-9]{17}\b`)
	plateTextRe   = regexp.MustCompile(`(?:^|[^\p{L}\d])(\p{Lu}{2}\s?\d{4}\s?\p{Lu}{2})(?:$|[^\p{L}\d])`)
	phoneTextRe   = regexp.MustCompile(`(?:\+?38\s?)?\(?0\d{2}\)?[\s-]?\d{3}[\s-]?\d{2}[\s-]?\d{2}`)
	sellerTextRe  = regexp.MustCompile(`(?i)продав(?:ець|ец)\s+([^,.]+)`)

	errNoPhotos = errors.New("no valid photo urls")
)

// DefaultRules returns the rule table for auto.ria.com detail pages.
// Sources are ordered from most to least structured.
func DefaultRules(cfg Config) []Rule {
	return []Rule{
		{
			Field:    "title",
			Required: true,
			Sources: []Source{
				{State: "additionalParams.title"},
				{LD: []string{"name"}},
				{Selector: "h1"},
				{Meta: "og:title"},
				{Selector: "title"},
			},
			Apply: func(dst *crawler.Listing, values []string, _ crawler.Page) error {
				title := collapse(values[0])
				if title == "" {
					return errEmpty
				}
				dst.Title = &title
				return nil
			},
		},
		{
			Field:    "price",
			Required: true,
			Sources: []Source{
				{LD: []string{"offers.price", "offers.priceCurrency"}},
				{State: "prices.USD"},
				{Selector: "[data-price]", Attr: "data-price"},
				{Selector: ".price_value strong"},
				{Pattern: priceTextRe},
			},
			Apply: func(dst *crawler.Listing, values []string, _ crawler.Page) error {
				price, err := ParsePrice(values[0], cfg.DefaultCurrency)
				if err != nil {
					return err
				}
				dst.Price = &price
				return nil
			},
		},
		{
			Field: "mileage",
			Sources: []Source{
				{LD: []string{"mileageFromOdometer.value"}},
				{Selector: "[data-mileage]", Attr: "data-mileage"},
				{Pattern: mileageTextRe},
			},
			Apply: func(dst *crawler.Listing, values []string, _ crawler.Page) error {
				km, err := ParseMileage(values[0])
				if err != nil {
					return err
				}
				dst.Mileage = &km
				return nil
			},
		},
		{
			Field: "vin",
			Sources: []Source{
				{LD: []string{"vehicleIdentificationNumber"}},
				{State: "vin"},
				{Selector: ".vin-code"},
				{Pattern: vinTextRe},
			},
			Apply: func(dst *crawler.Listing, values []string, _ crawler.Page) error {
				vin, err := NormalizeVIN(values[0])
				if err != nil {
					return err
				}
				dst.VIN = &vin
				return nil
			},
		},
		{
			Field: "plate_number",
			Sources: []Source{
				{State: "plateNumber"},
				{State: "carNumber"},
				{Selector: ".state-num"},
				{Pattern: plateTextRe},
			},
			Apply: func(dst *crawler.Listing, values []string, _ crawler.Page) error {
				plate, err := NormalizePlate(values[0])
				if err != nil {
					return err
				}
				dst.PlateNumber = &plate
				return nil
			},
		},
		{
			Field: "photo_urls",
			Multi: true,
			Sources: []Source{
				{LD: []string{"image.contentUrl"}},
				{LD: []string{"image"}},
				{Selector: ".gallery img[src]", Attr: "src"},
				{Meta: "og:image"},
			},
			Apply: func(dst *crawler.Listing, values []string, page crawler.Page) error {
				seen := make(map[string]struct{}, len(values))
				photos := make([]string, 0, len(values))
				for _, v := range values {
					u, err := crawler.ResolveURL(page.BaseURL(), v)
					if err != nil {
						continue
					}
					if _, ok := seen[u]; ok {
						continue
					}
					seen[u] = struct{}{}
					photos = append(photos, u)
				}
				if len(photos) == 0 {
					return errNoPhotos
				}
				dst.PhotoURLs = photos
				return nil
			},
		},
		{
			Field: "seller_phone",
			Sources: []Source{
				{Selector: `a[href^="tel:"]`, Attr: "href"},
				{State: "phoneStr"},
				{Pattern: phoneTextRe},
			},
			Apply: func(dst *crawler.Listing, values []string, _ crawler.Page) error {
				phone, err := NormalizePhone(values[0], cfg.DefaultCountryCode)
				if err != nil {
					return err
				}
				dst.SellerPhone = &phone
				return nil
			},
		},
		{
			Field: "seller_name",
			Sources: []Source{
				{State: "owner.name"},
				{LD: []string{"offers.seller.name"}},
				{Selector: ".seller_info_name"},
				{Pattern: sellerTextRe},
			},
			Apply: func(dst *crawler.Listing, values []string, _ crawler.Page) error {
				name, _, _ := strings.Cut(collapse(values[0]), " на ")
				if name = strings.TrimSpace(name); name == "" {
					return errEmpty
				}
				dst.SellerName = &name
				return nil
			},
		},
	}
}
