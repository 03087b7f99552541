package extractor

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"

	"github.com/JakeFAU/listing-crawler/internal/crawler"
)

var (
	errEmpty    = errors.New("empty value")
	errNegative = errors.New("negative value")
	errRange    = errors.New("value out of range")
	errNoNumber = errors.New("no number found")

	numberRe   = regexp.MustCompile(`[-−]?\d[\d\s\x{00a0}\x{202f}.,']*`)
	isoCodeRe  = regexp.MustCompile(`\b[A-Z]{3}\b`)
	thousandRe = regexp.MustCompile(`(?i)\d\s*(?:тис|тыс|k\b)`)
)

// currencySymbols maps symbols and local spellings to ISO 4217 codes.
var currencySymbols = []struct {
	token string
	code  string
}{
	{"$", "USD"},
	{"€", "EUR"},
	{"£", "GBP"},
	{"₴", "UAH"},
	{"грн", "UAH"},
	{"zł", "PLN"},
}

// NormalizeVIN upper-cases s and keeps only ASCII letters and digits.
func NormalizeVIN(s string) (string, error) {
	upper := cases.Upper(language.Und).String(s)
	var b strings.Builder
	for _, r := range upper {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "", errEmpty
	}
	return b.String(), nil
}

// NormalizePlate upper-cases s and keeps letters and digits in any script,
// so Cyrillic plates survive.
func NormalizePlate(s string) (string, error) {
	upper := cases.Upper(language.Ukrainian).String(s)
	var b strings.Builder
	for _, r := range upper {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "", errEmpty
	}
	return b.String(), nil
}

// ParsePrice splits raw into an amount and an ISO currency code. Both
// "12 500 $" and "$12,500.00" parse; a price without a recognizable currency
// takes defaultCurrency.
func ParsePrice(raw, defaultCurrency string) (crawler.Price, error) {
	amount, err := parseNumber(raw)
	if err != nil {
		return crawler.Price{}, err
	}
	if amount < 0 {
		return crawler.Price{}, errNegative
	}
	if !crawler.ValidPriceAmount(amount) {
		return crawler.Price{}, errRange
	}
	code := detectCurrency(raw)
	if code == "" {
		code = defaultCurrency
	}
	unit, err := currency.ParseISO(code)
	if err != nil {
		return crawler.Price{}, fmt.Errorf("currency %q: %w", code, err)
	}
	return crawler.Price{Amount: amount, Currency: unit.String()}, nil
}

func detectCurrency(raw string) string {
	lower := strings.ToLower(raw)
	for _, sym := range currencySymbols {
		if strings.Contains(lower, sym.token) {
			return sym.code
		}
	}
	for _, m := range isoCodeRe.FindAllString(raw, -1) {
		if unit, err := currency.ParseISO(m); err == nil {
			return unit.String()
		}
	}
	return ""
}

// ParseMileage reads a distance, honouring thousand markers such as
// "95 тис. км" and "120k". Readings above crawler.MaxMileage are rejected.
func ParseMileage(raw string) (int64, error) {
	n, err := parseNumber(raw)
	if err != nil {
		return 0, err
	}
	if thousandRe.MatchString(raw) {
		n *= 1000
	}
	if n < 0 {
		return 0, errNegative
	}
	km := math.Round(n)
	if km > float64(crawler.MaxMileage) {
		return 0, errRange
	}
	return int64(km), nil
}

// NormalizePhone reduces raw to digits. An international prefix ("+" or "00")
// is kept as the leading country code; a national trunk "0" is replaced with
// defaultCountryCode.
func NormalizePhone(raw, defaultCountryCode string) (string, error) {
	s := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(raw), "tel:"))
	international := strings.HasPrefix(s, "+")
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
	if !international && strings.HasPrefix(digits, "00") {
		digits, international = digits[2:], true
	}
	if !international && strings.HasPrefix(digits, "0") {
		digits = defaultCountryCode + digits[1:]
	}
	if len(digits) < 7 {
		return "", fmt.Errorf("phone %q: too few digits", raw)
	}
	return digits, nil
}

// parseNumber reads the first number in raw. Spaces, apostrophes and the
// minority separator are grouping; a lone separator followed by exactly three
// digits is grouping too, otherwise it is the decimal point.
func parseNumber(raw string) (float64, error) {
	m := numberRe.FindString(raw)
	if m == "" {
		return 0, errNoNumber
	}
	negative := strings.HasPrefix(m, "-") || strings.HasPrefix(m, "−")
	m = strings.TrimLeft(m, "-−")
	m = strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) || r == '\'' {
			return -1
		}
		return r
	}, m)
	m = strings.TrimRight(m, ".,")
	if m == "" {
		return 0, errNoNumber
	}

	lastDot, lastComma := strings.LastIndexByte(m, '.'), strings.LastIndexByte(m, ',')
	switch {
	case lastDot >= 0 && lastComma >= 0:
		dec, group := ".", ","
		if lastComma > lastDot {
			dec, group = ",", "."
		}
		m = strings.Replace(strings.ReplaceAll(m, group, ""), dec, ".", 1)
	case lastDot >= 0 || lastComma >= 0:
		sep := "."
		if lastComma >= 0 {
			sep = ","
		}
		idx := strings.LastIndex(m, sep)
		if strings.Count(m, sep) > 1 || len(m)-idx-1 == 3 {
			m = strings.ReplaceAll(m, sep, "")
		} else {
			m = strings.Replace(m, sep, ".", 1)
		}
	}
	v, err := strconv.ParseFloat(m, 64)
	if err != nil {
		return 0, fmt.Errorf("parse number %q: %w", m, err)
	}
	if negative {
		v = -v
	}
	return v, nil
}
