package extractor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Document is a parsed detail page with every view the rule sources read.
type Document struct {
	HTML *goquery.Document
	// Text is the collapsed visible text, preceded by the title and meta description.
	Text string
	// State holds the embedded application-state objects found after markers.
	State []any
	// LD holds every JSON-LD object on the page, with arrays and @graph flattened.
	LD []map[string]any
}

// ParseDocument builds a Document from raw HTML.
func ParseDocument(body []byte, markers []string) (*Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	d := &Document{HTML: doc}
	d.LD = parseLD(doc)
	d.State = parseState(string(body), markers)
	d.Text = visibleText(doc)
	return d, nil
}

func visibleText(doc *goquery.Document) string {
	title := doc.Find("title").First().Text()
	desc, _ := doc.Find(`meta[name="description"]`).First().Attr("content")
	body := doc.Find("body").Clone()
	body.Find("script, style, noscript, template").Remove()
	return collapse(title + " \n " + desc + " \n " + body.Text())
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func parseLD(doc *goquery.Document) []map[string]any {
	var out []map[string]any
	doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, s *goquery.Selection) {
		var v any
		dec := json.NewDecoder(strings.NewReader(s.Text()))
		dec.UseNumber()
		if err := dec.Decode(&v); err != nil {
			return
		}
		out = flattenLD(out, v)
	})
	return out
}

func flattenLD(out []map[string]any, v any) []map[string]any {
	switch t := v.(type) {
	case []any:
		for _, item := range t {
			out = flattenLD(out, item)
		}
	case map[string]any:
		out = append(out, t)
		if graph, ok := t["@graph"]; ok {
			out = flattenLD(out, graph)
		}
	}
	return out
}

// parseState decodes the JSON object that follows each marker, e.g.
// window.__PINIA__ = {...}.
func parseState(html string, markers []string) []any {
	var out []any
	for _, marker := range markers {
		idx := strings.Index(html, marker)
		if idx < 0 {
			continue
		}
		start := strings.IndexByte(html[idx:], '{')
		if start < 0 {
			continue
		}
		start += idx
		end := objectEnd(html, start)
		if end < 0 {
			continue
		}
		var v any
		dec := json.NewDecoder(strings.NewReader(html[start:end]))
		dec.UseNumber()
		if err := dec.Decode(&v); err != nil {
			continue
		}
		out = append(out, v)
	}
	return out
}

// objectEnd returns the index just past the object opening at start, or -1.
// Braces inside string literals are ignored.
func objectEnd(s string, start int) int {
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i + 1
			}
		}
	}
	return -1
}

// deepFind collects every value stored under key at any depth, shallowest
// first. Keys at one depth are visited in sorted order so repeated keys
// resolve the same way on every run.
func deepFind(root any, key string, out []any) []any {
	level := []any{root}
	for len(level) > 0 {
		var next []any
		for _, v := range level {
			switch t := v.(type) {
			case map[string]any:
				if child, ok := t[key]; ok {
					out = append(out, child)
				}
				for _, k := range slices.Sorted(maps.Keys(t)) {
					next = append(next, t[k])
				}
			case []any:
				next = append(next, t...)
			}
		}
		level = next
	}
	return out
}

// walk follows a dotted path from v, fanning out over arrays.
func walk(v any, path []string, out []any) []any {
	if len(path) == 0 {
		if arr, ok := v.([]any); ok {
			return append(out, arr...)
		}
		return append(out, v)
	}
	switch t := v.(type) {
	case map[string]any:
		if child, ok := t[path[0]]; ok {
			return walk(child, path[1:], out)
		}
	case []any:
		for _, child := range t {
			out = walk(child, path, out)
		}
	}
	return out
}

// scalars keeps the non-empty string and number values.
func scalars(values []any) []string {
	var out []string
	for _, v := range values {
		switch t := v.(type) {
		case string:
			if s := strings.TrimSpace(t); s != "" {
				out = append(out, s)
			}
		case json.Number:
			out = append(out, t.String())
		}
	}
	return out
}

// stateValues resolves a dotted path whose first key may sit at any depth.
func (d *Document) stateValues(path string) []string {
	parts := strings.Split(path, ".")
	var found []any
	for _, state := range d.State {
		for _, anchor := range deepFind(state, parts[0], nil) {
			found = walk(anchor, parts[1:], found)
		}
	}
	return scalars(found)
}

// ldValues resolves a dotted path from the top of each JSON-LD object.
func (d *Document) ldValues(path string) []string {
	parts := strings.Split(path, ".")
	var found []any
	for _, obj := range d.LD {
		found = walk(obj, parts, found)
	}
	return scalars(found)
}
