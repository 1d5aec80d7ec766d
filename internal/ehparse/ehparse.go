// Package ehparse is a small regexp parser for gallery detail and page
// wrapper documents.
package ehparse

import (
	"errors"
	"fmt"
	"html"
	"regexp"
	"strconv"
	"strings"
)

// ErrParse is returned when a document lacks a required field.
var ErrParse = errors.New("parse error")

// Preview is one entry of a detail page preview grid.
type Preview struct {
	Index  int    // 0-based page index
	PToken string // page token
}

// Detail is what the spider needs from a gallery detail page.
type Detail struct {
	Pages        int
	PreviewPages int
	Previews     []Preview
}

// Page is what the spider needs from a page wrapper document.
type Page struct {
	ImageURL       string
	OriginImageURL string // empty when the page offers no original
	SkipHathKey    string
}

// PageURL is a parsed page wrapper URL.
type PageURL struct {
	GID    int64
	Index  int // 0-based
	PToken string
}

var (
	pagesRe        = regexp.MustCompile(`Length:</td><td[^<>]*>([\d,]+) pages?</td>`)
	previewPagesRe = regexp.MustCompile(`<td[^>]+><a[^>]+>([\d,]+)</a></td><td[^>]+>(?:<a[^>]+>)?&gt;(?:</a>)?</td>`)
	pageURLRe      = regexp.MustCompile(`/s/([0-9a-f]{10})/(\d+)-(\d+)`)
	imageIDRe      = regexp.MustCompile(`<img[^>]*\bid="img"[^>]*\bsrc="([^"]+)"`)
	imageStyleRe   = regexp.MustCompile(`<img[^>]*\bsrc="([^"]+)" style`)
	skipHathKeyRe  = regexp.MustCompile(`onclick="return nl\('([^)]+)'\)`)
	originRe       = regexp.MustCompile(`<a href="([^"]+fullimg[^"]*)"`)
)

// Parser parses documents with the package's patterns.
type Parser struct{}

// ParseDetail extracts the page count, preview page count and preview tokens.
func (Parser) ParseDetail(body string) (*Detail, error) {
	m := pagesRe.FindStringSubmatch(body)
	if m == nil {
		return nil, fmt.Errorf("%w: page count not found", ErrParse)
	}
	pages, err := parseNumber(m[1])
	if err != nil {
		return nil, fmt.Errorf("%w: page count %q", ErrParse, m[1])
	}

	d := &Detail{Pages: pages, PreviewPages: 1}
	if m := previewPagesRe.FindStringSubmatch(body); m != nil {
		if n, err := parseNumber(m[1]); err == nil && n > 0 {
			d.PreviewPages = n
		}
	}

	seen := make(map[int]bool)
	for _, m := range pageURLRe.FindAllStringSubmatch(body, -1) {
		n, err := strconv.Atoi(m[3])
		if err != nil || n < 1 || seen[n-1] {
			continue
		}
		seen[n-1] = true
		d.Previews = append(d.Previews, Preview{Index: n - 1, PToken: m[1]})
	}
	return d, nil
}

// ParsePage extracts the image URL, the original image URL and the skip key.
func (Parser) ParsePage(body string) (*Page, error) {
	m := imageIDRe.FindStringSubmatch(body)
	if m == nil {
		m = imageStyleRe.FindStringSubmatch(body)
	}
	if m == nil {
		return nil, fmt.Errorf("%w: image url not found", ErrParse)
	}

	p := &Page{ImageURL: html.UnescapeString(m[1])}
	if m := skipHathKeyRe.FindStringSubmatch(body); m != nil {
		p.SkipHathKey = m[1]
	}
	if m := originRe.FindStringSubmatch(body); m != nil {
		p.OriginImageURL = html.UnescapeString(m[1])
	}
	return p, nil
}

// ParsePageURL parses a page wrapper URL such as https://host/s/0123456789/42-3.
func ParsePageURL(u string) (PageURL, bool) {
	m := pageURLRe.FindStringSubmatch(u)
	if m == nil {
		return PageURL{}, false
	}
	gid, err := strconv.ParseInt(m[2], 10, 64)
	if err != nil {
		return PageURL{}, false
	}
	n, err := strconv.Atoi(m[3])
	if err != nil || n < 1 {
		return PageURL{}, false
	}
	return PageURL{GID: gid, Index: n - 1, PToken: m[1]}, true
}

func parseNumber(s string) (int, error) {
	return strconv.Atoi(strings.ReplaceAll(s, ",", ""))
}
