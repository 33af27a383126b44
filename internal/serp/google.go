package serp

import (
	"bytes"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ensure Google implements Source
var _ Source = (*Google)(nil)

// Google scrapes Google web search result pages.
// The zero value is usable and targets google.com in English.
type Google struct {
	// BaseURL overrides the https://www.google.<TLD>/search endpoint,
	// primarily for tests against a local server.
	BaseURL string
	// TLD selects the google country domain, e.g. "com", "de". Default "com".
	TLD string
	// Language is passed as the hl query parameter. Default "en".
	Language string
	// Template wraps the keyword before it is sent, substituting '%s' with
	// the keyword. Default "%s" (the keyword as-is).
	Template string
	// PageSize is the per-page result count used for the start offset.
	// Default 10, matching Google's default.
	PageSize int
}

// digitRun matches the leading number in strings like
// "About 1,230,000 results (0.42 seconds)".
var digitRun = regexp.MustCompile(`[0-9][0-9.,\x{00a0}\x{202f}]*`)

var nonNumeric = regexp.MustCompile(`[^0-9]+`)

// SearchURL builds the results URL for the keyword at the given 0-based page.
func (g *Google) SearchURL(query string, page int) string {
	base := g.BaseURL
	if base == "" {
		tld := g.TLD
		if tld == "" {
			tld = "com"
		}
		base = fmt.Sprintf("https://www.google.%s/search", tld)
	}

	lang := g.Language
	if lang == "" {
		lang = "en"
	}

	term := query
	if g.Template != "" && g.Template != "%s" {
		term = fmt.Sprintf(g.Template, query)
	}

	size := g.PageSize
	if size <= 0 {
		size = 10
	}

	v := url.Values{}
	v.Set("hl", lang)
	v.Set("q", term)
	if page > 0 {
		v.Set("start", strconv.Itoa(page*size))
	}

	return base + "?" + v.Encode()
}

// Parse converts a raw results page body into a Page. Individual entries
// missing a link or title are skipped and counted; only a body that is not a
// results page at all yields an error (wrapping ErrParse).
func (g *Google) Parse(body []byte) (*Page, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrParse)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}

	// A results page always carries one of these containers. Anything else
	// (error page, consent interstitial, wrong content type) is unparseable.
	if doc.Find("#search, #res, #rso").Length() == 0 {
		return nil, fmt.Errorf("%w: results container not found", ErrParse)
	}

	page := &Page{}

	doc.Find("div.g").Each(func(i int, s *goquery.Selection) {
		href, _ := s.Find("a[href]").First().Attr("href")
		title := strings.TrimSpace(s.Find("h3").First().Text())

		href = unwrapRedirect(href)

		if href == "" || title == "" || !strings.HasPrefix(href, "http") {
			page.Skipped++
			return
		}

		snippet := strings.TrimSpace(s.Find("div.VwiC3b, div.IsZvec, span.aCOpRe, span.st").First().Text())

		page.Results = append(page.Results, Result{
			Rank:    len(page.Results) + 1,
			Title:   title,
			URL:     href,
			Snippet: snippet,
		})
	})

	page.HasNext = doc.Find("#pnnext").Length() > 0

	stats := strings.TrimSpace(doc.Find("#result-stats, #resultStats").First().Text())
	if stats != "" {
		if run := digitRun.FindString(stats); run != "" {
			digits := nonNumeric.ReplaceAllString(run, "")
			if n, err := strconv.ParseInt(digits, 10, 64); err == nil {
				page.TotalResults = n
			}
		}
	}

	return page, nil
}

// unwrapRedirect resolves Google's /url?q=<target> indirection to the real
// destination. Non-redirect hrefs are returned unchanged.
func unwrapRedirect(href string) string {
	if !strings.HasPrefix(href, "/url?") {
		return href
	}
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	if q := u.Query().Get("q"); q != "" {
		return q
	}
	return href
}
