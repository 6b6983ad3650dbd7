// Package crawl walks the pages of one site and collects the resource URLs
// each category of the CSP has to allow.
package crawl

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/Pirikara/cspgate/internal/category"
	"github.com/Pirikara/cspgate/internal/logger"
)

const (
	// DefaultMaxPages bounds one crawl
	DefaultMaxPages = 50
	// pageLimit caps how much of one page is parsed
	pageLimit = 5 << 20
)

// Options configures a Crawler
type Options struct {
	MaxPages int
	Timeout  time.Duration
	Table    *category.Table
	Client   *http.Client
	Logger   *logger.Logger
}

// Crawler is a breadth-first, same-host crawler
type Crawler struct {
	client   *http.Client
	matcher  *category.Matcher
	maxPages int
	logger   *logger.Logger
}

// New creates a crawler
func New(opts Options) *Crawler {
	if opts.MaxPages <= 0 {
		opts.MaxPages = DefaultMaxPages
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.Table == nil {
		opts.Table = category.Default()
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: opts.Timeout}
	}
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	return &Crawler{
		client:   opts.Client,
		matcher:  category.NewMatcher(opts.Table),
		maxPages: opts.MaxPages,
		logger:   opts.Logger,
	}
}

// Stats summarises one crawl
type Stats struct {
	Pages   int
	Skipped int
	// Start is where the start page ended up after redirects
	Start string
}

// Crawl visits pages reachable from start on the same hostname and returns
// the absolute resource URLs found, by category.
func (c *Crawler) Crawl(ctx context.Context, start string) (category.Resources, Stats, error) {
	startURL, err := url.Parse(strings.TrimSpace(start))
	if err != nil || startURL.Hostname() == "" {
		return nil, Stats{}, fmt.Errorf("invalid start url %q", start)
	}
	host := strings.ToLower(startURL.Hostname())

	resources := make(category.Resources)
	var stats Stats
	visited := make(map[string]bool)
	frontier := []*url.URL{startURL}

	first := true
	for len(frontier) > 0 && stats.Pages < c.maxPages {
		if err := ctx.Err(); err != nil {
			return resources, stats, err
		}
		page := frontier[0]
		frontier = frontier[1:]

		key := pageKey(page)
		if visited[key] {
			continue
		}
		visited[key] = true

		links, final, ok := c.visit(ctx, page, resources)
		if first {
			first = false
			if final != nil {
				stats.Start = final.String()
				// follow the site to where its start page redirected
				host = strings.ToLower(final.Hostname())
				visited[pageKey(final)] = true
			}
		}
		if !ok {
			stats.Skipped++
			continue
		}
		stats.Pages++

		for _, link := range links {
			if strings.ToLower(link.Hostname()) != host || visited[pageKey(link)] {
				continue
			}
			frontier = append(frontier, link)
		}
	}

	c.logger.Info("crawl_finished", "Crawl complete", map[string]interface{}{
		"start":   startURL.String(),
		"pages":   stats.Pages,
		"skipped": stats.Skipped,
	})
	return resources, stats, nil
}

// visit fetches one page, records its resources and returns its links and
// its final URL after redirects
func (c *Crawler) visit(ctx context.Context, page *url.URL, resources category.Resources) ([]*url.URL, *url.URL, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, page.String(), nil)
	if err != nil {
		return nil, nil, false
	}
	req.Header.Set("Accept", "text/html")

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Warn("crawl_fetch_failed", "Could not fetch page", map[string]interface{}{
			"url":   page.String(),
			"error": err.Error(),
		})
		return nil, nil, false
	}
	defer resp.Body.Close()
	final := resp.Request.URL

	if resp.StatusCode > 399 {
		c.logger.Info("crawl_page_skipped", fmt.Sprintf("Status %d", resp.StatusCode), map[string]interface{}{
			"url": page.String(),
		})
		return nil, final, false
	}
	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(contentType, "text/html") {
		c.logger.Info("crawl_page_skipped", "Non-HTML content", map[string]interface{}{
			"url":          page.String(),
			"content_type": contentType,
		})
		return nil, final, false
	}

	doc, err := html.Parse(io.LimitReader(resp.Body, pageLimit))
	if err != nil {
		c.logger.Warn("crawl_parse_failed", "Could not parse page", map[string]interface{}{
			"url":   page.String(),
			"error": err.Error(),
		})
		return nil, final, false
	}

	// a redirect changes the base for relative references
	base := final
	var links []*url.URL
	walk(doc, func(n *html.Node) {
		attrs := attributes(n)
		for _, m := range c.matcher.MatchElement(n.Data, attrs) {
			resources.Add(m.ID, resolve(base, m.Value))
		}
		if n.Data == "a" {
			if link, ok := pageLink(base, attrs["href"]); ok {
				links = append(links, link)
			}
		}
	})
	return links, final, true
}

func walk(n *html.Node, fn func(*html.Node)) {
	if n.Type == html.ElementNode {
		fn(n)
	}
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		walk(child, fn)
	}
}

func attributes(n *html.Node) map[string]string {
	attrs := make(map[string]string, len(n.Attr))
	for _, a := range n.Attr {
		if a.Namespace == "" {
			attrs[strings.ToLower(a.Key)] = a.Val
		}
	}
	return attrs
}

// resolve makes ref absolute. Unparseable references are returned as found
// so the aggregator can report them.
func resolve(base *url.URL, ref string) string {
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return ref
	}
	return base.ResolveReference(u).String()
}

func pageLink(base *url.URL, href string) (*url.URL, bool) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return nil, false
	}
	u, err := url.Parse(href)
	if err != nil {
		return nil, false
	}
	u = base.ResolveReference(u)
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, false
	}
	u.Fragment = ""
	return u, true
}

// pageKey identifies a page by host and path, ignoring a trailing slash
func pageKey(u *url.URL) string {
	return strings.TrimSuffix(strings.ToLower(u.Hostname())+u.Path, "/")
}
