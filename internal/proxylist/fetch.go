// Package proxylist scrapes a public proxy-list page for candidate HTTP
// proxies. Candidates are returned as "host:port" strings in page order,
// without duplicates. The page is parsed as HTML: table rows whose first two
// cells hold an IPv4 address and a port are taken first, then any
// "a.b.c.d:port" tokens found in text are added.
package proxylist

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/net/html"
)

// DefaultURL is scraped when no proxy source is configured.
const DefaultURL = "https://free-proxy-list.net/"

// maxPageBytes caps how much of the page is read.
const maxPageBytes = 4 << 20

var endpointPattern = regexp.MustCompile(`[0-9]{1,3}\.[0-9]{1,3}\.[0-9]{1,3}\.[0-9]{1,3}:[0-9]+`)

// Fetcher downloads and parses a proxy-list page.
type Fetcher struct {
	URL  string
	HTTP *http.Client
}

// New returns a Fetcher for url using http.DefaultClient.
func New(url string) *Fetcher {
	if url == "" {
		url = DefaultURL
	}
	return &Fetcher{URL: url, HTTP: http.DefaultClient}
}

// Fetch returns every candidate endpoint on the page. An empty result is not
// an error here; the caller decides what an empty list means.
func (f *Fetcher) Fetch(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build proxy list request: %w", err)
	}
	client := f.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch proxy list %s: %w", f.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("fetch proxy list %s: %s", f.URL, resp.Status)
	}
	return Parse(io.LimitReader(resp.Body, maxPageBytes))
}

// Parse extracts candidate endpoints from an HTML document.
func Parse(r io.Reader) ([]string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse proxy list: %w", err)
	}

	var out []string
	seen := make(map[string]bool)
	add := func(ep string) {
		if !seen[ep] {
			seen[ep] = true
			out = append(out, ep)
		}
	}

	var rows func(*html.Node)
	rows = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "tr" {
			if ep, ok := rowEndpoint(n); ok {
				add(ep)
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			rows(c)
		}
	}
	rows(doc)

	var text func(*html.Node)
	text = func(n *html.Node) {
		if n.Type == html.TextNode {
			for _, m := range endpointPattern.FindAllString(n.Data, -1) {
				if valid(m) {
					add(m)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			text(c)
		}
	}
	text(doc)

	return out, nil
}

// rowEndpoint reads "<td>ip</td><td>port</td>..." rows.
func rowEndpoint(tr *html.Node) (string, bool) {
	var cells []string
	for c := tr.FirstChild; c != nil && len(cells) < 2; c = c.NextSibling {
		if c.Type == html.ElementNode && c.Data == "td" {
			cells = append(cells, strings.TrimSpace(textContent(c)))
		}
	}
	if len(cells) < 2 {
		return "", false
	}
	ep := net.JoinHostPort(cells[0], cells[1])
	if !valid(ep) {
		return "", false
	}
	return ep, true
}

func textContent(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}

// valid accepts IPv4 host:port pairs with a port in 1..65535.
func valid(ep string) bool {
	host, port, err := net.SplitHostPort(ep)
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	if ip == nil || ip.To4() == nil {
		return false
	}
	p, err := strconv.Atoi(port)
	return err == nil && p > 0 && p <= 65535
}
