package crawler

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/Kocoro-lab/Shannon/go/inspector/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/inspector/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/inspector/internal/state"
	"github.com/Kocoro-lab/Shannon/go/inspector/internal/tracing"
)

const (
	DefaultUserAgent = "inspector/1.0"
	DefaultMaxBody   = 2 << 20
	DefaultMaxText   = 8000
)

// Config tunes the fetcher.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	MaxBody   int64
	MaxText   int
}

// FetchError is a transport-level failure for one URL.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string { return fmt.Sprintf("fetch %s: %v", e.URL, e.Err) }

func (e *FetchError) Unwrap() error { return e.Err }

// ErrorType groups fetch failures in the error aggregator.
func (e *FetchError) ErrorType() string { return "FetchError" }

// Fetcher retrieves pages and extracts title, visible text, links and forms.
type Fetcher struct {
	hw     *circuitbreaker.HTTPWrapper
	cfg    Config
	logger *zap.Logger
}

// New creates a fetcher. A nil wrapper gets a default client behind an HTTP breaker.
func New(hw *circuitbreaker.HTTPWrapper, cfg Config, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.MaxBody <= 0 {
		cfg.MaxBody = DefaultMaxBody
	}
	if cfg.MaxText <= 0 {
		cfg.MaxText = DefaultMaxText
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if hw == nil {
		client := &http.Client{Timeout: cfg.Timeout}
		hw = circuitbreaker.NewHTTPWrapper(client, "crawler", "crawler",
			circuitbreaker.FromEnv("CRAWLER", circuitbreaker.HTTPSettings()), false, logger)
	}
	return &Fetcher{hw: hw, cfg: cfg, logger: logger}
}

// Fetch retrieves target. Non-2xx responses are returned as pages with their
// status set; only transport failures produce an error.
func (f *Fetcher) Fetch(ctx context.Context, target string) (page state.Page, err error) {
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodGet, target)
	defer func() { tracing.EndSpan(span, err) }()

	page = state.Page{URL: target, FetchedAt: time.Now().UTC()}
	base, err := url.Parse(target)
	if err != nil || base.Scheme == "" || base.Host == "" {
		metrics.PagesFetched.WithLabelValues("invalid").Inc()
		return page, &FetchError{URL: target, Err: fmt.Errorf("invalid url")}
	}

	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return page, &FetchError{URL: target, Err: err}
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.5")
	tracing.InjectTraceparent(ctx, req)

	resp, err := f.hw.Do(req)
	if err != nil {
		metrics.PagesFetched.WithLabelValues("error").Inc()
		return page, &FetchError{URL: target, Err: err}
	}
	defer resp.Body.Close()

	page.Status = resp.StatusCode
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxBody))
	if err != nil {
		metrics.PagesFetched.WithLabelValues("error").Inc()
		return page, &FetchError{URL: target, Err: err}
	}

	if resp.Request != nil && resp.Request.URL != nil {
		base = resp.Request.URL
	}
	if isHTML(resp.Header.Get("Content-Type")) {
		parsePage(&page, base, string(body), f.cfg.MaxText)
	} else {
		page.Text = truncate(strings.TrimSpace(string(body)), f.cfg.MaxText)
	}

	status := "ok"
	if resp.StatusCode >= 400 {
		status = "http_error"
	}
	metrics.PagesFetched.WithLabelValues(status).Inc()
	f.logger.Debug("Fetched page",
		zap.String("url", target),
		zap.Int("status", resp.StatusCode),
		zap.Int("links", len(page.Links)),
	)
	return page, nil
}

func isHTML(contentType string) bool {
	if contentType == "" {
		return true
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mt == "text/html" || mt == "application/xhtml+xml"
}

func parsePage(page *state.Page, base *url.URL, body string, maxText int) {
	doc, err := html.Parse(strings.NewReader(body))
	if err != nil {
		page.Text = truncate(body, maxText)
		return
	}

	var text strings.Builder
	seen := map[string]struct{}{}
	var walk func(n *html.Node, skip bool)
	walk = func(n *html.Node, skip bool) {
		switch n.Type {
		case html.TextNode:
			if !skip {
				if t := strings.Join(strings.Fields(n.Data), " "); t != "" {
					if text.Len() > 0 {
						text.WriteByte(' ')
					}
					text.WriteString(t)
				}
			}
		case html.ElementNode:
			switch n.Data {
			case "script", "style", "noscript", "template":
				skip = true
			case "title":
				if page.Title == "" && n.FirstChild != nil {
					page.Title = strings.TrimSpace(n.FirstChild.Data)
				}
				skip = true
			case "a":
				if link := resolve(base, attr(n, "href")); link != "" {
					if _, dup := seen[link]; !dup {
						seen[link] = struct{}{}
						page.Links = append(page.Links, link)
					}
				}
			case "form":
				page.Forms = append(page.Forms, parseForm(n, base))
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c, skip)
		}
	}
	walk(doc, false)
	page.Text = truncate(text.String(), maxText)
}

func parseForm(n *html.Node, base *url.URL) state.Form {
	form := state.Form{
		Action: resolve(base, attr(n, "action")),
		Method: strings.ToUpper(attr(n, "method")),
	}
	if form.Action == "" {
		form.Action = base.String()
	}
	if form.Method == "" {
		form.Method = http.MethodGet
	}
	var walk func(*html.Node)
	walk = func(c *html.Node) {
		if c.Type == html.ElementNode && (c.Data == "input" || c.Data == "textarea" || c.Data == "select") {
			if name := attr(c, "name"); name != "" {
				form.Inputs = append(form.Inputs, name)
			}
		}
		for ch := c.FirstChild; ch != nil; ch = ch.NextSibling {
			walk(ch)
		}
	}
	walk(n)
	return form
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return strings.TrimSpace(a.Val)
		}
	}
	return ""
}

// resolve makes href absolute and drops fragments and non-http schemes.
func resolve(base *url.URL, href string) string {
	if href == "" || strings.HasPrefix(href, "#") {
		return ""
	}
	u, err := url.Parse(href)
	if err != nil {
		return ""
	}
	u = base.ResolveReference(u)
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	u.Fragment = ""
	return u.String()
}

// SameHost filters links to those on the same host as base.
func SameHost(base string, links []string) []string {
	b, err := url.Parse(base)
	if err != nil {
		return nil
	}
	var out []string
	for _, l := range links {
		u, err := url.Parse(l)
		if err != nil {
			continue
		}
		if strings.EqualFold(u.Host, b.Host) {
			out = append(out, l)
		}
	}
	return out
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
