package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/go-shiori/go-readability"
	"github.com/markusmobius/go-trafilatura"
	cache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	defaultUserAgent   = "docassist/1.0"
	defaultMaxBodySize = 10 * 1024 * 1024
	defaultFetchRate   = 5.0
	fetchTimeout       = 120 * time.Second
	maxRedirects       = 10
)

// Page is the extracted text of one URL.
type Page struct {
	URL   string
	Title string
	Text  string
}

// FetcherConfig tunes a Fetcher. Zero values select defaults.
type FetcherConfig struct {
	HTTPClient   *http.Client
	RatePerSec   float64
	MaxBodySize  int64
	CacheTTL     time.Duration
	AllowPrivate bool
}

// Fetcher downloads URLs and extracts their main text.
type Fetcher struct {
	client       *http.Client
	limiter      *rate.Limiter
	cache        *cache.Cache
	maxBody      int64
	allowPrivate bool
	lookupIP     func(ctx context.Context, host string) ([]net.IPAddr, error)
	logger       logrus.FieldLogger
}

// NewFetcher builds a Fetcher. Unless AllowPrivate is set, every redirect hop
// is re-checked and the default client refuses to dial non-public addresses,
// so neither redirects nor DNS rebinding reach internal hosts.
func NewFetcher(cfg FetcherConfig, logger logrus.FieldLogger) *Fetcher {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: fetchTimeout}
		if !cfg.AllowPrivate {
			cfg.HTTPClient.Transport = guardedTransport()
		}
	} else {
		client := *cfg.HTTPClient
		cfg.HTTPClient = &client
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = defaultFetchRate
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = defaultMaxBodySize
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Hour
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	f := &Fetcher{
		client:       cfg.HTTPClient,
		limiter:      rate.NewLimiter(rate.Limit(cfg.RatePerSec), int(cfg.RatePerSec*2)),
		cache:        cache.New(cfg.CacheTTL, 10*time.Minute),
		maxBody:      cfg.MaxBodySize,
		allowPrivate: cfg.AllowPrivate,
		lookupIP:     net.DefaultResolver.LookupIPAddr,
		logger:       logger,
	}
	if f.client.CheckRedirect == nil {
		f.client.CheckRedirect = f.checkRedirect
	}
	return f
}

func guardedTransport() *http.Transport {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
		Control:   refusePrivateDial,
	}
	transport.DialContext = dialer.DialContext
	// a proxy would dial on our behalf and bypass the address check
	transport.Proxy = nil
	return transport
}

// refusePrivateDial runs after resolution, on the address actually dialed.
func refusePrivateDial(network, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnsupportedURL, address)
	}
	ip := net.ParseIP(host)
	if ip == nil || !isPublicIP(ip) {
		return fmt.Errorf("%w: private address %s", ErrUnsupportedURL, host)
	}
	return nil
}

func (f *Fetcher) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return fmt.Errorf("stopped after %d redirects", maxRedirects)
	}
	if _, err := parseHTTPURL(req.URL.String()); err != nil {
		return err
	}
	if f.allowPrivate {
		return nil
	}
	return f.checkPublicHost(req.Context(), req.URL.Hostname())
}

// ValidateURLs checks that urls is non-empty and every entry is an absolute http(s) URL.
func ValidateURLs(urls []string) error {
	if len(urls) == 0 {
		return fmt.Errorf("%w: at least one url is required", ErrUnsupportedURL)
	}
	for _, raw := range urls {
		if _, err := parseHTTPURL(raw); err != nil {
			return err
		}
	}
	return nil
}

// FetchAll fetches every URL in order. URLs that fail are logged and skipped;
// an error is returned only when none succeed.
func (f *Fetcher) FetchAll(ctx context.Context, urls []string) ([]Page, error) {
	pages := make([]Page, 0, len(urls))
	var lastErr error
	for _, u := range urls {
		page, err := f.Fetch(ctx, u)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			f.logger.WithField("url", u).WithError(err).Warn("url fetch failed")
			lastErr = err
			continue
		}
		pages = append(pages, *page)
	}
	if len(pages) == 0 {
		if lastErr == nil {
			lastErr = ErrEmptyDocument
		}
		return nil, fmt.Errorf("no url could be fetched: %w", lastErr)
	}
	return pages, nil
}

// Fetch downloads one URL, serving repeated requests from the cache.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Page, error) {
	parsed, err := parseHTTPURL(rawURL)
	if err != nil {
		return nil, err
	}
	if cached, ok := f.cache.Get(parsed.String()); ok {
		page := cached.(Page)
		return &page, nil
	}
	if !f.allowPrivate {
		if err := f.checkPublicHost(ctx, parsed.Hostname()); err != nil {
			return nil, err
		}
	}
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", defaultUserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9")
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch url: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch url: %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	var page *Page
	if strings.HasPrefix(strings.ToLower(resp.Header.Get("Content-Type")), "text/plain") {
		page = &Page{URL: rawURL, Text: strings.TrimSpace(string(body))}
	} else {
		page, err = extractHTML(body, parsed)
		if err != nil {
			return nil, err
		}
		page.URL = rawURL
	}
	if page.Text == "" {
		return nil, ErrEmptyDocument
	}
	f.cache.Set(parsed.String(), *page, cache.DefaultExpiration)
	return page, nil
}

// JoinPages concatenates page texts separated by a blank line.
func JoinPages(pages []Page) string {
	texts := make([]string, 0, len(pages))
	for _, p := range pages {
		texts = append(texts, p.Text)
	}
	return strings.Join(texts, "\n\n")
}

func extractHTML(body []byte, pageURL *url.URL) (*Page, error) {
	result, err := trafilatura.Extract(bytes.NewReader(body), trafilatura.Options{OriginalURL: pageURL})
	if err == nil && result != nil && strings.TrimSpace(result.ContentText) != "" {
		return &Page{Title: result.Metadata.Title, Text: strings.TrimSpace(result.ContentText)}, nil
	}
	article, rerr := readability.FromReader(bytes.NewReader(body), pageURL)
	if rerr != nil {
		if err != nil {
			return nil, fmt.Errorf("extract content: %w", errors.Join(err, rerr))
		}
		return nil, fmt.Errorf("extract content: %w", rerr)
	}
	return &Page{Title: article.Title, Text: strings.TrimSpace(article.TextContent)}, nil
}

func parseHTTPURL(raw string) (*url.URL, error) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedURL, raw)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("%w: only http and https are supported: %s", ErrUnsupportedURL, raw)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("%w: missing host: %s", ErrUnsupportedURL, raw)
	}
	return parsed, nil
}

func (f *Fetcher) checkPublicHost(ctx context.Context, host string) error {
	ips, err := f.lookupIP(ctx, host)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", host, err)
	}
	for _, ip := range ips {
		if !isPublicIP(ip.IP) {
			return fmt.Errorf("%w: private address %s", ErrUnsupportedURL, host)
		}
	}
	return nil
}

func isPublicIP(ip net.IP) bool {
	return !(ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified())
}
