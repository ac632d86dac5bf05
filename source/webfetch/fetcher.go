// Package webfetch retrieves documentation pages and reduces them to the
// visible text used as model context. Fetch never returns an error: every
// failure is logged and reported as ok == false so generation can proceed
// without documentation.
package webfetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/c360studio/testgen/metrics"
	"github.com/c360studio/testgen/source/weburl"
)

// Defaults applied when Config leaves a field zero.
const (
	DefaultTimeout         = 15 * time.Second
	DefaultMaxContentBytes = 1 << 20
	DefaultMaxChars        = 12000
)

// DefaultUserAgents is the rotation pool used when none is configured.
var DefaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 14_4) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64; rv:125.0) Gecko/20100101 Firefox/125.0",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
}

// Fetch outcomes, used as the metrics label.
const (
	OutcomeOK          = "ok"
	OutcomeTimeout     = "timeout"
	OutcomeError       = "error"
	OutcomeBlocked     = "blocked"
	OutcomeTooLarge    = "too_large"
	OutcomeUnsupported = "unsupported_type"
	OutcomeStatus      = "bad_status"
	OutcomeEmpty       = "empty"
)

// Format selects the extraction output.
type Format string

const (
	FormatText     Format = "text"
	FormatMarkdown Format = "markdown"
)

// Config configures a Fetcher.
type Config struct {
	Timeout         time.Duration
	MaxContentBytes int64
	MaxChars        int
	UserAgents      []string
	Policy          weburl.Policy
	Format          Format
}

// Fetcher fetches web content with security checks.
type Fetcher struct {
	client    *http.Client
	cfg       Config
	extractor *Extractor
	next      atomic.Uint64
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Fetcher) {
		f.logger = logger
	}
}

// WithMetrics records fetch outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(f *Fetcher) {
		f.metrics = m
	}
}

// New creates a Fetcher.
func New(cfg Config, opts ...Option) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxContentBytes <= 0 {
		cfg.MaxContentBytes = DefaultMaxContentBytes
	}
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = DefaultMaxChars
	}
	if len(cfg.UserAgents) == 0 {
		cfg.UserAgents = DefaultUserAgents
	}
	if cfg.Format == "" {
		cfg.Format = FormatText
	}

	f := &Fetcher{
		cfg:       cfg,
		extractor: NewExtractor(cfg.MaxChars, cfg.Format),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.client = newClient(cfg)
	return f
}

// newClient builds an HTTP client whose dialer re-validates resolved
// addresses, so DNS cannot rebind an allowed name to a private address.
func newClient(cfg Config) *http.Client {
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	policy := cfg.Policy

	safeDialContext := func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid address: %w", err)
		}

		ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
		if err != nil {
			return nil, fmt.Errorf("DNS lookup failed: %w", err)
		}
		for _, ipAddr := range ips {
			if err := policy.CheckIP(ipAddr.IP); err != nil {
				return nil, err
			}
		}

		var lastErr error
		for _, ipAddr := range ips {
			conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ipAddr.IP.String(), port))
			if err == nil {
				return conn, nil
			}
			lastErr = err
		}
		return nil, fmt.Errorf("failed to connect to any resolved IP: %w", lastErr)
	}

	transport := &http.Transport{
		DialContext:           safeDialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.Timeout,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
	}

	return &http.Client{
		Transport: transport,
		Timeout:   cfg.Timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return fmt.Errorf("too many redirects (max 5)")
			}
			if err := policy.Check(req.URL); err != nil {
				return fmt.Errorf("redirect blocked: %w", err)
			}
			return nil
		},
	}
}

// userAgent returns the next agent in the pool.
func (f *Fetcher) userAgent() string {
	n := f.next.Add(1) - 1
	return f.cfg.UserAgents[n%uint64(len(f.cfg.UserAgents))]
}

// Fetch retrieves rawURL and returns its extracted text. ok is false when
// the page could not be used for any reason; the reason is logged.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (text string, ok bool) {
	text, outcome, err := f.fetch(ctx, rawURL)
	f.metrics.Fetch(outcome)

	switch outcome {
	case OutcomeOK:
		f.logger.Debug("Fetched documentation", "url", rawURL, "chars", len(text))
		return text, true
	case OutcomeTimeout:
		f.logger.Warn("Documentation fetch timed out", "url", rawURL, "timeout", f.cfg.Timeout)
	default:
		f.logger.Warn("Documentation fetch failed", "url", rawURL, "reason", outcome, "error", err)
	}
	return "", false
}

func (f *Fetcher) fetch(ctx context.Context, rawURL string) (string, string, error) {
	u, err := weburl.Parse(rawURL)
	if err != nil {
		return "", OutcomeError, err
	}
	if err := f.cfg.Policy.Check(u); err != nil {
		return "", OutcomeBlocked, err
	}

	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", OutcomeError, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent())
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")

	resp, err := f.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return "", OutcomeTimeout, err
		}
		if errors.Is(err, weburl.ErrBlockedHost) {
			return "", OutcomeBlocked, err
		}
		return "", OutcomeError, fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", OutcomeStatus, fmt.Errorf("HTTP %d: %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	contentType := resp.Header.Get("Content-Type")
	if isBinaryContentType(contentType) {
		return "", OutcomeUnsupported, fmt.Errorf("unsupported content type %q", contentType)
	}
	if resp.ContentLength > f.cfg.MaxContentBytes {
		return "", OutcomeTooLarge, fmt.Errorf("content length %d exceeds %d bytes", resp.ContentLength, f.cfg.MaxContentBytes)
	}

	// Servers may omit or understate Content-Length; cap the read as well.
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxContentBytes+1))
	if err != nil {
		if isTimeout(err) {
			return "", OutcomeTimeout, err
		}
		return "", OutcomeError, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > f.cfg.MaxContentBytes {
		return "", OutcomeTooLarge, fmt.Errorf("content exceeds %d bytes", f.cfg.MaxContentBytes)
	}

	text, err := f.extractor.Extract(body, contentType)
	if err != nil {
		return "", OutcomeError, fmt.Errorf("extract: %w", err)
	}
	if text == "" {
		return "", OutcomeEmpty, errors.New("no visible text")
	}
	return text, OutcomeOK, nil
}

// isBinaryContentType reports whether the declared type is media or generic
// binary. A missing type is treated as text.
func isBinaryContentType(contentType string) bool {
	if contentType == "" {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0]))
	}

	switch {
	case strings.HasPrefix(mediaType, "image/"),
		strings.HasPrefix(mediaType, "audio/"),
		strings.HasPrefix(mediaType, "video/"),
		strings.HasPrefix(mediaType, "font/"):
		return true
	}
	switch mediaType {
	case "application/pdf", "application/octet-stream", "application/zip",
		"application/gzip", "application/x-tar", "application/msword":
		return true
	}
	return false
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
