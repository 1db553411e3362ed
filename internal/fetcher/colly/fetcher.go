// Package collyfetcher implements scrape.Fetcher using gocolly.
package collyfetcher

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/fair-scraper/internal/scrape"
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	Limiter       scrape.Limiter
}

// Fetcher implements scrape.Fetcher using the Colly collector.
type Fetcher struct {
	cfg       Config
	transport http.RoundTripper
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher sharing one pooled transport across requests.
func New(cfg Config) *Fetcher {
	return &Fetcher{
		cfg:       cfg,
		transport: newHTTPTransport(),
	}
}

// Fetch executes a single HTTP request using Colly. Non-2xx responses are
// returned with their status code rather than as errors.
func (f *Fetcher) Fetch(ctx context.Context, request scrape.FetchRequest) (scrape.FetchResponse, error) {
	if f.cfg.Limiter != nil {
		if err := f.cfg.Limiter.Wait(ctx, request.URL); err != nil {
			return scrape.FetchResponse{}, fmt.Errorf("colly fetch throttled: %w", err)
		}
	}

	var (
		result   scrape.FetchResponse
		fetchErr error
	)
	start := time.Now()
	collector := f.buildCollector(request)
	f.configureCollectorHooks(collector, start, &result, &fetchErr)

	if err := f.runCollector(ctx, collector, request, &fetchErr); err != nil {
		return scrape.FetchResponse{}, err
	}
	return result, nil
}

func (f *Fetcher) buildCollector(request scrape.FetchRequest) *colly.Collector {
	collector := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !f.cfg.RespectRobots
	collector.ParseHTTPErrorResponse = true
	collector.SetRequestTimeout(f.requestTimeout(request))

	transport := f.transport
	if transport == nil {
		transport = newHTTPTransport()
	}
	if f.cfg.RespectRobots {
		transport = newRobotsAwareTransport(transport)
	}
	collector.WithTransport(transport)
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	start time.Time,
	result *scrape.FetchResponse,
	fetchErr *error,
) {
	hooks.OnResponse(func(r *colly.Response) {
		var headers http.Header
		if r.Headers != nil {
			headers = r.Headers.Clone()
		}
		*result = scrape.FetchResponse{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    headers,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(
	ctx context.Context,
	collector *colly.Collector,
	request scrape.FetchRequest,
	fetchErr *error,
) error {
	method := strings.ToUpper(request.Method)
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if len(request.Body) > 0 {
		body = bytes.NewReader(request.Body)
	}
	headers := f.requestHeaders(request)

	done := make(chan error, 1)
	go func() {
		done <- collector.Request(method, request.URL, body, nil, headers)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly %s failed: %w", strings.ToLower(method), err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

func (f *Fetcher) requestHeaders(request scrape.FetchRequest) http.Header {
	headers := http.Header{}
	for key, values := range request.Headers {
		for _, v := range values {
			headers.Add(key, v)
		}
	}
	if headers.Get("User-Agent") == "" && f.cfg.UserAgent != "" {
		headers.Set("User-Agent", f.cfg.UserAgent)
	}
	return headers
}

func (f *Fetcher) requestTimeout(request scrape.FetchRequest) time.Duration {
	switch {
	case request.Timeout > 0:
		return request.Timeout
	case f.cfg.Timeout > 0:
		return f.cfg.Timeout
	default:
		return 15 * time.Second
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
