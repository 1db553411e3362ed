// Package statichtml is the generic fallback driver: it fetches the page
// once and harvests short anchor texts as candidate company names.
package statichtml

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/fair-scraper/internal/scrape"
)

// Name identifies the driver in metadata.
const Name = "static_html"

// DefaultUserAgent is sent when no override is configured.
const DefaultUserAgent = "Mozilla/5.0"

const (
	acceptHTML      = "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"
	previewRunes    = 400
	maxCandidates   = 2000
	notDirectory    = "page does not look like a directory"
	heuristicNotice = "heuristic fallback; may include false positives"
)

var directoryPattern = regexp.MustCompile(`(?i)exhibitor|exhibitors|expositor|expositores|companies|empresas`)

// Navigation labels that are never company names.
var menuWords = []string{"home", "inicio", "about", "contact", "privacy", "cookies"}

// Driver implements scrape.Driver over a plain HTTP GET.
type Driver struct {
	fetcher   scrape.Fetcher
	detector  scrape.HeadlessDetector
	userAgent string
	logger    *zap.Logger
}

// New builds a Driver. detector may be nil, in which case no render hint is
// ever emitted.
func New(fetcher scrape.Fetcher, detector scrape.HeadlessDetector, userAgent string, logger *zap.Logger) *Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	return &Driver{
		fetcher:   fetcher,
		detector:  detector,
		userAgent: userAgent,
		logger:    logger.Named(Name),
	}
}

// Name implements scrape.Driver.
func (d *Driver) Name() string { return Name }

// Scrape implements scrape.Driver. Transport failures are reported in the
// metadata rather than returned, so the pipeline moves on to the next driver.
func (d *Driver) Scrape(ctx context.Context, rawURL string, opts scrape.Options) (scrape.Result, error) {
	opts = opts.WithDefaults()
	headers := http.Header{}
	headers.Set("User-Agent", d.userAgent)
	headers.Set("Accept", acceptHTML)

	resp, err := d.fetcher.Fetch(ctx, scrape.FetchRequest{
		URL:     rawURL,
		Method:  http.MethodGet,
		Headers: headers,
		Timeout: opts.Timeout,
	})
	if err != nil {
		if ctx.Err() != nil {
			return scrape.Result{}, fmt.Errorf("static fetch: %w", ctx.Err())
		}
		return scrape.Result{Meta: scrape.Meta{
			scrape.MetaDriver:    Name,
			scrape.MetaSupported: false,
			"error":              err.Error(),
		}}, nil
	}

	res := d.extract(resp)
	if d.detector != nil && d.detector.ShouldPromote(resp) {
		res.Meta["render_hint"] = true
	}
	d.logger.Debug("static page scanned",
		zap.String("url", rawURL),
		zap.Int("status", resp.StatusCode),
		zap.Int("candidates", len(res.Exhibitors)),
		zap.Bool("render_hint", res.Meta.Flag("render_hint")),
	)
	return res, nil
}

func (d *Driver) extract(resp scrape.FetchResponse) scrape.Result {
	if resp.StatusCode >= http.StatusBadRequest {
		return scrape.Result{Meta: scrape.Meta{
			scrape.MetaDriver:    Name,
			scrape.MetaSupported: false,
			"http_status":        resp.StatusCode,
			"body_preview":       preview(resp.Body),
		}}
	}
	if !directoryPattern.Match(resp.Body) {
		return scrape.Result{Meta: scrape.Meta{
			scrape.MetaDriver:    Name,
			scrape.MetaSupported: false,
			"reason":             notDirectory,
		}}
	}

	names, err := Candidates(resp.Body)
	if err != nil {
		return scrape.Result{Meta: scrape.Meta{
			scrape.MetaDriver:    Name,
			scrape.MetaSupported: false,
			"error":              err.Error(),
		}}
	}
	rows := make([]scrape.Exhibitor, 0, len(names))
	for _, name := range names {
		rows = append(rows, scrape.Exhibitor{Manufacturer: name})
	}
	return scrape.Result{
		Exhibitors: rows,
		Meta: scrape.Meta{
			scrape.MetaDriver:    Name,
			scrape.MetaSupported: true,
			"note":               heuristicNotice,
			"count_candidates":   len(rows),
		},
	}
}

// Candidates returns the unique, sorted texts of text-only anchors that
// plausibly name a company.
func Candidates(body []byte) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	seen := make(map[string]struct{})
	doc.Find("a").Each(func(_ int, s *goquery.Selection) {
		if s.Children().Length() > 0 {
			return
		}
		raw := s.Text()
		if n := utf8.RuneCountInString(raw); n < 2 || n > 120 {
			return
		}
		text := strings.Join(strings.Fields(raw), " ")
		if n := utf8.RuneCountInString(text); n < 3 || n > 80 {
			return
		}
		if isMenuLabel(text) {
			return
		}
		seen[text] = struct{}{}
	})

	out := make([]string, 0, len(seen))
	for text := range seen {
		out = append(out, text)
	}
	sort.Strings(out)
	if len(out) > maxCandidates {
		out = out[:maxCandidates]
	}
	return out, nil
}

func isMenuLabel(text string) bool {
	lower := strings.ToLower(text)
	for _, w := range menuWords {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

func preview(body []byte) string {
	s := string(body)
	if utf8.RuneCountInString(s) <= previewRunes {
		return s
	}
	return string([]rune(s)[:previewRunes])
}
