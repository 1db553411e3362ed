// Package headless is the last-resort driver for directories that only
// render client-side: it loads the page in headless Chrome and keeps the
// visible anchor texts.
package headless

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	renderer "github.com/JakeFAU/fair-scraper/internal/fetcher/headless"
	"github.com/JakeFAU/fair-scraper/internal/scrape"
)

// Name identifies the driver in metadata.
const Name = "headless"

// Mode controls when the driver runs.
type Mode string

const (
	// ModeAlways runs the driver whenever earlier drivers found nothing.
	ModeAlways Mode = "always"
	// ModeAuto runs it only when an earlier attempt flagged render_hint.
	ModeAuto Mode = "auto"
)

// ParseMode maps a config string to a Mode. Empty selects ModeAlways.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeAlways:
		return ModeAlways, nil
	case ModeAuto:
		return ModeAuto, nil
	default:
		return "", fmt.Errorf("unknown headless mode %q", s)
	}
}

// Browser renders a page and reports its anchor texts.
type Browser interface {
	Render(ctx context.Context, request scrape.FetchRequest) (renderer.Page, error)
}

// Driver implements scrape.Driver and scrape.Gate.
type Driver struct {
	browser Browser
	mode    Mode
	logger  *zap.Logger
}

// New builds a Driver.
func New(browser Browser, mode Mode, logger *zap.Logger) *Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if mode == "" {
		mode = ModeAlways
	}
	return &Driver{browser: browser, mode: mode, logger: logger.Named(Name)}
}

// Name implements scrape.Driver.
func (d *Driver) Name() string { return Name }

// ShouldAttempt implements scrape.Gate.
func (d *Driver) ShouldAttempt(attempts []scrape.Meta) bool {
	if d.mode != ModeAuto {
		return true
	}
	for _, m := range attempts {
		if m.Flag("render_hint") {
			return true
		}
	}
	return false
}

// Scrape renders the URL and returns each distinct anchor text as an exhibitor.
func (d *Driver) Scrape(ctx context.Context, rawURL string, opts scrape.Options) (scrape.Result, error) {
	opts = opts.WithDefaults()
	page, err := d.browser.Render(ctx, scrape.FetchRequest{URL: rawURL, Timeout: opts.Timeout})
	if err != nil {
		return scrape.Result{}, fmt.Errorf("headless render %s: %w", rawURL, err)
	}

	names := Candidates(page.AnchorTexts)
	rows := make([]scrape.Exhibitor, 0, len(names))
	for _, name := range names {
		rows = append(rows, scrape.Exhibitor{Manufacturer: name})
	}
	d.logger.Debug("headless page rendered",
		zap.String("url", rawURL),
		zap.Int("status", page.StatusCode),
		zap.Int("anchors", len(page.AnchorTexts)),
		zap.Int("candidates", len(rows)),
		zap.Int("html_bytes", len(page.HTML)),
		zap.Duration("elapsed", page.Duration),
	)
	return scrape.Result{
		Exhibitors: rows,
		Meta: scrape.Meta{
			scrape.MetaDriver:    Name,
			scrape.MetaSupported: true,
			"note":               "JS dynamic fallback",
			"count_candidates":   len(rows),
			"final_url":          page.URL,
			"status_code":        page.StatusCode,
			"content_type":       page.Headers.Get("Content-Type"),
			"html_bytes":         len(page.HTML),
		},
	}, nil
}

// Candidates keeps trimmed texts strictly between 3 and 80 characters,
// first occurrence wins when texts differ only by case.
func Candidates(texts []string) []string {
	seen := make(map[string]struct{}, len(texts))
	out := make([]string, 0, len(texts))
	for _, raw := range texts {
		text := strings.TrimSpace(raw)
		if n := utf8.RuneCountInString(text); n <= 3 || n >= 80 {
			continue
		}
		key := strings.ToLower(text)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, text)
	}
	return out
}
