// Package detector guesses when an exhibitor page is rendered client-side and
// therefore worth a headless browser pass.
package detector

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/JakeFAU/fair-scraper/internal/scrape"
)

// Heuristic implements a handful of rule-based promotions.
type Heuristic struct {
	BodyLengthThreshold int
	MinAnchors          int
}

// NewHeuristic creates a new detector. threshold is the body size under
// which a script-heavy page counts as a JavaScript shell.
func NewHeuristic(threshold int) *Heuristic {
	if threshold <= 0 {
		threshold = 2048
	}
	return &Heuristic{BodyLengthThreshold: threshold, MinAnchors: 10}
}

// Framework roots and directory widgets that only fill in after scripts run.
var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte("__nuxt"),
	[]byte("id=\"root\""),
	[]byte("id=\"app\""),
	[]byte("data-reactroot"),
	[]byte("ng-version"),
	[]byte("data-v-app"),
	[]byte("ais-instantsearch"),
	[]byte("algoliasearch"),
	[]byte("easyfairs-widget"),
}

// ShouldPromote decides whether a headless render is likely to reveal more
// exhibitors than the static HTML.
func (h *Heuristic) ShouldPromote(resp scrape.FetchResponse) bool {
	if resp.StatusCode != http.StatusOK {
		return false
	}
	body := resp.Body
	if len(body) == 0 {
		return true
	}
	if len(body) < h.BodyLengthThreshold && scriptDensityHigh(body) {
		return true
	}
	lower := bytes.ToLower(body)
	for _, marker := range spaMarkers {
		if bytes.Contains(lower, bytes.ToLower(marker)) {
			return true
		}
	}
	return h.MinAnchors > 0 && bytes.Count(lower, []byte("<a ")) < h.MinAnchors && scriptDensityHigh(body)
}

func scriptDensityHigh(body []byte) bool {
	lower := strings.ToLower(string(body))
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	scriptCoverage := 0
	searchPos := 0

	for {
		relativeStart := strings.Index(lower[searchPos:], openTag)
		if relativeStart == -1 {
			break
		}
		start := searchPos + relativeStart

		tagClose := strings.IndexByte(lower[start:], '>')
		if tagClose == -1 {
			// Treat the rest of the document as part of the malformed script.
			scriptCoverage += total - start
			break
		}
		contentStart := start + tagClose + 1

		relativeEnd := strings.Index(lower[contentStart:], closeTag)
		var nextSearch int
		if relativeEnd == -1 {
			nextSearch = total
		} else {
			nextSearch = contentStart + relativeEnd + len(closeTag)
		}

		scriptCoverage += nextSearch - start
		searchPos = nextSearch
	}

	if scriptCoverage == 0 {
		return false
	}
	return scriptCoverage*100/total >= 25
}
