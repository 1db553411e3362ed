// Package easyfairs extracts exhibitors from fairs hosted on the Easyfairs
// platform by querying the Algolia-style stands widget API directly.
package easyfairs

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/JakeFAU/fair-scraper/internal/scrape"
)

// Name identifies the driver in metadata.
const Name = "easyfairs"

// DefaultAPIURL is the public stands widget endpoint.
const DefaultAPIURL = "https://my.easyfairs.com/widgets/api/stands/"

const (
	indexName         = "stands_relevance"
	maxValuesPerFacet = 100
	noContainerReason = "domain supported but no containerId mapping"
)

// Config configures the driver.
type Config struct {
	APIURL string
	Events []Event
}

// Driver implements scrape.Driver for Easyfairs fairs.
type Driver struct {
	fetcher  scrape.Fetcher
	registry *Registry
	apiURL   string
	logger   *zap.Logger
}

// New builds a Driver. A nil Events slice selects DefaultEvents.
func New(fetcher scrape.Fetcher, cfg Config, logger *zap.Logger) *Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	events := cfg.Events
	if events == nil {
		events = DefaultEvents()
	}
	apiURL := cfg.APIURL
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	return &Driver{
		fetcher:  fetcher,
		registry: NewRegistry(events),
		apiURL:   apiURL,
		logger:   logger.Named(Name),
	}
}

// Name implements scrape.Driver.
func (d *Driver) Name() string { return Name }

// Registry exposes the host registry.
func (d *Driver) Registry() *Registry { return d.registry }

// Scrape queries every requested country and returns the deduplicated stands.
func (d *Driver) Scrape(ctx context.Context, rawURL string, opts scrape.Options) (scrape.Result, error) {
	containerID, ok := d.registry.Lookup(rawURL)
	if !ok {
		return scrape.Result{Meta: scrape.Meta{scrape.MetaSupported: false, scrape.MetaDriver: Name}}, nil
	}
	if containerID <= 0 {
		return scrape.Result{Meta: scrape.Meta{
			scrape.MetaSupported: false,
			scrape.MetaDriver:    Name,
			"reason":             noContainerReason,
		}}, nil
	}

	opts = opts.WithDefaults()
	countries := scrape.NormalizeCountries(opts.Countries)
	endpoint, err := d.endpoint(opts.Language)
	if err != nil {
		return scrape.Result{}, err
	}

	var rows []scrape.Exhibitor
	seen := make(map[string]struct{})
	hitsReported := make(map[string]int, len(countries))
	pagesFetched := make(map[string]int, len(countries))
	for _, country := range countries {
		q := query{containerID: containerID, language: opts.Language, seed: opts.QuerySeed, hitsPerPage: opts.HitsPerPage, country: country}
		reported, pages, err := d.collectCountry(ctx, endpoint, q, opts, seen, &rows)
		if err != nil {
			return scrape.Result{}, err
		}
		hitsReported[country] = reported
		pagesFetched[country] = pages
	}

	d.logger.Debug("easyfairs stands collected",
		zap.String("url", rawURL),
		zap.Int("container_id", containerID),
		zap.Int("rows", len(rows)),
	)
	return scrape.Result{
		Exhibitors: rows,
		Meta: scrape.Meta{
			scrape.MetaDriver:          Name,
			scrape.MetaSupported:       true,
			"source":                   "easyfairs_widgets",
			"container_id":             containerID,
			"language":                 opts.Language,
			"query_seed":               opts.QuerySeed,
			"countries":                countries,
			"hits_reported_by_country": hitsReported,
			"pages_fetched_by_country": pagesFetched,
			"dedupe_by_objectID":       true,
		},
	}, nil
}

// collectCountry pages through one country's stands and appends new rows.
// It returns the total the API reported and the number of pages fetched.
func (d *Driver) collectCountry(
	ctx context.Context,
	endpoint string,
	q query,
	opts scrape.Options,
	seen map[string]struct{},
	rows *[]scrape.Exhibitor,
) (int, int, error) {
	reported := -1
	fetched := 0
	var lastResults gjson.Result
	for page := 0; ; page++ {
		if opts.MaxPages > 0 && fetched >= opts.MaxPages {
			break
		}
		q.page = page
		doc, err := d.post(ctx, endpoint, q, opts)
		if err != nil {
			return 0, fetched, err
		}

		results := doc.Get("results").Array()
		if len(results) == 0 {
			lastResults = gjson.Result{}
			break
		}
		first := results[0]
		lastResults = first
		hits := first.Get("hits").Array()

		if reported < 0 {
			if nb := first.Get("nbHits"); isInt(nb) {
				reported = int(nb.Int())
			}
		}

		for _, hit := range hits {
			if q.country != "" && hit.Get("country").String() != q.country {
				continue
			}
			id := objectID(hit.Get("objectID"))
			if id == "" {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			*rows = append(*rows, toExhibitor(hit, q))
		}

		fetched++
		if nb := first.Get("nbPages"); isInt(nb) && int64(page+1) >= nb.Int() {
			break
		}
		if len(hits) == 0 {
			break
		}
	}

	if reported < 0 {
		reported = 0
		if facet := lastResults.Get("facets.country"); facet.IsObject() {
			if v, ok := facet.Map()[q.country]; ok {
				reported = int(v.Int())
			}
		}
	}
	d.logger.Debug("easyfairs country done",
		zap.String("country", q.country),
		zap.Int("reported", reported),
		zap.Int("pages", fetched),
	)
	return reported, fetched, nil
}

func (d *Driver) post(ctx context.Context, endpoint string, q query, opts scrape.Options) (gjson.Result, error) {
	body, err := json.Marshal(q.payload())
	if err != nil {
		return gjson.Result{}, fmt.Errorf("encode stands query: %w", err)
	}
	headers := http.Header{}
	headers.Set("Accept", "*/*")
	headers.Set("Content-Type", "application/json")

	resp, err := d.fetcher.Fetch(ctx, scrape.FetchRequest{
		URL:     endpoint,
		Method:  http.MethodPost,
		Body:    body,
		Headers: headers,
		Timeout: opts.Timeout,
	})
	if err != nil {
		return gjson.Result{}, fmt.Errorf("stands query %s page %d: %w", q.country, q.page, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return gjson.Result{}, fmt.Errorf("stands query %s page %d: unexpected status %d", q.country, q.page, resp.StatusCode)
	}
	if !gjson.ValidBytes(resp.Body) {
		return gjson.Result{}, fmt.Errorf("stands query %s page %d: invalid JSON response", q.country, q.page)
	}
	return gjson.ParseBytes(resp.Body), nil
}

func (d *Driver) endpoint(language string) (string, error) {
	u, err := url.Parse(d.apiURL)
	if err != nil {
		return "", fmt.Errorf("parse easyfairs api url: %w", err)
	}
	values := u.Query()
	values.Set("language", language)
	u.RawQuery = values.Encode()
	return u.String(), nil
}

type query struct {
	containerID int
	language    string
	seed        string
	hitsPerPage int
	page        int
	country     string
}

type queryParams struct {
	Facets            []string `json:"facets"`
	Filters           string   `json:"filters"`
	HighlightPostTag  string   `json:"highlightPostTag"`
	HighlightPreTag   string   `json:"highlightPreTag"`
	HitsPerPage       int      `json:"hitsPerPage"`
	MaxValuesPerFacet int      `json:"maxValuesPerFacet"`
	Page              int      `json:"page"`
	Query             string   `json:"query"`
	FacetFilters      []string `json:"facetFilters,omitempty"`
}

type multiQuery struct {
	IndexName string      `json:"indexName"`
	Params    queryParams `json:"params"`
}

func (q query) payload() []multiQuery {
	params := queryParams{
		Facets:            []string{"categories.name", "country"},
		Filters:           fmt.Sprintf("(containerId: %d)", q.containerID),
		HighlightPostTag:  "__/ais-highlight__",
		HighlightPreTag:   "__ais-highlight__",
		HitsPerPage:       q.hitsPerPage,
		MaxValuesPerFacet: maxValuesPerFacet,
		Page:              q.page,
		Query:             q.seed,
	}
	if q.country != "" {
		params.FacetFilters = []string{"country:" + q.country}
	}
	return []multiQuery{{IndexName: indexName, Params: params}}
}

func toExhibitor(hit gjson.Result, q query) scrape.Exhibitor {
	country := scalar(hit.Get("country"))
	if country == "" {
		country = q.country
	}
	return scrape.Exhibitor{
		Manufacturer: scalar(hit.Get("name")),
		Activity:     activity(hit.Get("categories"), q.language),
		Website:      scalar(hit.Get("website")),
		Country:      country,
	}
}

// activity joins category names. A name is either a plain string or an
// object keyed by language.
func activity(categories gjson.Result, language string) string {
	var names []string
	for _, cat := range categories.Array() {
		name := cat.Get("name")
		var text string
		switch {
		case name.Type == gjson.String:
			text = name.String()
		case name.IsObject():
			localized := name.Map()
			text = scalar(localized[language])
			if text == "" {
				text = scalar(localized["en"])
			}
		}
		if text != "" {
			names = append(names, text)
		}
	}
	return strings.Join(names, ", ")
}

// scalar renders strings and numbers; anything else reads as empty.
func scalar(v gjson.Result) string {
	switch v.Type {
	case gjson.String, gjson.Number:
		return v.String()
	default:
		return ""
	}
}

// objectID returns the hit identifier, treating falsy JSON values as missing.
func objectID(v gjson.Result) string {
	switch v.Type {
	case gjson.String:
		return v.String()
	case gjson.Number:
		if v.Num == 0 {
			return ""
		}
		return v.Raw
	case gjson.True:
		return "true"
	default:
		return ""
	}
}

func isInt(v gjson.Result) bool {
	return v.Type == gjson.Number && !strings.ContainsAny(v.Raw, ".eE")
}
