package scrape

import (
	"net/http"
	"time"
)

// Exhibitor is one company row extracted from a fair directory.
type Exhibitor struct {
	Manufacturer string `json:"fabricante"`
	Activity     string `json:"actividad"`
	Website      string `json:"enlace_web"`
	Country      string `json:"pais"`
}

// Meta carries free-form debug metadata produced by drivers.
type Meta map[string]any

// Meta keys every driver sets.
const (
	MetaDriver    = "driver"
	MetaSupported = "supported"
)

// Driver returns the driver name recorded in the metadata.
func (m Meta) Driver() string {
	if m == nil {
		return ""
	}
	name, _ := m[MetaDriver].(string)
	return name
}

// Supported reports whether the driver accepted the URL.
func (m Meta) Supported() bool {
	if m == nil {
		return false
	}
	ok, _ := m[MetaSupported].(bool)
	return ok
}

// Flag reports whether a boolean key is present and true.
func (m Meta) Flag(key string) bool {
	if m == nil {
		return false
	}
	v, _ := m[key].(bool)
	return v
}

// Clone returns a shallow copy.
func (m Meta) Clone() Meta {
	out := make(Meta, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Options captures per-request scrape knobs.
type Options struct {
	Countries   []string      `json:"countries"`
	Language    string        `json:"language"`
	Timeout     time.Duration `json:"timeout"`
	MaxPages    int           `json:"max_pages"`
	QuerySeed   string        `json:"query_seed"`
	HitsPerPage int           `json:"hits_per_page"`
	Debug       bool          `json:"debug"`
}

// Option defaults.
const (
	DefaultLanguage    = "es"
	DefaultTimeout     = 25 * time.Second
	DefaultMaxPages    = 20
	DefaultQuerySeed   = "a"
	DefaultHitsPerPage = 100
)

// WithDefaults fills zero values with service defaults. MaxPages is left
// alone because a non-positive value means "no page limit".
func (o Options) WithDefaults() Options {
	if o.Language == "" {
		o.Language = DefaultLanguage
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.QuerySeed == "" {
		o.QuerySeed = DefaultQuerySeed
	}
	if o.HitsPerPage <= 0 {
		o.HitsPerPage = DefaultHitsPerPage
	}
	return o
}

// Result is what a driver (or the whole pipeline) produces.
type Result struct {
	Exhibitors []Exhibitor `json:"results"`
	Meta       Meta        `json:"meta"`
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	URL     string
	Method  string
	Body    []byte
	Headers http.Header
	Timeout time.Duration
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// RunStatus represents the lifecycle state of a scrape run.
type RunStatus string

// Run status values persisted in the run store.
const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

// Terminal reports whether no further transitions are expected.
func (s RunStatus) Terminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed
}

// Run is the persisted record of one scrape, synchronous or queued.
type Run struct {
	ID         string      `json:"id"`
	URL        string      `json:"url"`
	Status     RunStatus   `json:"status"`
	Options    Options     `json:"options"`
	Submitted  time.Time   `json:"submitted_at"`
	Started    *time.Time  `json:"started_at,omitempty"`
	Finished   *time.Time  `json:"finished_at,omitempty"`
	Driver     string      `json:"driver,omitempty"`
	Total      int         `json:"total"`
	Exhibitors []Exhibitor `json:"results,omitempty"`
	Meta       Meta        `json:"meta,omitempty"`
	ErrorText  string      `json:"error_text,omitempty"`
	ExportURI  string      `json:"export_uri,omitempty"`
}

// QueueItem wraps a run ready to execute.
type QueueItem struct {
	RunID     string
	URL       string
	Options   Options
	Attempt   int
	Submitted int64
}
