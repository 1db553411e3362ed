package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/fair-scraper/internal/clock/system"
	"github.com/JakeFAU/fair-scraper/internal/config"
	queuememory "github.com/JakeFAU/fair-scraper/internal/queue/memory"
	"github.com/JakeFAU/fair-scraper/internal/scrape"
	storagememory "github.com/JakeFAU/fair-scraper/internal/storage/memory"
	"github.com/JakeFAU/fair-scraper/internal/worker"
)

const fairURL = "https://www.logisticsautomationmadrid.com/es/expositores"

type fakeRunner struct {
	mu   sync.Mutex
	res  scrape.Result
	err  error
	opts []scrape.Options
}

func (f *fakeRunner) Run(_ context.Context, _ string, opts scrape.Options) (scrape.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opts = append(f.opts, opts)
	return f.res, f.err
}

func (f *fakeRunner) lastOptions() scrape.Options {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opts[len(f.opts)-1]
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("00000000-0000-7000-8000-%012d", g.n), nil
}

type panicExecutor struct{}

func (panicExecutor) Execute(context.Context, scrape.Run) (scrape.Run, error) {
	panic("driver exploded")
}

type harness struct {
	server *Server
	store  *storagememory.RunStore
	queue  *queuememory.Queue
	runner *fakeRunner
	exec   *worker.Executor
}

func testConfig() config.Config {
	return config.Config{
		Scrape: config.ScrapeConfig{
			DefaultTimeoutMs: 25000,
			DefaultMaxPages:  20,
			Language:         "es",
			QuerySeed:        "a",
			HitsPerPage:      100,
		},
		Jobs: config.JobsConfig{ListLimit: 50},
	}
}

func newHarness(t *testing.T, cfg config.Config, res scrape.Result, queueDepth int) *harness {
	t.Helper()
	store := storagememory.NewRunStore()
	runner := &fakeRunner{res: res}
	clock := system.NewFixed(time.Date(2025, 5, 6, 10, 0, 0, 0, time.UTC))
	exec := worker.NewExecutor(store, runner, nil, nil, nil, clock, worker.Config{}, zap.NewNop())
	h := &harness{store: store, runner: runner, exec: exec}
	var queue Enqueuer
	if queueDepth > 0 {
		h.queue = queuememory.NewQueue(queueDepth)
		queue = h.queue
	}
	h.server = NewServer(store, exec, queue, &seqIDs{}, clock, cfg, zap.NewNop())
	return h
}

func found() scrape.Result {
	return scrape.Result{
		Exhibitors: []scrape.Exhibitor{
			{Manufacturer: "Beta", Activity: "Packaging", Country: "Spain"},
			{Manufacturer: "Alfa Lda", Country: "Portugal"},
		},
		Meta: scrape.Meta{scrape.MetaDriver: "easyfairs", scrape.MetaSupported: true},
	}
}

func notFound() scrape.Result {
	return scrape.Result{Meta: scrape.Meta{
		scrape.MetaDriver:    "none",
		scrape.MetaSupported: false,
		"reason":             "No se detectó un driver soportado o no se obtuvieron resultados",
	}}
}

func (h *harness) do(method, target, body string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealthAndReadiness(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig(), found(), 0)
	for _, path := range []string{"/health", "/healthz"} {
		rec := h.do(http.MethodGet, path, "")
		require.Equal(t, http.StatusOK, rec.Code)
		require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
		require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	}

	require.Equal(t, http.StatusOK, h.do(http.MethodGet, "/readyz", "").Code)
	h.server.SetReady(false)
	require.Equal(t, http.StatusServiceUnavailable, h.do(http.MethodGet, "/readyz", "").Code)
}

func TestRequestIDIsPropagated(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig(), found(), 0)
	rec := h.do(http.MethodGet, "/health", "", "X-Request-ID", "abc-123")
	require.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig(), found(), 0)
	h.do(http.MethodGet, "/health", "")
	rec := h.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestScrapeJSONSuccess(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig(), found(), 0)
	rec := h.do(http.MethodPost, "/scrape_json", `{"url":"`+fairURL+`","countries":["es"]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decode(t, rec)
	require.Equal(t, fairURL, body["url"])
	require.EqualValues(t, 2, body["total"])
	require.Len(t, body["results"], 2)
	first := body["results"].([]any)[0].(map[string]any)
	require.Equal(t, map[string]any{"fabricante": "Beta", "actividad": "Packaging", "enlace_web": "", "pais": "Spain"}, first)
	require.Equal(t, "easyfairs", body["meta"].(map[string]any)["driver"])

	runID := body["run_id"].(string)
	run, err := h.store.GetRun(context.Background(), runID)
	require.NoError(t, err)
	require.Equal(t, scrape.RunStatusSucceeded, run.Status)
}

func TestScrapeOptionsMapping(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig(), found(), 0)

	h.do(http.MethodPost, "/scrape_json", `{"url":"`+fairURL+`"}`)
	opts := h.runner.lastOptions()
	require.Equal(t, []string{"Spain", "Portugal"}, opts.Countries)
	require.Equal(t, 25*time.Second, opts.Timeout)
	require.Equal(t, 20, opts.MaxPages)
	require.Equal(t, "es", opts.Language)
	require.False(t, opts.Debug)

	h.do(http.MethodPost, "/scrape_json",
		`{"url":"`+fairURL+`","countries":["pt"," ESPAÑA ","pt"],"max_pages":3,"timeout_ms":1200,"debug":true,"language":"en"}`)
	opts = h.runner.lastOptions()
	require.Equal(t, []string{"Portugal", "Spain"}, opts.Countries)
	require.Equal(t, 5*time.Second, opts.Timeout)
	require.Equal(t, 3, opts.MaxPages)
	require.Equal(t, "en", opts.Language)
	require.True(t, opts.Debug)

	h.do(http.MethodPost, "/scrape_json", `{"url":"`+fairURL+`","timeout_ms":30999}`)
	require.Equal(t, 30*time.Second, h.runner.lastOptions().Timeout)
}

func TestScrapeNoExhibitors(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig(), notFound(), 0)
	for _, path := range []string{"/scrape_json", "/scrape"} {
		rec := h.do(http.MethodPost, path, `{"url":"https://unknown.example/"}`)
		require.Equal(t, http.StatusBadRequest, rec.Code)
		detail := decode(t, rec)["detail"].(map[string]any)
		require.Equal(t, scrape.NoExhibitorsMessage, detail["message"])
		require.Equal(t, "none", detail["meta"].(map[string]any)["driver"])
	}
}

func TestScrapeValidation(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig(), found(), 0)
	tests := []struct {
		name string
		body string
		want string
	}{
		{"invalid json", `{"url":`, "invalid JSON"},
		{"wrong type", `{"url":"` + fairURL + `","max_pages":"many"}`, "invalid JSON"},
		{"missing url", `{}`, "url is required"},
		{"bad scheme", `{"url":"ftp://fair.example/list"}`, "http or https"},
		{"no host", `{"url":"https:///path"}`, "host"},
		{"relative", `{"url":"/expositores"}`, "http or https"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := h.do(http.MethodPost, "/scrape_json", tc.body)
			require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
			require.Contains(t, decode(t, rec)["detail"], tc.want)
		})
	}
	require.Empty(t, h.runner.opts)
}

func TestScrapeExcelReturnsWorkbook(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig(), found(), 0)
	rec := h.do(http.MethodPost, "/scrape", `{"url":"`+fairURL+`"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", rec.Header().Get("Content-Type"))
	require.Equal(t, `attachment; filename="fabricantes.xlsx"`, rec.Header().Get("Content-Disposition"))
	require.NotEmpty(t, rec.Header().Get("X-Run-ID"))

	wb, err := excelize.OpenReader(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	defer func() { _ = wb.Close() }()
	rows, err := wb.GetRows("Empresas")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	require.Equal(t, "Alfa Lda", rows[1][0])
	require.Equal(t, "Beta", rows[2][0])
}

func TestScrapeTimeoutAndFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig(), found(), 0)
	h.runner.err = fmt.Errorf("scrape canceled during headless: %w", context.DeadlineExceeded)
	rec := h.do(http.MethodPost, "/scrape_json", `{"url":"`+fairURL+`"}`)
	require.Equal(t, http.StatusGatewayTimeout, rec.Code)

	h.runner.err = errors.New("boom")
	rec = h.do(http.MethodPost, "/scrape_json", `{"url":"`+fairURL+`"}`)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestPanicIsRecovered(t *testing.T) {
	t.Parallel()

	server := NewServer(storagememory.NewRunStore(), panicExecutor{}, nil, &seqIDs{}, system.New(), testConfig(), zap.NewNop())
	req := httptest.NewRequest(http.MethodPost, "/scrape_json", strings.NewReader(`{"url":"`+fairURL+`"}`))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.JSONEq(t, `{"detail":"internal server error"}`, rec.Body.String())
}

func TestAPIKeyAuth(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Auth = config.AuthConfig{Enabled: true, APIKey: "s3cret"}
	h := newHarness(t, cfg, found(), 4)
	body := `{"url":"` + fairURL + `"}`

	require.Equal(t, http.StatusForbidden, h.do(http.MethodPost, "/scrape_json", body).Code)
	require.Equal(t, http.StatusForbidden, h.do(http.MethodPost, "/scrape_json", body, "X-API-Key", "wrong").Code)
	require.Equal(t, http.StatusOK, h.do(http.MethodPost, "/scrape_json", body, "X-API-Key", "s3cret").Code)
	require.Equal(t, http.StatusOK, h.do(http.MethodPost, "/scrape_json?api_key=s3cret", body).Code)
	require.Equal(t, http.StatusForbidden, h.do(http.MethodGet, "/v1/jobs", "").Code)
	require.Equal(t, http.StatusOK, h.do(http.MethodGet, "/health", "").Code)
}

func TestJobLifecycle(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig(), found(), 4)
	rec := h.do(http.MethodPost, "/v1/jobs", `{"url":"`+fairURL+`","countries":["PT"]}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	jobID := decode(t, rec)["job_id"].(string)
	require.Equal(t, "/v1/jobs/"+jobID, rec.Header().Get("Location"))

	item, err := h.queue.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, jobID, item.RunID)
	require.Equal(t, []string{"Portugal"}, item.Options.Countries)

	rec = h.do(http.MethodGet, "/v1/jobs/"+jobID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "queued", decode(t, rec)["status"])

	rec = h.do(http.MethodGet, "/v1/jobs/"+jobID+"/export", "")
	require.Equal(t, http.StatusConflict, rec.Code)
	require.JSONEq(t, `{"detail":"job is queued"}`, rec.Body.String())

	run, err := h.store.GetRun(context.Background(), jobID)
	require.NoError(t, err)
	_, err = h.exec.Execute(context.Background(), run)
	require.NoError(t, err)

	rec = h.do(http.MethodGet, "/v1/jobs/"+jobID, "")
	job := decode(t, rec)
	require.Equal(t, "succeeded", job["status"])
	require.EqualValues(t, 2, job["total"])
	require.Len(t, job["results"], 2)

	rec = h.do(http.MethodGet, "/v1/jobs/"+jobID+"/export", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, jobID, rec.Header().Get("X-Run-ID"))

	rec = h.do(http.MethodGet, "/v1/jobs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	jobs := decode(t, rec)["jobs"].([]any)
	require.Len(t, jobs, 1)
	require.NotContains(t, jobs[0].(map[string]any), "results")
}

func TestJobLookupErrors(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig(), found(), 4)
	require.Equal(t, http.StatusNotFound, h.do(http.MethodGet, "/v1/jobs/not-a-uuid", "").Code)
	require.Equal(t, http.StatusNotFound, h.do(http.MethodGet, "/v1/jobs/00000000-0000-7000-8000-000000000099", "").Code)
	require.Equal(t, http.StatusUnprocessableEntity, h.do(http.MethodGet, "/v1/jobs?limit=zero", "").Code)
	require.Equal(t, http.StatusUnprocessableEntity, h.do(http.MethodPost, "/v1/jobs", `{"url":"mailto:x@y"}`).Code)
}

func TestJobQueueFull(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig(), found(), 1)
	body := `{"url":"` + fairURL + `"}`
	require.Equal(t, http.StatusAccepted, h.do(http.MethodPost, "/v1/jobs", body).Code)

	rec := h.do(http.MethodPost, "/v1/jobs", body)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	runs, err := h.store.ListRuns(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	var failed int
	for _, run := range runs {
		if run.Status == scrape.RunStatusFailed {
			failed++
			require.Contains(t, run.ErrorText, "queue full")
		}
	}
	require.Equal(t, 1, failed)
}

func TestJobsRoutesDisabledWithoutQueue(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig(), found(), 0)
	require.Equal(t, http.StatusNotFound, h.do(http.MethodPost, "/v1/jobs", `{"url":"`+fairURL+`"}`).Code)
}

func TestRequestTimeout(t *testing.T) {
	t.Parallel()

	require.Equal(t, 5*time.Second, requestTimeout(0))
	require.Equal(t, 5*time.Second, requestTimeout(-3000))
	require.Equal(t, 5*time.Second, requestTimeout(5999))
	require.Equal(t, 25*time.Second, requestTimeout(25000))
}
