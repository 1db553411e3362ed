package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/fair-scraper/internal/export"
	"github.com/JakeFAU/fair-scraper/internal/scrape"
)

const (
	maxURLLength   = 2083
	maxBodyBytes   = 1 << 20
	minTimeoutSecs = 5
)

// scrapeRequest is the body of every scrape submission.
type scrapeRequest struct {
	URL       string   `json:"url"`
	Countries []string `json:"countries"`
	MaxPages  *int     `json:"max_pages"`
	TimeoutMs *int     `json:"timeout_ms"`
	Debug     bool     `json:"debug"`
	Language  string   `json:"language"`
}

type scrapeResponse struct {
	URL     string             `json:"url"`
	Total   int                `json:"total"`
	Results []scrape.Exhibitor `json:"results"`
	Meta    scrape.Meta        `json:"meta"`
	RunID   string             `json:"run_id"`
}

type noExhibitorsDetail struct {
	Message string      `json:"message"`
	Meta    scrape.Meta `json:"meta"`
}

func (s *Server) scrapeJSON(w http.ResponseWriter, r *http.Request) {
	run, ok := s.runSync(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, scrapeResponse{
		URL:     run.URL,
		Total:   run.Total,
		Results: run.Exhibitors,
		Meta:    run.Meta,
		RunID:   run.ID,
	})
}

func (s *Server) scrapeExcel(w http.ResponseWriter, r *http.Request) {
	run, ok := s.runSync(w, r)
	if !ok {
		return
	}
	s.writeWorkbook(w, run)
}

// runSync parses the request, executes it in the request's context, and
// writes the error response itself when it returns false.
func (s *Server) runSync(w http.ResponseWriter, r *http.Request) (scrape.Run, bool) {
	run, err := s.newRun(r)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return scrape.Run{}, false
	}
	if err := s.store.CreateRun(r.Context(), run); err != nil {
		s.logger.Error("create run failed", zap.String("run_id", run.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to record run")
		return scrape.Run{}, false
	}

	run, err = s.executor.Execute(r.Context(), run)
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			writeError(w, http.StatusGatewayTimeout, "scrape timed out")
		case errors.Is(err, context.Canceled):
			// The client is gone; nobody reads this.
			writeError(w, http.StatusServiceUnavailable, "scrape canceled")
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return scrape.Run{}, false
	}
	if run.Total == 0 {
		writeError(w, http.StatusBadRequest, noExhibitorsDetail{Message: scrape.NoExhibitorsMessage, Meta: run.Meta})
		return scrape.Run{}, false
	}
	return run, true
}

func (s *Server) writeWorkbook(w http.ResponseWriter, run scrape.Run) {
	data, err := export.BuildWorkbook(run.URL, run.Exhibitors, run.Meta, run.ID)
	if err != nil {
		s.logger.Error("build workbook failed", zap.String("run_id", run.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to build workbook")
		return
	}
	w.Header().Set("Content-Type", export.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", export.FileName))
	w.Header().Set("X-Run-ID", run.ID)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		s.logger.Warn("write workbook failed", zap.String("run_id", run.ID), zap.Error(err))
	}
}

// newRun decodes and validates a scrape request into a queued run.
func (s *Server) newRun(r *http.Request) (scrape.Run, error) {
	var req scrapeRequest
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		return scrape.Run{}, fmt.Errorf("invalid JSON body: %w", err)
	}
	target, err := validateURL(req.URL)
	if err != nil {
		return scrape.Run{}, err
	}
	id, err := s.idGen.NewID()
	if err != nil {
		return scrape.Run{}, fmt.Errorf("generate run id: %w", err)
	}
	return scrape.Run{
		ID:        id,
		URL:       target,
		Status:    scrape.RunStatusQueued,
		Options:   s.options(req),
		Submitted: s.clock.Now(),
	}, nil
}

func (s *Server) options(req scrapeRequest) scrape.Options {
	maxPages := s.cfg.Scrape.DefaultMaxPages
	if req.MaxPages != nil {
		maxPages = *req.MaxPages
	}
	timeoutMs := s.cfg.Scrape.DefaultTimeoutMs
	if req.TimeoutMs != nil {
		timeoutMs = *req.TimeoutMs
	}
	language := strings.TrimSpace(req.Language)
	if language == "" {
		language = s.cfg.Scrape.Language
	}
	return scrape.Options{
		Countries:   scrape.NormalizeCountries(req.Countries),
		Language:    language,
		Timeout:     requestTimeout(timeoutMs),
		MaxPages:    maxPages,
		QuerySeed:   s.cfg.Scrape.QuerySeed,
		HitsPerPage: s.cfg.Scrape.HitsPerPage,
		Debug:       req.Debug,
	}
}

// requestTimeout converts timeout_ms to whole seconds, never below five.
func requestTimeout(timeoutMs int) time.Duration {
	secs := timeoutMs / 1000
	if secs < minTimeoutSecs {
		secs = minTimeoutSecs
	}
	return time.Duration(secs) * time.Second
}

func validateURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("url is required")
	}
	if len(raw) > maxURLLength {
		return "", fmt.Errorf("url must be at most %d characters", maxURLLength)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", errors.New("url scheme must be http or https")
	}
	if u.Hostname() == "" {
		return "", errors.New("url must include a host")
	}
	return u.String(), nil
}
