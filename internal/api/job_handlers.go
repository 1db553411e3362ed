package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/fair-scraper/internal/id/uuid"
	"github.com/JakeFAU/fair-scraper/internal/scrape"
)

const maxListLimit = 500

type submitJobResponse struct {
	JobID  string           `json:"job_id"`
	Status scrape.RunStatus `json:"status"`
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	run, err := s.newRun(r)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if err := s.store.CreateRun(r.Context(), run); err != nil {
		s.logger.Error("create run failed", zap.String("run_id", run.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to record job")
		return
	}

	item := scrape.QueueItem{
		RunID:     run.ID,
		URL:       run.URL,
		Options:   run.Options,
		Attempt:   1,
		Submitted: run.Submitted.Unix(),
	}
	if err := s.queue.TryEnqueue(item); err != nil {
		run.Status = scrape.RunStatusFailed
		run.ErrorText = fmt.Sprintf("enqueue job: %v", err)
		finished := s.clock.Now()
		run.Finished = &finished
		if uerr := s.store.UpdateRun(r.Context(), run); uerr != nil {
			s.logger.Error("mark unqueued run failed", zap.String("run_id", run.ID), zap.Error(uerr))
		}
		s.logger.Warn("job rejected", zap.String("run_id", run.ID), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "job queue is not accepting work")
		return
	}

	w.Header().Set("Location", "/v1/jobs/"+run.ID)
	writeJSON(w, http.StatusAccepted, submitJobResponse{JobID: run.ID, Status: run.Status})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	limit := s.cfg.Jobs.ListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusUnprocessableEntity, "limit must be a positive integer")
			return
		}
		limit = n
	}
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}
	runs, err := s.store.ListRuns(r.Context(), limit)
	if err != nil {
		s.logger.Error("list runs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	jobs := make([]scrape.Run, 0, len(runs))
	for _, run := range runs {
		run.Exhibitors = nil
		jobs = append(jobs, run)
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	run, ok := s.loadRun(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) exportJob(w http.ResponseWriter, r *http.Request) {
	run, ok := s.loadRun(w, r)
	if !ok {
		return
	}
	if run.Status != scrape.RunStatusSucceeded {
		writeError(w, http.StatusConflict, fmt.Sprintf("job is %s", run.Status))
		return
	}
	s.writeWorkbook(w, run)
}

func (s *Server) loadRun(w http.ResponseWriter, r *http.Request) (scrape.Run, bool) {
	jobID := chi.URLParam(r, "job_id")
	if !uuid.Valid(jobID) {
		writeError(w, http.StatusNotFound, "job not found")
		return scrape.Run{}, false
	}
	run, err := s.store.GetRun(r.Context(), jobID)
	if errors.Is(err, scrape.ErrRunNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return scrape.Run{}, false
	}
	if err != nil {
		s.logger.Error("get run failed", zap.String("run_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return scrape.Run{}, false
	}
	return run, true
}
