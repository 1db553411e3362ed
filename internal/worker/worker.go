// Package worker executes scrape runs, synchronously for API callers and from
// the job queue for asynchronous submissions.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/fair-scraper/internal/export"
	"github.com/JakeFAU/fair-scraper/internal/hash/sha256"
	"github.com/JakeFAU/fair-scraper/internal/metrics"
	"github.com/JakeFAU/fair-scraper/internal/scrape"
)

// EventCompleted is published once a run reaches a terminal status.
const EventCompleted = "scrape.completed"

// finalizeTimeout bounds the bookkeeping done after the caller's context ends.
const finalizeTimeout = 10 * time.Second

// Runner executes the driver chain for one URL.
type Runner interface {
	Run(ctx context.Context, url string, opts scrape.Options) (scrape.Result, error)
}

// Config controls Executor behavior.
type Config struct {
	// Archive uploads the workbook of every successful run to the blob store.
	Archive      bool
	ExportPrefix string
}

// CompletedEvent is the payload of EventCompleted.
type CompletedEvent struct {
	RunID     string           `json:"run_id"`
	URL       string           `json:"url"`
	Status    scrape.RunStatus `json:"status"`
	Driver    string           `json:"driver,omitempty"`
	Total     int              `json:"total"`
	ExportURI string           `json:"export_uri,omitempty"`
	ErrorText string           `json:"error_text,omitempty"`
	Finished  time.Time        `json:"finished_at"`
}

// Executor drives one run through the pipeline and records the outcome.
type Executor struct {
	store     scrape.RunStore
	pipeline  Runner
	blobStore scrape.BlobStore
	publisher scrape.Publisher
	hasher    scrape.Hasher
	clock     scrape.Clock
	cfg       Config
	logger    *zap.Logger
}

// NewExecutor constructs an Executor. blobStore and publisher are optional.
func NewExecutor(
	store scrape.RunStore,
	pipeline Runner,
	blobStore scrape.BlobStore,
	publisher scrape.Publisher,
	hasher scrape.Hasher,
	clock scrape.Clock,
	cfg Config,
	logger *zap.Logger,
) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if hasher == nil {
		hasher = sha256.New()
	}
	return &Executor{
		store:     store,
		pipeline:  pipeline,
		blobStore: blobStore,
		publisher: publisher,
		hasher:    hasher,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// Execute marks the run running, runs the pipeline, and persists the final
// state. The returned error is the pipeline error, if any; a run with no
// exhibitors is failed but not an error.
func (e *Executor) Execute(ctx context.Context, run scrape.Run) (scrape.Run, error) {
	started := e.clock.Now()
	run.Status = scrape.RunStatusRunning
	run.Started = &started
	if err := e.store.UpdateRun(ctx, run); err != nil {
		return run, fmt.Errorf("mark run running: %w", err)
	}
	e.logger.Info("run started", zap.String("run_id", run.ID), zap.String("url", run.URL))

	res, runErr := e.pipeline.Run(ctx, run.URL, run.Options)

	// Record the outcome even when the caller has gone away.
	finalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	switch {
	case runErr != nil:
		run.Status = scrape.RunStatusFailed
		run.ErrorText = runErr.Error()
	case len(res.Exhibitors) == 0:
		run.Status = scrape.RunStatusFailed
		run.ErrorText = scrape.NoExhibitorsMessage
		run.Meta = res.Meta
	default:
		run.Status = scrape.RunStatusSucceeded
		run.Exhibitors = res.Exhibitors
		run.Total = len(res.Exhibitors)
		run.Driver = res.Meta.Driver()
		run.Meta = res.Meta
		if e.cfg.Archive && e.blobStore != nil {
			uri, err := e.archive(finalCtx, run)
			if err != nil {
				e.logger.Warn("workbook archive failed", zap.String("run_id", run.ID), zap.Error(err))
			}
			run.ExportURI = uri
		}
	}
	finished := e.clock.Now()
	run.Finished = &finished

	if err := e.store.UpdateRun(finalCtx, run); err != nil {
		e.logger.Error("final run update failed", zap.String("run_id", run.ID), zap.Error(err))
		if runErr == nil {
			runErr = fmt.Errorf("persist run: %w", err)
		}
	}
	metrics.ObserveRun(string(run.Status))
	e.publish(finalCtx, run)

	e.logger.Info("run finished",
		zap.String("run_id", run.ID),
		zap.String("status", string(run.Status)),
		zap.String("driver", run.Driver),
		zap.Int("total", run.Total),
		zap.Duration("elapsed", finished.Sub(started)),
	)
	return run, runErr
}

func (e *Executor) archive(ctx context.Context, run scrape.Run) (string, error) {
	data, err := export.BuildWorkbook(run.URL, run.Exhibitors, run.Meta, run.ID)
	if err != nil {
		return "", fmt.Errorf("build workbook: %w", err)
	}
	digest, err := e.hasher.Hash(data)
	if err != nil {
		return "", fmt.Errorf("hash workbook: %w", err)
	}
	uri, err := e.blobStore.PutObject(ctx, e.exportPath(run.ID, digest), export.ContentType, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return uri, nil
}

func (e *Executor) exportPath(runID, digest string) string {
	name := fmt.Sprintf("%s/%s.xlsx", runID, sha256.Short(digest, 16))
	prefix := strings.Trim(e.cfg.ExportPrefix, "/")
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

func (e *Executor) publish(ctx context.Context, run scrape.Run) {
	if e.publisher == nil {
		return
	}
	event := CompletedEvent{
		RunID:     run.ID,
		URL:       run.URL,
		Status:    run.Status,
		Driver:    run.Driver,
		Total:     run.Total,
		ExportURI: run.ExportURI,
		ErrorText: run.ErrorText,
	}
	if run.Finished != nil {
		event.Finished = *run.Finished
	}
	if _, err := e.publisher.Publish(ctx, EventCompleted, event); err != nil {
		e.logger.Warn("publish run event failed", zap.String("run_id", run.ID), zap.Error(err))
	}
}

// Worker consumes queued runs and hands them to the Executor.
type Worker struct {
	queue      scrape.Queue
	store      scrape.RunStore
	executor   *Executor
	runTimeout time.Duration
	logger     *zap.Logger
}

// New constructs a Worker. A positive runTimeout bounds each run as a whole.
func New(queue scrape.Queue, store scrape.RunStore, executor *Executor, runTimeout time.Duration, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:      queue,
		store:      store,
		executor:   executor,
		runTimeout: runTimeout,
		logger:     logger,
	}
}

// Run blocks, consuming queue items until the context finishes or the queue
// is closed.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, scrape.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued run", zap.String("run_id", item.RunID))
		w.process(ctx, item)
	}
}

func (w *Worker) process(ctx context.Context, item scrape.QueueItem) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	run, err := w.store.GetRun(ctx, item.RunID)
	if err != nil {
		w.logger.Error("load queued run failed", zap.String("run_id", item.RunID), zap.Error(err))
		return
	}
	if run.Status.Terminal() {
		w.logger.Warn("skipping finished run", zap.String("run_id", run.ID), zap.String("status", string(run.Status)))
		return
	}

	runCtx := ctx
	if w.runTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, w.runTimeout)
		defer cancel()
	}
	if _, err := w.executor.Execute(runCtx, run); err != nil {
		w.logger.Warn("run failed", zap.String("run_id", run.ID), zap.Error(err))
	}
}
