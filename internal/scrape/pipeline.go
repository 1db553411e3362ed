package scrape

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/fair-scraper/internal/metrics"
)

const noDriverReason = "No se detectó un driver soportado o no se obtuvieron resultados"

// NoExhibitorsMessage describes a run where every driver came back empty.
const NoExhibitorsMessage = "No se pudo extraer ningún expositor con los drivers disponibles."

// Pipeline runs drivers in preference order until one yields exhibitors.
type Pipeline struct {
	drivers     []Driver
	logger      *zap.Logger
	instruments pipelineInstruments
}

// NewPipeline builds a Pipeline. Driver order is preference order.
func NewPipeline(logger *zap.Logger, drivers ...Driver) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{drivers: drivers, logger: logger, instruments: newPipelineInstruments(nil)}
}

// Drivers returns the configured driver names in order.
func (p *Pipeline) Drivers() []string {
	names := make([]string, 0, len(p.drivers))
	for _, d := range p.drivers {
		names = append(names, d.Name())
	}
	return names
}

// Run tries each driver in turn. The first driver reporting supported=true
// with at least one exhibitor wins. When none does, the returned Result has
// no exhibitors and its Meta lists every attempt.
func (p *Pipeline) Run(ctx context.Context, rawURL string, opts Options) (Result, error) {
	opts = opts.WithDefaults()
	attempts := make([]Meta, 0, len(p.drivers))

	for _, driver := range p.drivers {
		if gate, ok := driver.(Gate); ok && !gate.ShouldAttempt(attempts) {
			p.logger.Debug("driver skipped", zap.String("driver", driver.Name()), zap.String("url", rawURL))
			attempts = append(attempts, Meta{MetaDriver: driver.Name(), MetaSupported: false, "skipped": true})
			metrics.ObserveDriver(driver.Name(), "skipped", 0)
			continue
		}

		res, err := p.attempt(ctx, driver, rawURL, opts)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Result{}, fmt.Errorf("scrape canceled during %s: %w", driver.Name(), ctxErr)
			}
			res = Result{Meta: Meta{MetaDriver: driver.Name(), MetaSupported: false, "error": err.Error()}}
		}
		if res.Meta == nil {
			res.Meta = Meta{MetaDriver: driver.Name(), MetaSupported: false}
		}

		if res.Meta.Supported() && len(res.Exhibitors) > 0 {
			if opts.Debug && len(attempts) > 0 {
				res.Meta["previous_driver"] = attempts[len(attempts)-1]
			}
			metrics.ObserveExhibitors(driver.Name(), len(res.Exhibitors))
			p.instruments.record(ctx, driver.Name(), len(attempts)+1)
			p.logger.Info("driver succeeded",
				zap.String("driver", driver.Name()),
				zap.String("url", rawURL),
				zap.Int("exhibitors", len(res.Exhibitors)),
			)
			return res, nil
		}
		attempts = append(attempts, res.Meta)
	}

	p.instruments.record(ctx, "none", len(attempts))
	p.logger.Warn("no driver produced exhibitors", zap.String("url", rawURL), zap.Int("attempts", len(attempts)))
	return Result{
		Exhibitors: nil,
		Meta: Meta{
			MetaDriver:    "none",
			MetaSupported: false,
			"reason":      noDriverReason,
			"attempts":    attempts,
			"host":        Host(rawURL),
		},
	}, nil
}

func (p *Pipeline) attempt(ctx context.Context, driver Driver, rawURL string, opts Options) (Result, error) {
	ctx, span := otel.Tracer("fairscraper/scrape").Start(ctx, "driver."+driver.Name())
	defer span.End()
	span.SetAttributes(
		attribute.String("scrape.url", rawURL),
		attribute.String("scrape.driver", driver.Name()),
	)

	start := time.Now()
	res, err := driver.Scrape(ctx, rawURL, opts)
	elapsed := time.Since(start)

	outcome := outcomeOf(res, err)
	metrics.ObserveDriver(driver.Name(), outcome, elapsed)
	span.SetAttributes(attribute.String("scrape.outcome", outcome), attribute.Int("scrape.exhibitors", len(res.Exhibitors)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if !errors.Is(err, context.Canceled) {
			p.logger.Warn("driver failed",
				zap.String("driver", driver.Name()),
				zap.String("url", rawURL),
				zap.Duration("elapsed", elapsed),
				zap.Error(err),
			)
		}
		return Result{}, err
	}
	p.logger.Debug("driver finished",
		zap.String("driver", driver.Name()),
		zap.String("outcome", outcome),
		zap.Duration("elapsed", elapsed),
	)
	return res, nil
}

func outcomeOf(res Result, err error) string {
	switch {
	case err != nil:
		return "error"
	case !res.Meta.Supported():
		return "unsupported"
	case len(res.Exhibitors) == 0:
		return "empty"
	default:
		return "success"
	}
}
