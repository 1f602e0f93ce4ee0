// Package pipeline sequences the gateway's resource processing stages:
// pseudonymization first, then optional LOINC harmonization, then optional
// validation, then fan-out to every enabled persistence sink. Stage retries
// live inside the stages themselves; the pipeline only decides sequencing
// and aborts on a stage's unrecoverable error.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/curanet/fhir-gateway/internal/platform/fhir"
	"github.com/curanet/fhir-gateway/internal/platform/metrics"
	"github.com/curanet/fhir-gateway/internal/sinks"
)

// Pseudonymizer de-identifies a bundle. It is the one mandatory stage and
// always runs first, so downstream stages and stores only ever observe
// de-identified data.
type Pseudonymizer interface {
	Process(ctx context.Context, bundle *fhir.Bundle) (*fhir.Bundle, error)
}

// Harmonizer converts a single resource's units; non-observations pass
// through.
type Harmonizer interface {
	Process(ctx context.Context, res *fhir.Resource) (*fhir.Resource, error)
}

// Validator checks a bundle without altering it.
type Validator interface {
	Process(ctx context.Context, bundle *fhir.Bundle) (*fhir.Bundle, error)
}

// Pipeline is built once at startup from the enabled-stage configuration.
// Optional stages are nil when disabled and skipped entirely, not no-op'd.
type Pipeline struct {
	pseudonymizer Pseudonymizer
	harmonizer    Harmonizer
	validator     Validator
	sinks         []sinks.Sink
	metrics       *metrics.Metrics
	logger        zerolog.Logger
}

// Option configures optional stages and sinks.
type Option func(*Pipeline)

// WithHarmonizer enables the harmonization stage.
func WithHarmonizer(h Harmonizer) Option {
	return func(p *Pipeline) { p.harmonizer = h }
}

// WithValidator enables the validation stage.
func WithValidator(v Validator) Option {
	return func(p *Pipeline) { p.validator = v }
}

// WithSinks appends persistence sinks, invoked in the given order.
func WithSinks(s ...sinks.Sink) Option {
	return func(p *Pipeline) { p.sinks = append(p.sinks, s...) }
}

// New creates a pipeline. The pseudonymizer is mandatory.
func New(pseudonymizer Pseudonymizer, m *metrics.Metrics, logger zerolog.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		pseudonymizer: pseudonymizer,
		metrics:       m,
		logger:        logger.With().Str("component", "pipeline").Logger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process runs a bundle through all stages and returns the transformed
// bundle. Sinks are invoked sequentially and are not transactionally
// coupled: a failure after an earlier sink has committed is surfaced as an
// overall failure without rolling anything back; redelivery plus each
// sink's idempotent design reaches eventual consistency.
func (p *Pipeline) Process(ctx context.Context, bundle *fhir.Bundle) (*fhir.Bundle, error) {
	logger := p.logger.With().Str("bundleId", bundle.ID).Logger()
	start := time.Now()

	processed, err := p.run(ctx, logger, bundle)

	p.metrics.PipelineDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		p.metrics.BundlesFailed.Inc()
		return nil, err
	}
	p.metrics.BundlesProcessed.Inc()
	return processed, nil
}

func (p *Pipeline) run(ctx context.Context, logger zerolog.Logger, bundle *fhir.Bundle) (*fhir.Bundle, error) {
	processed, err := p.pseudonymizer.Process(ctx, bundle)
	if err != nil {
		return nil, fmt.Errorf("pseudonymize: %w", err)
	}

	if p.harmonizer != nil {
		for i := range processed.Entry {
			res := processed.Entry[i].Resource
			if res == nil {
				continue
			}
			harmonized, err := p.harmonizer.Process(ctx, res)
			if err != nil {
				return nil, fmt.Errorf("harmonize entry %d: %w", i, err)
			}
			processed.Entry[i].Resource = harmonized
		}
	}

	if p.validator != nil {
		processed, err = p.validator.Process(ctx, processed)
		if err != nil {
			return nil, fmt.Errorf("validate: %w", err)
		}
	}

	// Every sink gets its attempt even after an earlier one failed.
	// Failures are collected and surfaced together.
	var sinkErrs []error
	for _, sink := range p.sinks {
		if err := sink.Save(ctx, processed); err != nil {
			p.metrics.SinkFailures.WithLabelValues(sink.Name()).Inc()
			logger.Error().Err(err).Str("sink", sink.Name()).Msg("bundle save failed")
			sinkErrs = append(sinkErrs, fmt.Errorf("save to %s: %w", sink.Name(), err))
			continue
		}
		p.metrics.SinkSaves.WithLabelValues(sink.Name()).Inc()
		logger.Debug().Str("sink", sink.Name()).Msg("bundle persisted")
	}
	if len(sinkErrs) > 0 {
		return nil, errors.Join(sinkErrs...)
	}

	return processed, nil
}
