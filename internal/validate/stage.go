// Package validate runs conformance validation over a bundle's entries,
// optionally in parallel, without altering the bundle's content.
package validate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/curanet/fhir-gateway/internal/platform/fhir"
)

// ErrInvalid marks a bundle rejected by validation, letting callers
// distinguish bad input from infrastructure failures.
var ErrInvalid = errors.New("bundle rejected by validation")

// Stage validates all entries of a bundle against a Validator. Entry
// validation is independent and CPU-bound, so entries are validated
// concurrently up to the configured limit.
type Stage struct {
	validator   Validator
	concurrency int
	failOnError bool
	logger      zerolog.Logger
}

// NewStage creates a validation stage. A concurrency below 1 validates
// sequentially.
func NewStage(validator Validator, concurrency int, failOnError bool, logger zerolog.Logger) *Stage {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Stage{
		validator:   validator,
		concurrency: concurrency,
		failOnError: failOnError,
		logger:      logger.With().Str("component", "validator").Logger(),
	}
}

// entryIssues pairs an entry index with its findings so results can be
// reported in entry order regardless of validation scheduling.
type entryIssues struct {
	index  int
	issues []Issue
}

// Process validates every entry resource. The bundle itself is returned
// unchanged. When failOnError is set and any error-severity issue is found,
// Process fails with a diagnostics summary; otherwise issues are logged as
// warnings and the bundle passes through.
func (s *Stage) Process(ctx context.Context, bundle *fhir.Bundle) (*fhir.Bundle, error) {
	var (
		mu      sync.Mutex
		results []entryIssues
	)

	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(s.concurrency)

	for i, entry := range bundle.Entry {
		if entry.Resource == nil {
			continue
		}
		i, res := i, entry.Resource
		group.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if issues := s.validator.Validate(res); len(issues) > 0 {
				mu.Lock()
				results = append(results, entryIssues{index: i, issues: issues})
				mu.Unlock()
			}
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return nil, fmt.Errorf("validation aborted: %w", err)
	}

	if len(results) == 0 {
		return bundle, nil
	}

	sort.Slice(results, func(a, b int) bool { return results[a].index < results[b].index })

	hasErrors := false
	for _, r := range results {
		for _, issue := range r.issues {
			if issue.Severity == fhir.IssueSeverityError || issue.Severity == fhir.IssueSeverityFatal {
				hasErrors = true
			}
			s.logger.Warn().
				Str("bundleId", bundle.ID).
				Int("entry", r.index).
				Str("severity", issue.Severity).
				Str("expression", issue.Expression).
				Msg(issue.Diagnostics)
		}
	}

	if hasErrors && s.failOnError {
		return nil, fmt.Errorf("bundle %s: %w: %s", bundle.ID, ErrInvalid, summarize(results))
	}

	return bundle, nil
}

func summarize(results []entryIssues) string {
	total := 0
	first := ""
	for _, r := range results {
		for _, issue := range r.issues {
			if first == "" {
				first = issue.Diagnostics
			}
			total++
		}
	}
	if total == 1 {
		return first
	}
	return fmt.Sprintf("%s (and %d further issues)", first, total-1)
}
