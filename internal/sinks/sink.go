// Package sinks contains the independently configured persistence targets a
// processed bundle is fanned out to. Sinks are side-effect only and
// individually idempotent: replaying the same bundle after a partial failure
// must converge to the same stored state.
package sinks

import (
	"context"

	"github.com/curanet/fhir-gateway/internal/platform/fhir"
)

// Sink persists one processed bundle. Implementations carry their own retry
// policy and failure counters; the pipeline treats them as independent, not
// as a transactional group.
type Sink interface {
	// Name identifies the sink in logs and metrics.
	Name() string
	// Save persists the bundle. It must be safe to call again with the
	// same bundle after a failure.
	Save(ctx context.Context, bundle *fhir.Bundle) error
}
