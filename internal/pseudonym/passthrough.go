package pseudonym

import (
	"context"

	"github.com/curanet/fhir-gateway/internal/platform/fhir"
)

// Passthrough fills the pipeline's pseudonymizer slot when pseudonymization
// is disabled. Bundles flow through unchanged, original identifiers
// included.
type Passthrough struct{}

// Process returns the bundle as-is.
func (Passthrough) Process(_ context.Context, bundle *fhir.Bundle) (*fhir.Bundle, error) {
	return bundle, nil
}
