package pseudonym

import "context"

// Provider is the external pseudonym authority. GetOrCreatePseudonyms must
// be idempotent: the first use of a natural id creates its pseudonym,
// subsequent uses return the same value. This is what keeps the mapping
// stable across bundles without the gateway holding any state.
type Provider interface {
	GetOrCreatePseudonyms(ctx context.Context, ids map[string]struct{}, domain string) (map[string]string, error)
}
