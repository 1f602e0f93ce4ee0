// Package pseudonym implements the identifier-substitution engine: it scans
// a bundle, collects per-domain identifier sets, resolves them in one batch
// call per domain against an external get-or-create pseudonym authority, and
// rewrites resource ids, identifier lists and cross-references consistently.
// References and the ids they point to always resolve through the same
// per-domain map computed once per bundle, so intra-bundle referential
// integrity survives the rewrite.
package pseudonym

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/curanet/fhir-gateway/internal/platform/fhir"
)

// Systems holds the identifier system URIs the engine recognizes.
// Identifiers on a domain's system have their value replaced with the
// domain pseudonym; identifiers on the insurance-number system are removed
// outright, since no permissible pseudonym exists for them.
type Systems struct {
	PatientID       string
	EncounterID     string
	ReportID        string
	InsuranceNumber string
}

func (s Systems) forDomain(d Domain) string {
	switch d {
	case DomainPatient:
		return s.PatientID
	case DomainCase:
		return s.EncounterID
	case DomainReport:
		return s.ReportID
	default:
		return ""
	}
}

// Engine rewrites bundles against a pseudonym Provider. It is stateless
// across bundles: every pass re-resolves its mappings from the provider's
// own get-or-create store.
type Engine struct {
	provider Provider
	// authorityDomains maps a pseudonym domain to the authority-side
	// namespace name it is resolved in.
	authorityDomains map[Domain]string
	systems          Systems
	logger           zerolog.Logger
}

// NewEngine creates a substitution engine.
func NewEngine(provider Provider, authorityDomains map[Domain]string, systems Systems, logger zerolog.Logger) *Engine {
	return &Engine{
		provider:         provider,
		authorityDomains: authorityDomains,
		systems:          systems,
		logger:           logger.With().Str("component", "pseudonymizer").Logger(),
	}
}

// Process pseudonymizes the bundle in place and returns it. It fails only
// when the provider is unreachable past its retry budget, returns a
// malformed batch result, or an id surfaces at rewrite time that the
// collection pass never saw (a rule-table bug, not a runtime condition to
// swallow).
func (e *Engine) Process(ctx context.Context, bundle *fhir.Bundle) (*fhir.Bundle, error) {
	collected := e.collect(bundle)

	resolved := make(map[Domain]map[string]string, len(collected))
	for domain, ids := range collected {
		if len(ids) == 0 {
			continue
		}
		authorityDomain, ok := e.authorityDomains[domain]
		if !ok {
			return nil, fmt.Errorf("no authority domain configured for %q", domain)
		}
		mapping, err := e.provider.GetOrCreatePseudonyms(ctx, ids, authorityDomain)
		if err != nil {
			return nil, err
		}
		resolved[domain] = mapping
	}

	if err := e.rewrite(bundle, resolved); err != nil {
		return nil, err
	}

	return bundle, nil
}

// collect walks all entries and gathers the natural ids per domain. Ids are
// deduplicated since the same id may appear via multiple resources in one
// bundle.
func (e *Engine) collect(bundle *fhir.Bundle) map[Domain]map[string]struct{} {
	collected := map[Domain]map[string]struct{}{}
	add := func(domain Domain, id string) {
		if id == "" {
			return
		}
		if collected[domain] == nil {
			collected[domain] = map[string]struct{}{}
		}
		collected[domain][id] = struct{}{}
	}

	for _, res := range bundle.Resources() {
		r, ok := rules[res.Type()]
		if !ok {
			continue
		}
		if r.ownIDDomain != "" {
			add(r.ownIDDomain, res.ID())
		}
		for _, ref := range r.references {
			if id, ok := res.ReferenceID(ref.field); ok {
				add(ref.domain, id)
			}
		}
	}

	return collected
}

func (e *Engine) rewrite(bundle *fhir.Bundle, resolved map[Domain]map[string]string) error {
	lookup := func(domain Domain, id string, res *fhir.Resource) (string, error) {
		pseudo, ok := resolved[domain][id]
		if !ok {
			return "", fmt.Errorf("no pseudonym resolved for %s id %q referenced by %s; rule table out of sync with rewrite",
				domain, id, res.Type())
		}
		return pseudo, nil
	}

	for _, res := range bundle.Resources() {
		r, ok := rules[res.Type()]
		if !ok {
			continue
		}

		if r.ownIDDomain != "" && res.ID() != "" {
			pseudo, err := lookup(r.ownIDDomain, res.ID(), res)
			if err != nil {
				return err
			}
			res.SetID(pseudo)
			if system := e.systems.forDomain(r.ownIDDomain); system != "" {
				res.SetIdentifierValue(system, pseudo)
			}
		}

		for _, ref := range r.references {
			id, ok := res.ReferenceID(ref.field)
			if !ok {
				continue
			}
			pseudo, err := lookup(ref.domain, id, res)
			if err != nil {
				return err
			}
			res.SetReference(ref.field, fmt.Sprintf("%s/%s", ref.targetType, pseudo))
		}

		if e.systems.InsuranceNumber != "" {
			if removed := res.RemoveIdentifiers(e.systems.InsuranceNumber); removed > 0 {
				e.logger.Debug().
					Str("resourceType", res.Type()).
					Int("removed", removed).
					Msg("dropped insurance-number identifiers")
			}
		}
	}

	return nil
}
