// Package harmonize converts LOINC-coded observation quantities to their
// canonical units via a remote conversion service. Only Observation
// resources with a LOINC coding and a coded value quantity are touched;
// everything else passes through unchanged.
package harmonize

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/curanet/fhir-gateway/internal/platform/fhir"
)

// Harmonizer rewrites observation quantities using a Converter.
type Harmonizer struct {
	converter   Converter
	loincSystem string
	failOnError bool
	logger      zerolog.Logger
	errCounter  *prometheus.CounterVec
}

// New creates a Harmonizer. errCounter may be nil; when set it is
// incremented per failing unit code.
func New(converter Converter, loincSystem string, failOnError bool, logger zerolog.Logger, errCounter *prometheus.CounterVec) *Harmonizer {
	return &Harmonizer{
		converter:   converter,
		loincSystem: loincSystem,
		failOnError: failOnError,
		logger:      logger.With().Str("component", "loinc-harmonizer").Logger(),
		errCounter:  errCounter,
	}
}

// Process harmonizes a single resource. Non-observations and observations
// without a LOINC code or coded quantity are returned as-is. On conversion
// failure the original resource is returned unchanged unless failOnError is
// set.
func (h *Harmonizer) Process(ctx context.Context, res *fhir.Resource) (*fhir.Resource, error) {
	if res.Type() != "Observation" {
		return res, nil
	}

	coding, ok := res.CodeCoding(h.loincSystem)
	if !ok {
		return res, nil
	}
	loincCode, _ := coding["code"].(string)
	quantity, ok := res.ValueQuantity()
	if !ok || loincCode == "" {
		return res, nil
	}

	harmonized, err := h.harmonize(ctx, res, loincCode, quantity)
	if err != nil {
		h.logger.Debug().
			Err(err).
			Str("resourceId", res.ID()).
			Str("loinc", loincCode).
			Str("unitcode", quantity.Code).
			Msg("LOINC harmonization failure")

		if h.errCounter != nil {
			h.errCounter.WithLabelValues(quantity.Code).Inc()
		}
		if h.failOnError {
			return nil, err
		}
		return res, nil
	}

	return harmonized, nil
}

func (h *Harmonizer) harmonize(ctx context.Context, original *fhir.Resource, loincCode string, quantity fhir.Quantity) (*fhir.Resource, error) {
	harmonized := original.Clone()

	conv, err := h.converter.Convert(ctx, loincCode, quantity.Code, quantity.Value)
	if err != nil {
		return nil, err
	}
	if conv.complete() {
		harmonized.SetValueQuantity(fhir.Quantity{
			Value:  *conv.Value,
			Unit:   conv.Unit,
			Code:   conv.Unit,
			System: quantity.System,
		})
		if coding, ok := harmonized.CodeCoding(h.loincSystem); ok {
			coding["code"] = conv.Loinc
			if conv.Display != "" {
				coding["display"] = conv.Display
			}
		}
	}

	// Reference ranges convert against the original code, since they carry
	// the same unit as the original quantity.
	for _, rangeElem := range harmonized.ReferenceRanges() {
		for _, bound := range []string{"low", "high"} {
			boundQuantity, ok := fhir.RangeQuantity(rangeElem, bound)
			if !ok {
				continue
			}
			boundConv, err := h.converter.Convert(ctx, loincCode, boundQuantity.Code, boundQuantity.Value)
			if err != nil {
				return nil, fmt.Errorf("harmonize reference range %s: %w", bound, err)
			}
			if boundConv.complete() {
				fhir.SetRangeQuantity(rangeElem, bound, fhir.Quantity{
					Value:  *boundConv.Value,
					Unit:   boundConv.Unit,
					Code:   boundConv.Unit,
					System: boundQuantity.System,
				})
			}
		}
	}

	return harmonized, nil
}
