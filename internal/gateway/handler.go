// Package gateway exposes the HTTP ingress surface: a FHIR-flavored REST
// endpoint accepting bundles or single resources, which are wrapped into
// transaction bundles before entering the processing pipeline.
package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/curanet/fhir-gateway/internal/platform/fhir"
	"github.com/curanet/fhir-gateway/internal/retry"
	"github.com/curanet/fhir-gateway/internal/validate"
)

const fhirContentType = "application/fhir+json"

// Processor runs a bundle through the processing pipeline.
type Processor interface {
	Process(ctx context.Context, bundle *fhir.Bundle) (*fhir.Bundle, error)
}

type Handler struct {
	processor Processor
	logger    zerolog.Logger
}

func NewHandler(processor Processor, logger zerolog.Logger) *Handler {
	return &Handler{
		processor: processor,
		logger:    logger.With().Str("component", "gateway").Logger(),
	}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/metadata", h.Metadata)
	g.POST("", h.PostBundle)
	g.POST("/:resourceType", h.PostResource)
	g.PUT("/:resourceType/:id", h.PutResource)
	g.DELETE("/:resourceType/:id", h.DeleteResource)
}

// PostBundle accepts a transaction or batch bundle and returns the
// processed bundle. Empty bundles are rejected so callers notice silently
// dropped payloads.
func (h *Handler) PostBundle(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return outcomeError(c, http.StatusBadRequest, fhir.IssueTypeInvalid, "failed to read request body")
	}

	bundle, err := fhir.ParseBundle(body)
	if err != nil {
		return outcomeError(c, http.StatusBadRequest, fhir.IssueTypeStructure, err.Error())
	}
	if bundle.IsEmpty() {
		return outcomeError(c, http.StatusBadRequest, fhir.IssueTypeRequired, "bundle has no entries")
	}

	processed, err := h.processor.Process(c.Request().Context(), bundle)
	if err != nil {
		return h.processError(c, err)
	}

	return c.JSON(http.StatusOK, processed)
}

// PostResource wraps a single resource into a transaction bundle with a
// POST directive and returns the processed resource.
func (h *Handler) PostResource(c echo.Context) error {
	return h.handleResource(c, fhir.VerbPOST)
}

// PutResource wraps a single resource into a transaction bundle with a PUT
// directive. The URL id wins over any id in the body.
func (h *Handler) PutResource(c echo.Context) error {
	return h.handleResource(c, fhir.VerbPUT)
}

func (h *Handler) handleResource(c echo.Context, verb string) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return outcomeError(c, http.StatusBadRequest, fhir.IssueTypeInvalid, "failed to read request body")
	}

	res, err := fhir.ParseResource(body)
	if err != nil {
		return outcomeError(c, http.StatusBadRequest, fhir.IssueTypeStructure, err.Error())
	}
	if res.Type() != c.Param("resourceType") {
		return outcomeError(c, http.StatusBadRequest, fhir.IssueTypeInvalid,
			"resource type does not match request URL")
	}
	if id := c.Param("id"); id != "" {
		res.SetID(id)
	}

	processed, err := h.processor.Process(c.Request().Context(), fhir.NewTransactionBundle(res, verb))
	if err != nil {
		return h.processError(c, err)
	}

	resources := processed.Resources()
	if len(resources) == 0 {
		return outcomeError(c, http.StatusInternalServerError, fhir.IssueTypeProcessing,
			"pipeline returned an empty bundle")
	}
	return c.JSON(http.StatusOK, resources[0])
}

// DeleteResource submits a delete-directive bundle for the addressed
// resource so every sink applies its own delete semantics.
func (h *Handler) DeleteResource(c echo.Context) error {
	url := c.Param("resourceType") + "/" + c.Param("id")
	now := time.Now().UTC()
	bundle := &fhir.Bundle{
		ResourceType: "Bundle",
		ID:           uuid.NewString(),
		Type:         fhir.BundleTypeTransaction,
		Timestamp:    &now,
		Entry: []fhir.Entry{
			{Request: &fhir.RequestDirective{Method: fhir.VerbDELETE, URL: url}},
		},
	}

	if _, err := h.processor.Process(c.Request().Context(), bundle); err != nil {
		return h.processError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// Metadata serves a minimal CapabilityStatement describing the ingress
// surface.
func (h *Handler) Metadata(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"resourceType": "CapabilityStatement",
		"status":       "active",
		"kind":         "instance",
		"fhirVersion":  "4.0.1",
		"format":       []string{"json"},
		"rest": []map[string]any{
			{
				"mode": "server",
				"interaction": []map[string]string{
					{"code": "transaction"},
					{"code": "batch"},
				},
			},
		},
	})
}

// processError maps pipeline failures onto HTTP statuses: validation
// rejections become 422, client-classified errors 400, everything else a
// 500. The diagnostics carry the wrapped stage name so callers can tell a
// pseudonymization outage from a sink outage.
func (h *Handler) processError(c echo.Context, err error) error {
	h.logger.Error().Err(err).Msg("bundle processing failed")
	status := http.StatusInternalServerError
	code := fhir.IssueTypeProcessing
	switch {
	case errors.Is(err, validate.ErrInvalid):
		status = http.StatusUnprocessableEntity
		code = fhir.IssueTypeInvalid
	case retry.Classify(err) == retry.KindClient:
		status = http.StatusBadRequest
	}
	return outcomeError(c, status, code, err.Error())
}

func outcomeError(c echo.Context, status int, code, diagnostics string) error {
	c.Response().Header().Set(echo.HeaderContentType, fhirContentType)
	return c.JSON(status, fhir.ErrorOutcome(code, diagnostics))
}
