package harmonize

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/curanet/fhir-gateway/internal/retry"
)

// Conversion is one unit-conversion result from the harmonization service.
// A result with any of Loinc, Unit or Value unset means the service could
// not convert the input; callers keep the original quantity then.
type Conversion struct {
	Loinc   string   `json:"loinc"`
	Unit    string   `json:"unit"`
	Value   *float64 `json:"value"`
	Display string   `json:"display"`
}

// complete reports whether the conversion carries everything needed to
// rewrite a quantity.
func (c *Conversion) complete() bool {
	return c != nil && c.Loinc != "" && c.Unit != "" && c.Value != nil
}

// Converter is the remote unit-harmonization collaborator, consumed as a
// pure request/response function.
type Converter interface {
	Convert(ctx context.Context, loinc, unit string, value float64) (*Conversion, error)
}

// HTTPConverter calls the LOINC conversion service over HTTP under its own
// retry policy.
type HTTPConverter struct {
	baseURL string
	http    *http.Client
	policy  retry.Policy
	logger  zerolog.Logger
	counter retry.Counter
}

// NewHTTPConverter creates a converter client. counter may be nil.
func NewHTTPConverter(baseURL string, httpClient *http.Client, policy retry.Policy, logger zerolog.Logger, counter retry.Counter) *HTTPConverter {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &HTTPConverter{
		baseURL: baseURL,
		http:    httpClient,
		policy:  policy,
		logger:  logger.With().Str("component", "loinc-converter").Logger(),
		counter: counter,
	}
}

// Convert requests a conversion for one quantity.
func (c *HTTPConverter) Convert(ctx context.Context, loinc, unit string, value float64) (*Conversion, error) {
	query := url.Values{}
	query.Set("loinc", loinc)
	query.Set("unit", unit)
	query.Set("value", strconv.FormatFloat(value, 'f', -1, 64))
	requestURL := c.baseURL + "/conversions?" + query.Encode()

	var result Conversion
	err := retry.Do(ctx, c.policy, c.logger, c.counter, func(ctx context.Context) error {
		c.logger.Debug().Str("url", requestURL).Msg("invoking LOINC harmonization service")

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
		if err != nil {
			return err
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			return &retry.StatusError{Code: resp.StatusCode, Body: string(respBody)}
		}

		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return fmt.Errorf("decode conversion response: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("loinc conversion service: %w", err)
	}

	return &result, nil
}
