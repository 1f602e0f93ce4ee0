package sinks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/curanet/fhir-gateway/internal/platform/fhir"
	"github.com/curanet/fhir-gateway/internal/retry"
)

// FHIRServer submits the whole bundle as one transaction to a remote FHIR
// resource server. Atomicity is the remote server's concern; this sink only
// retries the whole call on transient failure. Resubmission is safe because
// the server treats transactions keyed by natural id as upserts.
type FHIRServer struct {
	baseURL string
	http    *http.Client
	policy  retry.Policy
	logger  zerolog.Logger
	counter retry.Counter
}

// NewFHIRServer creates the transactional remote sink. counter may be nil.
func NewFHIRServer(baseURL string, httpClient *http.Client, policy retry.Policy, logger zerolog.Logger, counter retry.Counter) *FHIRServer {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &FHIRServer{
		baseURL: baseURL,
		http:    httpClient,
		policy:  policy,
		logger:  logger.With().Str("component", "fhir-server-sink").Logger(),
		counter: counter,
	}
}

// Name implements Sink.
func (s *FHIRServer) Name() string { return "fhir-server" }

// Save implements Sink.
func (s *FHIRServer) Save(ctx context.Context, bundle *fhir.Bundle) error {
	body, err := json.Marshal(bundle)
	if err != nil {
		return fmt.Errorf("fhir server sink: encode bundle: %w", err)
	}

	s.logger.Debug().Str("bundleId", bundle.ID).Int("entries", len(bundle.Entry)).Msg("sending transaction bundle")

	err = retry.Do(ctx, s.policy, s.logger, s.counter, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/fhir+json")

		resp, err := s.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			return &retry.StatusError{Code: resp.StatusCode, Body: string(respBody)}
		}

		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	})
	if err != nil {
		return fmt.Errorf("fhir server sink: %w", err)
	}
	return nil
}
