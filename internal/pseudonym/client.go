package pseudonym

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"

	"github.com/rs/zerolog"

	"github.com/curanet/fhir-gateway/internal/retry"
)

// Client talks to the pseudonym authority service over HTTP. Each batch
// request resolves one domain's id set in a single get-or-create call.
type Client struct {
	baseURL string
	http    *http.Client
	policy  retry.Policy
	logger  zerolog.Logger
	counter retry.Counter
}

// NewClient creates a provider client. counter may be nil.
func NewClient(baseURL string, httpClient *http.Client, policy retry.Policy, logger zerolog.Logger, counter retry.Counter) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL: baseURL,
		http:    httpClient,
		policy:  policy,
		logger:  logger.With().Str("component", "pseudonym-client").Logger(),
		counter: counter,
	}
}

type pseudonymRequest struct {
	Domain      string   `json:"domain"`
	Identifiers []string `json:"identifiers"`
}

type pseudonymResponse struct {
	Pseudonyms map[string]string `json:"pseudonyms"`
}

// GetOrCreatePseudonyms resolves the id set against the authority under the
// client's retry policy. The returned map contains exactly one entry per
// requested id; a response missing any requested id is treated as malformed.
func (c *Client) GetOrCreatePseudonyms(ctx context.Context, ids map[string]struct{}, domain string) (map[string]string, error) {
	idList := make([]string, 0, len(ids))
	for id := range ids {
		idList = append(idList, id)
	}
	sort.Strings(idList)

	body, err := json.Marshal(pseudonymRequest{Domain: domain, Identifiers: idList})
	if err != nil {
		return nil, fmt.Errorf("encode pseudonym request: %w", err)
	}

	var result map[string]string
	err = retry.Do(ctx, c.policy, c.logger, c.counter, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/pseudonyms", bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			return &retry.StatusError{Code: resp.StatusCode, Body: string(respBody)}
		}

		var decoded pseudonymResponse
		if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
			return fmt.Errorf("decode pseudonym response: %w", err)
		}
		result = decoded.Pseudonyms
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("pseudonym service (domain %s): %w", domain, err)
	}

	for _, id := range idList {
		if _, ok := result[id]; !ok {
			return nil, fmt.Errorf("pseudonym service (domain %s): malformed batch result, missing id %q", domain, id)
		}
	}

	return result, nil
}
