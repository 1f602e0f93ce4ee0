package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/curanet/fhir-gateway/internal/platform/fhir"
	"github.com/curanet/fhir-gateway/internal/validate"
)

type stubProcessor struct {
	received *fhir.Bundle
	err      error
}

func (s *stubProcessor) Process(_ context.Context, bundle *fhir.Bundle) (*fhir.Bundle, error) {
	s.received = bundle
	if s.err != nil {
		return nil, s.err
	}
	return bundle, nil
}

func newTestServer(proc Processor) *echo.Echo {
	e := echo.New()
	h := NewHandler(proc, zerolog.Nop())
	h.RegisterRoutes(e.Group("/fhir"))
	return e
}

func doRequest(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestPostBundleReturnsProcessedBundle(t *testing.T) {
	proc := &stubProcessor{}
	e := newTestServer(proc)

	body := `{
		"resourceType": "Bundle",
		"type": "transaction",
		"entry": [{"resource": {"resourceType": "Patient", "id": "p1"}}]
	}`
	rec := doRequest(e, http.MethodPost, "/fhir", body)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if proc.received == nil || len(proc.received.Entry) != 1 {
		t.Fatal("processor did not receive the bundle")
	}
	var out fhir.Bundle
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out.ResourceType != "Bundle" {
		t.Fatalf("response resourceType = %q, want Bundle", out.ResourceType)
	}
}

func TestPostBundleRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"empty bundle", `{"resourceType": "Bundle", "type": "transaction"}`},
		{"not a bundle", `{"resourceType": "Patient", "id": "p1"}`},
		{"invalid json", `{`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			proc := &stubProcessor{}
			rec := doRequest(newTestServer(proc), http.MethodPost, "/fhir", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
			if proc.received != nil {
				t.Fatal("pipeline ran for rejected input")
			}
			var outcome fhir.OperationOutcome
			if err := json.Unmarshal(rec.Body.Bytes(), &outcome); err != nil {
				t.Fatalf("decode outcome: %v", err)
			}
			if outcome.ResourceType != "OperationOutcome" {
				t.Fatalf("response resourceType = %q, want OperationOutcome", outcome.ResourceType)
			}
		})
	}
}

func TestPostResourceWrapsInTransactionBundle(t *testing.T) {
	proc := &stubProcessor{}
	e := newTestServer(proc)

	rec := doRequest(e, http.MethodPost, "/fhir/Patient", `{"resourceType": "Patient", "id": "p1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	got := proc.received
	if got == nil || got.Type != fhir.BundleTypeTransaction || len(got.Entry) != 1 {
		t.Fatalf("processor received %+v, want one-entry transaction bundle", got)
	}
	if got.Entry[0].Request.Method != fhir.VerbPOST {
		t.Fatalf("request method = %q, want POST", got.Entry[0].Request.Method)
	}

	var res map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if res["resourceType"] != "Patient" {
		t.Fatalf("response resourceType = %v, want Patient", res["resourceType"])
	}
}

func TestPutResourceTakesIDFromURL(t *testing.T) {
	proc := &stubProcessor{}
	e := newTestServer(proc)

	rec := doRequest(e, http.MethodPut, "/fhir/Patient/url-id", `{"resourceType": "Patient", "id": "body-id"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if got := proc.received.Resources()[0].ID(); got != "url-id" {
		t.Fatalf("resource id = %q, want url-id", got)
	}
	if got := proc.received.Entry[0].Request.Method; got != fhir.VerbPUT {
		t.Fatalf("request method = %q, want PUT", got)
	}
}

func TestResourceTypeMismatchRejected(t *testing.T) {
	proc := &stubProcessor{}
	rec := doRequest(newTestServer(proc), http.MethodPost, "/fhir/Observation",
		`{"resourceType": "Patient", "id": "p1"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestDeleteResourceSubmitsDeleteDirective(t *testing.T) {
	proc := &stubProcessor{}
	rec := doRequest(newTestServer(proc), http.MethodDelete, "/fhir/Observation/123", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	entry := proc.received.Entry[0]
	if !entry.IsDelete() || entry.Request.URL != "Observation/123" {
		t.Fatalf("processor received entry %+v, want DELETE Observation/123", entry)
	}
}

func TestProcessErrorStatusMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation rejection", fmt.Errorf("validate: %w", validate.ErrInvalid), http.StatusUnprocessableEntity},
		{"infrastructure failure", errors.New("connection refused"), http.StatusInternalServerError},
	}

	body := `{
		"resourceType": "Bundle",
		"type": "transaction",
		"entry": [{"resource": {"resourceType": "Patient", "id": "p1"}}]
	}`
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(newTestServer(&stubProcessor{err: tt.err}), http.MethodPost, "/fhir", body)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestMetadata(t *testing.T) {
	rec := doRequest(newTestServer(&stubProcessor{}), http.MethodGet, "/fhir/metadata", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var stmt map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &stmt); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stmt["resourceType"] != "CapabilityStatement" {
		t.Fatalf("resourceType = %v, want CapabilityStatement", stmt["resourceType"])
	}
}

func TestJWTMiddleware(t *testing.T) {
	cfg := JWTConfig{Secret: "test-secret", Issuer: "https://idp.example.com"}

	sign := func(secret, issuer string) string {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "svc-ingest",
				Issuer:    issuer,
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
			Roles: []string{"submitter"},
		})
		signed, err := token.SignedString([]byte(secret))
		if err != nil {
			t.Fatalf("sign token: %v", err)
		}
		return signed
	}

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"valid token", "Bearer " + sign("test-secret", "https://idp.example.com"), http.StatusOK},
		{"missing header", "", http.StatusUnauthorized},
		{"wrong signature", "Bearer " + sign("other-secret", "https://idp.example.com"), http.StatusUnauthorized},
		{"wrong issuer", "Bearer " + sign("test-secret", "https://other.example.com"), http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			e.Use(JWTMiddleware(cfg))
			e.GET("/ping", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

			req := httptest.NewRequest(http.MethodGet, "/ping", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}
