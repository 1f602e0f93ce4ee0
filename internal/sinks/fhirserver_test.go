package sinks

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"

	"github.com/curanet/fhir-gateway/internal/platform/fhir"
)

func TestFHIRServerSavePostsTransaction(t *testing.T) {
	var gotBody []byte
	var gotContentType string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotContentType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sink := NewFHIRServer(server.URL, server.Client(), sinkPolicy(3), zerolog.Nop(), nil)

	if err := sink.Save(context.Background(), kafkaBundle(t)); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if gotContentType != "application/fhir+json" {
		t.Errorf("content type = %q", gotContentType)
	}
	bundle, err := fhir.ParseBundle(gotBody)
	if err != nil {
		t.Fatalf("posted body is not a bundle: %v", err)
	}
	if bundle.Type != fhir.BundleTypeTransaction {
		t.Errorf("bundle type = %q", bundle.Type)
	}
}

func TestFHIRServerSaveRetriesWholeCall(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	counter := &countingCounter{}
	sink := NewFHIRServer(server.URL, server.Client(), sinkPolicy(5), zerolog.Nop(), counter)

	if err := sink.Save(context.Background(), kafkaBundle(t)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("server called %d times, want 3", calls.Load())
	}
	if counter.n != 2 {
		t.Errorf("failure counter = %d, want 2", counter.n)
	}
}

func TestFHIRServerSaveSurfacesClientError(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	sink := NewFHIRServer(server.URL, server.Client(), sinkPolicy(5), zerolog.Nop(), nil)

	if err := sink.Save(context.Background(), kafkaBundle(t)); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Errorf("client-class failure retried: %d calls", calls.Load())
	}
}
