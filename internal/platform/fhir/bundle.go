package fhir

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Bundle types handled by the gateway.
const (
	BundleTypeTransaction = "transaction"
	BundleTypeBatch       = "batch"
)

// HTTP verbs allowed in a bundle entry request directive.
const (
	VerbPUT    = "PUT"
	VerbPOST   = "POST"
	VerbDELETE = "DELETE"
)

// Bundle represents a FHIR Bundle resource. Entry order is preserved through
// every pipeline stage.
type Bundle struct {
	ResourceType string     `json:"resourceType"`
	ID           string     `json:"id,omitempty"`
	Type         string     `json:"type"`
	Timestamp    *time.Time `json:"timestamp,omitempty"`
	Entry        []Entry    `json:"entry,omitempty"`
}

// Entry pairs an optional resource payload with an optional request
// directive. An entry without a directive carries implicit upsert semantics.
type Entry struct {
	FullURL  string            `json:"fullUrl,omitempty"`
	Resource *Resource         `json:"resource,omitempty"`
	Request  *RequestDirective `json:"request,omitempty"`
}

// RequestDirective is the per-entry operation instruction. For DELETE
// entries the URL encodes "{resourceType}/{id}" and no resource body is
// present.
type RequestDirective struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

// ParseBundle parses a FHIR Bundle from its JSON representation.
func ParseBundle(data []byte) (*Bundle, error) {
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("parse bundle: %w", err)
	}
	if b.ResourceType != "Bundle" {
		return nil, fmt.Errorf("parse bundle: resourceType is %q, want Bundle", b.ResourceType)
	}
	return &b, nil
}

// NewTransactionBundle wraps a single resource into a transaction bundle with
// the given request verb, mirroring how single-resource submissions enter the
// pipeline.
func NewTransactionBundle(res *Resource, verb string) *Bundle {
	now := time.Now().UTC()
	fullURL := ""
	url := res.Type()
	if res.ID() != "" {
		fullURL = fmt.Sprintf("%s/%s", res.Type(), res.ID())
		url = fullURL
	}
	return &Bundle{
		ResourceType: "Bundle",
		ID:           uuid.NewString(),
		Type:         BundleTypeTransaction,
		Timestamp:    &now,
		Entry: []Entry{
			{
				FullURL:  fullURL,
				Resource: res,
				Request:  &RequestDirective{Method: verb, URL: url},
			},
		},
	}
}

// IsEmpty reports whether the bundle has no entries.
func (b *Bundle) IsEmpty() bool {
	return len(b.Entry) == 0
}

// Resources returns the non-nil resource payloads of all entries, in entry
// order.
func (b *Bundle) Resources() []*Resource {
	out := make([]*Resource, 0, len(b.Entry))
	for _, entry := range b.Entry {
		if entry.Resource != nil {
			out = append(out, entry.Resource)
		}
	}
	return out
}

// IsDelete reports whether the entry is a DELETE directive.
func (e Entry) IsDelete() bool {
	return e.Request != nil && e.Request.Method == VerbDELETE
}

// IdentifyingURL returns the entry's identifying "{resourceType}/{id}"
// string: the fullUrl when set, otherwise derived from the resource.
func (e Entry) IdentifyingURL() string {
	if e.FullURL != "" {
		return e.FullURL
	}
	if e.Resource != nil && e.Resource.ID() != "" {
		return fmt.Sprintf("%s/%s", e.Resource.Type(), e.Resource.ID())
	}
	return ""
}
