package fhir

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Resource is an opaque FHIR resource document. The gateway never binds
// resources to typed structs; it reads and rewrites individual elements
// through accessors so that unknown elements pass through untouched.
type Resource struct {
	doc map[string]any
}

// Identifier is a FHIR Identifier element reduced to the parts the gateway
// inspects.
type Identifier struct {
	System string
	Value  string
}

// Quantity is a FHIR Quantity element reduced to the parts the gateway
// rewrites during unit harmonization.
type Quantity struct {
	Value  float64
	Unit   string
	Code   string
	System string
}

// ParseResource parses a single FHIR resource from its JSON representation.
// The document must be a JSON object with a resourceType element.
func ParseResource(data []byte) (*Resource, error) {
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse resource: %w", err)
	}
	rt, _ := doc["resourceType"].(string)
	if rt == "" {
		return nil, fmt.Errorf("parse resource: missing resourceType")
	}
	return &Resource{doc: doc}, nil
}

// FromMap wraps an already-decoded document. The map is not copied.
func FromMap(doc map[string]any) *Resource {
	return &Resource{doc: doc}
}

// Map exposes the underlying document for callers that need free-form
// navigation, such as the structural validator.
func (r *Resource) Map() map[string]any {
	return r.doc
}

// Type returns the resourceType element.
func (r *Resource) Type() string {
	rt, _ := r.doc["resourceType"].(string)
	return rt
}

// ID returns the resource id, or "" when absent.
func (r *Resource) ID() string {
	id, _ := r.doc["id"].(string)
	return id
}

// SetID overwrites the resource id.
func (r *Resource) SetID(id string) {
	r.doc["id"] = id
}

// Identifiers returns the resource's identifier list. Entries without a
// system or value are returned with the respective field empty.
func (r *Resource) Identifiers() []Identifier {
	raw, ok := r.doc["identifier"].([]any)
	if !ok {
		return nil
	}
	out := make([]Identifier, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		system, _ := m["system"].(string)
		value, _ := m["value"].(string)
		out = append(out, Identifier{System: system, Value: value})
	}
	return out
}

// SetIdentifierValue overwrites the value of every identifier whose system
// matches the given system URI. Identifiers on other systems are untouched.
func (r *Resource) SetIdentifierValue(system, value string) {
	raw, ok := r.doc["identifier"].([]any)
	if !ok {
		return
	}
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if s, _ := m["system"].(string); s == system {
			m["value"] = value
		}
	}
}

// RemoveIdentifiers drops every identifier on the given system from the
// resource. It reports how many identifiers were removed.
func (r *Resource) RemoveIdentifiers(system string) int {
	raw, ok := r.doc["identifier"].([]any)
	if !ok {
		return 0
	}
	kept := make([]any, 0, len(raw))
	removed := 0
	for _, item := range raw {
		if m, ok := item.(map[string]any); ok {
			if s, _ := m["system"].(string); s == system {
				removed++
				continue
			}
		}
		kept = append(kept, item)
	}
	if removed == 0 {
		return 0
	}
	if len(kept) == 0 {
		delete(r.doc, "identifier")
	} else {
		r.doc["identifier"] = kept
	}
	return removed
}

// ReferenceID returns the id part of a reference element such as subject or
// encounter, parsed from its "ResourceType/id" literal form. The second
// return is false when the field is absent or not a literal reference.
func (r *Resource) ReferenceID(field string) (string, bool) {
	ref, ok := r.doc[field].(map[string]any)
	if !ok {
		return "", false
	}
	literal, _ := ref["reference"].(string)
	parts := strings.SplitN(literal, "/", 2)
	if len(parts) != 2 || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// SetReference overwrites the literal reference of an existing reference
// element. Absent fields are left absent.
func (r *Resource) SetReference(field, literal string) {
	ref, ok := r.doc[field].(map[string]any)
	if !ok {
		return
	}
	ref["reference"] = literal
}

// CodeCoding returns the first coding of the resource's code element whose
// system matches the given system URI. The returned map aliases the document,
// so writes through it modify the resource.
func (r *Resource) CodeCoding(system string) (map[string]any, bool) {
	code, ok := r.doc["code"].(map[string]any)
	if !ok {
		return nil, false
	}
	codings, ok := code["coding"].([]any)
	if !ok {
		return nil, false
	}
	for _, item := range codings {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if s, _ := m["system"].(string); s == system {
			return m, true
		}
	}
	return nil, false
}

// ValueQuantity returns the resource's valueQuantity element, if present
// with a numeric value and a unit code.
func (r *Resource) ValueQuantity() (Quantity, bool) {
	return quantityFrom(r.doc, "valueQuantity")
}

// SetValueQuantity replaces the resource's valueQuantity element.
func (r *Resource) SetValueQuantity(q Quantity) {
	r.doc["valueQuantity"] = q.toMap()
}

// ReferenceRanges returns the observation's referenceRange elements. The
// returned maps alias the document.
func (r *Resource) ReferenceRanges() []map[string]any {
	raw, ok := r.doc["referenceRange"].([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(raw))
	for _, item := range raw {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

// RangeQuantity reads the low or high bound of a referenceRange element.
func RangeQuantity(rangeElem map[string]any, bound string) (Quantity, bool) {
	return quantityFrom(rangeElem, bound)
}

// SetRangeQuantity replaces the low or high bound of a referenceRange element.
func SetRangeQuantity(rangeElem map[string]any, bound string, q Quantity) {
	rangeElem[bound] = q.toMap()
}

func quantityFrom(doc map[string]any, key string) (Quantity, bool) {
	m, ok := doc[key].(map[string]any)
	if !ok {
		return Quantity{}, false
	}
	value, ok := m["value"].(float64)
	if !ok {
		return Quantity{}, false
	}
	code, _ := m["code"].(string)
	if code == "" {
		return Quantity{}, false
	}
	unit, _ := m["unit"].(string)
	system, _ := m["system"].(string)
	return Quantity{Value: value, Unit: unit, Code: code, System: system}, true
}

func (q Quantity) toMap() map[string]any {
	m := map[string]any{"value": q.Value}
	if q.Unit != "" {
		m["unit"] = q.Unit
	}
	if q.Code != "" {
		m["code"] = q.Code
	}
	if q.System != "" {
		m["system"] = q.System
	}
	return m
}

// Clone returns a deep copy of the resource.
func (r *Resource) Clone() *Resource {
	return &Resource{doc: cloneMap(r.doc)}
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		return cloneMap(typed)
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

// MarshalJSON serializes the resource back to its document form.
func (r *Resource) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.doc)
}

// UnmarshalJSON decodes a resource from its document form.
func (r *Resource) UnmarshalJSON(data []byte) error {
	parsed, err := ParseResource(data)
	if err != nil {
		return err
	}
	r.doc = parsed.doc
	return nil
}
