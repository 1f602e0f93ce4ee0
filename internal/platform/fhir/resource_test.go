package fhir

import (
	"encoding/json"
	"testing"
)

func mustParse(t *testing.T, doc string) *Resource {
	t.Helper()
	res, err := ParseResource([]byte(doc))
	if err != nil {
		t.Fatalf("ParseResource: %v", err)
	}
	return res
}

func TestParseResource(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid patient", `{"resourceType":"Patient","id":"p1"}`, false},
		{"missing resourceType", `{"id":"p1"}`, true},
		{"not json", `{{`, true},
		{"not an object", `[1,2]`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseResource([]byte(tt.input))
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseResource() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestResourceIDAccessors(t *testing.T) {
	res := mustParse(t, `{"resourceType":"Patient","id":"secretPid"}`)

	if got := res.Type(); got != "Patient" {
		t.Errorf("Type() = %q, want Patient", got)
	}
	if got := res.ID(); got != "secretPid" {
		t.Errorf("ID() = %q, want secretPid", got)
	}

	res.SetID("hiddenPid")
	if got := res.ID(); got != "hiddenPid" {
		t.Errorf("ID() after SetID = %q, want hiddenPid", got)
	}
}

func TestSetIdentifierValue(t *testing.T) {
	res := mustParse(t, `{
		"resourceType": "Patient",
		"id": "p1",
		"identifier": [
			{"system": "https://fhir.example.com/identifiers/patient-id", "value": "p1"},
			{"system": "https://fhir.example.com/identifiers/other", "value": "keep"}
		]
	}`)

	res.SetIdentifierValue("https://fhir.example.com/identifiers/patient-id", "pseudo")

	ids := res.Identifiers()
	if len(ids) != 2 {
		t.Fatalf("got %d identifiers, want 2", len(ids))
	}
	if ids[0].Value != "pseudo" {
		t.Errorf("matching identifier value = %q, want pseudo", ids[0].Value)
	}
	if ids[1].Value != "keep" {
		t.Errorf("non-matching identifier value = %q, want keep", ids[1].Value)
	}
}

func TestRemoveIdentifiers(t *testing.T) {
	res := mustParse(t, `{
		"resourceType": "Patient",
		"id": "p1",
		"identifier": [
			{"system": "https://fhir.example.com/identifiers/insurance-number", "value": "Z123"},
			{"system": "https://fhir.example.com/identifiers/patient-id", "value": "p1"},
			{"system": "https://fhir.example.com/identifiers/insurance-number", "value": "Z456"}
		]
	}`)

	removed := res.RemoveIdentifiers("https://fhir.example.com/identifiers/insurance-number")
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}

	ids := res.Identifiers()
	if len(ids) != 1 {
		t.Fatalf("got %d identifiers, want 1", len(ids))
	}
	if ids[0].System != "https://fhir.example.com/identifiers/patient-id" {
		t.Errorf("surviving identifier system = %q", ids[0].System)
	}
}

func TestRemoveIdentifiersDropsEmptyList(t *testing.T) {
	res := mustParse(t, `{
		"resourceType": "Patient",
		"identifier": [{"system": "sys", "value": "v"}]
	}`)

	res.RemoveIdentifiers("sys")

	if _, present := res.Map()["identifier"]; present {
		t.Error("identifier element should be removed entirely when empty")
	}
}

func TestReferenceID(t *testing.T) {
	tests := []struct {
		name   string
		doc    string
		field  string
		want   string
		wantOK bool
	}{
		{
			"literal reference",
			`{"resourceType":"Encounter","subject":{"reference":"Patient/secretPid"}}`,
			"subject", "secretPid", true,
		},
		{
			"absent field",
			`{"resourceType":"Encounter"}`,
			"subject", "", false,
		},
		{
			"display-only reference",
			`{"resourceType":"Encounter","subject":{"display":"Jane Doe"}}`,
			"subject", "", false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := mustParse(t, tt.doc)
			got, ok := res.ReferenceID(tt.field)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("ReferenceID(%q) = (%q, %v), want (%q, %v)",
					tt.field, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestSetReference(t *testing.T) {
	res := mustParse(t, `{"resourceType":"Encounter","subject":{"reference":"Patient/secretPid","display":"Jane"}}`)

	res.SetReference("subject", "Patient/hiddenPid")

	if got, _ := res.ReferenceID("subject"); got != "hiddenPid" {
		t.Errorf("reference id after rewrite = %q, want hiddenPid", got)
	}
	// Sibling elements of the reference survive the rewrite.
	subject := res.Map()["subject"].(map[string]any)
	if subject["display"] != "Jane" {
		t.Error("display element lost during reference rewrite")
	}
}

func TestValueQuantity(t *testing.T) {
	res := mustParse(t, `{
		"resourceType": "Observation",
		"valueQuantity": {"value": 5.4, "unit": "mg/dL", "code": "mg/dL", "system": "http://unitsofmeasure.org"}
	}`)

	q, ok := res.ValueQuantity()
	if !ok {
		t.Fatal("ValueQuantity() ok = false")
	}
	if q.Value != 5.4 || q.Code != "mg/dL" {
		t.Errorf("quantity = %+v", q)
	}

	res.SetValueQuantity(Quantity{Value: 0.3, Unit: "mmol/l", Code: "mmol/l", System: q.System})
	q, _ = res.ValueQuantity()
	if q.Value != 0.3 || q.Code != "mmol/l" {
		t.Errorf("quantity after set = %+v", q)
	}
}

func TestMarshalRoundTripPreservesUnknownElements(t *testing.T) {
	doc := `{"resourceType":"Patient","id":"p1","extension":[{"url":"http://example.com/ext","valueString":"x"}]}`
	res := mustParse(t, doc)

	out, err := json.Marshal(res)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	reparsed := mustParse(t, string(out))
	ext, ok := reparsed.Map()["extension"].([]any)
	if !ok || len(ext) != 1 {
		t.Errorf("extension element lost in round trip: %s", out)
	}
}
