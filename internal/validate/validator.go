package validate

import (
	"fmt"
	"regexp"

	"github.com/curanet/fhir-gateway/internal/platform/fhir"
)

// Issue is one validation finding for a single resource.
type Issue struct {
	Severity    string
	Code        string
	Diagnostics string
	Expression  string
}

// Validator is the conformance-validation boundary. Implementations may run
// in process or delegate to a remote validation service.
type Validator interface {
	Validate(res *fhir.Resource) []Issue
}

// idPattern matches FHIR R4 resource ids.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9\-\.]{1,64}$`)

// referencePattern matches literal references in "ResourceType/id" form.
var referencePattern = regexp.MustCompile(`^[A-Z][a-zA-Z]+/[A-Za-z0-9\-\.]{1,64}$`)

// statusValues maps resource types to their valid status codes per FHIR R4,
// for the types the gateway routinely carries.
var statusValues = map[string][]string{
	"Encounter":        {"planned", "arrived", "triaged", "in-progress", "onleave", "finished", "cancelled", "entered-in-error", "unknown"},
	"Observation":      {"registered", "preliminary", "final", "amended", "corrected", "cancelled", "entered-in-error", "unknown"},
	"Condition":        {"active", "recurrence", "relapse", "inactive", "remission", "resolved"},
	"Procedure":        {"preparation", "in-progress", "not-done", "on-hold", "stopped", "completed", "entered-in-error", "unknown"},
	"DiagnosticReport": {"registered", "partial", "preliminary", "final", "amended", "corrected", "appended", "cancelled", "entered-in-error", "unknown"},
}

// StructuralValidator performs in-process structural checks: id and
// reference syntax, and status codes for known resource types. It stands in
// for a full profile validator behind the same interface.
type StructuralValidator struct{}

// NewStructuralValidator creates a StructuralValidator.
func NewStructuralValidator() *StructuralValidator {
	return &StructuralValidator{}
}

// Validate checks one resource and returns its issues, empty when clean.
func (v *StructuralValidator) Validate(res *fhir.Resource) []Issue {
	var issues []Issue

	if id := res.ID(); id != "" && !idPattern.MatchString(id) {
		issues = append(issues, Issue{
			Severity:    fhir.IssueSeverityError,
			Code:        fhir.IssueTypeValue,
			Diagnostics: fmt.Sprintf("invalid resource id %q", id),
			Expression:  res.Type() + ".id",
		})
	}

	doc := res.Map()
	for _, field := range []string{"subject", "encounter"} {
		ref, ok := doc[field].(map[string]any)
		if !ok {
			continue
		}
		literal, ok := ref["reference"].(string)
		if !ok {
			continue
		}
		if !referencePattern.MatchString(literal) {
			issues = append(issues, Issue{
				Severity:    fhir.IssueSeverityError,
				Code:        fhir.IssueTypeStructure,
				Diagnostics: fmt.Sprintf("malformed reference %q", literal),
				Expression:  fmt.Sprintf("%s.%s.reference", res.Type(), field),
			})
		}
	}

	if allowed, ok := statusValues[res.Type()]; ok {
		status, present := doc["status"].(string)
		if !present || status == "" {
			issues = append(issues, Issue{
				Severity:    fhir.IssueSeverityError,
				Code:        fhir.IssueTypeRequired,
				Diagnostics: fmt.Sprintf("%s.status is required", res.Type()),
				Expression:  res.Type() + ".status",
			})
		} else if !contains(allowed, status) {
			issues = append(issues, Issue{
				Severity:    fhir.IssueSeverityError,
				Code:        fhir.IssueTypeValue,
				Diagnostics: fmt.Sprintf("invalid status %q for %s", status, res.Type()),
				Expression:  res.Type() + ".status",
			})
		}
	}

	return issues
}

func contains(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}
