package pseudonym

// Domain is a pseudonym namespace. Each domain has its own external
// pseudonym authority namespace and its own identifier system URI.
type Domain string

const (
	DomainPatient Domain = "patient"
	DomainCase    Domain = "case"
	DomainReport  Domain = "report"
)

// refRule declares one outbound reference field of a resource type: the
// element name, the domain its target id lives in, and the target resource
// type used when rewriting the literal reference.
type refRule struct {
	field      string
	domain     Domain
	targetType string
}

// rule declares how one resource type participates in pseudonymization.
// Adding a resource type is a data change here, not new branching code.
type rule struct {
	// ownIDDomain is the domain of the resource's own id. Empty when the
	// resource id is not pseudonymized.
	ownIDDomain Domain
	// references lists the reference fields to collect and rewrite.
	// Absent fields are skipped, not defaulted.
	references []refRule
}

var subjectRef = refRule{field: "subject", domain: DomainPatient, targetType: "Patient"}
var encounterRef = refRule{field: "encounter", domain: DomainCase, targetType: "Encounter"}

// rules is the per-type substitution rule table.
var rules = map[string]rule{
	"Patient": {
		ownIDDomain: DomainPatient,
	},
	"Encounter": {
		ownIDDomain: DomainCase,
		references:  []refRule{subjectRef},
	},
	"Observation": {
		references: []refRule{subjectRef, encounterRef},
	},
	"Procedure": {
		references: []refRule{subjectRef, encounterRef},
	},
	"Condition": {
		references: []refRule{subjectRef, encounterRef},
	},
	"DiagnosticReport": {
		ownIDDomain: DomainReport,
		references:  []refRule{subjectRef, encounterRef},
	},
}
