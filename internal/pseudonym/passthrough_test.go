package pseudonym

import (
	"context"
	"testing"
)

func TestPassthroughLeavesBundleUntouched(t *testing.T) {
	bundle := bundleOf(t, `{"resourceType":"Patient","id":"secretPid","identifier":[{"system":"http://fhir.de/sid/gkv/kvid-10","value":"A123"}]}`)

	result, err := Passthrough{}.Process(context.Background(), bundle)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if result != bundle {
		t.Error("pass-through returned a different bundle")
	}
	if got := result.Entry[0].Resource.ID(); got != "secretPid" {
		t.Errorf("patient id = %q, want secretPid", got)
	}
	if ids := result.Entry[0].Resource.Identifiers(); len(ids) != 1 {
		t.Errorf("got %d identifiers, want 1", len(ids))
	}
}
