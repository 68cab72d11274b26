package fhir

import (
	"encoding/json"
	"testing"
)

const testKBVBundleJSON = `{
	"resourceType": "Bundle",
	"type": "document",
	"entry": [
		{"resource": {"resourceType": "Patient", "identifier": [{"value": "X110412640"}]}},
		{"resource": {"resourceType": "Practitioner", "identifier": [{"value": "838382202"}]}},
		{"resource": {"resourceType": "SomeUnmodeledExtension", "foo": "bar"}}
	]
}`

func TestBundleUnmarshalDispatchesConcreteResourceTypes(t *testing.T) {
	var b Bundle
	if err := json.Unmarshal([]byte(testKBVBundleJSON), &b); err != nil {
		t.Fatalf("unmarshal bundle: %v", err)
	}

	patient, ok := b.ResourceByType(ResourcePatient).(*Patient)
	if !ok {
		t.Fatalf("expected ResourceByType(Patient) to return *Patient, got %T", b.ResourceByType(ResourcePatient))
	}
	if patient.KVNR() != "X110412640" {
		t.Fatalf("expected KVNR X110412640, got %q", patient.KVNR())
	}

	practitioner, ok := b.ResourceByType(ResourcePractitioner).(*Practitioner)
	if !ok {
		t.Fatalf("expected ResourceByType(Practitioner) to return *Practitioner, got %T", b.ResourceByType(ResourcePractitioner))
	}
	if practitioner.LANR() != "838382202" {
		t.Fatalf("expected LANR 838382202, got %q", practitioner.LANR())
	}
}

func TestBundleUnmarshalFallsBackToMapForUnmodeledResource(t *testing.T) {
	var b Bundle
	if err := json.Unmarshal([]byte(testKBVBundleJSON), &b); err != nil {
		t.Fatalf("unmarshal bundle: %v", err)
	}

	last := b.Entry[len(b.Entry)-1]
	m, ok := last.Resource.(map[string]interface{})
	if !ok {
		t.Fatalf("expected an unrecognised resourceType to fall back to a map, got %T", last.Resource)
	}
	if m["foo"] != "bar" {
		t.Fatalf("expected the fallback map to carry the original fields, got %+v", m)
	}
}

func TestBundleRoundTripsMarshalAfterUnmarshal(t *testing.T) {
	var b Bundle
	if err := json.Unmarshal([]byte(testKBVBundleJSON), &b); err != nil {
		t.Fatalf("unmarshal bundle: %v", err)
	}

	out, err := json.Marshal(&b)
	if err != nil {
		t.Fatalf("marshal bundle: %v", err)
	}

	var reparsed Bundle
	if err := json.Unmarshal(out, &reparsed); err != nil {
		t.Fatalf("re-unmarshal bundle: %v", err)
	}
	patient, ok := reparsed.ResourceByType(ResourcePatient).(*Patient)
	if !ok || patient.KVNR() != "X110412640" {
		t.Fatalf("expected the re-marshaled bundle to still resolve its Patient, got %+v", reparsed)
	}
}
