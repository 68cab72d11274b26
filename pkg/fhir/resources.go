// Package fhir provides the minimal, mechanical resource representations
// needed to round-trip the canonical FHIR resources this service accepts
// and emits. It deliberately does not attempt to be a general FHIR model:
// only the fields exercised by the VAU/token/QES/Task pipeline are
// represented. Serialisation to application/fhir+json and
// application/fhir+xml is the external HTTP layer's concern; these types
// carry both struct tags so either encoding round-trips.
package fhir

import (
	"encoding/json"
	"fmt"
)

// ResourceType names one of the canonical resources this service
// round-trips. Each inner-HTTP endpoint fixes its tag statically rather
// than dispatching dynamically over the full FHIR resource zoo.
type ResourceType string

const (
	ResourceBundle              ResourceType = "Bundle"
	ResourceComposition         ResourceType = "Composition"
	ResourceDevice              ResourceType = "Device"
	ResourcePatient             ResourceType = "Patient"
	ResourcePractitioner        ResourceType = "Practitioner"
	ResourceMedication          ResourceType = "Medication"
	ResourceMedicationRequest   ResourceType = "MedicationRequest"
	ResourceCoverage            ResourceType = "Coverage"
	ResourceMedicationDispense  ResourceType = "MedicationDispense"
	ResourceOperationOutcome    ResourceType = "OperationOutcome"
	ResourceCapabilityStatement ResourceType = "CapabilityStatement"
	ResourceTask                ResourceType = "Task"
	ResourceCommunication       ResourceType = "Communication"
	ResourceAuditEvent          ResourceType = "AuditEvent"
)

// Identifier is a business identifier carried by most resources (KVNR,
// LANR, TelematikID, prescription ID, and so on).
type Identifier struct {
	System string `json:"system,omitempty" xml:"system,attr,omitempty"`
	Value  string `json:"value" xml:"value,attr"`
}

// Coding is a single code from a code system.
type Coding struct {
	System  string `json:"system,omitempty" xml:"system,attr,omitempty"`
	Code    string `json:"code,omitempty" xml:"code,attr,omitempty"`
	Display string `json:"display,omitempty" xml:"display,attr,omitempty"`
}

// CodeableConcept is a coded value with optional free text, as used for
// Task status reasons and OperationOutcome details.
type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty" xml:"coding,omitempty"`
	Text   string   `json:"text,omitempty" xml:"text,attr,omitempty"`
}

// Reference points at another resource by relative URL ("Patient/123") or,
// for contained/bundled resources, by local id ("#patient-1").
type Reference struct {
	Reference string `json:"reference,omitempty" xml:"reference,attr,omitempty"`
	Identifier *Identifier `json:"identifier,omitempty" xml:"identifier,omitempty"`
	Display   string `json:"display,omitempty" xml:"display,attr,omitempty"`
}

// Meta carries the resource's version and last-updated timestamp; it is
// round-tripped but otherwise uninterpreted by the engine.
type Meta struct {
	VersionID   string `json:"versionId,omitempty" xml:"versionId,attr,omitempty"`
	LastUpdated string `json:"lastUpdated,omitempty" xml:"lastUpdated,attr,omitempty"`
}

// Patient is the canonical KBV-bundle patient resource. Only the KVNR
// identifier and name are modelled; the service never interprets the rest
// of a KBV Patient resource beyond round-tripping it.
type Patient struct {
	ResourceType ResourceType `json:"resourceType" xml:"-"`
	ID           string       `json:"id,omitempty" xml:"id,attr,omitempty"`
	Meta         *Meta        `json:"meta,omitempty" xml:"meta,omitempty"`
	Identifier   []Identifier `json:"identifier,omitempty" xml:"identifier,omitempty"`
	Name         []HumanName  `json:"name,omitempty" xml:"name,omitempty"`
	BirthDate    string       `json:"birthDate,omitempty" xml:"birthDate,attr,omitempty"`
}

// HumanName is a minimal FHIR HumanName element.
type HumanName struct {
	Family string   `json:"family,omitempty" xml:"family,attr,omitempty"`
	Given  []string `json:"given,omitempty" xml:"given,omitempty"`
}

// KVNR returns the patient's insurance identifier: the value of the first
// identifier with a non-empty value, whatever its system, if present.
func (p *Patient) KVNR() string {
	for _, id := range p.Identifier {
		if id.Value != "" {
			return id.Value
		}
	}
	return ""
}

// Practitioner is the canonical KBV-bundle prescriber resource. LANR is
// the prescriber's lifelong doctor number, carried as an identifier.
type Practitioner struct {
	ResourceType ResourceType `json:"resourceType" xml:"-"`
	ID           string       `json:"id,omitempty" xml:"id,attr,omitempty"`
	Meta         *Meta        `json:"meta,omitempty" xml:"meta,omitempty"`
	Identifier   []Identifier `json:"identifier,omitempty" xml:"identifier,omitempty"`
	Name         []HumanName  `json:"name,omitempty" xml:"name,omitempty"`
}

// LANR returns the practitioner's lifelong doctor number, if present.
func (p *Practitioner) LANR() string {
	for _, id := range p.Identifier {
		if id.Value != "" {
			return id.Value
		}
	}
	return ""
}

// Medication is the prescribed drug or product, round-tripped unexamined
// apart from its identifying coding.
type Medication struct {
	ResourceType ResourceType     `json:"resourceType" xml:"-"`
	ID           string           `json:"id,omitempty" xml:"id,attr,omitempty"`
	Meta         *Meta            `json:"meta,omitempty" xml:"meta,omitempty"`
	Code         *CodeableConcept `json:"code,omitempty" xml:"code,omitempty"`
}

// MedicationRequest links a Medication to a Patient and Practitioner; it
// is the clinical core of a KBV bundle.
type MedicationRequest struct {
	ResourceType ResourceType `json:"resourceType" xml:"-"`
	ID           string       `json:"id,omitempty" xml:"id,attr,omitempty"`
	Meta         *Meta        `json:"meta,omitempty" xml:"meta,omitempty"`
	Status       string       `json:"status,omitempty" xml:"status,attr,omitempty"`
	Subject      Reference    `json:"subject" xml:"subject"`
	Requester    Reference    `json:"requester,omitempty" xml:"requester,omitempty"`
	Medication   Reference    `json:"medicationReference,omitempty" xml:"medicationReference,omitempty"`
}

// Coverage is the patient's insurance coverage resource, referenced from
// the KBV bundle but not otherwise interpreted.
type Coverage struct {
	ResourceType ResourceType `json:"resourceType" xml:"-"`
	ID           string       `json:"id,omitempty" xml:"id,attr,omitempty"`
	Meta         *Meta        `json:"meta,omitempty" xml:"meta,omitempty"`
	Status       string       `json:"status,omitempty" xml:"status,attr,omitempty"`
	Beneficiary  Reference    `json:"beneficiary" xml:"beneficiary"`
}

// Composition is the clinical-document header of a KBV bundle (and, for a
// receipt bundle, the ErxReceipt composition). Type distinguishes a
// prescription composition from a dispense/receipt composition per the
// service's coding system.
type Composition struct {
	ResourceType ResourceType     `json:"resourceType" xml:"-"`
	ID           string           `json:"id,omitempty" xml:"id,attr,omitempty"`
	Meta         *Meta            `json:"meta,omitempty" xml:"meta,omitempty"`
	Status       string           `json:"status,omitempty" xml:"status,attr,omitempty"`
	Type         *CodeableConcept `json:"type,omitempty" xml:"type,omitempty"`
	Subject      Reference        `json:"subject,omitempty" xml:"subject,omitempty"`
	Date         string           `json:"date,omitempty" xml:"date,attr,omitempty"`
	Author       []Reference      `json:"author,omitempty" xml:"author,omitempty"`
}

// Device identifies the software system that produced a resource, as
// required on a receipt's Composition.author (the "ErxService" device).
type Device struct {
	ResourceType ResourceType `json:"resourceType" xml:"-"`
	ID           string       `json:"id,omitempty" xml:"id,attr,omitempty"`
	Meta         *Meta        `json:"meta,omitempty" xml:"meta,omitempty"`
	Identifier   []Identifier `json:"identifier,omitempty" xml:"identifier,omitempty"`
	DeviceName   []DeviceName `json:"deviceName,omitempty" xml:"deviceName,omitempty"`
}

// DeviceName is a single name entry of a Device resource.
type DeviceName struct {
	Name string `json:"name" xml:"name,attr"`
	Type string `json:"type,omitempty" xml:"type,attr,omitempty"`
}

// MedicationDispense records a pharmacy's dispensing of a Task's
// medication, surfaced read-only via GET /MedicationDispense.
type MedicationDispense struct {
	ResourceType     ResourceType `json:"resourceType" xml:"-"`
	ID               string       `json:"id,omitempty" xml:"id,attr,omitempty"`
	Meta             *Meta        `json:"meta,omitempty" xml:"meta,omitempty"`
	Status           string       `json:"status,omitempty" xml:"status,attr,omitempty"`
	Subject          Reference    `json:"subject" xml:"subject"`
	Performer        []Reference  `json:"performer,omitempty" xml:"performer,omitempty"`
	AuthorizingPrescriptionID string `json:"authorizingPrescriptionId,omitempty" xml:"authorizingPrescriptionId,attr,omitempty"`
	WhenHandedOver   string       `json:"whenHandedOver,omitempty" xml:"whenHandedOver,attr,omitempty"`
}

// OperationOutcome reports the error taxonomy (§7) back to callers:
// TokenInvalid and AuthzDenied responses carry one of these.
type OperationOutcome struct {
	ResourceType ResourceType       `json:"resourceType" xml:"-"`
	Issue        []OutcomeIssue     `json:"issue" xml:"issue"`
}

// OutcomeIssue is a single entry of an OperationOutcome.
type OutcomeIssue struct {
	Severity    string `json:"severity" xml:"severity,attr"`
	Code        string `json:"code" xml:"code,attr"`
	Diagnostics string `json:"diagnostics,omitempty" xml:"diagnostics,attr,omitempty"`
}

// NewOperationOutcome builds a single-issue OperationOutcome of severity
// "error", the shape every §7 failure response uses.
func NewOperationOutcome(code, diagnostics string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: ResourceOperationOutcome,
		Issue: []OutcomeIssue{
			{Severity: "error", Code: code, Diagnostics: diagnostics},
		},
	}
}

// CapabilityStatement is returned from GET /metadata; it is rendered by
// the external HTTP layer but the resource shape lives here since it is
// part of the FHIR surface contract.
type CapabilityStatement struct {
	ResourceType ResourceType `json:"resourceType" xml:"-"`
	Status       string       `json:"status" xml:"status,attr"`
	Date         string       `json:"date" xml:"date,attr"`
	Kind         string       `json:"kind" xml:"kind,attr"`
	Software     *CapabilitySoftware `json:"software,omitempty" xml:"software,omitempty"`
	FHIRVersion  string       `json:"fhirVersion" xml:"fhirVersion,attr"`
	Format       []string     `json:"format" xml:"format"`
}

// CapabilitySoftware names the implementing product within a
// CapabilityStatement.
type CapabilitySoftware struct {
	Name    string `json:"name" xml:"name,attr"`
	Version string `json:"version,omitempty" xml:"version,attr,omitempty"`
}

// BundleEntry is one member of a Bundle, carrying its resource as the
// decoded value itself (a concrete pointer such as *Patient for modelled
// types, a bare map otherwise). References between resources stay as
// reference strings inside those resources; entries do not point at
// each other.
type BundleEntry struct {
	FullURL  string      `json:"fullUrl,omitempty" xml:"fullUrl,attr,omitempty"`
	Resource interface{} `json:"resource" xml:"resource"`
}

// UnmarshalJSON dispatches entry.resource into its concrete pointer type
// by peeking at resourceType first, so ResourceByType's later type switch
// sees a *Patient/*Practitioner/etc. rather than a bare map[string]interface{}.
func (e *BundleEntry) UnmarshalJSON(data []byte) error {
	var raw struct {
		FullURL  string          `json:"fullUrl"`
		Resource json.RawMessage `json:"resource"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	e.FullURL = raw.FullURL
	if len(raw.Resource) == 0 {
		return nil
	}

	var disc struct {
		ResourceType ResourceType `json:"resourceType"`
	}
	if err := json.Unmarshal(raw.Resource, &disc); err != nil {
		return fmt.Errorf("bundle entry resource: %w", err)
	}

	var target interface{}
	switch disc.ResourceType {
	case ResourcePatient:
		target = &Patient{}
	case ResourcePractitioner:
		target = &Practitioner{}
	case ResourceMedication:
		target = &Medication{}
	case ResourceMedicationRequest:
		target = &MedicationRequest{}
	case ResourceCoverage:
		target = &Coverage{}
	case ResourceComposition:
		target = &Composition{}
	case ResourceDevice:
		target = &Device{}
	case ResourceMedicationDispense:
		target = &MedicationDispense{}
	default:
		var generic map[string]interface{}
		if err := json.Unmarshal(raw.Resource, &generic); err != nil {
			return fmt.Errorf("bundle entry resource: %w", err)
		}
		e.Resource = generic
		return nil
	}

	if err := json.Unmarshal(raw.Resource, target); err != nil {
		return fmt.Errorf("bundle entry resource %s: %w", disc.ResourceType, err)
	}
	e.Resource = target
	return nil
}

// Bundle is the canonical KBV-prescription and receipt container.
type Bundle struct {
	ResourceType ResourceType  `json:"resourceType" xml:"-"`
	ID           string        `json:"id,omitempty" xml:"id,attr,omitempty"`
	Meta         *Meta         `json:"meta,omitempty" xml:"meta,omitempty"`
	Type         string        `json:"type" xml:"type,attr"`
	Timestamp    string        `json:"timestamp,omitempty" xml:"timestamp,attr,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty" xml:"entry,omitempty"`
}

// ResourceByType returns the first entry in the bundle whose resource has
// the given resourceType, used to pull the Patient/Practitioner/
// MedicationRequest out of an inbound KBV bundle by id lookup rather than
// by walking pointer cycles.
func (b *Bundle) ResourceByType(rt ResourceType) interface{} {
	for _, e := range b.Entry {
		switch r := e.Resource.(type) {
		case *Patient:
			if rt == ResourcePatient {
				return r
			}
		case *Practitioner:
			if rt == ResourcePractitioner {
				return r
			}
		case *Medication:
			if rt == ResourceMedication {
				return r
			}
		case *MedicationRequest:
			if rt == ResourceMedicationRequest {
				return r
			}
		case *Coverage:
			if rt == ResourceCoverage {
				return r
			}
		case *Composition:
			if rt == ResourceComposition {
				return r
			}
		case *Device:
			if rt == ResourceDevice {
				return r
			}
		}
	}
	return nil
}
