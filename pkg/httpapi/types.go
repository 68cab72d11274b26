package httpapi

import (
	"time"

	"github.com/erx-fd/fachdienst/pkg/fhir"
	"github.com/erx-fd/fachdienst/pkg/task"
)

// taskResource is the FHIR Task wire rendering. accessCode is included on
// the $create and $activate responses and on every Task read (GET
// /Task/{id} and GET /Task) the engine authorises, and is omitted on the
// $accept/$reject/$close/$abort responses; secret is only ever populated on the $accept response,
// never read back off the stored Task, so a later GET cannot leak it.
type taskResource struct {
	ResourceType fhir.ResourceType `json:"resourceType" xml:"-"`
	ID           string            `json:"id" xml:"id,attr"`
	Status       task.Status       `json:"status" xml:"status,attr"`
	Intent       string            `json:"intent" xml:"intent,attr"`
	FlowType     task.FlowType     `json:"flowType" xml:"flowType,attr"`
	For          string            `json:"for,omitempty" xml:"for,attr,omitempty"`
	AuthoredOn   string            `json:"authoredOn" xml:"authoredOn,attr"`
	LastModified string            `json:"lastModified" xml:"lastModified,attr"`
	AccessCode   string            `json:"accessCode,omitempty" xml:"accessCode,attr,omitempty"`
	Secret       string            `json:"secret,omitempty" xml:"secret,attr,omitempty"`
	ReceiptBundle *fhir.Bundle     `json:"receiptBundle,omitempty" xml:"receiptBundle,omitempty"`
}

func newTaskResource(t *task.Task, includeAccessCode bool, secret string) *taskResource {
	res := &taskResource{
		ResourceType:  fhir.ResourceTask,
		ID:            t.ID,
		Status:        t.Status,
		Intent:        "order",
		FlowType:      t.FlowType,
		For:           t.For,
		AuthoredOn:    t.AuthoredOn.Format(time.RFC3339),
		LastModified:  t.LastModified.Format(time.RFC3339),
		Secret:        secret,
		ReceiptBundle: t.ReceiptBundle,
	}
	if includeAccessCode {
		res.AccessCode = t.AccessCode
	}
	return res
}

type taskBundleResource struct {
	ResourceType fhir.ResourceType `json:"resourceType" xml:"-"`
	Type         string            `json:"type" xml:"type,attr"`
	Total        int               `json:"total" xml:"total,attr"`
	Entry        []taskResource    `json:"entry" xml:"entry"`
}

type communicationResource struct {
	ResourceType fhir.ResourceType `json:"resourceType" xml:"-"`
	ID           string            `json:"id" xml:"id,attr"`
	Sender       string            `json:"sender" xml:"sender,attr"`
	Recipient    string            `json:"recipient" xml:"recipient,attr"`
	AboutTask    string            `json:"aboutTask" xml:"aboutTask,attr"`
	Payload      []byte            `json:"payload,omitempty" xml:"payload,omitempty"`
	SentAt       string            `json:"sentAt" xml:"sentAt,attr"`
	ReceivedAt   string            `json:"receivedAt,omitempty" xml:"receivedAt,attr,omitempty"`
}

func newCommunicationResource(c *task.Communication) *communicationResource {
	res := &communicationResource{
		ResourceType: fhir.ResourceCommunication,
		ID:           c.ID,
		Sender:       c.Sender,
		Recipient:    c.Recipient,
		AboutTask:    c.AboutTask,
		Payload:      c.Payload,
		SentAt:       c.SentAt.Format(time.RFC3339),
	}
	if !c.ReceivedAt.IsZero() {
		res.ReceivedAt = c.ReceivedAt.Format(time.RFC3339)
	}
	return res
}

type auditEventResource struct {
	ResourceType fhir.ResourceType `json:"resourceType" xml:"-"`
	ID           string            `json:"id" xml:"id,attr"`
	TaskID       string            `json:"taskId" xml:"taskId,attr"`
	KVNR         string            `json:"kvnr,omitempty" xml:"kvnr,attr,omitempty"`
	Action       string            `json:"action" xml:"action,attr"`
	Outcome      string            `json:"outcome" xml:"outcome,attr"`
	Agent        string            `json:"agent" xml:"agent,attr"`
	RecordedAt   string            `json:"recordedAt" xml:"recordedAt,attr"`
}

func newAuditEventResource(ev *task.AuditEvent) *auditEventResource {
	return &auditEventResource{
		ResourceType: fhir.ResourceAuditEvent,
		ID:           ev.ID,
		TaskID:       ev.TaskID,
		KVNR:         ev.KVNR,
		Action:       ev.Action,
		Outcome:      ev.Outcome,
		Agent:        ev.Agent,
		RecordedAt:   ev.RecordedAt.Format(time.RFC3339),
	}
}

// newMedicationDispenseResource derives a read-only MedicationDispense
// view from a completed Task; the service never persists this resource
// separately (spec.md §1 excludes storing resources other than the
// ones named in §3's data model).
func newMedicationDispenseResource(t *task.Task) *fhir.MedicationDispense {
	md := &fhir.MedicationDispense{
		ResourceType:              fhir.ResourceMedicationDispense,
		ID:                        t.ID,
		Status:                    "completed",
		Subject:                   fhir.Reference{Reference: "Patient/" + t.For},
		AuthorizingPrescriptionID: t.ID,
	}
	if t.AcceptedBy != "" {
		md.Performer = []fhir.Reference{{Reference: "Organization/" + t.AcceptedBy}}
	}
	if !t.AcceptDate.IsZero() {
		md.WhenHandedOver = t.AcceptDate.Format(time.RFC3339)
	}
	return md
}
