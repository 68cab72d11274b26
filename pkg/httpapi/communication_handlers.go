package httpapi

import (
	"net/http"

	"github.com/erx-fd/fachdienst/pkg/apierror"
	"github.com/erx-fd/fachdienst/pkg/fhir"
	"github.com/erx-fd/fachdienst/pkg/task"
)

type communicationCreateRequest struct {
	Recipient  string `json:"recipient" xml:"recipient"`
	AboutTask  string `json:"aboutTask" xml:"aboutTask"`
	Payload    []byte `json:"payload" xml:"payload"`
	Attachment []byte `json:"attachment,omitempty" xml:"attachment,omitempty"`
}

func (h *handlers) communicationCreate(w http.ResponseWriter, r *http.Request) {
	caller, err := h.authenticate(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var body communicationCreateRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, r, apierror.Wrap(apierror.CodeEnvelopeMalformed, "malformed Communication body", err))
		return
	}

	c, err := h.mgr.Engine.SendCommunication(senderIdentity(caller), body.Recipient, body.AboutTask, body.Payload, body.Attachment)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeResource(w, r, http.StatusCreated, newCommunicationResource(c))
}

func (h *handlers) communicationGet(w http.ResponseWriter, r *http.Request) {
	caller, err := h.authenticate(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	c, err := h.mgr.Engine.GetCommunication(senderIdentity(caller), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeResource(w, r, http.StatusOK, newCommunicationResource(c))
}

func (h *handlers) communicationList(w http.ResponseWriter, r *http.Request) {
	caller, err := h.authenticate(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	comms := h.mgr.Engine.ListCommunications(senderIdentity(caller))

	bundle := struct {
		ResourceType fhir.ResourceType        `json:"resourceType" xml:"-"`
		Type         string                   `json:"type" xml:"type,attr"`
		Total        int                      `json:"total" xml:"total,attr"`
		Entry        []*communicationResource `json:"entry" xml:"entry"`
	}{ResourceType: fhir.ResourceBundle, Type: "searchset", Total: len(comms)}
	for _, c := range comms {
		bundle.Entry = append(bundle.Entry, newCommunicationResource(c))
	}
	writeResource(w, r, http.StatusOK, bundle)
}

func (h *handlers) communicationDelete(w http.ResponseWriter, r *http.Request) {
	caller, err := h.authenticate(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.mgr.Engine.DeleteCommunication(senderIdentity(caller), r.PathValue("id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) auditEventGet(w http.ResponseWriter, r *http.Request) {
	if _, err := h.authenticate(r); err != nil {
		writeError(w, r, err)
		return
	}
	ev, err := h.mgr.Engine.GetAuditEvent(r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeResource(w, r, http.StatusOK, newAuditEventResource(ev))
}

func (h *handlers) auditEventList(w http.ResponseWriter, r *http.Request) {
	caller, err := h.authenticate(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	events := h.mgr.Engine.ListAuditEventsForKVNR(caller.KVNR)

	bundle := struct {
		ResourceType fhir.ResourceType     `json:"resourceType" xml:"-"`
		Type         string                `json:"type" xml:"type,attr"`
		Total        int                   `json:"total" xml:"total,attr"`
		Entry        []*auditEventResource `json:"entry" xml:"entry"`
	}{ResourceType: fhir.ResourceBundle, Type: "searchset", Total: len(events)}
	for _, ev := range events {
		bundle.Entry = append(bundle.Entry, newAuditEventResource(ev))
	}
	writeResource(w, r, http.StatusOK, bundle)
}

func (h *handlers) medicationDispenseGet(w http.ResponseWriter, r *http.Request) {
	caller, err := h.authenticate(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	t, err := h.mgr.Engine.GetTask(caller, r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if t.Status != "completed" {
		writeError(w, r, apierror.New(apierror.CodeNotFound, "no dispense recorded for this Task"))
		return
	}
	writeResource(w, r, http.StatusOK, newMedicationDispenseResource(t))
}

func (h *handlers) medicationDispenseList(w http.ResponseWriter, r *http.Request) {
	caller, err := h.authenticate(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	tasks, err := h.mgr.Engine.ListTasks(caller, taskListQueryCompleted())
	if err != nil {
		writeError(w, r, err)
		return
	}

	bundle := struct {
		ResourceType fhir.ResourceType           `json:"resourceType" xml:"-"`
		Type         string                      `json:"type" xml:"type,attr"`
		Total        int                         `json:"total" xml:"total,attr"`
		Entry        []*fhir.MedicationDispense  `json:"entry" xml:"entry"`
	}{ResourceType: fhir.ResourceBundle, Type: "searchset"}
	for _, t := range tasks {
		bundle.Entry = append(bundle.Entry, newMedicationDispenseResource(t))
	}
	bundle.Total = len(bundle.Entry)
	writeResource(w, r, http.StatusOK, bundle)
}

// senderIdentity picks the identifier Communication's sender/recipient
// fields are keyed on: TelematikID for pharmacy/physician/dentist
// callers, KVNR for insured callers.
func senderIdentity(caller task.Caller) string {
	if caller.TelematikID != "" {
		return caller.TelematikID
	}
	if caller.KVNR != "" {
		return caller.KVNR
	}
	return caller.Subject
}
