package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/erx-fd/fachdienst/pkg/apierror"
	"github.com/erx-fd/fachdienst/pkg/fhir"
	"github.com/erx-fd/fachdienst/pkg/manager"
	"github.com/erx-fd/fachdienst/pkg/task"
)

// handlers closes over the composition root every FHIR endpoint
// dispatches into.
type handlers struct {
	mgr *manager.Manager
}

func (h *handlers) metadata(w http.ResponseWriter, r *http.Request) {
	cs := &fhir.CapabilityStatement{
		ResourceType: fhir.ResourceCapabilityStatement,
		Status:       "active",
		Date:         time.Now().Format(time.RFC3339),
		Kind:         "instance",
		Software:     &fhir.CapabilitySoftware{Name: "erx-fd"},
		FHIRVersion:  "4.0.1",
		Format:       []string{"application/fhir+json", "application/fhir+xml"},
	}
	writeResource(w, r, http.StatusOK, cs)
}

type createRequest struct {
	FlowType task.FlowType `json:"flowType" xml:"flowType"`
}

func (h *handlers) taskCreate(w http.ResponseWriter, r *http.Request) {
	caller, err := h.authenticate(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var body createRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, r, apierror.Wrap(apierror.CodeEnvelopeMalformed, "malformed $create body", err))
		return
	}

	t, err := h.mgr.Engine.Create(caller, body.FlowType)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeResource(w, r, http.StatusCreated, newTaskResource(t, true, ""))
}

func (h *handlers) taskActivate(w http.ResponseWriter, r *http.Request) {
	caller, err := h.authenticate(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	cms, err := readAll(r)
	if err != nil {
		writeError(w, r, apierror.Wrap(apierror.CodeEnvelopeMalformed, "could not read $activate body", err))
		return
	}

	verified, err := h.mgr.QESVerifier.Verify(caller.TelematikID, cms)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var bundle fhir.Bundle
	if err := json.Unmarshal(verified.Content, &bundle); err != nil {
		writeError(w, r, apierror.Wrap(apierror.CodeQESInvalid, "QES content is not a parseable KBV bundle", err))
		return
	}

	t, err := h.mgr.Engine.Activate(caller, r.PathValue("id"), &bundle, verified, cms)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeResource(w, r, http.StatusOK, newTaskResource(t, true, ""))
}

func (h *handlers) taskAccept(w http.ResponseWriter, r *http.Request) {
	caller, err := h.authenticate(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	t, secret, err := h.mgr.Engine.Accept(caller, r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeResource(w, r, http.StatusOK, newTaskResource(t, false, secret))
}

func (h *handlers) taskReject(w http.ResponseWriter, r *http.Request) {
	caller, err := h.authenticate(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	t, err := h.mgr.Engine.Reject(caller, r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeResource(w, r, http.StatusOK, newTaskResource(t, false, ""))
}

func (h *handlers) taskClose(w http.ResponseWriter, r *http.Request) {
	caller, err := h.authenticate(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	t, err := h.mgr.Engine.Close(caller, r.PathValue("id"), h.mgr.ReceiptSigner())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeResource(w, r, http.StatusOK, newTaskResource(t, false, ""))
}

func (h *handlers) taskAbort(w http.ResponseWriter, r *http.Request) {
	caller, err := h.authenticate(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	t, err := h.mgr.Engine.Abort(caller, r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeResource(w, r, http.StatusOK, newTaskResource(t, false, ""))
}

func (h *handlers) taskGet(w http.ResponseWriter, r *http.Request) {
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
	writeResource(w, r, http.StatusOK, newTaskResource(t, true, ""))
}

func (h *handlers) taskList(w http.ResponseWriter, r *http.Request) {
	caller, err := h.authenticate(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	q := task.ListQuery{
		Status:             task.Status(r.URL.Query().Get("status")),
		SortByAuthoredDesc: r.URL.Query().Get("_sort") == "-authored-on",
		Count:              queryInt(r, "_count", 0),
		Offset:             queryInt(r, "_offset", 0),
	}
	if v := r.URL.Query().Get("authored-on"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			q.AuthoredFrom = t
		}
	}

	tasks, err := h.mgr.Engine.ListTasks(caller, q)
	if err != nil {
		writeError(w, r, err)
		return
	}

	bundle := taskBundleResource{
		ResourceType: fhir.ResourceBundle,
		Type:         "searchset",
		Total:        len(tasks),
	}
	for _, t := range tasks {
		bundle.Entry = append(bundle.Entry, *newTaskResource(t, true, ""))
	}
	writeResource(w, r, http.StatusOK, bundle)
}

// taskListQueryCompleted selects every completed Task a caller can
// read, the candidate set GET /MedicationDispense derives its view from.
func taskListQueryCompleted() task.ListQuery {
	return task.ListQuery{Status: task.StatusCompleted}
}
