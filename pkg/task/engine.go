package task

import (
	"fmt"
	"sync"
	"time"

	"github.com/erx-fd/fachdienst/pkg/apierror"
	"github.com/erx-fd/fachdienst/pkg/cryptoutil"
	"github.com/erx-fd/fachdienst/pkg/events"
	"github.com/erx-fd/fachdienst/pkg/fhir"
	"github.com/erx-fd/fachdienst/pkg/metrics"
	"github.com/erx-fd/fachdienst/pkg/qes"
)

// defaultTaskTTL is the interval between a Task's creation and its
// auto-expiry if never activated/accepted/closed first.
const defaultTaskTTL = 90 * 24 * time.Hour

// Engine owns the Task/Communication/AuditEvent aggregate and mediates
// every operation through the (role, capability) authorisation matrix.
// All mutating operations are a single writer-critical-section: they do
// not perform blocking I/O while holding the write guard. Signature
// verification happens before the lock is taken; disk flush is merely
// signalled, not performed, from inside it.
type Engine struct {
	mu             sync.RWMutex
	tasks          map[string]*Task
	communications map[string]*Communication
	auditEvents    []*AuditEvent

	broker *events.Broker
	// flushRequested is a buffered(1) coalescing signal consumed by the
	// store's flush goroutine; a full buffer means a flush is already
	// pending, so the send is dropped rather than blocking the caller.
	flushRequested chan struct{}
}

// NewEngine constructs an empty Engine. QES signature verification is
// performed by the caller (the HTTP handler, against pkg/qes.Verifier)
// before Activate is invoked; the Engine itself only records the
// already-verified result, so it does not hold a QES verifier.
func NewEngine(broker *events.Broker) *Engine {
	return &Engine{
		tasks:          make(map[string]*Task),
		communications: make(map[string]*Communication),
		broker:         broker,
		flushRequested: make(chan struct{}, 1),
	}
}

// FlushRequested returns the channel the store's flush goroutine selects
// on; a value arrives after every successful mutation.
func (e *Engine) FlushRequested() <-chan struct{} { return e.flushRequested }

func (e *Engine) requestFlush() {
	select {
	case e.flushRequested <- struct{}{}:
	default:
	}
	if e.broker != nil {
		e.broker.Publish(&events.Event{Type: events.EventStoreFlushRequest})
	}
}

// Create implements $create: physician/dentist only, no capability
// required, yields a fresh draft Task.
func (e *Engine) Create(caller Caller, flowType FlowType) (*Task, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.TaskOperationDuration, "create")

	if caller.Role != RolePhysician && caller.Role != RoleDentist {
		metrics.TaskTransitionsTotal.WithLabelValues("create", "denied").Inc()
		return nil, apierror.New(apierror.CodeAuthzDenied, "only physicians and dentists may create a Task")
	}

	accessCode, err := cryptoutil.RandomHex(32)
	if err != nil {
		return nil, apierror.Wrap(apierror.CodeInternal, "mint access code", err)
	}

	e.mu.Lock()
	id, err := e.generateUniqueID(flowType)
	if err != nil {
		e.mu.Unlock()
		return nil, apierror.Wrap(apierror.CodeInternal, "generate prescription ID", err)
	}

	now := time.Now()
	t := &Task{
		ID:           id,
		FlowType:     flowType,
		Status:       StatusDraft,
		AccessCode:   accessCode,
		AuthoredOn:   now,
		LastModified: now,
		ExpiryDate:   now.Add(defaultTaskTTL),
		CreatedBy:    caller.Subject,
	}
	e.tasks[id] = t
	e.recordAuditLocked(t, "", "create", "success", caller.Subject)
	e.mu.Unlock()

	metrics.TaskTransitionsTotal.WithLabelValues("create", "success").Inc()
	e.requestFlush()
	return t, nil
}

// Activate implements $activate: physician/dentist, access-code
// presented, QES signature must verify. The signature is verified by
// the caller (pkg/qes.Verifier, against the already-parsed cms bytes)
// before this is invoked; Activate only records the verified result so
// a $activate request never runs CMS verification twice.
func (e *Engine) Activate(caller Caller, taskID string, kbvBundle *fhir.Bundle, verified *qes.VerifiedBundle, cms []byte) (*Task, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.TaskOperationDuration, "activate")

	if caller.Role != RolePhysician && caller.Role != RoleDentist {
		metrics.TaskTransitionsTotal.WithLabelValues("activate", "denied").Inc()
		return nil, apierror.New(apierror.CodeAuthzDenied, "only physicians and dentists may activate a Task")
	}

	if verified == nil {
		return nil, apierror.New(apierror.CodeInternal, "activate called without a verified QES result")
	}

	patientKVNR := ""
	if p, ok := kbvBundle.ResourceByType(fhir.ResourcePatient).(*fhir.Patient); ok {
		patientKVNR = p.KVNR()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	t, err := e.requireTaskLocked(taskID)
	if err != nil {
		return nil, err
	}
	if !cryptoutil.ConstantTimeEqual(t.AccessCode, caller.AccessCode) {
		metrics.TaskTransitionsTotal.WithLabelValues("activate", "denied").Inc()
		return nil, apierror.New(apierror.CodeAuthzDenied, "access code does not match")
	}
	if t.Status != StatusDraft {
		metrics.TaskTransitionsTotal.WithLabelValues("activate", "conflict").Inc()
		return nil, apierror.New(apierror.CodeConflict, "Task is not in draft")
	}

	t.Status = StatusReady
	t.For = patientKVNR
	t.KBVBundle = kbvBundle
	t.QESSignature = cms
	t.LastModified = time.Now()

	e.recordAuditLocked(t, patientKVNR, "activate", "success", caller.Subject)
	metrics.TaskTransitionsTotal.WithLabelValues("activate", "success").Inc()
	e.requestFlush()
	return t, nil
}

// Accept implements $accept: pharmacy, access-code presented, mints a
// one-time secret.
func (e *Engine) Accept(caller Caller, taskID string) (*Task, string, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.TaskOperationDuration, "accept")

	if caller.Role != RolePharmacy {
		metrics.TaskTransitionsTotal.WithLabelValues("accept", "denied").Inc()
		return nil, "", apierror.New(apierror.CodeAuthzDenied, "only a pharmacy may accept a Task")
	}

	secret, err := cryptoutil.RandomHex(32)
	if err != nil {
		return nil, "", apierror.Wrap(apierror.CodeInternal, "mint secret", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	t, err := e.requireTaskLocked(taskID)
	if err != nil {
		return nil, "", err
	}
	if !cryptoutil.ConstantTimeEqual(t.AccessCode, caller.AccessCode) {
		metrics.TaskTransitionsTotal.WithLabelValues("accept", "denied").Inc()
		return nil, "", apierror.New(apierror.CodeAuthzDenied, "access code does not match")
	}
	if t.Status != StatusReady {
		metrics.TaskTransitionsTotal.WithLabelValues("accept", "conflict").Inc()
		return nil, "", apierror.New(apierror.CodeConflict, "Task is not ready")
	}

	t.Status = StatusInProgress
	t.Secret = secret
	t.AcceptedBy = caller.TelematikID
	t.AcceptDate = time.Now()
	t.LastModified = t.AcceptDate

	e.recordAuditLocked(t, t.For, "accept", "success", caller.TelematikID)
	metrics.TaskTransitionsTotal.WithLabelValues("accept", "success").Inc()
	e.requestFlush()
	return t, secret, nil
}

// Reject implements $reject: pharmacy, secret matches, returns Task to
// ready and invalidates the secret.
func (e *Engine) Reject(caller Caller, taskID string) (*Task, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.TaskOperationDuration, "reject")

	e.mu.Lock()
	defer e.mu.Unlock()

	t, err := e.requireTaskLocked(taskID)
	if err != nil {
		return nil, err
	}
	if caller.Role != RolePharmacy || !cryptoutil.ConstantTimeEqual(t.Secret, caller.Secret) {
		metrics.TaskTransitionsTotal.WithLabelValues("reject", "denied").Inc()
		return nil, apierror.New(apierror.CodeAuthzDenied, "secret does not match")
	}
	if t.Status != StatusInProgress {
		metrics.TaskTransitionsTotal.WithLabelValues("reject", "conflict").Inc()
		return nil, apierror.New(apierror.CodeConflict, "Task is not in-progress")
	}

	t.Status = StatusReady
	t.Secret = ""
	t.AcceptedBy = ""
	t.LastModified = time.Now()

	e.recordAuditLocked(t, t.For, "reject", "success", caller.TelematikID)
	metrics.TaskTransitionsTotal.WithLabelValues("reject", "success").Inc()
	e.requestFlush()
	return t, nil
}

// Close implements $close: pharmacy, secret matches, produces a signed
// receipt bundle.
func (e *Engine) Close(caller Caller, taskID string, signReceipt ReceiptSigner) (*Task, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.TaskOperationDuration, "close")

	e.mu.Lock()
	defer e.mu.Unlock()

	t, err := e.requireTaskLocked(taskID)
	if err != nil {
		return nil, err
	}
	if caller.Role != RolePharmacy || !cryptoutil.ConstantTimeEqual(t.Secret, caller.Secret) {
		metrics.TaskTransitionsTotal.WithLabelValues("close", "denied").Inc()
		return nil, apierror.New(apierror.CodeAuthzDenied, "secret does not match")
	}
	if t.Status != StatusInProgress {
		metrics.TaskTransitionsTotal.WithLabelValues("close", "conflict").Inc()
		return nil, apierror.New(apierror.CodeConflict, "Task is not in-progress")
	}

	now := time.Now()
	bundle, sig, err := buildReceiptBundle(t, now, signReceipt)
	if err != nil {
		metrics.TaskTransitionsTotal.WithLabelValues("close", "internal_error").Inc()
		return nil, apierror.Wrap(apierror.CodeInternal, "build receipt bundle", err)
	}

	t.Status = StatusCompleted
	t.ReceiptBundle = bundle
	t.ReceiptSig = sig
	t.Secret = ""
	t.LastModified = now

	e.recordAuditLocked(t, t.For, "close", "success", caller.TelematikID)
	metrics.TaskTransitionsTotal.WithLabelValues("close", "success").Inc()
	e.requestFlush()
	return t, nil
}

// Abort implements $abort per the role matrix of §4.5.
func (e *Engine) Abort(caller Caller, taskID string) (*Task, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.TaskOperationDuration, "abort")

	e.mu.Lock()
	defer e.mu.Unlock()

	t, err := e.requireTaskLocked(taskID)
	if err != nil {
		return nil, err
	}

	if t.Status == StatusCompleted || t.Status == StatusCancelled {
		metrics.TaskTransitionsTotal.WithLabelValues("abort", "conflict").Inc()
		return nil, apierror.New(apierror.CodeConflict, "Task is already terminal")
	}
	if !abortAllowed(caller, t) {
		metrics.TaskTransitionsTotal.WithLabelValues("abort", "denied").Inc()
		return nil, apierror.New(apierror.CodeAuthzDenied, "caller is not permitted to abort this Task")
	}

	t.Status = StatusCancelled
	t.Secret = ""
	t.LastModified = time.Now()

	e.recordAuditLocked(t, t.For, "abort", "success", callerIdentifier(caller))
	metrics.TaskTransitionsTotal.WithLabelValues("abort", "success").Inc()
	e.requestFlush()
	return t, nil
}

// abortAllowed implements the $abort role matrix: insured may abort
// ready; physician/dentist may abort draft or ready of their own tasks;
// pharmacy may abort in-progress tasks they accepted using the secret;
// representative with access-code may abort ready.
func abortAllowed(caller Caller, t *Task) bool {
	switch caller.Role {
	case RoleInsured:
		return t.Status == StatusReady && caller.KVNR == t.For
	case RolePhysician, RoleDentist:
		return (t.Status == StatusDraft || t.Status == StatusReady) && caller.Subject == t.CreatedBy
	case RolePharmacy:
		return t.Status == StatusInProgress && cryptoutil.ConstantTimeEqual(t.Secret, caller.Secret)
	case RoleRepresentative:
		return t.Status == StatusReady && cryptoutil.ConstantTimeEqual(t.AccessCode, caller.AccessCode)
	default:
		return false
	}
}

func callerIdentifier(caller Caller) string {
	if caller.TelematikID != "" {
		return caller.TelematikID
	}
	if caller.KVNR != "" {
		return caller.KVNR
	}
	return caller.Subject
}

// ExpireOverdue scans all non-terminal Tasks and Communications for
// expiry, applying the terminal transition and emitting AuditEvents. It
// is invoked by the store's auto-expiry ticker (§4.6).
func (e *Engine) ExpireOverdue(now time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	expired := 0
	for _, t := range e.tasks {
		if t.Status == StatusCompleted || t.Status == StatusCancelled {
			continue
		}
		if now.After(t.ExpiryDate) {
			t.Status = StatusCancelled
			t.Secret = ""
			t.LastModified = now
			e.recordAuditLocked(t, t.For, "expire", "success", "system")
			expired++
		}
	}
	for id, c := range e.communications {
		if now.After(c.ExpiryDate) {
			delete(e.communications, id)
			e.recordCommunicationExpiryLocked(c)
			expired++
		}
	}
	if expired > 0 {
		e.requestFlush()
	}
	return expired
}

// recordCommunicationExpiryLocked applies a Communication's terminal
// transition (deletion, the same outcome DeleteCommunication produces)
// and emits the AuditEvent §4.6 requires for it. Callers must hold e.mu.
func (e *Engine) recordCommunicationExpiryLocked(c *Communication) {
	id, _ := cryptoutil.RandomHex(16)
	ev := &AuditEvent{
		ID:         id,
		TaskID:     c.AboutTask,
		Action:     "communication_expire",
		Outcome:    "success",
		Agent:      "system",
		RecordedAt: time.Now(),
	}
	e.auditEvents = append(e.auditEvents, ev)
	if e.broker != nil {
		e.broker.Publish(&events.Event{
			Type:     events.EventCommunicationExpired,
			Message:  fmt.Sprintf("Communication %s expired", c.ID),
			Metadata: map[string]string{"communication_id": c.ID, "task_id": c.AboutTask},
		})
	}
}

func (e *Engine) requireTaskLocked(id string) (*Task, error) {
	t, ok := e.tasks[id]
	if !ok {
		return nil, apierror.New(apierror.CodeNotFound, fmt.Sprintf("Task %q not found", id))
	}
	return t, nil
}

func (e *Engine) generateUniqueID(flowType FlowType) (string, error) {
	for attempt := 0; attempt < 10; attempt++ {
		id, err := GeneratePrescriptionID(flowType)
		if err != nil {
			return "", err
		}
		if _, exists := e.tasks[id]; !exists {
			return id, nil
		}
	}
	return "", fmt.Errorf("exhausted attempts generating a unique prescription ID")
}

func (e *Engine) recordAuditLocked(t *Task, kvnr, action, outcome, agent string) {
	id, _ := cryptoutil.RandomHex(16)
	ev := &AuditEvent{
		ID:         id,
		TaskID:     t.ID,
		KVNR:       kvnr,
		Action:     action,
		Outcome:    outcome,
		Agent:      agent,
		RecordedAt: time.Now(),
	}
	e.auditEvents = append(e.auditEvents, ev)
	if e.broker != nil {
		e.broker.Publish(&events.Event{
			Type:    eventTypeForAction(action),
			Message: fmt.Sprintf("Task %s: %s", t.ID, action),
			Metadata: map[string]string{"task_id": t.ID, "kvnr": kvnr},
		})
	}
}

func eventTypeForAction(action string) events.EventType {
	switch action {
	case "create":
		return events.EventTaskCreated
	case "activate":
		return events.EventTaskActivated
	case "accept":
		return events.EventTaskAccepted
	case "reject":
		return events.EventTaskRejected
	case "close":
		return events.EventTaskClosed
	case "abort":
		return events.EventTaskAborted
	case "expire":
		return events.EventTaskExpired
	default:
		return events.EventTaskCreated
	}
}
