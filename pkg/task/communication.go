package task

import (
	"time"

	"github.com/erx-fd/fachdienst/pkg/apierror"
	"github.com/erx-fd/fachdienst/pkg/cryptoutil"
)

// SendCommunication creates a Communication about an existing Task.
// Payload size is bounded by maxCommunicationPayloadBytes, checked here
// independently of the 1 MiB decoded-body limit the HTTP layer applies.
func (e *Engine) SendCommunication(sender, recipient, aboutTaskID string, payload, attachment []byte) (*Communication, error) {
	if len(payload) > maxCommunicationPayloadBytes {
		return nil, apierror.New(apierror.CodePayloadTooLarge, "communication payload exceeds the bound")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.tasks[aboutTaskID]; !ok {
		return nil, apierror.New(apierror.CodeNotFound, "referenced Task not found")
	}

	id, err := cryptoutil.RandomHex(16)
	if err != nil {
		return nil, apierror.Wrap(apierror.CodeInternal, "mint communication id", err)
	}

	now := time.Now()
	c := &Communication{
		ID:         id,
		Sender:     sender,
		Recipient:  recipient,
		AboutTask:  aboutTaskID,
		Payload:    payload,
		Attachment: attachment,
		SentAt:     now,
		ExpiryDate: now.Add(defaultTaskTTL),
	}
	e.communications[id] = c
	e.requestFlush()
	return c, nil
}

// GetCommunication returns a Communication if caller is its sender or
// recipient, marking ReceivedAt on the recipient's first successful read.
func (e *Engine) GetCommunication(caller string, id string) (*Communication, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.communications[id]
	if !ok {
		return nil, apierror.New(apierror.CodeNotFound, "Communication not found")
	}
	if caller != c.Sender && caller != c.Recipient {
		return nil, apierror.New(apierror.CodeAuthzDenied, "caller is not a party to this Communication")
	}
	if caller == c.Recipient && c.ReceivedAt.IsZero() {
		c.ReceivedAt = time.Now()
		e.requestFlush()
	}
	return c, nil
}

// ListCommunications returns every Communication where caller is sender
// or recipient.
func (e *Engine) ListCommunications(caller string) []*Communication {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]*Communication, 0)
	for _, c := range e.communications {
		if caller == c.Sender || caller == c.Recipient {
			out = append(out, c)
		}
	}
	return out
}

// DeleteCommunication removes a Communication; only its sender may
// delete it.
func (e *Engine) DeleteCommunication(caller string, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.communications[id]
	if !ok {
		return apierror.New(apierror.CodeNotFound, "Communication not found")
	}
	if caller != c.Sender {
		return apierror.New(apierror.CodeAuthzDenied, "only the sender may delete a Communication")
	}
	delete(e.communications, id)
	e.requestFlush()
	return nil
}

// GetAuditEvent returns a single AuditEvent by id.
func (e *Engine) GetAuditEvent(id string) (*AuditEvent, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, ev := range e.auditEvents {
		if ev.ID == id {
			return ev, nil
		}
	}
	return nil, apierror.New(apierror.CodeNotFound, "AuditEvent not found")
}

// ListAuditEventsForKVNR returns every AuditEvent referencing kvnr.
func (e *Engine) ListAuditEventsForKVNR(kvnr string) []*AuditEvent {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]*AuditEvent, 0)
	for _, ev := range e.auditEvents {
		if ev.KVNR == kvnr {
			out = append(out, ev)
		}
	}
	return out
}
