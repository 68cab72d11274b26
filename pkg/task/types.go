// Package task implements the prescription workflow state machine: Task
// creation, activation, acceptance, rejection, closing, abort, and
// auto-expiry, each mediated by role-and-capability authorisation, plus
// the Communication and AuditEvent records the workflow produces.
package task

import (
	"time"

	"github.com/erx-fd/fachdienst/pkg/fhir"
)

// Status is a Task's position in the workflow state machine.
type Status string

const (
	StatusDraft      Status = "draft"
	StatusReady      Status = "ready"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// FlowType is the leading 3-digit prescription category component of a
// prescription ID.
type FlowType string

const (
	FlowTypeOutpatientInsured FlowType = "160"
	FlowTypePrivateInsured    FlowType = "200"
	FlowTypeDirectAssignment  FlowType = "169"
)

// Task represents one prescription and its workflow state.
type Task struct {
	ID             string // prescription ID, <flow:3>.<b1:3>.<b2:3>.<b3:3>.<b4:3>.<check:2>
	FlowType       FlowType
	Status         Status
	AccessCode     string // 64 lowercase hex digits, minted at creation
	Secret         string // 64 lowercase hex digits, minted on acceptance, "" otherwise
	For            string // patient KVNR, set on activation
	AuthoredOn     time.Time
	LastModified   time.Time
	ExpiryDate     time.Time
	AcceptDate     time.Time
	CreatedBy      string // physician/dentist subject that created the task
	AcceptedBy     string // TelematikID of the accepting pharmacy, "" otherwise
	KBVBundle      *fhir.Bundle
	QESSignature   []byte
	ReceiptBundle  *fhir.Bundle
	// ReceiptSig is exported only so the persistence layer's gob codec
	// can round-trip it; other packages must go through
	// SignerCertificate rather than reading it directly, so its
	// placement within the signature can move without touching callers.
	ReceiptSig *ReceiptSignature
}

// ReceiptSignature holds the receipt bundle's CAdES signature metadata.
type ReceiptSignature struct {
	SignerCertificateDER []byte
	SignedAt             time.Time
}

// SignerCertificate returns the DER-encoded signing certificate embedded
// in a Task's receipt signature, or nil if the Task has no receipt yet.
func (t *Task) SignerCertificate() []byte {
	if t.ReceiptSig == nil {
		return nil
	}
	return t.ReceiptSig.SignerCertificateDER
}

// Communication is a message between actors about a Task.
type Communication struct {
	ID               string
	Sender           string
	Recipient        string
	AboutTask        string
	Payload          []byte
	Attachment       []byte
	SentAt           time.Time
	ReceivedAt       time.Time
	ExpiryDate       time.Time
}

// AuditEvent is an immutable log entry emitted on every successful
// mutation, referenceable by the KVNR it concerns.
type AuditEvent struct {
	ID          string
	TaskID      string
	KVNR        string
	Action      string
	Outcome     string
	Agent       string
	RecordedAt  time.Time
}

const maxCommunicationPayloadBytes = 10 * 1024
