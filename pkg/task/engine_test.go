package task

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/digitorus/pkcs7"

	"github.com/erx-fd/fachdienst/pkg/apierror"
	"github.com/erx-fd/fachdienst/pkg/fhir"
	"github.com/erx-fd/fachdienst/pkg/qes"
	"github.com/erx-fd/fachdienst/pkg/trust"
)

const (
	testLANR        = "838382202"
	testKVNR        = "X110412640"
	testPharmacyID  = "606358757"
)

// testSigner is a self-signed QES issuer/leaf pair used to produce
// signatures the engine's Activate call accepts.
type testSigner struct {
	caCert   *x509.Certificate
	leafCert *x509.Certificate
	leafKey  *ecdsa.PrivateKey
}

func newTestSigner(t *testing.T) *testSigner {
	t.Helper()
	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate CA key: %v", err)
	}
	caTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test QES Issuer CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().AddDate(5, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTemplate, caTemplate, &caKey.PublicKey, caKey)
	if err != nil {
		t.Fatalf("create CA cert: %v", err)
	}
	caCert, err := x509.ParseCertificate(caDER)
	if err != nil {
		t.Fatalf("parse CA cert: %v", err)
	}

	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate leaf key: %v", err)
	}
	leafTemplate := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "Test Physician Signing Card"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().AddDate(1, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	leafDER, err := x509.CreateCertificate(rand.Reader, leafTemplate, caCert, &leafKey.PublicKey, caKey)
	if err != nil {
		t.Fatalf("create leaf cert: %v", err)
	}
	leafCert, err := x509.ParseCertificate(leafDER)
	if err != nil {
		t.Fatalf("parse leaf cert: %v", err)
	}
	return &testSigner{caCert: caCert, leafCert: leafCert, leafKey: leafKey}
}

func (s *testSigner) sign(t *testing.T, content []byte) []byte {
	t.Helper()
	sd, err := pkcs7.NewSignedData(content)
	if err != nil {
		t.Fatalf("new signed data: %v", err)
	}
	if err := sd.AddSigner(s.leafCert, s.leafKey, pkcs7.SignerInfoConfig{}); err != nil {
		t.Fatalf("add signer: %v", err)
	}
	out, err := sd.Finish()
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	return out
}

// newTestEngine wires an Engine and a Verifier trusting signer, mirroring
// how the HTTP handler verifies a $activate body before calling Activate.
func newTestEngine(t *testing.T, signer *testSigner) (*Engine, *qes.Verifier) {
	t.Helper()
	store := trust.NewStoreWithSnapshot(&trust.Snapshot{
		QESIssuerCerts: []*x509.Certificate{signer.caCert},
	})
	verifier := qes.NewVerifier(store, 5, time.Minute)
	return NewEngine(nil), verifier
}

func testKBVBundle() *fhir.Bundle {
	return &fhir.Bundle{
		ResourceType: fhir.ResourceBundle,
		Type:         "document",
		Entry: []fhir.BundleEntry{
			{Resource: &fhir.Patient{
				ResourceType: fhir.ResourcePatient,
				Identifier:   []fhir.Identifier{{Value: testKVNR}},
			}},
			{Resource: &fhir.Practitioner{
				ResourceType: fhir.ResourcePractitioner,
				Identifier:   []fhir.Identifier{{Value: testLANR}},
			}},
		},
	}
}

func stubReceiptSigner(bytes []byte) ([]byte, []byte, error) {
	return []byte("signature"), []byte("cert-der"), nil
}

func physicianCaller() Caller {
	return Caller{Role: RolePhysician, Subject: "physician-1", TelematikID: "physician-telematik-1"}
}

func pharmacyCaller() Caller {
	return Caller{Role: RolePharmacy, TelematikID: testPharmacyID}
}

// createAndActivate runs the first steps of S1: create a draft, then activate it into
// ready with a valid QES signature, returning the ready Task.
func createAndActivate(t *testing.T, e *Engine, verifier *qes.Verifier, signer *testSigner) *Task {
	t.Helper()
	created, err := e.Create(physicianCaller(), FlowTypeOutpatientInsured)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	caller := physicianCaller()
	caller.AccessCode = created.AccessCode
	cms := signer.sign(t, []byte("kbv-bundle-content"))

	verified, err := verifier.Verify(caller.TelematikID, cms)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}

	activated, err := e.Activate(caller, created.ID, testKBVBundle(), verified, cms)
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	return activated
}

func TestCreateRequiresPhysicianOrDentist(t *testing.T) {
	signer := newTestSigner(t)
	e, _ := newTestEngine(t, signer)

	_, err := e.Create(Caller{Role: RoleInsured}, FlowTypeOutpatientInsured)
	if err == nil {
		t.Fatal("expected insured caller to be denied Create")
	}
	apiErr, ok := apierror.As(err)
	if !ok || apiErr.Code != apierror.CodeAuthzDenied {
		t.Fatalf("expected CodeAuthzDenied, got %v", err)
	}
}

func TestCreateYieldsDraftWithAccessCode(t *testing.T) {
	signer := newTestSigner(t)
	e, _ := newTestEngine(t, signer)

	task, err := e.Create(physicianCaller(), FlowTypeOutpatientInsured)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if task.Status != StatusDraft {
		t.Fatalf("expected status draft, got %q", task.Status)
	}
	if len(task.AccessCode) != 64 {
		t.Fatalf("expected a 64-hex-digit access code, got %d chars", len(task.AccessCode))
	}
	if !ValidatePrescriptionID(task.ID) {
		t.Fatalf("expected a checksum-valid prescription ID, got %q", task.ID)
	}
}

func TestActivateTransitionsToReadyAndSetsPatient(t *testing.T) {
	signer := newTestSigner(t)
	e, verifier := newTestEngine(t, signer)

	activated := createAndActivate(t, e, verifier, signer)
	if activated.Status != StatusReady {
		t.Fatalf("expected status ready, got %q", activated.Status)
	}
	if activated.For != testKVNR {
		t.Fatalf("expected For %q, got %q", testKVNR, activated.For)
	}
}

func TestActivateRejectsWrongAccessCode(t *testing.T) {
	signer := newTestSigner(t)
	e, verifier := newTestEngine(t, signer)

	created, err := e.Create(physicianCaller(), FlowTypeOutpatientInsured)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	caller := physicianCaller()
	caller.AccessCode = "wrong-code"
	cms := signer.sign(t, []byte("kbv-bundle-content"))
	verified, err := verifier.Verify(caller.TelematikID, cms)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}

	_, err = e.Activate(caller, created.ID, testKBVBundle(), verified, cms)
	if err == nil {
		t.Fatal("expected activation with wrong access code to fail")
	}
	apiErr, ok := apierror.As(err)
	if !ok || apiErr.Code != apierror.CodeAuthzDenied {
		t.Fatalf("expected CodeAuthzDenied, got %v", err)
	}
}

// TestActivateRejectsInvalidQESSignature exercises the same verify step
// the HTTP handler runs ahead of Activate: an untrusted signer must fail
// at Verify, before Activate is ever reached.
func TestActivateRejectsInvalidQESSignature(t *testing.T) {
	signer := newTestSigner(t)
	untrusted := newTestSigner(t)
	_, verifier := newTestEngine(t, signer)

	cms := untrusted.sign(t, []byte("kbv-bundle-content"))

	_, err := verifier.Verify(physicianCaller().TelematikID, cms)
	if err == nil {
		t.Fatal("expected verification of an untrusted signer to fail")
	}
	apiErr, ok := apierror.As(err)
	if !ok || apiErr.Code != apierror.CodeQESInvalid {
		t.Fatalf("expected CodeQESInvalid, got %v", err)
	}
}

func TestActivateRefusesNonDraftTask(t *testing.T) {
	signer := newTestSigner(t)
	e, verifier := newTestEngine(t, signer)

	activated := createAndActivate(t, e, verifier, signer)

	caller := physicianCaller()
	caller.AccessCode = activated.AccessCode
	cms := signer.sign(t, []byte("kbv-bundle-content"))
	verified, err := verifier.Verify(caller.TelematikID, cms)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}

	_, err = e.Activate(caller, activated.ID, testKBVBundle(), verified, cms)
	if err == nil {
		t.Fatal("expected re-activating a ready task to conflict")
	}
	apiErr, ok := apierror.As(err)
	if !ok || apiErr.Code != apierror.CodeConflict {
		t.Fatalf("expected CodeConflict, got %v", err)
	}
}

func TestAcceptTransitionsToInProgressAndMintsSecret(t *testing.T) {
	signer := newTestSigner(t)
	e, verifier := newTestEngine(t, signer)

	activated := createAndActivate(t, e, verifier, signer)
	caller := pharmacyCaller()
	caller.AccessCode = activated.AccessCode

	accepted, secret, err := e.Accept(caller, activated.ID)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if accepted.Status != StatusInProgress {
		t.Fatalf("expected status in-progress, got %q", accepted.Status)
	}
	if len(secret) != 64 {
		t.Fatalf("expected a 64-hex-digit secret, got %d chars", len(secret))
	}
	if accepted.AcceptedBy != testPharmacyID {
		t.Fatalf("expected AcceptedBy %q, got %q", testPharmacyID, accepted.AcceptedBy)
	}
}

func TestAcceptRequiresPharmacyRole(t *testing.T) {
	signer := newTestSigner(t)
	e, verifier := newTestEngine(t, signer)

	activated := createAndActivate(t, e, verifier, signer)
	caller := physicianCaller()
	caller.AccessCode = activated.AccessCode

	_, _, err := e.Accept(caller, activated.ID)
	if err == nil {
		t.Fatal("expected a physician to be denied Accept")
	}
}

func TestRejectReturnsTaskToReady(t *testing.T) {
	signer := newTestSigner(t)
	e, verifier := newTestEngine(t, signer)

	activated := createAndActivate(t, e, verifier, signer)
	acceptCaller := pharmacyCaller()
	acceptCaller.AccessCode = activated.AccessCode
	_, secret, err := e.Accept(acceptCaller, activated.ID)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}

	rejectCaller := pharmacyCaller()
	rejectCaller.Secret = secret
	rejected, err := e.Reject(rejectCaller, activated.ID)
	if err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if rejected.Status != StatusReady {
		t.Fatalf("expected status ready after reject, got %q", rejected.Status)
	}
	if rejected.Secret != "" {
		t.Fatal("expected secret to be cleared after reject")
	}
}

func TestRejectRejectsWrongSecret(t *testing.T) {
	signer := newTestSigner(t)
	e, verifier := newTestEngine(t, signer)

	activated := createAndActivate(t, e, verifier, signer)
	acceptCaller := pharmacyCaller()
	acceptCaller.AccessCode = activated.AccessCode
	if _, _, err := e.Accept(acceptCaller, activated.ID); err != nil {
		t.Fatalf("Accept: %v", err)
	}

	rejectCaller := pharmacyCaller()
	rejectCaller.Secret = "wrong-secret"
	_, err := e.Reject(rejectCaller, activated.ID)
	if err == nil {
		t.Fatal("expected reject with wrong secret to fail")
	}
}

func TestCloseProducesSignedReceiptAndCompletes(t *testing.T) {
	signer := newTestSigner(t)
	e, verifier := newTestEngine(t, signer)

	activated := createAndActivate(t, e, verifier, signer)
	acceptCaller := pharmacyCaller()
	acceptCaller.AccessCode = activated.AccessCode
	_, secret, err := e.Accept(acceptCaller, activated.ID)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}

	closeCaller := pharmacyCaller()
	closeCaller.Secret = secret
	closed, err := e.Close(closeCaller, activated.ID, stubReceiptSigner)
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if closed.Status != StatusCompleted {
		t.Fatalf("expected status completed, got %q", closed.Status)
	}
	if closed.ReceiptBundle == nil {
		t.Fatal("expected a receipt bundle on close")
	}
	if closed.Secret != "" {
		t.Fatal("expected secret to be invalidated on close")
	}
	if len(closed.SignerCertificate()) == 0 {
		t.Fatal("expected a signer certificate on the receipt")
	}
}

func TestCloseRefusesBeforeAccept(t *testing.T) {
	signer := newTestSigner(t)
	e, verifier := newTestEngine(t, signer)

	activated := createAndActivate(t, e, verifier, signer)
	caller := pharmacyCaller()
	caller.Secret = "irrelevant"

	_, err := e.Close(caller, activated.ID, stubReceiptSigner)
	if err == nil {
		t.Fatal("expected close on a ready (not in-progress) task to fail")
	}
}

func TestAbortRoleMatrix(t *testing.T) {
	signer := newTestSigner(t)

	t.Run("insured may abort ready", func(t *testing.T) {
		e, verifier := newTestEngine(t, signer)
		activated := createAndActivate(t, e, verifier, signer)
		_, err := e.Abort(Caller{Role: RoleInsured, KVNR: activated.For}, activated.ID)
		if err != nil {
			t.Fatalf("expected insured abort of a ready task to succeed: %v", err)
		}
	})

	t.Run("pharmacy cannot abort a ready task", func(t *testing.T) {
		e, verifier := newTestEngine(t, signer)
		activated := createAndActivate(t, e, verifier, signer)
		_, err := e.Abort(Caller{Role: RolePharmacy, Secret: "anything"}, activated.ID)
		if err == nil {
			t.Fatal("expected pharmacy abort of a ready (not accepted) task to be denied")
		}
	})

	t.Run("cannot abort a completed task", func(t *testing.T) {
		e, verifier := newTestEngine(t, signer)
		activated := createAndActivate(t, e, verifier, signer)
		acceptCaller := pharmacyCaller()
		acceptCaller.AccessCode = activated.AccessCode
		_, secret, err := e.Accept(acceptCaller, activated.ID)
		if err != nil {
			t.Fatalf("Accept: %v", err)
		}
		closeCaller := pharmacyCaller()
		closeCaller.Secret = secret
		if _, err := e.Close(closeCaller, activated.ID, stubReceiptSigner); err != nil {
			t.Fatalf("Close: %v", err)
		}

		_, err = e.Abort(Caller{Role: RoleInsured, KVNR: activated.For}, activated.ID)
		if err == nil {
			t.Fatal("expected abort of a completed task to conflict")
		}
	})
}

func TestExpireOverdueCancelsPastExpiry(t *testing.T) {
	signer := newTestSigner(t)
	e, _ := newTestEngine(t, signer)

	created, err := e.Create(physicianCaller(), FlowTypeOutpatientInsured)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	future := created.ExpiryDate.Add(time.Second)
	n := e.ExpireOverdue(future)
	if n != 1 {
		t.Fatalf("expected 1 expired task, got %d", n)
	}

	got, err := e.GetTask(physicianCaller(), created.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != StatusCancelled {
		t.Fatalf("expected status cancelled after expiry, got %q", got.Status)
	}
}

func TestExpireOverdueAlsoExpiresCommunications(t *testing.T) {
	signer := newTestSigner(t)
	e, verifier := newTestEngine(t, signer)

	activated := createAndActivate(t, e, verifier, signer)
	comm, err := e.SendCommunication(pharmacyCaller().TelematikID, physicianCaller().Subject, activated.ID, []byte("hello"), nil)
	if err != nil {
		t.Fatalf("SendCommunication: %v", err)
	}

	future := comm.ExpiryDate.Add(time.Second)
	n := e.ExpireOverdue(future)
	if n < 1 {
		t.Fatalf("expected at least 1 expiry (the communication), got %d", n)
	}

	if _, err := e.GetCommunication(physicianCaller().Subject, comm.ID); err == nil {
		t.Fatal("expected the expired communication to have been removed")
	}
}

func TestSnapshotRestoreRoundTripsTasks(t *testing.T) {
	signer := newTestSigner(t)
	e, verifier := newTestEngine(t, signer)

	activated := createAndActivate(t, e, verifier, signer)
	snap := e.Snapshot()

	restored, _ := newTestEngine(t, signer)
	restored.Restore(snap)

	got, err := restored.GetTask(physicianCaller(), activated.ID)
	if err != nil {
		t.Fatalf("GetTask after restore: %v", err)
	}
	if got.Status != activated.Status || got.For != activated.For {
		t.Fatalf("expected restored task to match original, got %+v vs %+v", got, activated)
	}
}
