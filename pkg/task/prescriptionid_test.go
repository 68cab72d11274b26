package task

import "testing"

func TestGeneratePrescriptionIDChecksumValidates(t *testing.T) {
	for i := 0; i < 50; i++ {
		id, err := GeneratePrescriptionID(FlowTypeOutpatientInsured)
		if err != nil {
			t.Fatalf("GeneratePrescriptionID: %v", err)
		}
		if !ValidatePrescriptionID(id) {
			t.Fatalf("generated prescription ID %q failed checksum validation", id)
		}
	}
}

func TestGeneratePrescriptionIDFormat(t *testing.T) {
	id, err := GeneratePrescriptionID(FlowTypeOutpatientInsured)
	if err != nil {
		t.Fatalf("GeneratePrescriptionID: %v", err)
	}
	if len(id) != 22 { // 5 blocks of 3 digits + 1 check block of 2 + 5 dot separators
		t.Fatalf("expected 22-character prescription ID, got %d: %q", len(id), id)
	}
	digits, check, ok := splitPrescriptionID(id)
	if !ok {
		t.Fatalf("failed to split generated id %q", id)
	}
	if len(digits) != 15 {
		t.Fatalf("expected 15 preceding digits, got %d", len(digits))
	}
	if len(check) != 2 {
		t.Fatalf("expected 2 check digits, got %d", len(check))
	}
	if id[:3] != string(FlowTypeOutpatientInsured) {
		t.Fatalf("expected flow type prefix %q, got %q", FlowTypeOutpatientInsured, id[:3])
	}
}

func TestValidatePrescriptionIDRejectsTamperedChecksum(t *testing.T) {
	id, err := GeneratePrescriptionID(FlowTypeOutpatientInsured)
	if err != nil {
		t.Fatalf("GeneratePrescriptionID: %v", err)
	}
	tampered := []rune(id)
	last := len(tampered) - 1
	if tampered[last] == '9' {
		tampered[last] = '0'
	} else {
		tampered[last]++
	}
	if ValidatePrescriptionID(string(tampered)) {
		t.Fatal("expected tampered checksum to fail validation")
	}
}

func TestValidatePrescriptionIDRejectsMalformedInput(t *testing.T) {
	if ValidatePrescriptionID("not-an-id") {
		t.Fatal("expected malformed input to fail validation")
	}
}
