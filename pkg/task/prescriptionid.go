package task

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

const (
	blockCount  = 4
	digitsPerBlock = 3
)

// GeneratePrescriptionID mints a prescription ID of the form
// "<flow:3>.<b1:3>.<b2:3>.<b3:3>.<b4:3>.<check:2>" where the digit
// blocks are uniformly random and the trailing two digits are the
// ISO/IEC 7064 MOD 97-10 checksum over the preceding digit stream.
func GeneratePrescriptionID(flowType FlowType) (string, error) {
	digits := string(flowType)
	for i := 0; i < blockCount; i++ {
		block, err := randomDigits(digitsPerBlock)
		if err != nil {
			return "", fmt.Errorf("generate prescription ID block: %w", err)
		}
		digits += block
	}

	check, err := mod9710Checksum(digits)
	if err != nil {
		return "", err
	}

	return formatPrescriptionID(digits, check), nil
}

// formatPrescriptionID re-inserts the dot separators and appends the
// two-digit checksum.
func formatPrescriptionID(digits, check string) string {
	return fmt.Sprintf("%s.%s.%s.%s.%s.%s",
		digits[0:3], digits[3:6], digits[6:9], digits[9:12], digits[12:15], check)
}

// ValidatePrescriptionID reports whether id's trailing checksum is
// correct for its preceding digit stream.
func ValidatePrescriptionID(id string) bool {
	digits, check, ok := splitPrescriptionID(id)
	if !ok {
		return false
	}
	wantCheck, err := mod9710Checksum(digits)
	if err != nil {
		return false
	}
	return wantCheck == check
}

// splitPrescriptionID strips the dot separators from id, returning the
// 15-digit stream and 2-digit checksum.
func splitPrescriptionID(id string) (digits, check string, ok bool) {
	stripped := ""
	for _, r := range id {
		if r == '.' {
			continue
		}
		if r < '0' || r > '9' {
			return "", "", false
		}
		stripped += string(r)
	}
	if len(stripped) != blockCount*digitsPerBlock+3+2 {
		return "", "", false
	}
	return stripped[:len(stripped)-2], stripped[len(stripped)-2:], true
}

// mod9710Checksum computes the ISO/IEC 7064 MOD 97-10 check digits for a
// numeral digit string: 98 - ((digits * 100) mod 97), zero-padded to two
// digits. No library in the reference corpus implements this checksum,
// so it is computed directly against math/big.
func mod9710Checksum(digits string) (string, error) {
	n, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return "", fmt.Errorf("invalid digit stream %q", digits)
	}
	n.Mul(n, big.NewInt(100))
	n.Mod(n, big.NewInt(97))
	check := 98 - n.Int64()
	return fmt.Sprintf("%02d", check), nil
}

// randomDigits returns n uniformly-random decimal digits from a
// cryptographic RNG.
func randomDigits(n int) (string, error) {
	out := make([]byte, n)
	max := big.NewInt(10)
	for i := range out {
		d, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		out[i] = byte('0') + byte(d.Int64())
	}
	return string(out), nil
}
