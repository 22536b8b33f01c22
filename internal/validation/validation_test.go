package validation

import "testing"

func TestIsValidAccountID(t *testing.T) {
	valid := []string{"acc_0123456789abcdef01234567"}
	invalid := []string{"", "acc_", "acc_XYZ", "txn_0123456789abcdef01234567", "acc_0123456789abcdef0123456"}

	for _, id := range valid {
		if !IsValidAccountID(id) {
			t.Errorf("expected %q to be valid", id)
		}
	}
	for _, id := range invalid {
		if IsValidAccountID(id) {
			t.Errorf("expected %q to be invalid", id)
		}
	}
}

func TestIsValidTransactionID(t *testing.T) {
	valid := []string{"txn_0123456789abcdef01234567"}
	invalid := []string{"", "txn_", "txn_XYZ", "acc_0123456789abcdef01234567", "txn_0123456789abcdef0123456"}

	for _, id := range valid {
		if !IsValidTransactionID(id) {
			t.Errorf("expected %q to be valid", id)
		}
	}
	for _, id := range invalid {
		if IsValidTransactionID(id) {
			t.Errorf("expected %q to be invalid", id)
		}
	}
}

func TestIsValidExternalRef(t *testing.T) {
	valid := []string{"R1", "order-2024-00123", "a_b-C9"}
	invalid := []string{"", "has space", "semi;colon", string(make([]byte, 65))}

	for _, ref := range valid {
		if !IsValidExternalRef(ref) {
			t.Errorf("expected %q to be valid", ref)
		}
	}
	for _, ref := range invalid {
		if IsValidExternalRef(ref) {
			t.Errorf("expected %q to be invalid", ref)
		}
	}
}

func TestIsValidSubscriber(t *testing.T) {
	if !IsValidSubscriber("9876543210") {
		t.Error("expected 9876543210 to be valid")
	}
	for _, n := range []string{"1234567890", "98765", "98765432101", "98765abc10"} {
		if IsValidSubscriber(n) {
			t.Errorf("expected %q to be invalid", n)
		}
	}
}

func TestIsValidCode(t *testing.T) {
	if !IsValidCode("AIRTEL") || !IsValidCode("MSEB01") {
		t.Error("expected operator codes to be valid")
	}
	for _, c := range []string{"", "a", "airtel", "TOO-LONG-CODE-WITH-DASHES"} {
		if IsValidCode(c) {
			t.Errorf("expected %q to be invalid", c)
		}
	}
}

func TestSanitizeString(t *testing.T) {
	if got := SanitizeString("  hi\x00there  ", 100); got != "hithere" {
		t.Errorf("SanitizeString = %q", got)
	}
	if got := SanitizeString("abcdef", 3); got != "abc" {
		t.Errorf("SanitizeString length cap = %q", got)
	}
}
