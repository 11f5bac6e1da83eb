package mfa

import "testing"

// rfcKey is the 32-byte ASCII seed from RFC 6238 Appendix B for the
// HMAC-SHA-256 rows.
var rfcKey = []byte("12345678901234567890123456789012")

func TestTOTPRFCVector(t *testing.T) {
	// T = 59 → step 1 → 46119246 per the RFC table.
	code, err := NewTOTP8(rfcKey).GenerateAt(59)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if code != "46119246" {
		t.Fatalf("expected 46119246, got %s", code)
	}

	code6, err := NewTOTP6(rfcKey).GenerateAt(59)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if code6 != "119246" {
		t.Fatalf("expected 119246, got %s", code6)
	}
}

func TestTOTPAcceptOncePerStep(t *testing.T) {
	totp := NewTOTP6(rfcKey)

	var last uint64
	if !totp.Check("119246", 59, &last) {
		t.Fatal("valid code rejected")
	}
	if totp.Check("119246", 59, &last) {
		t.Fatal("code accepted twice at the same step")
	}
	// Nor one step later, while step 1 is still inside the skew window.
	if totp.Check("119246", 89, &last) {
		t.Fatal("code accepted twice within the skew window")
	}
}

func TestTOTPSkew(t *testing.T) {
	totp := NewTOTP6(rfcKey)

	// The step-1 code must be accepted one step later (skew backwards)…
	var last uint64
	if !totp.Check("119246", 75, &last) {
		t.Fatal("one-step-old code rejected")
	}
	if last != 1 {
		t.Fatalf("expected last step 1, got %d", last)
	}

	// …and the step-2 code accepted one step early (skew forward),
	// advancing last to the matched step.
	code, _ := totp.GenerateAt(75)
	last = 0
	if !totp.Check(code, 59, &last) {
		t.Fatal("one-step-future code rejected")
	}
	if last != 2 {
		t.Fatalf("expected last step 2, got %d", last)
	}
}

func TestTOTPRejectsWrongCode(t *testing.T) {
	totp := NewTOTP6(rfcKey)
	var last uint64
	if totp.Check("000000", 59, &last) {
		t.Fatal("wrong code accepted")
	}
	if last != 0 {
		t.Fatal("failed check must not advance the replay cursor")
	}
}

func TestTOTPReplayOrdering(t *testing.T) {
	totp := NewTOTP6(rfcKey)

	// Accept the current step, then refuse the previous step's code even
	// though it is within skew: last ≥ step.
	now := uint64(3030)
	current, _ := totp.GenerateAt(now)
	previous, _ := totp.GenerateAt(now - 30)

	var last uint64
	if !totp.Check(current, now, &last) {
		t.Fatal("current code rejected")
	}
	if totp.Check(previous, now, &last) {
		t.Fatal("older code accepted after a newer one")
	}
}
