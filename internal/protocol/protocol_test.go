package protocol

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"testing"

	"github.com/edgecoder/coordinator/pkg/models"
)

func testMessage() *models.MeshMessage {
	return &models.MeshMessage{
		ID:         "msg-1",
		Type:       models.MsgTaskOffer,
		FromPeerID: "peer-a",
		IssuedAtMs: 1700000000000,
		TTLMs:      30000,
		Payload:    json.RawMessage(`{"taskId":"t1","kind":"micro_loop"}`),
	}
}

func TestCanonicalMessage_FixedOrder(t *testing.T) {
	data, err := CanonicalMessage(testMessage())
	if err != nil {
		t.Fatalf("CanonicalMessage() error = %v", err)
	}
	want := `{"id":"msg-1","type":"task_offer","fromPeerId":"peer-a","issuedAtMs":1700000000000,"ttlMs":30000,"payload":{"taskId":"t1","kind":"micro_loop"}}`
	if string(data) != want {
		t.Errorf("CanonicalMessage() = %s, want %s", data, want)
	}
}

func TestCanonicalMessage_PayloadWhitespaceInsensitive(t *testing.T) {
	a := testMessage()
	b := testMessage()
	b.Payload = json.RawMessage("{ \"taskId\": \"t1\",\n  \"kind\": \"micro_loop\" }")

	ca, err := CanonicalMessage(a)
	if err != nil {
		t.Fatalf("CanonicalMessage(a) error = %v", err)
	}
	cb, err := CanonicalMessage(b)
	if err != nil {
		t.Fatalf("CanonicalMessage(b) error = %v", err)
	}
	if string(ca) != string(cb) {
		t.Errorf("Payload whitespace changed canonical bytes:\n%s\n%s", ca, cb)
	}
}

func TestSignMessage_SurvivesJSONRoundTrip(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	msg := testMessage()
	if err := SignMessage(msg, priv); err != nil {
		t.Fatalf("SignMessage() error = %v", err)
	}

	wire, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var decoded models.MeshMessage
	if err := json.Unmarshal(wire, &decoded); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}

	if !VerifyMessage(&decoded, pub) {
		t.Errorf("Signature did not survive a JSON round trip")
	}
}

func TestVerify_RejectsGarbage(t *testing.T) {
	pub, _, _ := ed25519.GenerateKey(nil)
	if Verify(pub, []byte("data"), "not base64!!") {
		t.Errorf("Expected malformed base64 signature to fail verification")
	}
	if Verify(pub, []byte("data"), "QUJD") { // valid base64, wrong length
		t.Errorf("Expected short signature to fail verification")
	}
}

func TestValidator_Lifecycle(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	v := NewValidator(16)
	now := int64(1700000000000)
	v.now = func() int64 { return now }

	msg := testMessage()
	if err := SignMessage(msg, priv); err != nil {
		t.Fatalf("SignMessage() error = %v", err)
	}

	if err := v.Validate(msg, KeyVerifier(pub)); err != nil {
		t.Fatalf("First Validate() error = %v, want nil", err)
	}
	if err := v.Validate(msg, KeyVerifier(pub)); KindOf(err) != KindDuplicateMessage {
		t.Errorf("Second Validate() kind = %v, want %v", KindOf(err), KindDuplicateMessage)
	}
}

func TestValidator_ExpiryBoundary(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)

	tests := []struct {
		name     string
		nowDelta int64 // now relative to issuedAt+ttl
		wantKind Kind
	}{
		{"exactly at expiry", 0, ""},
		{"one ms past expiry", 1, KindMessageExpired},
		{"well before expiry", -20000, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewValidator(16)
			msg := testMessage()
			if err := SignMessage(msg, priv); err != nil {
				t.Fatalf("SignMessage() error = %v", err)
			}
			v.now = func() int64 { return msg.ExpiresAtMs() + tt.nowDelta }

			err := v.Validate(msg, KeyVerifier(pub))
			if KindOf(err) != tt.wantKind {
				t.Errorf("Validate() kind = %q, want %q", KindOf(err), tt.wantKind)
			}
		})
	}
}

func TestValidator_ForgedMessageDoesNotPoisonDedup(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	_, wrongPriv, _ := ed25519.GenerateKey(nil)
	v := NewValidator(16)
	now := int64(1700000000000)
	v.now = func() int64 { return now }

	forged := testMessage()
	if err := SignMessage(forged, wrongPriv); err != nil {
		t.Fatalf("SignMessage() error = %v", err)
	}
	if err := v.Validate(forged, KeyVerifier(pub)); KindOf(err) != KindInvalidSignature {
		t.Fatalf("Forged Validate() kind = %v, want %v", KindOf(err), KindInvalidSignature)
	}

	// The same id from the real sender must still be accepted.
	legit := testMessage()
	if err := SignMessage(legit, priv); err != nil {
		t.Fatalf("SignMessage() error = %v", err)
	}
	if err := v.Validate(legit, KeyVerifier(pub)); err != nil {
		t.Errorf("Legitimate Validate() after forgery = %v, want nil", err)
	}
}

func TestValidator_TamperedPayloadFailsSignature(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	v := NewValidator(16)
	now := int64(1700000000000)
	v.now = func() int64 { return now }

	msg := testMessage()
	if err := SignMessage(msg, priv); err != nil {
		t.Fatalf("SignMessage() error = %v", err)
	}
	msg.Payload = json.RawMessage(`{"taskId":"t1","kind":"single_step"}`)

	if err := v.Validate(msg, KeyVerifier(pub)); KindOf(err) != KindInvalidSignature {
		t.Errorf("Validate() kind = %v, want %v", KindOf(err), KindInvalidSignature)
	}
}

func TestErrorKindMatching(t *testing.T) {
	err := Wrap(KindInsufficientCredits, errors.New("balance 3.0 < 10.0"))
	if !errors.Is(err, E(KindInsufficientCredits)) {
		t.Errorf("errors.Is failed to match identical kinds")
	}
	if errors.Is(err, E(KindNotFound)) {
		t.Errorf("errors.Is matched different kinds")
	}
	if KindOf(errors.New("plain")) != "" {
		t.Errorf("KindOf(plain error) should be empty")
	}
}
