package confirm

import (
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	svc, err := New("test-secret", 30*time.Minute)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	svc.Now = func() time.Time { return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC) }
	return svc
}

func TestNewRequiresSecret(t *testing.T) {
	if _, err := New("", time.Minute); err == nil {
		t.Fatalf("expected construction failure without secret")
	}
}

func TestGenerateDecodeRoundTrip(t *testing.T) {
	svc := newTestService(t)
	payload := map[string]any{"amount": 500, "booking_id": "B1"}
	token, expires, err := svc.Generate(payload, "admin-1")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if got, want := expires, svc.Now().Add(30*time.Minute); !got.Equal(want) {
		t.Fatalf("expires %v, want %v", got, want)
	}
	tok, err := svc.Decode(token)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	wantHash, err := PayloadHash(payload)
	if err != nil {
		t.Fatal(err)
	}
	if tok.PayloadHash != wantHash {
		t.Fatalf("payload hash %s, want %s", tok.PayloadHash, wantHash)
	}
	if tok.ActorID != "admin-1" {
		t.Fatalf("actor %s, want admin-1", tok.ActorID)
	}
	if tok.Payload["booking_id"] != "B1" {
		t.Fatalf("embedded payload lost: %v", tok.Payload)
	}
}

func TestPayloadHashIgnoresFieldOrder(t *testing.T) {
	a := map[string]any{"amount": 500, "booking_id": "B1", "meta": map[string]any{"x": 1, "y": 2}}
	b := map[string]any{"meta": map[string]any{"y": 2, "x": 1}, "booking_id": "B1", "amount": 500}
	ha, err := PayloadHash(a)
	if err != nil {
		t.Fatal(err)
	}
	hb, err := PayloadHash(b)
	if err != nil {
		t.Fatal(err)
	}
	if ha != hb {
		t.Fatalf("hash differs for identical payloads: %s vs %s", ha, hb)
	}
	c := map[string]any{"amount": 501, "booking_id": "B1", "meta": map[string]any{"x": 1, "y": 2}}
	hc, _ := PayloadHash(c)
	if ha == hc {
		t.Fatalf("hash identical for different payloads")
	}
}

func TestValidateBinding(t *testing.T) {
	svc := newTestService(t)
	payload := map[string]any{"amount": 50, "booking_id": "B1"}
	token, _, err := svc.Generate(payload, "admin-1")
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.Validate(token, payload, "admin-1"); err != nil {
		t.Fatalf("expected valid token: %v", err)
	}
	// Reordered but equal payload still validates.
	if err := svc.Validate(token, map[string]any{"booking_id": "B1", "amount": 50}, "admin-1"); err != nil {
		t.Fatalf("expected order-insensitive validation: %v", err)
	}
	// Approve $50, execute $500.
	err = svc.Validate(token, map[string]any{"amount": 500, "booking_id": "B1"}, "admin-1")
	if KindOf(err) != KindPayloadMismatch {
		t.Fatalf("expected payload_mismatch, got %v", err)
	}
	err = svc.Validate(token, payload, "admin-2")
	if KindOf(err) != KindActorMismatch {
		t.Fatalf("expected actor_mismatch, got %v", err)
	}
}

func TestValidateExpiry(t *testing.T) {
	svc := newTestService(t)
	payload := map[string]any{"amount": 500, "booking_id": "B1"}
	token, _, err := svc.Generate(payload, "admin-1")
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.Validate(token, payload, "admin-1"); err != nil {
		t.Fatalf("fresh token should validate: %v", err)
	}
	base := svc.Now()
	svc.Now = func() time.Time { return base.Add(31 * time.Minute) }
	err = svc.Validate(token, payload, "admin-1")
	if KindOf(err) != KindExpired {
		t.Fatalf("expected expired after 31m, got %v", err)
	}
}

func reencode(t *testing.T, tok Token) string {
	t.Helper()
	raw, err := json.Marshal(tok)
	if err != nil {
		t.Fatal(err)
	}
	return base64.RawURLEncoding.EncodeToString(raw)
}

func TestTamperDetection(t *testing.T) {
	svc := newTestService(t)
	payload := map[string]any{"amount": 500, "booking_id": "B1"}
	token, _, err := svc.Generate(payload, "admin-1")
	if err != nil {
		t.Fatal(err)
	}
	original, err := svc.Decode(token)
	if err != nil {
		t.Fatal(err)
	}
	mutations := map[string]func(Token) Token{
		"signature": func(tok Token) Token {
			b := []byte(tok.Signature)
			if b[0] == 'a' {
				b[0] = 'b'
			} else {
				b[0] = 'a'
			}
			tok.Signature = string(b)
			return tok
		},
		"payload_hash": func(tok Token) Token {
			b := []byte(tok.PayloadHash)
			if b[0] == 'a' {
				b[0] = 'b'
			} else {
				b[0] = 'a'
			}
			tok.PayloadHash = string(b)
			return tok
		},
		"actor_id": func(tok Token) Token {
			tok.ActorID = "admin-2"
			return tok
		},
		"expires_at": func(tok Token) Token {
			tok.ExpiresAt += 3600
			return tok
		},
	}
	for field, mutate := range mutations {
		tampered := reencode(t, mutate(original))
		err := svc.Validate(tampered, payload, "admin-1")
		if KindOf(err) != KindInvalidSignature {
			t.Fatalf("tampered %s: expected invalid_signature, got %v", field, err)
		}
	}
}

func TestSecretRotationInvalidatesTokens(t *testing.T) {
	svc := newTestService(t)
	payload := map[string]any{"amount": 500}
	token, _, err := svc.Generate(payload, "admin-1")
	if err != nil {
		t.Fatal(err)
	}
	rotated, err := New("rotated-secret", 30*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	rotated.Now = svc.Now
	err = rotated.Validate(token, payload, "admin-1")
	if KindOf(err) != KindInvalidSignature {
		t.Fatalf("expected invalid_signature after rotation, got %v", err)
	}
}

func TestDecodeInvalidFormat(t *testing.T) {
	svc := newTestService(t)
	cases := map[string]string{
		"not base64":     "!!not-a-token!!",
		"not an object":  base64.RawURLEncoding.EncodeToString([]byte(`"just a string"`)),
		"missing fields": base64.RawURLEncoding.EncodeToString([]byte(`{}`)),
	}
	for name, token := range cases {
		_, err := svc.Decode(token)
		if KindOf(err) != KindInvalidFormat {
			t.Fatalf("%s: expected invalid_format, got %v", name, err)
		}
	}
}
