// Package confirm mints and validates the signed, payload-bound tokens that
// gate execution of sensitive operations. A token binds one actor to one set
// of canonicalized operation parameters for a fixed, policy-set lifetime.
package confirm

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strconv"
	"time"
)

// Kind identifies a token validation failure. Callers branch on kinds,
// never on message text.
type Kind string

const (
	KindInvalidFormat    Kind = "invalid_format"
	KindPayloadMismatch  Kind = "payload_mismatch"
	KindActorMismatch    Kind = "actor_mismatch"
	KindExpired          Kind = "expired"
	KindInvalidSignature Kind = "invalid_signature"
)

// Error is a typed token failure.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string { return e.Message }

// KindOf returns the token error kind, or "" for other errors.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}

// Token is the decoded confirmation token. It is transient: never persisted,
// carried by the caller between preview and execute. The raw payload is
// embedded so execute needs no second round trip.
type Token struct {
	PayloadHash string         `json:"payload_hash"`
	ActorID     string         `json:"actor_id"`
	IssuedAt    int64          `json:"issued_at"`
	ExpiresAt   int64          `json:"expires_at"`
	Signature   string         `json:"signature"`
	Payload     map[string]any `json:"payload"`
}

// DefaultTTL is the policy lifetime of a token; callers cannot extend it.
const DefaultTTL = 30 * time.Minute

// Service signs and validates confirmation tokens.
type Service struct {
	secret []byte
	ttl    time.Duration
	Now    func() time.Time
}

// New builds a Service around an explicitly resolved signing secret.
// It refuses to construct without one: a token service that signs with an
// empty key would accept forged tokens.
func New(secret string, ttl time.Duration) (*Service, error) {
	if secret == "" {
		return nil, errors.New("confirm: signing secret required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Service{secret: []byte(secret), ttl: ttl, Now: time.Now}, nil
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// TTL returns the fixed policy lifetime.
func (s *Service) TTL() time.Duration { return s.ttl }

// Generate mints a token binding the canonicalized payload and actor.
func (s *Service) Generate(payload map[string]any, actorID string) (string, time.Time, error) {
	hash, err := PayloadHash(payload)
	if err != nil {
		return "", time.Time{}, err
	}
	now := s.now().UTC()
	expires := now.Add(s.ttl)
	tok := Token{
		PayloadHash: hash,
		ActorID:     actorID,
		IssuedAt:    now.Unix(),
		ExpiresAt:   expires.Unix(),
		Signature:   s.sign(hash, actorID, expires.Unix()),
		Payload:     payload,
	}
	raw, err := json.Marshal(tok)
	if err != nil {
		return "", time.Time{}, err
	}
	return base64.RawURLEncoding.EncodeToString(raw), expires, nil
}

// Decode parses a token string without validating it.
func (s *Service) Decode(token string) (Token, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Token{}, &Error{Kind: KindInvalidFormat, Message: "confirm token is not decodable"}
	}
	var tok Token
	if err := json.Unmarshal(raw, &tok); err != nil {
		return Token{}, &Error{Kind: KindInvalidFormat, Message: "confirm token is not a structured object"}
	}
	if tok.PayloadHash == "" || tok.ActorID == "" || tok.Signature == "" || tok.ExpiresAt == 0 {
		return Token{}, &Error{Kind: KindInvalidFormat, Message: "confirm token missing required fields"}
	}
	return tok, nil
}

// Validate checks a token against the parameters being executed right now.
// Checks run in a fixed order: expiry first (a stale token is reported as
// expired regardless of signature), then signature over the decoded fields
// (any bit-flip in a bound field surfaces as invalid_signature), then the
// supplied payload and actor against what was approved.
func (s *Service) Validate(token string, payload map[string]any, actorID string) error {
	tok, err := s.Decode(token)
	if err != nil {
		return err
	}
	if s.now().UTC().Unix() > tok.ExpiresAt {
		return &Error{Kind: KindExpired, Message: "confirm token expired; run preview again"}
	}
	expected := s.sign(tok.PayloadHash, tok.ActorID, tok.ExpiresAt)
	if !hmac.Equal([]byte(expected), []byte(tok.Signature)) {
		return &Error{Kind: KindInvalidSignature, Message: "confirm token signature mismatch"}
	}
	hash, err := PayloadHash(payload)
	if err != nil {
		return err
	}
	if hash != tok.PayloadHash {
		return &Error{Kind: KindPayloadMismatch, Message: "execution parameters differ from the approved preview"}
	}
	if actorID != tok.ActorID {
		return &Error{Kind: KindActorMismatch, Message: "confirm token was issued to a different actor"}
	}
	return nil
}

func (s *Service) sign(payloadHash, actorID string, expiresAt int64) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(payloadHash))
	mac.Write([]byte{'|'})
	mac.Write([]byte(actorID))
	mac.Write([]byte{'|'})
	mac.Write([]byte(strconv.FormatInt(expiresAt, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

// PayloadHash digests the canonical form of the payload. The payload is
// round-tripped through JSON so the digest depends only on JSON semantics:
// keys sorted at every level, numbers normalized, insertion order irrelevant.
func PayloadHash(payload map[string]any) (string, error) {
	canonical, err := canonicalJSON(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

func canonicalJSON(payload map[string]any) ([]byte, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var norm any
	if err := json.Unmarshal(raw, &norm); err != nil {
		return nil, err
	}
	return json.Marshal(norm)
}
