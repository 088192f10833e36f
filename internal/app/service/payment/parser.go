package payment

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fatflowers/pointsledger/pkg/config"
	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrUnsignedPayload is returned when a signing secret is configured
	// but the body carries no signed payload.
	ErrUnsignedPayload = errors.New("unsigned webhook payload rejected")
	// ErrBadSignature is returned when the JWS does not verify.
	ErrBadSignature = errors.New("webhook signature verification failed")
)

// signedEnvelope is the gateway's webhook body shape when signing is
// enabled: the event travels as a compact HS256 JWS.
type signedEnvelope struct {
	SignedPayload string `json:"signed_payload"`
}

type eventClaims struct {
	Event
	jwt.RegisteredClaims
}

// ParsePayload turns a raw webhook body into an Event. With a signing
// secret configured, only signed envelopes are accepted; without one
// (dev) a plain JSON event body is allowed too.
func ParsePayload(cfg *config.Config, body []byte) (*Event, error) {
	var envelope signedEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.SignedPayload != "" {
		return parseSigned(cfg.Webhook.SigningSecret, envelope.SignedPayload)
	}

	if cfg.Webhook.SigningSecret != "" {
		return nil, ErrUnsignedPayload
	}

	var evt Event
	if err := json.Unmarshal(body, &evt); err != nil {
		return nil, fmt.Errorf("failed to decode event payload: %w", err)
	}
	return &evt, nil
}

func parseSigned(secret, payload string) (*Event, error) {
	if secret == "" {
		return nil, fmt.Errorf("%w: no signing secret configured", ErrBadSignature)
	}
	var claims eventClaims
	token, err := jwt.ParseWithClaims(payload, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if !token.Valid {
		return nil, ErrBadSignature
	}
	return &claims.Event, nil
}
