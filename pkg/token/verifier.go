package token

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type VerifierConfig struct {
	Issuer     string
	Audience   string
	Key        ed25519.PublicKey
	ProtocolID uint64
	// When set, tokens must be bound to this endpoint.
	ServerEndpoint string
	Now            func() time.Time
}

// Verifier validates handshake tokens. It holds no per-client state beyond the set of
// consumed nonces, which only lives until each token would have expired anyway.
type Verifier struct {
	cfg VerifierConfig

	mut_consumed sync.Mutex
	consumed     map[string]time.Time
}

func NewVerifier(cfg VerifierConfig) (*Verifier, error) {
	if cfg.Issuer == "" || cfg.Audience == "" {
		return nil, errors.New("token verifier issuer and audience are required")
	}
	if len(cfg.Key) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("token verification key must be %d bytes", ed25519.PublicKeySize)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Verifier{
		cfg:      cfg,
		consumed: make(map[string]time.Time),
	}, nil
}

// Verify checks the token and consumes it. A second Verify of the same token fails.
func (v *Verifier) Verify(raw []byte) (ConnectionToken, error) {
	tok, err := v.Inspect(raw)
	if err != nil {
		return ConnectionToken{}, err
	}

	v.mut_consumed.Lock()
	defer v.mut_consumed.Unlock()

	now := v.cfg.Now()
	for nonce, exp := range v.consumed {
		if !exp.After(now) {
			delete(v.consumed, nonce)
		}
	}
	if _, used := v.consumed[tok.Nonce]; used {
		return ConnectionToken{}, invalid("token already used")
	}
	v.consumed[tok.Nonce] = tok.ExpiresAt

	return tok, nil
}

// Inspect validates a token without consuming it.
func (v *Verifier) Inspect(raw []byte) (ConnectionToken, error) {
	if len(raw) == 0 {
		return ConnectionToken{}, invalid("token is required")
	}

	var parsed connectionClaims
	_, err := jwt.ParseWithClaims(string(raw), &parsed, func(token *jwt.Token) (any, error) {
		return v.cfg.Key, nil
	},
		jwt.WithValidMethods([]string{"EdDSA"}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return ConnectionToken{}, mapJWTError(err)
	}

	if parsed.ExpiresAt == nil {
		return ConnectionToken{}, invalid("token exp is required")
	}
	now := v.cfg.Now().UTC()
	exp := parsed.ExpiresAt.Time.UTC()
	if !exp.After(now) {
		return ConnectionToken{}, invalid("token is expired")
	}
	if parsed.Issuer != v.cfg.Issuer {
		return ConnectionToken{}, invalid("issuer mismatch")
	}
	if !slices.Contains(parsed.Audience, v.cfg.Audience) {
		return ConnectionToken{}, invalid("audience mismatch")
	}
	if parsed.ID == "" {
		return ConnectionToken{}, invalid("token jti is required")
	}
	if parsed.ProtocolID != v.cfg.ProtocolID {
		return ConnectionToken{}, invalid(fmt.Sprintf("protocol mismatch (got %d)", parsed.ProtocolID))
	}
	if v.cfg.ServerEndpoint != "" && parsed.ServerEndpoint != v.cfg.ServerEndpoint {
		return ConnectionToken{}, invalid("token is bound to a different server")
	}

	var issuedAt time.Time
	if parsed.IssuedAt != nil {
		issuedAt = parsed.IssuedAt.Time.UTC()
	}

	return ConnectionToken{
		ClientID:       parsed.ClientID,
		ServerEndpoint: parsed.ServerEndpoint,
		ProtocolID:     parsed.ProtocolID,
		IssuedAt:       issuedAt,
		ExpiresAt:      exp,
		Nonce:          parsed.ID,
		Signature:      string(raw),
	}, nil
}

func mapJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return invalid("token is malformed")
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return invalid("token signature is invalid")
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return invalid("token is unverifiable")
	}
	return invalid(err.Error())
}
