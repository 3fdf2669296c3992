// Package token issues and verifies the short-lived connection credentials that authorize
// one transport handshake. Tokens are compact EdDSA JWTs, so the simulation server can
// verify them with the public key alone.
package token

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	netsyncerrors "github.com/sessamekesh/spanreed-netsync/pkg/errors"
)

// ConnectionToken binds a client identity to a server endpoint until ExpiresAt.
// Signature is the signed compact form; it is what travels in the handshake.
type ConnectionToken struct {
	ClientID       uint64
	ServerEndpoint string
	ProtocolID     uint64
	IssuedAt       time.Time
	ExpiresAt      time.Time
	Nonce          string
	Signature      string
}

type connectionClaims struct {
	jwt.RegisteredClaims
	ClientID       uint64 `json:"client_id"`
	ServerEndpoint string `json:"server_endpoint"`
	ProtocolID     uint64 `json:"protocol_id"`
}

type IssuerConfig struct {
	Issuer     string
	Audience   string
	Key        ed25519.PrivateKey
	TTL        time.Duration
	ProtocolID uint64
	Now        func() time.Time
}

type Issuer struct {
	cfg IssuerConfig
}

func NewIssuer(cfg IssuerConfig) (*Issuer, error) {
	if strings.TrimSpace(cfg.Issuer) == "" || strings.TrimSpace(cfg.Audience) == "" {
		return nil, errors.New("token issuer and audience are required")
	}
	if len(cfg.Key) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("token signing key must be %d bytes", ed25519.PrivateKeySize)
	}
	if cfg.TTL <= 0 {
		return nil, errors.New("token ttl must be positive")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Issuer{cfg: cfg}, nil
}

func (i *Issuer) PublicKey() ed25519.PublicKey {
	return i.cfg.Key.Public().(ed25519.PublicKey)
}

// Issue signs a new token for clientID against the given server endpoint.
func (i *Issuer) Issue(clientID uint64, serverEndpoint string) (ConnectionToken, error) {
	now := i.cfg.Now().UTC().Truncate(time.Second)
	expiresAt := now.Add(i.cfg.TTL)
	nonce := uuid.NewString()

	claims := connectionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.cfg.Issuer,
			Audience:  jwt.ClaimStrings{i.cfg.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        nonce,
		},
		ClientID:       clientID,
		ServerEndpoint: serverEndpoint,
		ProtocolID:     i.cfg.ProtocolID,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(i.cfg.Key)
	if err != nil {
		return ConnectionToken{}, fmt.Errorf("sign connection token: %w", err)
	}

	return ConnectionToken{
		ClientID:       clientID,
		ServerEndpoint: serverEndpoint,
		ProtocolID:     i.cfg.ProtocolID,
		IssuedAt:       now,
		ExpiresAt:      expiresAt,
		Nonce:          nonce,
		Signature:      signed,
	}, nil
}

// DecodeKey accepts raw or padded standard base64.
func DecodeKey(value string) ([]byte, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, errors.New("empty base64 value")
	}
	decoded, err := base64.RawStdEncoding.DecodeString(value)
	if err == nil {
		return decoded, nil
	}
	return base64.StdEncoding.DecodeString(value)
}

func invalid(reason string) error {
	return &netsyncerrors.TokenInvalid{Reason: reason}
}
