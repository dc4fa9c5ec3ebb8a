/*
Copyright 2026 The DeskGate Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package bearer implements the Credential Verifier (component C): it
// signs and verifies the short-lived bearer credential a browser
// client presents on a WebSocket upgrade. Two claim shapes share one
// envelope, discriminated by Kind: a long-lived user/session claim and
// a short-lived (one hour) per-VM display credential claim.
package bearer

import (
	"crypto"
	"fmt"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"gopkg.in/square/go-jose.v2"
	"gopkg.in/square/go-jose.v2/jwt"
)

// Kind discriminates the two Bearer Claim shapes described in the data
// model.
type Kind string

const (
	// KindSession carries {session-id, user-id} for long-lived user
	// credentials.
	KindSession Kind = "session"
	// KindVM carries {vm-id, upstream-token} for short-lived display
	// credentials, valid for at most VMClaimTTL.
	KindVM Kind = "vm"
)

// VMClaimTTL is the maximum validity window for a KindVM claim.
const VMClaimTTL = time.Hour

// Claims is the decoded payload of a verified bearer.
type Claims struct {
	jwt.Claims

	Kind Kind `json:"kind"`

	// Populated when Kind == KindSession.
	SessionID string `json:"session_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`

	// Populated when Kind == KindVM.
	VMID          string `json:"vm_id,omitempty"`
	UpstreamToken string `json:"upstream_token,omitempty"`
}

// Config configures a Key used to sign and verify bearer claims.
type Config struct {
	// Clock controls expiry evaluation; defaults to the real clock.
	Clock clockwork.Clock
	// PublicKey verifies a signed token.
	PublicKey crypto.PublicKey
	// PrivateKey signs (and, via its Public method, verifies) tokens.
	PrivateKey crypto.Signer
	// Algorithm is the JWS signature algorithm.
	Algorithm jose.SignatureAlgorithm
	// ClusterName is the issuer and audience embedded in every claim.
	ClusterName string
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.PrivateKey != nil {
		c.PublicKey = c.PrivateKey.Public()
	}
	if c.PrivateKey == nil && c.PublicKey == nil {
		return trace.BadParameter("public or private key is required")
	}
	if c.Algorithm == "" {
		return trace.BadParameter("algorithm is required")
	}
	if c.ClusterName == "" {
		return trace.BadParameter("cluster name is required")
	}
	return nil
}

// Key signs and verifies bearer claims.
type Key struct {
	config *Config
}

// New creates a Key from the given config.
func New(config *Config) (*Key, error) {
	if err := config.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Key{config: config}, nil
}

// SessionParams are the claims embedded in a KindSession bearer.
type SessionParams struct {
	SessionID string
	UserID    string
	Expires   time.Time
}

func (p *SessionParams) check() error {
	if p.SessionID == "" {
		return trace.BadParameter("session id missing")
	}
	if p.UserID == "" {
		return trace.BadParameter("user id missing")
	}
	if p.Expires.IsZero() {
		return trace.BadParameter("expires missing")
	}
	return nil
}

// VMParams are the claims embedded in a KindVM bearer.
type VMParams struct {
	VMID          string
	UpstreamToken string
	Expires       time.Time
}

func (p *VMParams) check(now time.Time) error {
	if p.VMID == "" {
		return trace.BadParameter("vm id missing")
	}
	if p.UpstreamToken == "" {
		return trace.BadParameter("upstream token missing")
	}
	if p.Expires.IsZero() {
		return trace.BadParameter("expires missing")
	}
	if p.Expires.Sub(now) > VMClaimTTL+time.Minute {
		return trace.BadParameter("vm claim ttl exceeds the %s maximum", VMClaimTTL)
	}
	return nil
}

// SignSession signs a long-lived user/session bearer.
func (k *Key) SignSession(p SessionParams) (string, error) {
	if err := p.check(); err != nil {
		return "", trace.Wrap(err)
	}
	return k.sign(Claims{
		Claims:    k.baseClaims(p.Expires),
		Kind:      KindSession,
		SessionID: p.SessionID,
		UserID:    p.UserID,
	})
}

// SignVM signs a short-lived per-VM display credential bearer.
func (k *Key) SignVM(p VMParams) (string, error) {
	if err := p.check(k.config.Clock.Now()); err != nil {
		return "", trace.Wrap(err)
	}
	return k.sign(Claims{
		Claims:        k.baseClaims(p.Expires),
		Kind:          KindVM,
		VMID:          p.VMID,
		UpstreamToken: p.UpstreamToken,
	})
}

func (k *Key) baseClaims(expires time.Time) jwt.Claims {
	now := k.config.Clock.Now()
	return jwt.Claims{
		Issuer:    k.config.ClusterName,
		Audience:  jwt.Audience{k.config.ClusterName},
		NotBefore: jwt.NewNumericDate(now.Add(-10 * time.Second)),
		IssuedAt:  jwt.NewNumericDate(now),
		Expiry:    jwt.NewNumericDate(expires),
	}
}

func (k *Key) sign(claims Claims) (string, error) {
	if k.config.PrivateKey == nil {
		return "", trace.BadParameter("cannot sign with a verify-only key")
	}
	signingKey := jose.SigningKey{Algorithm: k.config.Algorithm, Key: k.config.PrivateKey}
	sig, err := jose.NewSigner(signingKey, (&jose.SignerOptions{}).WithType("JWT"))
	if err != nil {
		return "", trace.Wrap(err)
	}
	token, err := jwt.Signed(sig).Claims(claims).CompactSerialize()
	if err != nil {
		return "", trace.Wrap(err)
	}
	return token, nil
}

// Expired is returned by Verify when the bearer's expiry has passed.
// ExpiresAt is carried for observability (logged, never returned to the
// client verbatim).
type Expired struct {
	ExpiresAt time.Time
}

func (e *Expired) Error() string {
	return fmt.Sprintf("bearer expired at %s", e.ExpiresAt.Format(time.RFC3339))
}

// Invalid is returned by Verify for a malformed or unparseable bearer.
type Invalid struct {
	Reason string
}

func (e *Invalid) Error() string {
	return fmt.Sprintf("invalid bearer: %s", e.Reason)
}

// Verify parses and validates a raw bearer token, returning its claims.
func (k *Key) Verify(rawToken string) (*Claims, error) {
	if rawToken == "" {
		return nil, &Invalid{Reason: "empty token"}
	}
	if k.config.PublicKey == nil {
		return nil, trace.BadParameter("cannot verify without a public key")
	}

	tok, err := jwt.ParseSigned(rawToken)
	if err != nil {
		return nil, &Invalid{Reason: err.Error()}
	}

	var claims Claims
	if err := tok.Claims(k.config.PublicKey, &claims); err != nil {
		return nil, &Invalid{Reason: err.Error()}
	}

	now := k.config.Clock.Now()
	expected := jwt.Expected{
		Issuer:   k.config.ClusterName,
		Audience: jwt.Audience{k.config.ClusterName},
		Time:     now,
	}
	if err := claims.Validate(expected); err != nil {
		if err == jwt.ErrExpired {
			return nil, &Expired{ExpiresAt: claims.Expiry.Time()}
		}
		return nil, &Invalid{Reason: err.Error()}
	}

	switch claims.Kind {
	case KindSession:
		if claims.SessionID == "" || claims.UserID == "" {
			return nil, &Invalid{Reason: "session claim missing session_id or user_id"}
		}
	case KindVM:
		if claims.VMID == "" || claims.UpstreamToken == "" {
			return nil, &Invalid{Reason: "vm claim missing vm_id or upstream_token"}
		}
	default:
		return nil, &Invalid{Reason: fmt.Sprintf("unknown claim kind %q", claims.Kind)}
	}

	return &claims, nil
}

// GenerateKeyPair is a convenience for tests and local development; the
// caller supplies the crypto.Signer themselves in production (loaded
// from BearerSigningKeyPath).
func GenerateKeyPair(signer crypto.Signer) (crypto.PublicKey, crypto.Signer) {
	return signer.Public(), signer
}
