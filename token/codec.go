// Package token issues and verifies the signed, time-limited bearer tokens
// carried in the Authorization header or the jwt cookie.
//
// Tokens are HS256 JWTs whose claims are a copy of identity.Identity. They are
// never stored server-side: validity is a function of signature and expiry
// alone, so claims may lag behind the database until the token is re-issued.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/awnumar/memguard"
	"github.com/golang-jwt/jwt/v5"

	"github.com/jmcleod/dashgate/identity"
	"github.com/jmcleod/dashgate/internal/util"
)

const (
	// DefaultTTL is the bearer token lifetime.
	DefaultTTL = 30 * 24 * time.Hour
	// MinSecretLen is the minimum HS256 signing secret length in bytes.
	MinSecretLen = 32

	maxLeeway = 2 * time.Minute
)

var (
	// ErrInvalidCredential is the parent of every verification failure.
	ErrInvalidCredential = errors.New("invalid credential")
	// ErrExpiredToken is returned for a well-formed, correctly signed token
	// whose expiry has passed.
	ErrExpiredToken = fmt.Errorf("%w: token expired", ErrInvalidCredential)
	// ErrMalformedToken covers everything else: bad encoding, bad signature,
	// wrong algorithm or issuer, missing claims. Tampering and corruption are
	// deliberately indistinguishable.
	ErrMalformedToken = fmt.Errorf("%w: malformed token", ErrInvalidCredential)
)

// Config configures a Codec.
type Config struct {
	Secret []byte
	TTL    time.Duration
	Issuer string
	Leeway time.Duration
}

// Option configures optional Codec behavior.
type Option func(*Codec)

// WithClock overrides the time source used for issuing and verifying.
func WithClock(now func() time.Time) Option {
	return func(c *Codec) {
		c.now = now
	}
}

// Codec signs and verifies bearer tokens. It is safe for concurrent use.
type Codec struct {
	secret *memguard.Enclave
	ttl    time.Duration
	issuer string
	leeway time.Duration
	now    func() time.Time
}

type claims struct {
	UserID     string `json:"id"`
	Email      string `json:"email"`
	FullName   string `json:"fullName"`
	Tier       string `json:"tier"`
	IsVerified bool   `json:"isVerified"`
	jwt.RegisteredClaims
}

// NewCodec validates cfg and returns a Codec. The secret is copied into an
// encrypted memory enclave; the caller keeps ownership of cfg.Secret.
func NewCodec(cfg Config, opts ...Option) (*Codec, error) {
	if len(cfg.Secret) < MinSecretLen {
		return nil, fmt.Errorf("token secret must be at least %d bytes, got %d", MinSecretLen, len(cfg.Secret))
	}
	if cfg.TTL == 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.TTL < 0 {
		return nil, errors.New("token ttl must be positive")
	}
	if cfg.Leeway < 0 || cfg.Leeway > maxLeeway {
		return nil, fmt.Errorf("token leeway must be within [0, %s]", maxLeeway)
	}
	c := &Codec{
		// NewEnclave wipes its argument after sealing it.
		secret: memguard.NewEnclave(util.CopyBytes(cfg.Secret)),
		ttl:    cfg.TTL,
		issuer: cfg.Issuer,
		leeway: cfg.Leeway,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// TTL returns the default token lifetime.
func (c *Codec) TTL() time.Duration {
	return c.ttl
}

// Issue signs a token for id that expires after the configured TTL.
func (c *Codec) Issue(id identity.Identity) (string, error) {
	return c.IssueTTL(id, c.ttl)
}

// IssueTTL signs a token for id that expires after ttl.
func (c *Codec) IssueTTL(id identity.Identity, ttl time.Duration) (string, error) {
	if !id.Valid() {
		return "", errors.New("cannot issue token for identity without id")
	}
	if ttl <= 0 {
		return "", errors.New("token ttl must be positive")
	}
	now := c.now()
	cl := claims{
		UserID:     id.ID,
		Email:      id.Email,
		FullName:   id.FullName,
		Tier:       id.Tier,
		IsVerified: id.IsVerified,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.ID,
			Issuer:    c.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	key, err := c.secret.Open()
	if err != nil {
		return "", fmt.Errorf("opening signing secret: %w", err)
	}
	defer key.Destroy()

	return jwt.NewWithClaims(jwt.SigningMethodHS256, cl).SignedString(key.Bytes())
}

// Verify checks the signature and expiry of tok and returns its identity.
// Every failure wraps ErrInvalidCredential.
func (c *Codec) Verify(tok string) (identity.Identity, error) {
	if tok == "" {
		return identity.Identity{}, ErrMalformedToken
	}
	key, err := c.secret.Open()
	if err != nil {
		return identity.Identity{}, fmt.Errorf("opening signing secret: %w", err)
	}
	defer key.Destroy()

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	}
	if c.issuer != "" {
		opts = append(opts, jwt.WithIssuer(c.issuer))
	}
	if c.leeway > 0 {
		opts = append(opts, jwt.WithLeeway(c.leeway))
	}

	var cl claims
	_, err = jwt.ParseWithClaims(tok, &cl, func(*jwt.Token) (any, error) {
		return key.Bytes(), nil
	}, opts...)
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenExpired):
		return identity.Identity{}, ErrExpiredToken
	default:
		return identity.Identity{}, ErrMalformedToken
	}
	if cl.UserID == "" || cl.Subject != cl.UserID {
		return identity.Identity{}, ErrMalformedToken
	}
	return identity.Identity{
		ID:         cl.UserID,
		Email:      cl.Email,
		FullName:   cl.FullName,
		Tier:       cl.Tier,
		IsVerified: cl.IsVerified,
	}, nil
}
