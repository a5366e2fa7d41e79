package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrNoToken is returned when the request carries no token.
	ErrNoToken = errors.New("no token found in context")

	// ErrInvalidToken is returned for tokens that fail verification.
	ErrInvalidToken = errors.New("invalid token")
)

// MinSigningKeyLength is the shortest accepted HMAC key.
const MinSigningKeyLength = 32

// Authenticator resolves the principal of the token in ctx.
type Authenticator interface {
	Authenticate(ctx context.Context) (*Principal, error)
}

// TokenConfig configures a TokenService.
type TokenConfig struct {
	// Issuer is written to and required in the iss claim.
	Issuer string

	// SigningKey is the HMAC key used to sign and verify tokens.
	SigningKey []byte
}

// Claims are the claims carried by client tokens.
type Claims struct {
	AccountID string `json:"account_id,omitempty"`
	ARN       string `json:"arn,omitempty"`
	jwt.RegisteredClaims
}

// TokenService issues and verifies HS256 client tokens.
type TokenService struct {
	cfg TokenConfig
	now func() time.Time
}

// NewTokenService creates a TokenService.
func NewTokenService(cfg TokenConfig) (*TokenService, error) {
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("token issuer is required")
	}
	if len(cfg.SigningKey) < MinSigningKeyLength {
		return nil, fmt.Errorf("token signing key must be at least %d bytes", MinSigningKeyLength)
	}
	return &TokenService{cfg: cfg, now: time.Now}, nil
}

// Issue signs a token for p that expires at p.ExpiresAt.
func (s *TokenService) Issue(p Principal) (string, error) {
	if p.Subject == "" {
		return "", fmt.Errorf("principal subject is required")
	}
	now := s.now()
	claims := Claims{
		AccountID: p.AccountID,
		ARN:       p.ARN,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.cfg.Issuer,
			Subject:   p.Subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(p.ExpiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.cfg.SigningKey)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// Authenticate verifies the token in ctx and returns its principal.
func (s *TokenService) Authenticate(ctx context.Context) (*Principal, error) {
	token := GetToken(ctx)
	if token == "" {
		return nil, ErrNoToken
	}
	return s.Verify(token)
}

// Verify checks the signature, algorithm, issuer and time claims of token.
func (s *TokenService) Verify(token string) (*Principal, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.cfg.SigningKey, nil
	},
		jwt.WithIssuer(s.cfg.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}

	return &Principal{
		Subject:   claims.Subject,
		AccountID: claims.AccountID,
		ARN:       claims.ARN,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// Verify interface compliance.
var _ Authenticator = (*TokenService)(nil)
