// Package auth issues and validates the bearer tokens that carry a caller's
// identity.
package auth

import (
	"time"

	"github.com/azizikri/token-faucet/internal/domain"
	"github.com/cockroachdb/errors"
	"github.com/golang-jwt/jwt/v5"
)

const (
	Issuer = "token-faucet"

	minSecretLength = 32
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrWeakSecret   = errors.Newf("jwt secret must be at least %d bytes", minSecretLength)
)

// Claims binds a token to one faucet identity through the subject claim.
type Claims struct {
	jwt.RegisteredClaims
}

// TokenManager signs and verifies HS256 identity tokens.
type TokenManager struct {
	secret []byte
	expiry time.Duration
	now    func() time.Time
}

func NewTokenManager(secret string, expiry time.Duration) (*TokenManager, error) {
	if len(secret) < minSecretLength {
		return nil, ErrWeakSecret
	}
	if expiry <= 0 {
		expiry = 15 * time.Minute
	}
	return &TokenManager{
		secret: []byte(secret),
		expiry: expiry,
		now:    time.Now,
	}, nil
}

// GenerateToken returns a signed token whose subject is the normalized
// identity.
func (m *TokenManager) GenerateToken(identity string) (string, error) {
	identity, err := domain.NormalizeIdentity(identity)
	if err != nil {
		return "", err
	}

	now := m.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity,
			Issuer:    Issuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(m.expiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", errors.Wrap(err, "sign token")
	}
	return signed, nil
}

// ValidateToken verifies signature, issuer and expiry and returns the
// identity the token was issued for.
func (m *TokenManager) ValidateToken(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Newf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	},
		jwt.WithIssuer(Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return "", errors.Mark(errors.Wrap(err, "invalid token"), ErrInvalidToken)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return "", ErrInvalidToken
	}

	identity, err := domain.NormalizeIdentity(claims.Subject)
	if err != nil {
		return "", errors.Mark(errors.Wrap(err, "token subject"), ErrInvalidToken)
	}
	return identity, nil
}
