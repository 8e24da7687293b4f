package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for any bearer token that fails verification.
var ErrInvalidToken = errors.New("auth: invalid token")

// Verifier checks HMAC-signed bearer tokens whose subject is the caller address.
type Verifier struct {
	secret    []byte
	issuer    string
	clockSkew time.Duration
}

// NewVerifier constructs a Verifier. An empty issuer disables the issuer check.
func NewVerifier(secret, issuer string, clockSkew time.Duration) (*Verifier, error) {
	if secret == "" {
		return nil, errors.New("auth secret not configured")
	}
	return &Verifier{secret: []byte(secret), issuer: issuer, clockSkew: clockSkew}, nil
}

// Verify parses tokenString and returns the caller address carried in "sub".
func (v *Verifier) Verify(tokenString string) (common.Address, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(v.clockSkew),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return common.Address{}, ErrInvalidToken
	}
	if !common.IsHexAddress(claims.Subject) {
		return common.Address{}, fmt.Errorf("%w: subject is not an address", ErrInvalidToken)
	}
	return common.HexToAddress(claims.Subject), nil
}

// Issue signs a token for subject valid for ttl.
func (v *Verifier) Issue(subject common.Address, ttl time.Duration, now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   subject.Hex(),
		Issuer:    v.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
