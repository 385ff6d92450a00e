package auth

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingCredential = errors.New("missing credential")
	ErrExpired           = errors.New("credential expired")
	ErrInvalid           = errors.New("credential invalid")
	ErrUnknownUser       = errors.New("unknown user")
)

// Identity is what a verified bearer credential asserts.
type Identity struct {
	UserID uint64
	Role   string
}

// Verifier resolves a bearer credential. It fails with ErrExpired or ErrInvalid.
type Verifier interface {
	Verify(credential string) (Identity, error)
}

type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier checks HS256 tokens whose subject is the numeric user id.
type JWTVerifier struct {
	secret []byte
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

func (v *JWTVerifier) Verify(credential string) (Identity, error) {
	if credential == "" {
		return Identity{}, ErrMissingCredential
	}
	token, err := jwt.ParseWithClaims(credential, &Claims{}, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrExpired
		}
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return Identity{}, ErrInvalid
	}
	uid, err := strconv.ParseUint(claims.Subject, 10, 64)
	if err != nil || uid == 0 {
		return Identity{}, fmt.Errorf("%w: bad subject", ErrInvalid)
	}
	return Identity{UserID: uid, Role: claims.Role}, nil
}

// SignJWT issues a token for userID. Issuance belongs to the user service;
// this exists for local tooling and tests.
func SignJWT(userID uint64, role, secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatUint(userID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
