package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/crystal-devs/rc-realtime/internal/errs"
)

// Claims carried by bearer tokens issued by the main API.
type Claims struct {
	Name       string `json:"name,omitempty"`
	MultiEvent bool   `json:"multi_event,omitempty"`
	jwt.RegisteredClaims
}

// Principal is the verified identity behind a bearer token.
type Principal struct {
	UserID      string
	DisplayName string
	MultiEvent  bool
}

// JWTVerifier validates HMAC-signed bearer tokens.
type JWTVerifier struct {
	secret []byte
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

// Verify checks the signature and expiry of token and returns its principal.
// Failures wrap errs.ErrCredentialInvalid.
func (v *JWTVerifier) Verify(token string) (Principal, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" || len(v.secret) == 0 {
		return Principal{}, errs.ErrCredentialInvalid
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Principal{}, fmt.Errorf("%w: token expired", errs.ErrCredentialInvalid)
		}
		return Principal{}, fmt.Errorf("%w: %v", errs.ErrCredentialInvalid, err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return Principal{}, errs.ErrCredentialInvalid
	}
	return Principal{
		UserID:      claims.Subject,
		DisplayName: claims.Name,
		MultiEvent:  claims.MultiEvent,
	}, nil
}

// Sign issues a token for userID. Used by the seed command and tests.
func (v *JWTVerifier) Sign(userID, name string, multiEvent bool, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		Name:       name,
		MultiEvent: multiEvent,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
