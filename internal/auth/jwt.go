// Package auth validates the signed bearer tokens the SocketGateway receives
// on handshake (§4.8). The core only validates tokens against a shared HS256
// secret; issuing tokens is the authentication service's job (§1 non-goals).
//
// Grounded on the orchestrator's internal/auth.JWTManager: same
// jwt.ParseWithClaims/HS256 validation shape, narrowed to the single claim
// set a chat session actually needs (userId) instead of the tenant/role/scope
// claims the orchestrator's HTTP API carries.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/chatcore/messaging-core/internal/merrors"
)

// Claims is the payload a valid bearer token carries. UserID binds the
// socket session to a participant identity.
type Claims struct {
	jwt.RegisteredClaims
	UserID string `json:"userId"`
}

// Validator validates signed bearer tokens against a shared HS256 secret.
type Validator struct {
	secret []byte
	issuer string
}

// NewValidator builds a Validator. secret must be non-empty; an empty secret
// would make every signature check vacuously pass.
func NewValidator(secret, issuer string) *Validator {
	return &Validator{secret: []byte(secret), issuer: issuer}
}

// Validate parses and verifies tokenString, returning its claims (UserID is
// the bound userId). Any failure (bad signature, wrong algorithm, expired,
// wrong issuer, missing userId claim) is reported as merrors.KindAuth,
// matching §7's AuthError kind.
func (v *Validator) Validate(tokenString string) (Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return Claims{}, merrors.New(merrors.KindAuth, "auth.Validate", fmt.Errorf("%w: %v", merrors.ErrTokenInvalid, err))
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return Claims{}, merrors.New(merrors.KindAuth, "auth.Validate", merrors.ErrTokenInvalid)
	}
	if v.issuer != "" && claims.Issuer != v.issuer {
		return Claims{}, merrors.New(merrors.KindAuth, "auth.Validate", fmt.Errorf("%w: issuer mismatch", merrors.ErrTokenInvalid))
	}
	if claims.UserID == "" {
		return Claims{}, merrors.New(merrors.KindAuth, "auth.Validate", fmt.Errorf("%w: missing userId claim", merrors.ErrTokenInvalid))
	}
	return *claims, nil
}

// Issue mints a bearer token for userId, used by tests and local bootstrap
// standing in for the external authentication service.
func (v *Validator) Issue(userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		UserID: userID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
