// Package identity builds the engine's model.ClientIdentity from externally
// verified credentials: bearer JWT claims (already signature-checked by an
// upstream gateway or this process's own middleware) and SPIFFE/SPIRE
// workload identities for internal service-to-service calls.
package identity

import (
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ocx/broker/internal/mb/model"
)

// FromBearerClaims builds a ClientIdentity from a verified JWT's claims,
// normalizing the issuer into identity_string's second field: "://" and "."
// are both replaced with "_" so the identity string stays a single
// semicolon-delimited token with no embedded scheme separators.
func FromBearerClaims(claims jwt.MapClaims, local bool) (model.ClientIdentity, error) {
	iss, _ := claims["iss"].(string)
	sub, _ := claims["sub"].(string)
	if iss == "" || sub == "" {
		return model.ClientIdentity{}, fmt.Errorf("bearer claims missing iss or sub")
	}

	normalizedIss := normalizeIssuer(iss)
	idString := model.NewIdentityString(normalizedIss, sub)

	asMap := make(map[string]any, len(claims))
	for k, v := range claims {
		asMap[k] = v
	}
	return model.NewBearerIdentity(asMap, local, idString), nil
}

func normalizeIssuer(iss string) string {
	r := strings.NewReplacer("://", "_", ".", "_")
	return r.Replace(iss)
}

// BearerAuthenticator verifies bearer tokens against a configured key and
// turns their claims into a ClientIdentity. keyFunc resolves the signing
// key per-token (by kid, issuer, etc.), exactly as golang-jwt/jwt/v5 expects.
type BearerAuthenticator struct {
	keyFunc jwt.Keyfunc
}

// NewBearerAuthenticator returns an authenticator using keyFunc to resolve
// each token's verification key.
func NewBearerAuthenticator(keyFunc jwt.Keyfunc) *BearerAuthenticator {
	return &BearerAuthenticator{keyFunc: keyFunc}
}

// Authenticate verifies tokenString's signature and expiry, then builds a
// ClientIdentity from its claims.
func (a *BearerAuthenticator) Authenticate(tokenString string) (model.ClientIdentity, error) {
	token, err := jwt.Parse(tokenString, a.keyFunc, jwt.WithValidMethods([]string{"RS256", "ES256", "HS256"}))
	if err != nil {
		return model.ClientIdentity{}, fmt.Errorf("verify bearer token: %w", err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return model.ClientIdentity{}, fmt.Errorf("bearer token is not valid")
	}
	return FromBearerClaims(claims, false)
}
