// Package accessctx mints and decodes the dev-only bearer token used to
// carry domain.AccessContext across process boundaries when nothing else
// in the core resolves tenant identity (spec §1: auth is an out-of-scope
// collaborator). It mirrors the HS256 claims shape the teacher's auth
// middleware verified, narrowed to the claims the core actually reads
// (sub, orgId, projectId, role).
package accessctx

import (
	"errors"
	"time"

	"github.com/cronkit/scheduler/internal/domain"
	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for any malformed, unsigned, or expired
// token, without distinguishing which — callers outside the core decide
// how to present that distinction to an end user.
var ErrInvalidToken = errors.New("invalid access token")

type claims struct {
	OrgID     string `json:"orgId"`
	ProjectID string `json:"projectId"`
	Role      string `json:"role"`
	jwt.RegisteredClaims
}

// Mint builds a short-lived HS256 token carrying access. Intended for dev
// tooling (cmd/seed) standing in for a real auth service's token issuance.
func Mint(access domain.AccessContext, key []byte, ttl time.Duration) (string, error) {
	now := time.Now()
	c := claims{
		OrgID:     access.OrgID,
		ProjectID: access.ProjectID,
		Role:      access.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   access.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return token.SignedString(key)
}

// Decode verifies rawToken and recovers the domain.AccessContext it
// carries.
func Decode(rawToken string, key []byte) (domain.AccessContext, error) {
	var c claims
	token, err := jwt.ParseWithClaims(rawToken, &c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return key, nil
	})
	if err != nil || !token.Valid {
		return domain.AccessContext{}, ErrInvalidToken
	}
	if c.Subject == "" || c.OrgID == "" {
		return domain.AccessContext{}, ErrInvalidToken
	}
	return domain.AccessContext{
		OrgID:     c.OrgID,
		UserID:    c.Subject,
		ProjectID: c.ProjectID,
		Role:      c.Role,
	}, nil
}
