package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"provisioner/internal/domain"
	"provisioner/internal/repo"
)

// RoleService marks a principal allowed to act on every project.
const RoleService = "service"

type Principal struct {
	ID      string
	Service bool
	Source  string
}

// ForbiddenError indicates the principal may not touch the project.
type ForbiddenError struct {
	PrincipalID string
	ProjectID   string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("principal %s may not access project %s", e.PrincipalID, e.ProjectID)
}

// CanAccess reports whether p owns the project or is a service principal.
func CanAccess(p Principal, project domain.Project) bool {
	return p.Service || (p.ID != "" && p.ID == project.OwnerID)
}

// Authorize returns ForbiddenError when CanAccess is false.
func Authorize(p Principal, project domain.Project) error {
	if !CanAccess(p, project) {
		return ForbiddenError{PrincipalID: p.ID, ProjectID: project.ID}
	}
	return nil
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

type claims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles,omitempty"`
}

// ParseJWT validates an HS256 token and returns its principal.
func ParseJWT(token, secret string) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	c := &claims{}
	parsed, err := parser.ParseWithClaims(token, c, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	if c.Subject == "" {
		return Principal{}, errors.New("subject claim required")
	}
	return Principal{ID: c.Subject, Service: slices.Contains(c.Roles, RoleService), Source: "jwt"}, nil
}

// SignJWT issues an HS256 token for subject. A zero ttl means no expiry.
func SignJWT(secret, subject string, service bool, ttl time.Duration) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	c := claims{RegisteredClaims: jwt.RegisteredClaims{Subject: subject, IssuedAt: jwt.NewNumericDate(time.Now())}}
	if ttl > 0 {
		c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(ttl))
	}
	if service {
		c.Roles = []string{RoleService}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte(secret))
}

// ParseAPIKey resolves a raw API key through its stored hash.
func ParseAPIKey(ctx context.Context, r repo.Repo, key string) (Principal, error) {
	if strings.TrimSpace(key) == "" {
		return Principal{}, errors.New("api key required")
	}
	k, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey(key))
	if err != nil {
		return Principal{}, err
	}
	if k.PrincipalID == "" {
		return Principal{}, errors.New("api key missing principal")
	}
	return Principal{ID: k.PrincipalID, Service: k.Service, Source: "api_key"}, nil
}
