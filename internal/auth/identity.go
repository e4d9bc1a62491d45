// Package auth resolves the viewer behind an HTTP request. Identity is
// mocked: a ?as= query parameter names the viewer. When a signing secret is
// configured, a bearer token's subject takes precedence.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/example/workspace-sync/internal/types"
)

// Anonymous is the viewer of a request that named nobody.
const Anonymous types.ViewerID = "anon"

// ErrUnauthenticated is returned for a bearer token that fails verification.
var ErrUnauthenticated = errors.New("unauthenticated")

// Resolver maps requests to viewer ids.
type Resolver struct {
	secret []byte
	parser *gojwt.Parser
}

// NewResolver creates a resolver. An empty secret disables bearer tokens.
func NewResolver(secret string) *Resolver {
	return &Resolver{
		secret: []byte(secret),
		parser: gojwt.NewParser(gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()})),
	}
}

// Authenticate returns the viewer of r.
func (res *Resolver) Authenticate(r *http.Request) (types.ViewerID, error) {
	if raw, ok := bearer(r); ok && len(res.secret) > 0 {
		return res.verify(raw)
	}
	if as := strings.TrimSpace(r.URL.Query().Get("as")); as != "" {
		return types.ViewerID(as), nil
	}
	return Anonymous, nil
}

func (res *Resolver) verify(raw string) (types.ViewerID, error) {
	claims := &gojwt.RegisteredClaims{}
	token, err := res.parser.ParseWithClaims(raw, claims, func(*gojwt.Token) (any, error) {
		return res.secret, nil
	})
	if err != nil || !token.Valid {
		return "", fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: token has no subject", ErrUnauthenticated)
	}
	return types.ViewerID(claims.Subject), nil
}

// Issue signs a token for viewer. It is used by tooling and tests.
func (res *Resolver) Issue(viewer types.ViewerID, claims gojwt.RegisteredClaims) (string, error) {
	if len(res.secret) == 0 {
		return "", errors.New("no signing secret configured")
	}
	claims.Subject = string(viewer)
	return gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims).SignedString(res.secret)
}

func bearer(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return "", false
	}
	token := strings.TrimSpace(header[7:])
	return token, token != ""
}
