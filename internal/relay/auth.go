package relay

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/example/tree-sync-engine/internal/types"
)

// ErrUnauthenticated is returned for a request without a valid token.
var ErrUnauthenticated = errors.New("missing or invalid token")

// Identity is an authenticated participant. Document is set when the token
// is scoped to one document.
type Identity struct {
	Client   types.ClientID
	Document types.DocumentID
}

// Authenticator verifies the inbound HTTP request before the connection is
// upgraded to WebSocket.
type Authenticator interface {
	Authenticate(r *http.Request) (Identity, error)
}

// AuthFunc is an adapter to allow the use of ordinary functions as authenticators.
type AuthFunc func(r *http.Request) (Identity, error)

// Authenticate implements Authenticator.
func (f AuthFunc) Authenticate(r *http.Request) (Identity, error) {
	return f(r)
}

type claims struct {
	Document string `json:"doc,omitempty"`
	jwt.RegisteredClaims
}

// JWTAuthenticator accepts HS256 tokens whose subject is the client id. The
// token is read from a bearer Authorization header or the token query
// parameter.
type JWTAuthenticator struct {
	secret []byte
	parser *jwt.Parser
}

// NewJWTAuthenticator builds an authenticator for tokens signed with secret.
func NewJWTAuthenticator(secret []byte) *JWTAuthenticator {
	return &JWTAuthenticator{
		secret: secret,
		parser: jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})),
	}
}

// Authenticate implements Authenticator.
func (a *JWTAuthenticator) Authenticate(r *http.Request) (Identity, error) {
	raw := r.URL.Query().Get("token")
	if header := r.Header.Get("Authorization"); header != "" {
		bearer, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			return Identity{}, fmt.Errorf("%w: unsupported authorization scheme", ErrUnauthenticated)
		}
		raw = bearer
	}
	if raw == "" {
		return Identity{}, ErrUnauthenticated
	}

	var c claims
	if _, err := a.parser.ParseWithClaims(raw, &c, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}); err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if c.Subject == "" {
		return Identity{}, fmt.Errorf("%w: token has no subject", ErrUnauthenticated)
	}
	return Identity{Client: types.ClientID(c.Subject), Document: types.DocumentID(c.Document)}, nil
}

// IssueToken signs an HS256 token for client. doc may be empty for a token
// valid on every document; a zero ttl issues a token without expiry.
func IssueToken(secret []byte, client types.ClientID, doc types.DocumentID, ttl time.Duration) (string, error) {
	now := time.Now()
	c := claims{
		Document: string(doc),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  string(client),
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl != 0 {
		c.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(secret)
}
