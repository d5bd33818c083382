// Package auth establishes the caller identity of a request.
package auth

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwt"

	"github.com/xiaot623/gogo/chatcore/internal/domain"
)

// ClientIDHeader carries a stable per-browser key for anonymous callers.
const ClientIDHeader = "X-Client-ID"

// TokenParam carries the bearer token where headers cannot be set, e.g. a
// browser websocket upgrade.
const TokenParam = "access_token"

// Authenticator verifies HS256 bearer tokens. Requests without a token get an
// anonymous identity when allowed.
type Authenticator struct {
	secret         []byte
	allowAnonymous bool
	now            func() time.Time
}

// New creates an Authenticator. An empty secret disables token verification,
// so every caller is anonymous.
func New(secret string, allowAnonymous bool) *Authenticator {
	return &Authenticator{
		secret:         []byte(secret),
		allowAnonymous: allowAnonymous,
		now:            time.Now,
	}
}

// Authenticate returns the identity of r.
func (a *Authenticator) Authenticate(r *http.Request) (domain.Identity, error) {
	token := bearer(r.Header.Get("Authorization"))
	if token == "" {
		token = r.URL.Query().Get(TokenParam)
	}
	if token == "" {
		if !a.allowAnonymous {
			return domain.Identity{}, fmt.Errorf("%w: missing bearer token", domain.ErrUnauthenticated)
		}
		return domain.Identity{ID: anonymousKey(r), Anonymous: true}, nil
	}
	if len(a.secret) == 0 {
		return domain.Identity{}, fmt.Errorf("%w: token verification is not configured", domain.ErrUnauthenticated)
	}
	sub, err := a.Verify(token)
	if err != nil {
		return domain.Identity{}, err
	}
	return domain.Identity{ID: sub}, nil
}

// Verify checks the signature and time claims of token and returns its subject.
func (a *Authenticator) Verify(token string) (string, error) {
	tok, err := jwt.ParseString(token,
		jwt.WithKey(jwa.HS256(), a.secret),
		jwt.WithValidate(true),
		jwt.WithClock(jwt.ClockFunc(a.now)),
		jwt.WithAcceptableSkew(30*time.Second),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrUnauthenticated, err)
	}
	sub, ok := tok.Subject()
	if !ok || sub == "" {
		return "", fmt.Errorf("%w: token has no subject", domain.ErrUnauthenticated)
	}
	return sub, nil
}

// Issue signs a token for subject valid for ttl. Used by the CLI and tests.
func (a *Authenticator) Issue(subject string, ttl time.Duration) (string, error) {
	if len(a.secret) == 0 {
		return "", errors.New("no signing secret configured")
	}
	now := a.now()
	tok, err := jwt.NewBuilder().
		Subject(subject).
		IssuedAt(now).
		Expiration(now.Add(ttl)).
		Build()
	if err != nil {
		return "", err
	}
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256(), a.secret))
	if err != nil {
		return "", err
	}
	return string(signed), nil
}

func bearer(header string) string {
	const prefix = "bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

func anonymousKey(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(ClientIDHeader)); id != "" {
		return "client:" + id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}
