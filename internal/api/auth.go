package api

import (
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Authenticator is the seam over the out-of-scope collaborators spec §1/§2
// name explicitly: JWT minting and credential validation against the
// host's shadow password database. This package only consumes the
// contract spec §6 describes (username/password in, opaque token plus
// owner identity out); it never implements the actual credential check.
type Authenticator interface {
	// Authenticate validates username/password and returns an opaque
	// session token bound to that owner.
	Authenticate(username, password string) (token string, err error)
	// Authorize resolves a previously issued token back to its owner.
	// Returns false if the token is absent, expired, or unknown.
	Authorize(token string) (owner string, ok bool)
}

// StaticAuthenticator is a minimal in-memory Authenticator for local
// development and tests: it trusts a fixed username/password table
// supplied at construction and mints random bearer tokens, mirroring the
// teacher's local_mode bypass in auth/middleware.go without reaching for
// the teacher's API-key-against-sqlite machinery this service has no
// equivalent schema for. Production deployments should supply their own
// Authenticator wired to the host's actual credential store.
type StaticAuthenticator struct {
	mu       sync.Mutex
	users    map[string]string // username -> password
	sessions map[string]string // token -> username
}

// NewStaticAuthenticator constructs a StaticAuthenticator over a fixed
// username/password table.
func NewStaticAuthenticator(users map[string]string) *StaticAuthenticator {
	return &StaticAuthenticator{
		users:    users,
		sessions: make(map[string]string),
	}
}

func (a *StaticAuthenticator) Authenticate(username, password string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	want, ok := a.users[username]
	if !ok || want != password {
		return "", errInvalidCredentials
	}
	token := "tok-" + uuid.New().String()
	a.sessions[token] = username
	return token, nil
}

func (a *StaticAuthenticator) Authorize(token string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	owner, ok := a.sessions[token]
	return owner, ok
}

var errInvalidCredentials = errors.New("api: invalid username or password")

// requireAuth is gin middleware enforcing a Bearer token resolved through
// Authenticator, grounded on the teacher's AuthMiddleware.Authenticate in
// internal/auth/middleware.go (Bearer-prefix parsing, c.Set of the
// resolved identity, c.Abort on failure), trimmed to the one identity
// this service needs: the owning username, not a whole user/admin model.
func requireAuth(authn Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			c.Abort()
			return
		}
		token := strings.TrimPrefix(header, "Bearer ")
		owner, ok := authn.Authorize(token)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			c.Abort()
			return
		}
		c.Set(ownerContextKey, owner)
		c.Next()
	}
}

const ownerContextKey = "owner"

func ownerFromContext(c *gin.Context) string {
	owner, _ := c.Get(ownerContextKey)
	s, _ := owner.(string)
	return s
}
