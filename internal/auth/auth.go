// Package auth resolves API bearer tokens into scoped principals.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Scope grants access to one resource. A ":rw" scope on runners or jobs
// also grants the matching ":ro" scope.
type Scope string

const (
	ScopeAll       Scope = "*"
	RunnersRead    Scope = "runners:ro"
	RunnersWrite   Scope = "runners:rw"
	JobsRead       Scope = "jobs:ro"
	JobsWrite      Scope = "jobs:rw"
	SettingsWrite  Scope = "settings:rw"
	EventsRead     Scope = "events:ro"
	OperationsRead Scope = "operations:ro"
)

const (
	adminName    = "admin"
	bearerPrefix = "bearer "
)

var known = map[Scope]Scope{
	ScopeAll:       "",
	RunnersRead:    "",
	RunnersWrite:   RunnersRead,
	JobsRead:       "",
	JobsWrite:      JobsRead,
	SettingsWrite:  "",
	EventsRead:     "",
	OperationsRead: "",
}

// KnownScope reports whether s names a scope the API checks.
func KnownScope(s string) bool {
	_, ok := known[Scope(strings.TrimSpace(s))]
	return ok
}

var (
	ErrNoCredentials = errors.New("missing bearer token")
	ErrMalformed     = errors.New("authorization header must use the Bearer scheme")
	ErrUnknownToken  = errors.New("invalid API key")
)

// Token is a configured bearer secret and the scopes it carries.
type Token struct {
	Secret string
	Scopes []string
}

// Principal is an authenticated caller.
type Principal struct {
	// Name is "admin" or "token[i]" and is safe to log.
	Name   string
	scopes map[Scope]bool
}

// Allows reports whether p holds any of required. An empty list always
// passes.
func (p Principal) Allows(required ...Scope) bool {
	if len(required) == 0 || p.scopes[ScopeAll] {
		return true
	}
	for _, s := range required {
		if p.scopes[s] {
			return true
		}
	}
	return false
}

type keyEntry struct {
	secret    []byte
	principal Principal
}

// Keyring holds the admin key and scoped tokens. Empty secrets are never
// accepted.
type Keyring struct {
	entries []keyEntry
}

func NewKeyring(adminKey string, tokens []Token) *Keyring {
	k := &Keyring{}
	if adminKey != "" {
		k.entries = append(k.entries, keyEntry{
			secret:    []byte(adminKey),
			principal: Principal{Name: adminName, scopes: map[Scope]bool{ScopeAll: true}},
		})
	}
	for i, t := range tokens {
		if t.Secret == "" {
			continue
		}
		k.entries = append(k.entries, keyEntry{
			secret:    []byte(t.Secret),
			principal: Principal{Name: fmt.Sprintf("token[%d]", i), scopes: expand(t.Scopes)},
		})
	}
	return k
}

// Authenticate reads the Authorization header of r.
func (k *Keyring) Authenticate(r *http.Request) (Principal, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return Principal{}, ErrNoCredentials
	}
	if len(header) < len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return Principal{}, ErrMalformed
	}
	presented := strings.TrimSpace(header[len(bearerPrefix):])
	if presented == "" {
		return Principal{}, ErrNoCredentials
	}
	return k.Lookup(presented)
}

// Lookup compares presented against every secret in constant time per
// secret.
func (k *Keyring) Lookup(presented string) (Principal, error) {
	p := []byte(presented)
	for _, e := range k.entries {
		if subtle.ConstantTimeCompare(p, e.secret) == 1 {
			return e.principal, nil
		}
	}
	return Principal{}, ErrUnknownToken
}

func expand(scopes []string) map[Scope]bool {
	out := make(map[Scope]bool, len(scopes)*2)
	for _, raw := range scopes {
		s := Scope(strings.TrimSpace(raw))
		if s == "" {
			continue
		}
		out[s] = true
		if implied := known[s]; implied != "" {
			out[implied] = true
		}
	}
	return out
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}
