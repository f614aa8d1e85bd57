// Package auth resolves the identity behind a signaling request.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/config"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrMissingIdentity    = errors.New("missing user identity")
)

const (
	HeaderUserID = "X-User-ID"
	HeaderAPIKey = "X-API-Key"

	// Browsers cannot set headers on WebSocket upgrades, so the inbox accepts
	// the same values as query parameters.
	QueryUserID = "userId"
	QueryAPIKey = "apiKey"
	QueryToken  = "token"
)

// Authenticator returns the user id a request acts as.
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

func New(cfg config.Config) (Authenticator, error) {
	switch cfg.AuthMode {
	case config.AuthModeNone:
		return HeaderIdentity{}, nil
	case config.AuthModeAPIKey:
		return apiKeyIdentity{verifier: APIKeyVerifier{Expected: cfg.APIKey}}, nil
	case config.AuthModeJWT:
		return jwtIdentity{verifier: NewJWTVerifier(cfg.JWTSecret, cfg.JWTIssuer)}, nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.AuthMode)
	}
}

// CredentialFromRequest reads a bearer token, an X-API-Key header, or the
// token/apiKey query parameters, in that order.
func CredentialFromRequest(r *http.Request) (string, error) {
	if h := strings.TrimSpace(r.Header.Get("Authorization")); h != "" {
		scheme, value, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") && strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value), nil
		}
	}
	if v := strings.TrimSpace(r.Header.Get(HeaderAPIKey)); v != "" {
		return v, nil
	}
	q := r.URL.Query()
	if v := q.Get(QueryToken); v != "" {
		return v, nil
	}
	if v := q.Get(QueryAPIKey); v != "" {
		return v, nil
	}
	return "", ErrMissingCredentials
}

func userIDFromRequest(r *http.Request) (string, error) {
	if v := strings.TrimSpace(r.Header.Get(HeaderUserID)); v != "" {
		return v, nil
	}
	if v := strings.TrimSpace(r.URL.Query().Get(QueryUserID)); v != "" {
		return v, nil
	}
	return "", ErrMissingIdentity
}

// HeaderIdentity trusts the caller-supplied user id. Development only.
type HeaderIdentity struct{}

func (HeaderIdentity) Authenticate(r *http.Request) (string, error) {
	return userIDFromRequest(r)
}

// apiKeyIdentity is for trusted backends that act on behalf of users: the key
// proves the backend, the user id header names the user.
type apiKeyIdentity struct {
	verifier APIKeyVerifier
}

func (a apiKeyIdentity) Authenticate(r *http.Request) (string, error) {
	cred, err := CredentialFromRequest(r)
	if err != nil {
		return "", err
	}
	if err := a.verifier.Verify(cred); err != nil {
		return "", err
	}
	return userIDFromRequest(r)
}

type jwtIdentity struct {
	verifier *JWTVerifier
}

func (a jwtIdentity) Authenticate(r *http.Request) (string, error) {
	cred, err := CredentialFromRequest(r)
	if err != nil {
		return "", err
	}
	claims, err := a.verifier.Verify(cred)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}
