// Package turnrest issues short-lived coturn TURN REST credentials so call
// participants can reach a relay without a long-term TURN password.
//
//	username   = <unix_expiry>:<prefix>:<subject>
//	credential = base64(hmac_sha1(shared_secret, username))
//
// See https://datatracker.ietf.org/doc/html/draft-uberti-behave-turn-rest.
package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrMissingSecret  = errors.New("turnrest: shared secret is required")
	ErrInvalidTTL     = errors.New("turnrest: ttl must be > 0")
	ErrInvalidPrefix  = errors.New("turnrest: username prefix must be non-empty and must not contain ':'")
	ErrInvalidSubject = errors.New("turnrest: subject must be non-empty and must not contain ':'")
)

type Config struct {
	SharedSecret   string
	TTL            time.Duration
	UsernamePrefix string
	Now            func() time.Time
	// NewSubject is used by Issue when no subject is given. Defaults to a
	// random UUID.
	NewSubject func() string
}

type Credentials struct {
	Username   string    `json:"username"`
	Credential string    `json:"credential"`
	Expires    time.Time `json:"expires"`
}

type Generator struct {
	secret     []byte
	ttl        time.Duration
	prefix     string
	now        func() time.Time
	newSubject func() string
}

func New(cfg Config) (*Generator, error) {
	if cfg.SharedSecret == "" {
		return nil, ErrMissingSecret
	}
	if cfg.TTL < time.Second {
		return nil, ErrInvalidTTL
	}
	if cfg.UsernamePrefix == "" || strings.Contains(cfg.UsernamePrefix, ":") {
		return nil, ErrInvalidPrefix
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewSubject == nil {
		cfg.NewSubject = uuid.NewString
	}
	return &Generator{
		secret:     []byte(cfg.SharedSecret),
		ttl:        cfg.TTL,
		prefix:     cfg.UsernamePrefix,
		now:        cfg.Now,
		newSubject: cfg.NewSubject,
	}, nil
}

// Issue signs credentials for subject, typically the requesting user id. An
// empty subject gets a fresh random one.
func (g *Generator) Issue(subject string) (Credentials, error) {
	if subject == "" {
		subject = g.newSubject()
	}
	if subject == "" || strings.Contains(subject, ":") {
		return Credentials{}, ErrInvalidSubject
	}
	expires := g.now().UTC().Add(g.ttl).Truncate(time.Second)
	username := strconv.FormatInt(expires.Unix(), 10) + ":" + g.prefix + ":" + subject
	return Credentials{
		Username:   username,
		Credential: Sign(g.secret, username),
		Expires:    expires,
	}, nil
}

// Verify reports whether credential matches username and the embedded expiry
// is still in the future.
func (g *Generator) Verify(username, credential string) error {
	expiryRaw, _, ok := strings.Cut(username, ":")
	if !ok {
		return fmt.Errorf("turnrest: malformed username %q", username)
	}
	expiry, err := strconv.ParseInt(expiryRaw, 10, 64)
	if err != nil {
		return fmt.Errorf("turnrest: malformed expiry: %w", err)
	}
	if !hmac.Equal([]byte(Sign(g.secret, username)), []byte(credential)) {
		return errors.New("turnrest: credential mismatch")
	}
	if g.now().Unix() >= expiry {
		return errors.New("turnrest: credentials expired")
	}
	return nil
}

func Sign(secret []byte, username string) string {
	mac := hmac.New(sha1.New, secret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
