// Package jwtauth verifies JWT bearer tokens presented when a subscription
// connection is established. The token subject becomes the connection's caller
// identity.
package jwtauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"

	"github.com/ggoodman/subscription-transport-go/identity"
)

// ErrInsufficientScope indicates the token was valid but did not satisfy the
// required scopes policy.
var ErrInsufficientScope = errors.New("jwtauth: insufficient_scope")

// Config controls validation behavior for tokens.
type Config struct {
	Issuer string
	// ExpectedAudiences lists accepted audiences; a token must carry at least
	// one of them. Empty disables the audience check.
	ExpectedAudiences []string
	RequiredScopes    []string
	ScopeModeAny      bool // if true, any of RequiredScopes is sufficient; else all are required
	AllowedAlgs       []string
	Leeway            time.Duration
	// RequireAccessTokenType enforces the RFC 9068 "at+jwt" typ header.
	RequireAccessTokenType bool
}

// DefaultConfig returns a Config with safe defaults for algorithm and leeway.
func DefaultConfig() *Config {
	return &Config{
		AllowedAlgs: []string{"RS256"},
		Leeway:      60 * time.Second,
	}
}

type userInfo struct {
	sub    string
	claims map[string]any
}

func (u *userInfo) UserID() string { return u.sub }
func (u *userInfo) Claims(ref any) error {
	b, err := json.Marshal(u.claims)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}

// Authenticator validates signed JWTs against a key set.
type Authenticator struct {
	cfg     Config
	keyfunc jwt.Keyfunc
}

// NewStatic builds an Authenticator whose keys are fetched (and refreshed)
// from jwksURI.
func NewStatic(ctx context.Context, cfg *Config, jwksURI string) (*Authenticator, error) {
	if jwksURI == "" {
		return nil, errors.New("jwks uri required")
	}
	c, err := normalize(cfg)
	if err != nil {
		return nil, err
	}
	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURI})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}
	return newAuthenticator(c, kf), nil
}

// NewFromKeySet builds an Authenticator from an inline JWKS document.
func NewFromKeySet(cfg *Config, jwks json.RawMessage) (*Authenticator, error) {
	c, err := normalize(cfg)
	if err != nil {
		return nil, err
	}
	kf, err := keyfunc.NewJWKSetJSON(jwks)
	if err != nil {
		return nil, fmt.Errorf("jwks parse failed: %w", err)
	}
	return newAuthenticator(c, kf), nil
}

// NewFromDiscovery performs OIDC discovery against cfg.Issuer to locate the
// issuer's JWKS. The issuer advertised by discovery replaces cfg.Issuer.
func NewFromDiscovery(ctx context.Context, cfg *Config) (*Authenticator, error) {
	c, err := normalize(cfg)
	if err != nil {
		return nil, err
	}

	provider, err := oidc.NewProvider(ctx, c.Issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery failed: %w", err)
	}
	var meta struct {
		Issuer  string `json:"issuer"`
		JwksURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("invalid discovery metadata: %w", err)
	}
	if meta.JwksURI == "" {
		return nil, errors.New("discovery incomplete: missing jwks_uri")
	}
	if meta.Issuer != "" {
		c.Issuer = meta.Issuer
	}

	kf, err := keyfunc.NewDefaultCtx(ctx, []string{meta.JwksURI})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}
	return newAuthenticator(c, kf), nil
}

func normalize(cfg *Config) (Config, error) {
	if cfg == nil {
		return Config{}, errors.New("config is required")
	}
	if cfg.Issuer == "" {
		return Config{}, errors.New("issuer is required")
	}
	c := *cfg
	if len(c.AllowedAlgs) == 0 {
		c.AllowedAlgs = []string{"RS256"}
	}
	return c, nil
}

func newAuthenticator(cfg Config, kf keyfunc.Keyfunc) *Authenticator {
	return &Authenticator{cfg: cfg, keyfunc: func(t *jwt.Token) (any, error) {
		if !slices.Contains(cfg.AllowedAlgs, t.Method.Alg()) {
			return nil, fmt.Errorf("disallowed alg: %s", t.Method.Alg())
		}
		return kf.Keyfunc(t)
	}}
}

// CheckAuthentication implements identity.Authenticator.
func (a *Authenticator) CheckAuthentication(ctx context.Context, tok string) (identity.UserInfo, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", identity.ErrUnauthorized)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods(a.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(a.cfg.Issuer),
		jwt.WithLeeway(a.cfg.Leeway),
	)
	parsed, err := parser.Parse(tok, a.keyfunc)
	if err != nil {
		return nil, fmt.Errorf("%w: token parse/verify failed: %v", identity.ErrUnauthorized, err)
	}

	if a.cfg.RequireAccessTokenType {
		if typ, _ := parsed.Header["typ"].(string); typ != "at+jwt" && typ != "application/at+jwt" {
			return nil, fmt.Errorf("%w: invalid typ; want at+jwt", identity.ErrUnauthorized)
		}
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("invalid claims type")
	}

	if len(a.cfg.ExpectedAudiences) > 0 && !audIntersects(claims["aud"], a.cfg.ExpectedAudiences) {
		return nil, fmt.Errorf("%w: audience mismatch", identity.ErrUnauthorized)
	}

	if len(a.cfg.RequiredScopes) > 0 && !scopesSatisfied(claims["scope"], a.cfg.RequiredScopes, a.cfg.ScopeModeAny) {
		return nil, ErrInsufficientScope
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: missing sub", identity.ErrUnauthorized)
	}
	return &userInfo{sub: sub, claims: claims}, nil
}

func scopesSatisfied(raw any, required []string, anyOf bool) bool {
	scopeStr, _ := raw.(string)
	have := map[string]bool{}
	for _, s := range strings.Fields(scopeStr) {
		have[s] = true
	}
	for _, want := range required {
		if have[want] == anyOf {
			return anyOf
		}
	}
	return !anyOf
}

func audIntersects(aud any, wants []string) bool {
	switch v := aud.(type) {
	case string:
		return slices.Contains(wants, v)
	case []any:
		for _, e := range v {
			if s, ok := e.(string); ok && slices.Contains(wants, s) {
				return true
			}
		}
	case []string:
		for _, s := range v {
			if slices.Contains(wants, s) {
				return true
			}
		}
	}
	return false
}

var _ identity.Authenticator = (*Authenticator)(nil)
