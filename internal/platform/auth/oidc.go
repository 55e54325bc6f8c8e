package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/shipyard-labs/shipyard-go/internal/platform/httpserver"
)

// loginCookie carries the pending login between /auth/login and /auth/callback.
const (
	loginCookie = "shipyard_workflows_login"
	loginTTL    = 10 * time.Minute
)

var errBadLoginCookie = errors.New("malformed login cookie")

// pendingLogin is the browser half of one authorization code exchange.
type pendingLogin struct {
	State    string `json:"s"`
	Verifier string `json:"v"`
	Nonce    string `json:"n"`
	ReturnTo string `json:"r"`
}

func newPendingLogin(returnTo string) (pendingLogin, error) {
	var values [3]string
	for i := range values {
		v, err := randomBase64URL(32)
		if err != nil {
			return pendingLogin{}, err
		}
		values[i] = v
	}
	return pendingLogin{State: values[0], Verifier: values[1], Nonce: values[2], ReturnTo: safeReturnTo(returnTo)}, nil
}

func (p pendingLogin) encode() (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func decodePendingLogin(value string) (pendingLogin, error) {
	raw, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return pendingLogin{}, errBadLoginCookie
	}
	var p pendingLogin
	if err := json.Unmarshal(raw, &p); err != nil {
		return pendingLogin{}, errBadLoginCookie
	}
	if p.State == "" || p.Verifier == "" || p.Nonce == "" {
		return pendingLogin{}, errBadLoginCookie
	}
	p.ReturnTo = safeReturnTo(p.ReturnTo)
	return p, nil
}

// OIDCService authenticates operators calling the workflows API, by bearer
// token or session cookie, and runs the PKCE browser login.
type OIDCService struct {
	cfg          Config
	logger       *slog.Logger
	verifier     *oidc.IDTokenVerifier
	oauth2Config oauth2.Config
}

type OIDCOption func(*OIDCService)

func WithOIDCLogger(logger *slog.Logger) OIDCOption {
	return func(s *OIDCService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func NewOIDCService(ctx context.Context, cfg Config, opts ...OIDCOption) (*OIDCService, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Mode != ModeOIDC {
		return nil, fmt.Errorf("auth mode must be oidc (got %q)", cfg.Mode)
	}

	provider, err := oidc.NewProvider(ctx, cfg.OIDCIssuerURL)
	if err != nil {
		return nil, fmt.Errorf("discover oidc issuer %s: %w", cfg.OIDCIssuerURL, err)
	}
	s := &OIDCService{
		cfg:      cfg,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		verifier: provider.Verifier(&oidc.Config{ClientID: cfg.OIDCClientID}),
		oauth2Config: oauth2.Config{
			ClientID:     cfg.OIDCClientID,
			ClientSecret: cfg.OIDCClientSecret,
			Endpoint:     provider.Endpoint(),
			RedirectURL:  cfg.OIDCRedirectURL,
			Scopes:       cfg.OIDCScopes,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *OIDCService) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	raw := tokenFromHeader(r)
	if raw == "" {
		raw = tokenFromCookie(r, s.cfg.SessionCookieName)
	}
	if raw == "" {
		return Identity{}, ErrUnauthenticated
	}
	return s.verify(ctx, raw, "")
}

// verify checks an ID token and, when nonce is set, that it answers this login.
func (s *OIDCService) verify(ctx context.Context, raw, nonce string) (Identity, error) {
	idToken, err := s.verifier.Verify(ctx, raw)
	if err != nil {
		return Identity{}, err
	}
	if nonce != "" && idToken.Nonce != nonce {
		return Identity{}, errors.New("id token nonce mismatch")
	}
	var claims map[string]any
	if err := idToken.Claims(&claims); err != nil {
		return Identity{}, err
	}
	return identityFromClaims(claims, s.cfg), nil
}

func identityFromClaims(claims map[string]any, cfg Config) Identity {
	subject, _ := claims["sub"].(string)
	email, _ := claims[cfg.EmailClaim].(string)
	if email == "" {
		email, _ = claims["preferred_username"].(string)
	}
	return Identity{
		Subject: subject,
		Email:   email,
		Roles:   extractRolesClaim(claims, cfg.RolesClaim),
	}
}

func (s *OIDCService) LoginHandler() (http.HandlerFunc, error) {
	if err := s.cfg.ValidateForLogin(); err != nil {
		return nil, err
	}

	return func(w http.ResponseWriter, r *http.Request) {
		login, err := newPendingLogin(r.URL.Query().Get("return_to"))
		if err != nil {
			s.loginFailed(w, r, http.StatusInternalServerError, "internal_error", err)
			return
		}
		value, err := login.encode()
		if err != nil {
			s.loginFailed(w, r, http.StatusInternalServerError, "internal_error", err)
			return
		}
		setCookie(w, loginCookie, value, loginTTL, s.cfg)

		redirectURL := s.oauth2Config.AuthCodeURL(
			login.State,
			oauth2.AccessTypeOnline,
			oauth2.S256ChallengeOption(login.Verifier),
			oauth2.SetAuthURLParam("nonce", login.Nonce),
		)
		http.Redirect(w, r, redirectURL, http.StatusFound)
	}, nil
}

func (s *OIDCService) CallbackHandler() (http.HandlerFunc, error) {
	if err := s.cfg.ValidateForLogin(); err != nil {
		return nil, err
	}

	return func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		if idpErr := query.Get("error"); idpErr != "" {
			s.loginFailed(w, r, http.StatusUnauthorized, "login_rejected", errors.New(idpErr))
			return
		}
		state, code := query.Get("state"), query.Get("code")
		if state == "" || code == "" {
			s.loginFailed(w, r, http.StatusBadRequest, "missing_code_or_state", nil)
			return
		}
		login, err := decodePendingLogin(tokenFromCookie(r, loginCookie))
		if err != nil {
			s.loginFailed(w, r, http.StatusBadRequest, "missing_login", err)
			return
		}
		if login.State != state {
			s.loginFailed(w, r, http.StatusBadRequest, "invalid_state", nil)
			return
		}

		exchangeCtx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()

		token, err := s.oauth2Config.Exchange(exchangeCtx, code, oauth2.VerifierOption(login.Verifier))
		if err != nil {
			s.loginFailed(w, r, http.StatusUnauthorized, "token_exchange_failed", err)
			return
		}
		rawIDToken, ok := token.Extra("id_token").(string)
		if !ok || rawIDToken == "" {
			s.loginFailed(w, r, http.StatusUnauthorized, "missing_id_token", nil)
			return
		}
		identity, err := s.verify(exchangeCtx, rawIDToken, login.Nonce)
		if err != nil {
			s.loginFailed(w, r, http.StatusUnauthorized, "invalid_id_token", err)
			return
		}

		setCookie(w, s.cfg.SessionCookieName, rawIDToken, s.cfg.SessionCookieMaxAge, s.cfg)
		clearCookie(w, loginCookie, s.cfg)
		s.logger.Info("operator signed in",
			"subject", identity.Subject,
			"email", identity.Email,
			"roles", identity.Roles,
			"request_id", requestID(r),
		)
		http.Redirect(w, r, login.ReturnTo, http.StatusFound)
	}, nil
}

func (s *OIDCService) LogoutHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clearCookie(w, s.cfg.SessionCookieName, s.cfg)
		clearCookie(w, loginCookie, s.cfg)
		httpserver.WriteJSON(w, http.StatusOK, map[string]any{"status": "signed_out"})
	}
}

func (s *OIDCService) loginFailed(w http.ResponseWriter, r *http.Request, status int, code string, err error) {
	attrs := []any{"reason", code, "status", status, "request_id", requestID(r)}
	if err != nil {
		attrs = append(attrs, "error", err.Error())
	}
	s.logger.Warn("operator login failed", attrs...)
	clearCookie(w, loginCookie, s.cfg)
	httpserver.WriteError(w, r, status, code)
}

func tokenFromHeader(r *http.Request) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func tokenFromCookie(r *http.Request, name string) string {
	cookie, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(cookie.Value)
}

func randomBase64URL(nBytes int) (string, error) {
	if nBytes <= 0 {
		return "", errors.New("nBytes must be positive")
	}
	buf := make([]byte, nBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// safeReturnTo only allows same-origin absolute paths.
func safeReturnTo(raw string) string {
	u, err := url.Parse(raw)
	if raw == "" || err != nil || u.IsAbs() || u.Host != "" {
		return "/"
	}
	if !strings.HasPrefix(u.Path, "/") || strings.HasPrefix(u.Path, "//") {
		return "/"
	}
	return u.Path
}

func clearCookie(w http.ResponseWriter, name string, cfg Config) {
	writeCookie(w, name, "", -1, cfg)
}

func setCookie(w http.ResponseWriter, name, value string, ttl time.Duration, cfg Config) {
	if ttl <= 0 {
		ttl = loginTTL
	}
	writeCookie(w, name, value, int(ttl.Seconds()), cfg)
}

func writeCookie(w http.ResponseWriter, name, value string, maxAge int, cfg Config) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   cfg.SessionCookieSecure,
		SameSite: cfg.sameSite(),
	})
}

func extractRolesClaim(claims map[string]any, key string) []string {
	switch typed := claims[key].(type) {
	case []any:
		roles := make([]string, 0, len(typed))
		for _, item := range typed {
			if s, ok := item.(string); ok {
				roles = append(roles, s)
			}
		}
		return normalizeRoles(roles)
	case []string:
		return normalizeRoles(typed)
	case string:
		return normalizeRoles(strings.Split(typed, ","))
	default:
		return nil
	}
}
