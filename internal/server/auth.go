package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"switchyard/internal/authctx"
	"switchyard/internal/engine"
)

type AuthConfig struct {
	JWTSecret string
	Issuer    string
	// AllowDevLogin exposes POST /auth/dev/login, which mints tokens without credentials.
	AllowDevLogin bool
}

// TokenClaims identify a program session. Subject is the program id.
type TokenClaims struct {
	jwt.RegisteredClaims
	Tenant       string   `json:"tenant"`
	Session      string   `json:"session,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// MintToken signs an HS256 token for program in tenant. A zero ttl never expires.
func MintToken(secret, issuer, tenant, program, session string, capabilities []string, ttl time.Duration, now time.Time) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	if tenant == "" || program == "" {
		return "", errors.New("tenant and program are required")
	}
	claims := TokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  program,
			Issuer:   issuer,
			IssuedAt: jwt.NewNumericDate(now),
		},
		Tenant:       tenant,
		Session:      session,
		Capabilities: capabilities,
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func authenticateJWT(token string, cfg AuthConfig) (*TokenClaims, error) {
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		return nil, errors.New("jwt secret not configured")
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	claims := &TokenClaims{}
	parsed, err := jwt.NewParser(opts...).ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(cfg.JWTSecret), nil
	})
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.Subject == "" || claims.Tenant == "" {
		return nil, errors.New("subject and tenant claims required")
	}
	return claims, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

// newAuthMiddleware attaches the caller for every API route except health, the
// OpenAPI document and dev login.
// The X-Session-Id header overrides the session claim so one token can serve several sessions.
func newAuthMiddleware(basePath string, cfg AuthConfig, e *engine.Engine, log zerolog.Logger) func(http.Handler) http.Handler {
	healthPath := path.Join(basePath, "health")
	devLoginPath := path.Join(basePath, "auth/dev/login")
	specPath := path.Join(basePath, "openapi.json")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			if req.URL.Path == healthPath || req.URL.Path == specPath || (cfg.AllowDevLogin && req.URL.Path == devLoginPath) {
				next.ServeHTTP(w, req)
				return
			}
			token, ok := bearerToken(strings.TrimSpace(req.Header.Get("Authorization")))
			if !ok {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
				return
			}
			claims, err := authenticateJWT(token, cfg)
			if err != nil {
				log.Debug().Err(err).Str("path", req.URL.Path).Msg("rejected token")
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
				return
			}
			session := claims.Session
			if h := strings.TrimSpace(req.Header.Get("X-Session-Id")); h != "" {
				session = h
			}
			caller := e.Caller(claims.Tenant, claims.Subject, session, claims.Capabilities)
			next.ServeHTTP(w, req.WithContext(authctx.With(req.Context(), caller)))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
