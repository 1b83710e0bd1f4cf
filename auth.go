package sandboxd

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/banksean/sandboxd/config"
	"github.com/banksean/sandboxd/store"
)

const bcryptCost = 12

type userCtxKey struct{}

// UserFromContext returns the authenticated user injected by the auth
// gate, or nil.
func UserFromContext(ctx context.Context) *store.User {
	u, _ := ctx.Value(userCtxKey{}).(*store.User)
	return u
}

// ContextWithUser returns ctx carrying u as the authenticated user.
func ContextWithUser(ctx context.Context, u *store.User) context.Context {
	return context.WithValue(ctx, userCtxKey{}, u)
}

// AuthGate resolves caller identity for every request: bearer JWT first,
// then X-API-Key header, then the api_key query parameter. With the gate
// disabled it injects a fixed root user unconditionally.
type AuthGate struct {
	cfg   *config.Config
	store *store.Store

	publicPaths   []string
	publicRegexes []*regexp.Regexp
}

func NewAuthGate(cfg *config.Config, st *store.Store) *AuthGate {
	patterns := []string{
		`^/$`,
		`^/index\.html$`,
		`^/assets/.*`,
	}
	regexes := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		regexes = append(regexes, regexp.MustCompile(p))
	}
	return &AuthGate{
		cfg:   cfg,
		store: st,
		publicPaths: []string{
			"/api/register",
			"/api/token",
			"/docs",
			"/static/",
			"/favicon.ico",
			"/health",
		},
		publicRegexes: regexes,
	}
}

// Middleware enforces authentication on protected routes. OPTIONS requests
// pass through for CORS preflight.
func (g *AuthGate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		if !g.cfg.Auth.RequireAuth {
			root := &store.User{
				ID:       g.cfg.Auth.DefaultUserID,
				Username: "root",
				IsActive: true,
			}
			next.ServeHTTP(w, r.WithContext(ContextWithUser(r.Context(), root)))
			return
		}
		if g.isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		user := g.authenticate(r)
		if user == nil {
			w.Header().Set("WWW-Authenticate", "Bearer")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"detail": "Authentication required"})
			return
		}
		next.ServeHTTP(w, r.WithContext(ContextWithUser(r.Context(), user)))
	})
}

func (g *AuthGate) isPublicPath(path string) bool {
	for _, p := range g.publicPaths {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	for _, re := range g.publicRegexes {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

// authenticate tries each credential source in order; the first that
// resolves to an active user wins.
func (g *AuthGate) authenticate(r *http.Request) *store.User {
	ctx := r.Context()
	if authz := r.Header.Get("Authorization"); strings.HasPrefix(authz, "Bearer ") {
		if u := g.authenticateJWT(ctx, strings.TrimPrefix(authz, "Bearer ")); u != nil {
			return u
		}
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		if u := g.authenticateAPIKey(ctx, key); u != nil {
			return u
		}
	}
	if key := r.URL.Query().Get("api_key"); key != "" {
		if u := g.authenticateAPIKey(ctx, key); u != nil {
			return u
		}
	}
	return nil
}

func (g *AuthGate) authenticateJWT(ctx context.Context, tokenStr string) *store.User {
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		return []byte(g.cfg.Auth.SecretKey), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return nil
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil
	}
	user, err := g.store.GetUserByUsername(ctx, sub)
	if err != nil {
		slog.ErrorContext(ctx, "AuthGate.authenticateJWT", "error", err)
		return nil
	}
	if user == nil || !user.IsActive {
		return nil
	}
	return user
}

func (g *AuthGate) authenticateAPIKey(ctx context.Context, apiKey string) *store.User {
	user, err := g.store.GetUserByAPIKey(ctx, apiKey)
	if err != nil {
		slog.ErrorContext(ctx, "AuthGate.authenticateAPIKey", "error", err)
		return nil
	}
	if user == nil || !user.IsActive {
		return nil
	}
	return user
}

// IssueToken mints an HS256 JWT with the username as subject.
func (g *AuthGate) IssueToken(username string) (string, error) {
	expiry := time.Duration(g.cfg.Auth.TokenExpireMin) * time.Minute
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": username,
		"exp": jwt.NewNumericDate(time.Now().Add(expiry)),
	})
	return token.SignedString([]byte(g.cfg.Auth.SecretKey))
}

// Authenticate verifies a username/password pair against the store.
func (g *AuthGate) Authenticate(ctx context.Context, username, password string) (*store.User, error) {
	user, err := g.store.GetUserByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, nil
	}
	if bcrypt.CompareHashAndPassword([]byte(user.HashedPassword), []byte(password)) != nil {
		return nil, nil
	}
	return user, nil
}

// HashPassword hashes a password for storage.
func HashPassword(password string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hashed), nil
}

const apiKeyAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// GenerateAPIKey draws 32 alphanumeric characters from a cryptographically
// secure source.
func GenerateAPIKey() (string, error) {
	var sb strings.Builder
	for i := 0; i < 32; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(apiKeyAlphabet))))
		if err != nil {
			return "", err
		}
		sb.WriteByte(apiKeyAlphabet[n.Int64()])
	}
	return sb.String(), nil
}
