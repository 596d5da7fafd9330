package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinic/clinic/internal/platform/apperr"
)

const (
	RolePatient = "patient"
	RoleDoctor  = "doctor"
	RoleAdmin   = "admin"
)

var validRoles = map[string]bool{
	RolePatient: true, RoleDoctor: true, RoleAdmin: true,
}

func ValidRole(role string) bool { return validRoles[role] }

type contextKey string

const IdentityKey contextKey = "identity"

// Identity is the authenticated caller. Every core operation trusts it.
type Identity struct {
	UserID uuid.UUID
	Role   string
}

func (id Identity) IsAdmin() bool { return id.Role == RoleAdmin }

type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

type JWTConfig struct {
	Issuer     string
	Audience   string
	SigningKey []byte
}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, IdentityKey, id)
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(IdentityKey).(Identity)
	return id, ok
}

// IssueToken signs an HS256 token for id. Used by the seed command and tests.
func IssueToken(cfg JWTConfig, id Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID.String(),
			Issuer:    cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role: id.Role,
	}
	if cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{cfg.Audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(cfg.SigningKey)
}

// ParseToken validates tokenStr and returns the identity it carries.
func ParseToken(cfg JWTConfig, tokenStr string) (Identity, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"})}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		return cfg.SigningKey, nil
	}, opts...)
	if err != nil || !token.Valid {
		return Identity{}, fmt.Errorf("invalid token: %w", err)
	}

	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return Identity{}, fmt.Errorf("invalid subject %q", claims.Subject)
	}
	if !ValidRole(claims.Role) {
		return Identity{}, fmt.Errorf("invalid role %q", claims.Role)
	}
	return Identity{UserID: userID, Role: claims.Role}, nil
}

// bearerToken reads the Authorization header. Browsers cannot set headers
// on websocket upgrades, so a "token" query parameter is accepted too.
func bearerToken(c echo.Context) (string, error) {
	header := c.Request().Header.Get(echo.HeaderAuthorization)
	if header == "" {
		if tok := c.QueryParam("token"); tok != "" {
			return tok, nil
		}
		return "", apperr.Unauthorized("missing authorization header")
	}
	scheme, tok, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(tok) == "" {
		return "", apperr.Unauthorized("invalid authorization format")
	}
	return strings.TrimSpace(tok), nil
}

func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tok, err := bearerToken(c)
			if err != nil {
				return err
			}
			id, err := ParseToken(cfg, tok)
			if err != nil {
				return apperr.Unauthorized("invalid token")
			}
			c.SetRequest(c.Request().WithContext(WithIdentity(c.Request().Context(), id)))
			return next(c)
		}
	}
}

// DevUserID is the identity assumed in development when no user is named.
var DevUserID = uuid.MustParse("00000000-0000-0000-0000-000000000001")

// DevAuthMiddleware takes the identity from X-User-ID and X-User-Role (or
// the user_id and role query parameters) and defaults to an admin.
func DevAuthMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id := Identity{UserID: DevUserID, Role: RoleAdmin}

			rawID := firstNonEmpty(c.Request().Header.Get("X-User-ID"), c.QueryParam("user_id"))
			if rawID != "" {
				uid, err := uuid.Parse(rawID)
				if err != nil {
					return apperr.Unauthorized("invalid X-User-ID")
				}
				id.UserID = uid
			}
			if role := firstNonEmpty(c.Request().Header.Get("X-User-Role"), c.QueryParam("role")); role != "" {
				if !ValidRole(role) {
					return apperr.Unauthorized("invalid X-User-Role")
				}
				id.Role = role
			}

			c.SetRequest(c.Request().WithContext(WithIdentity(c.Request().Context(), id)))
			return next(c)
		}
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
