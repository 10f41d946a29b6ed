package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/eteran/lightbox/internal/objectkey"
)

const BearerPrefix = "Bearer "

var ErrInvalidToken = errors.New("invalid or expired token")

// Claims are the session token claims: sub is the user id and
// app_metadata.role marks administrators.
type Claims struct {
	jwt.RegisteredClaims
	AppMetadata struct {
		Role string `json:"role,omitempty"`
	} `json:"app_metadata"`
}

// JWTAuthEngine validates HS256 bearer tokens.
type JWTAuthEngine struct {
	secret []byte
	parser *jwt.Parser
}

// NewJWTAuthEngine creates an engine for tokens signed with secret. When
// audience is non-empty, tokens must carry it.
func NewJWTAuthEngine(secret string, audience string) *JWTAuthEngine {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30 * time.Second),
	}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}

	return &JWTAuthEngine{
		secret: []byte(secret),
		parser: jwt.NewParser(opts...),
	}
}

// AuthenticateRequest returns nil without an error when the request carries
// no bearer token.
func (e *JWTAuthEngine) AuthenticateRequest(ctx context.Context, r *http.Request) (*User, error) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, BearerPrefix) {
		return nil, nil
	}
	raw := strings.TrimSpace(header[len(BearerPrefix):])
	if raw == "" {
		return nil, nil
	}

	claims := &Claims{}
	token, err := e.parser.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return e.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	if strings.TrimSpace(claims.Subject) == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	// The subject becomes the first segment of every key the user owns.
	if err := objectkey.CheckOwner(claims.Subject); err != nil {
		return nil, fmt.Errorf("%w: subject: %w", ErrInvalidToken, err)
	}

	return &User{ID: claims.Subject, Role: claims.AppMetadata.Role}, nil
}

// IssueToken signs a session token for user valid for ttl.
func IssueToken(secret string, user User, audience string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if audience != "" {
		claims.Audience = jwt.ClaimStrings{audience}
	}
	claims.AppMetadata.Role = user.Role

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
