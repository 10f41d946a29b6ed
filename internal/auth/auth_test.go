package auth_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/eteran/lightbox/internal/auth"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

const (
	Secret         = "current-secret"
	PreviousSecret = "previous-secret"
)

func requestWithToken(t *testing.T, token string) *http.Request {
	t.Helper()
	r := httptest.NewRequestWithContext(t.Context(), http.MethodGet, "/v1/uploads", nil)
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	return r
}

func TestJWTAuthEngineAcceptsValidToken(t *testing.T) {
	t.Parallel()

	token, err := auth.IssueToken(Secret, auth.User{ID: "owner-1", Role: auth.RoleAdmin}, "authenticated", time.Hour)
	require.NoError(t, err, "IssueToken error")

	engine := auth.NewJWTAuthEngine(Secret, "authenticated")
	user, err := engine.AuthenticateRequest(t.Context(), requestWithToken(t, token))
	require.NoError(t, err, "AuthenticateRequest error")
	require.Equal(t, &auth.User{ID: "owner-1", Role: auth.RoleAdmin}, user)
	require.True(t, user.IsAdmin(), "admin role")
}

func TestJWTAuthEngineRejectsBadTokens(t *testing.T) {
	t.Parallel()

	engine := auth.NewJWTAuthEngine(Secret, "authenticated")

	wrongSecret, err := auth.IssueToken("other", auth.User{ID: "owner-1"}, "authenticated", time.Hour)
	require.NoError(t, err)
	expired, err := auth.IssueToken(Secret, auth.User{ID: "owner-1"}, "authenticated", -time.Hour)
	require.NoError(t, err)
	wrongAudience, err := auth.IssueToken(Secret, auth.User{ID: "owner-1"}, "anon", time.Hour)
	require.NoError(t, err)
	noSubject, err := auth.IssueToken(Secret, auth.User{}, "authenticated", time.Hour)
	require.NoError(t, err)
	nestedSubject, err := auth.IssueToken(Secret, auth.User{ID: "alice/b"}, "authenticated", time.Hour)
	require.NoError(t, err)
	paddedSubject, err := auth.IssueToken(Secret, auth.User{ID: " owner-1"}, "authenticated", time.Hour)
	require.NoError(t, err)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"sub": "owner-1",
		"aud": "authenticated",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := map[string]string{
		"wrong secret":       wrongSecret,
		"expired":            expired,
		"wrong audience":     wrongAudience,
		"no subject":         noSubject,
		"subject with slash": nestedSubject,
		"padded subject":     paddedSubject,
		"alg none":           none,
		"garbage":            "not.a.token",
	}
	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			user, err := engine.AuthenticateRequest(t.Context(), requestWithToken(t, token))
			require.ErrorIs(t, err, auth.ErrInvalidToken)
			require.Nil(t, user)
		})
	}
}

func TestJWTAuthEngineIgnoresMissingToken(t *testing.T) {
	t.Parallel()

	engine := auth.NewJWTAuthEngine(Secret, "")

	user, err := engine.AuthenticateRequest(t.Context(), requestWithToken(t, ""))
	require.NoError(t, err, "no header")
	require.Nil(t, user, "no header")

	r := requestWithToken(t, "")
	r.Header.Set("Authorization", "Basic Zm9vOmJhcg==")
	user, err = engine.AuthenticateRequest(t.Context(), r)
	require.NoError(t, err, "other scheme")
	require.Nil(t, user, "other scheme")
}

func TestCompoundAuthEngineSupportsRotation(t *testing.T) {
	t.Parallel()

	engine := auth.NewCompoundAuthEngine(
		auth.NewJWTAuthEngine(Secret, ""),
		auth.NewJWTAuthEngine(PreviousSecret, ""),
	)

	old, err := auth.IssueToken(PreviousSecret, auth.User{ID: "owner-2"}, "", time.Hour)
	require.NoError(t, err)

	user, err := engine.AuthenticateRequest(t.Context(), requestWithToken(t, old))
	require.NoError(t, err, "token signed with the previous secret")
	require.Equal(t, "owner-2", user.ID)
	require.False(t, user.IsAdmin(), "no role")

	forged, err := auth.IssueToken("unknown", auth.User{ID: "owner-2"}, "", time.Hour)
	require.NoError(t, err)

	user, err = engine.AuthenticateRequest(t.Context(), requestWithToken(t, forged))
	require.ErrorIs(t, err, auth.ErrInvalidToken, "no engine accepts it")
	require.Nil(t, user)
}

func TestUserContext(t *testing.T) {
	t.Parallel()

	require.Nil(t, auth.UserFromContext(t.Context()), "empty context")

	ctx := auth.WithUser(t.Context(), &auth.User{ID: "owner-1"})
	require.Equal(t, "owner-1", auth.UserFromContext(ctx).ID)

	var nobody *auth.User
	require.False(t, nobody.IsAdmin(), "nil user is not an admin")
}
