// Package auth identifies the caller of an API request.
package auth

import (
	"context"
	"net/http"
)

const RoleAdmin = "admin"

// User is an authenticated caller. ID is the owner namespace of every key
// the caller creates.
type User struct {
	ID   string
	Role string
}

func (u *User) IsAdmin() bool {
	return u != nil && u.Role == RoleAdmin
}

type AuthEngine interface {

	// AuthenticateRequest inspects the given HTTP request for valid
	// authentication credentials. If valid, it returns a User object; otherwise, it
	// returns nil. An error is returned if credentials were present but could
	// not be accepted.
	AuthenticateRequest(ctx context.Context, rq *http.Request) (*User, error)
}

type contextKey string

const userKey contextKey = "user"

// WithUser returns a copy of ctx carrying user.
func WithUser(ctx context.Context, user *User) context.Context {
	return context.WithValue(ctx, userKey, user)
}

// UserFromContext returns the caller stored by WithUser, or nil.
func UserFromContext(ctx context.Context) *User {
	user, _ := ctx.Value(userKey).(*User)
	return user
}
