package auth

import (
	"context"
	"slices"
	"strings"

	firebaseauth "firebase.google.com/go/v4/auth"
)

// Role is a staff role carried in the Firebase "role" custom claim.
type Role string

const (
	// RoleAttendant takes orders at the counter and manages clients.
	RoleAttendant Role = "attendant"
	// RoleKitchen moves orders through preparation.
	RoleKitchen Role = "kitchen"
	// RoleManager maintains the catalog and may do anything the other roles do.
	RoleManager Role = "manager"
)

// ParseRole accepts the known roles in any case.
func ParseRole(raw string) (Role, bool) {
	switch role := Role(strings.ToLower(strings.TrimSpace(raw))); role {
	case RoleAttendant, RoleKitchen, RoleManager:
		return role, true
	}
	return "", false
}

// Identity is the staff member behind a verified Firebase ID token.
type Identity struct {
	UID   string
	Email string
	Roles []Role

	token *firebaseauth.Token
}

func (i *Identity) Token() *firebaseauth.Token {
	if i == nil {
		return nil
	}
	return i.token
}

// Can reports whether the identity holds any of roles. Managers hold every role, and an
// empty roles list only requires some staff role.
func (i *Identity) Can(roles ...Role) bool {
	if i == nil || len(i.Roles) == 0 {
		return false
	}
	if len(roles) == 0 || slices.Contains(i.Roles, RoleManager) {
		return true
	}
	return slices.ContainsFunc(roles, func(r Role) bool { return slices.Contains(i.Roles, r) })
}

// Actor labels the staff member in order event sources.
func (i *Identity) Actor() string {
	switch {
	case i == nil:
		return ""
	case i.Email != "":
		return "staff:" + i.Email
	default:
		return "staff:" + i.UID
	}
}

type identityKey struct{}

func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, _ := ctx.Value(identityKey{}).(*Identity)
	return identity, identity != nil
}
