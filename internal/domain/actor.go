package domain

import "github.com/google/uuid"

type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

func (r Role) IsValid() bool {
	return r == RoleUser || r == RoleAdmin
}

// Actor is whoever is driving an operation: an authenticated user, an admin
// or the system itself (webhooks, sweeper).
type Actor struct {
	UserID uuid.UUID
	Role   Role
}

var SystemActor = Actor{}

func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }

func (a Actor) IsSystem() bool { return a.UserID == uuid.Nil }

func (a Actor) String() string {
	switch {
	case a.IsSystem():
		return "system"
	case a.IsAdmin():
		return "admin:" + a.UserID.String()
	default:
		return "user:" + a.UserID.String()
	}
}
