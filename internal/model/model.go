package model

import "time"

type Role string

const (
	RoleAdmin  Role = "ADMIN"
	RoleMember Role = "MEMBER"
)

func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleMember
}

// User is the application-level profile row, distinct from the
// identity provider's account. Its ID always equals the session
// subject id.
type User struct {
	ID          string
	Email       string
	Name        string
	PhoneNumber string
	Role        Role
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Session is the provider-issued proof of authentication. The service
// never mutates it, only observes it.
type Session struct {
	AccessToken  string
	RefreshToken string
	Subject      string
	Email        string
	Metadata     map[string]any
	ExpiresAt    time.Time
}

type Attendance struct {
	ID        string
	UserID    string
	EventID   string
	CheckedIn time.Time
}
