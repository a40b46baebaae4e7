package authapi

import "time"

// UserPayload is the backend's user record as returned by login, refresh and /auth/me.
// Only id and email are guaranteed; everything else may be omitted by older endpoints.
type UserPayload struct {
	ID          string     `json:"id"`
	Email       string     `json:"email"`
	Name        string     `json:"name,omitempty"`
	FirstName   string     `json:"first_name,omitempty"`
	LastName    string     `json:"last_name,omitempty"`
	Role        string     `json:"role,omitempty"`
	IsAdmin     bool       `json:"is_admin,omitempty"`
	IsSuperuser bool       `json:"is_superuser,omitempty"`
	IsActive    *bool      `json:"is_active,omitempty"`
	CreatedAt   *time.Time `json:"created_at,omitempty"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`
}
