package credentials

import (
	"fmt"
	"strings"
	"time"

	"github.com/jrsteele09/school-console/authapi"
	apperrors "github.com/jrsteele09/school-console/internal/errors"
	"github.com/jrsteele09/school-console/internal/utils"
	"golang.org/x/oauth2"
)

// Role decides which protected surfaces a session can reach.
type Role string

const (
	RoleStaff     Role = "staff"     // Teachers, parents and school staff
	RoleAdmin     Role = "admin"     // School administrators
	RoleSuperuser Role = "superuser" // Cross-school operator, elevated login surface only
)

// Console surfaces each role lands on.
const (
	LoginPath          = "/login"
	SuperuserLoginPath = "/superuser/login"
)

var dashboards = map[Role]string{
	RoleStaff:     "/staff",
	RoleAdmin:     "/admin",
	RoleSuperuser: "/superuser",
}

// Dashboard is the landing page for the role, or "" for unknown roles.
func (r Role) Dashboard() string {
	return dashboards[r]
}

// LoginPath is the login surface a user of this role signs in (and back in) through.
func (r Role) LoginPath() string {
	if r == RoleSuperuser {
		return SuperuserLoginPath
	}
	return LoginPath
}

func (r Role) Valid() bool {
	switch r {
	case RoleStaff, RoleAdmin, RoleSuperuser:
		return true
	}
	return false
}

// ParseRole maps the backend's role vocabulary onto the three console roles.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "staff", "teacher", "parent", "student":
		return RoleStaff, nil
	case "admin", "school_admin":
		return RoleAdmin, nil
	case "superuser", "super_admin":
		return RoleSuperuser, nil
	}
	return "", fmt.Errorf("%w: unknown role %q", apperrors.ErrRoleMismatch, s)
}

// RoleFromPayload reads the role string, falling back to the boolean flags older endpoints send.
func RoleFromPayload(u *authapi.UserPayload) (Role, error) {
	if u.Role != "" {
		return ParseRole(u.Role)
	}
	switch {
	case u.IsSuperuser:
		return RoleSuperuser, nil
	case u.IsAdmin:
		return RoleAdmin, nil
	}
	return RoleStaff, nil
}

// Profile is the denormalised user record kept next to the tokens.
type Profile struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name,omitempty"`
	FirstName string    `json:"first_name,omitempty"`
	LastName  string    `json:"last_name,omitempty"`
	Role      Role      `json:"role"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// ProfileFromPayload converts the backend user record. Missing display fields are derived:
// a full name is split into first/last and vice versa. A missing is_active means active.
func ProfileFromPayload(u *authapi.UserPayload) (Profile, error) {
	if u == nil {
		return Profile{}, fmt.Errorf("%w: missing user", apperrors.ErrCorruptSession)
	}
	if u.ID == "" || u.Email == "" {
		return Profile{}, fmt.Errorf("%w: user without id or email", apperrors.ErrCorruptSession)
	}
	role, err := RoleFromPayload(u)
	if err != nil {
		return Profile{}, err
	}

	p := Profile{
		ID:        u.ID,
		Email:     u.Email,
		Name:      strings.TrimSpace(u.Name),
		FirstName: strings.TrimSpace(u.FirstName),
		LastName:  strings.TrimSpace(u.LastName),
		Role:      role,
		IsActive:  u.IsActive == nil || *u.IsActive,
		CreatedAt: utils.Value(u.CreatedAt),
		UpdatedAt: utils.Value(u.UpdatedAt),
	}
	p.DeriveNames()
	return p, nil
}

// DeriveNames fills whichever of Name or FirstName/LastName is missing from the other.
func (p *Profile) DeriveNames() {
	if p.Name == "" {
		p.Name = strings.TrimSpace(p.FirstName + " " + p.LastName)
	}
	if p.FirstName == "" && p.LastName == "" && p.Name != "" {
		parts := strings.Fields(p.Name)
		p.FirstName = parts[0]
		if len(parts) > 1 {
			p.LastName = strings.Join(parts[1:], " ")
		}
	}
}

// Session is the only persisted entity: the token pair plus the profile it belongs to.
type Session struct {
	AccessToken  string
	RefreshToken string
	Profile      Profile
	Role         Role
}

// HasValidShape reports whether both tokens are present. A session failing this is never
// usable.
func HasValidShape(s *Session) bool {
	return s != nil && s.AccessToken != "" && s.RefreshToken != ""
}

// OAuth2Token exposes the pair in the form golang.org/x/oauth2 uses to set bearer headers.
func (s *Session) OAuth2Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  s.AccessToken,
		RefreshToken: s.RefreshToken,
		TokenType:    "Bearer",
	}
}

// Clone returns a copy the caller may modify.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}
