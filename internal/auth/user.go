package auth

import "strings"

// Roles carried by resolved identities.
const (
	RoleAdmin   = "ADMIN"
	RoleUser    = "USER"
	RoleApp     = "APP"
	RoleVisitor = "VISITOR"
)

// Authentication methods recorded on identities, tokens and sessions.
const (
	MethodPassword = "password"
	MethodOAuth    = "oauth"
	MethodAppKey   = "app_key"
)

// VisitorTenantID is the tenant value reserved for the unauthenticated identity.
// It never binds a tenant scope.
const VisitorTenantID int64 = 0

// Account status values.
const (
	StatusDisabled = 0
	StatusEnabled  = 1
)

// User is the principal resolved for a request. It is rebuilt on every request from
// token claims or a session lookup and never persisted by the auth pipeline.
type User struct {
	ID             int64
	Name           string
	DisplayName    string
	Email          string
	TenantID       int64
	Role           string
	IsAdmin        bool
	Permissions    []string
	OrganizationID int64
	Status         int
	AuthMethod     string
	Provider       string
	SessionID      string
}

// Visitor returns the sentinel identity used when no strategy authenticates a request.
func Visitor() User {
	return User{
		Name:        "visit",
		DisplayName: "visit",
		Email:       "visit@email",
		TenantID:    VisitorTenantID,
		Role:        RoleVisitor,
		Status:      StatusEnabled,
	}
}

// IsVisitor reports whether u is the unauthenticated sentinel.
func (u User) IsVisitor() bool {
	return u.ID <= 0 || u.Role == RoleVisitor
}

// Tenant returns the tenant the identity belongs to. Visitors and identities without a
// tenant claim report false.
func (u User) Tenant() (int64, bool) {
	if u.IsVisitor() || u.TenantID <= VisitorTenantID {
		return 0, false
	}
	return u.TenantID, true
}

// Label returns the display name, falling back to the login name.
func (u User) Label() string {
	if strings.TrimSpace(u.DisplayName) != "" {
		return u.DisplayName
	}
	return u.Name
}

// IsSuperAdmin reports whether the identity carries the administrator flag.
func (u User) IsSuperAdmin() bool {
	return !u.IsVisitor() && u.IsAdmin
}

// HasPermission reports whether key is in the identity's permission set.
func (u User) HasPermission(key string) bool {
	key = strings.TrimSpace(key)
	if key == "" {
		return false
	}
	for _, p := range u.Permissions {
		if p == key {
			return true
		}
	}
	return false
}
