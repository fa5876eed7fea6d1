package schema

// Role is the coarse RBAC role attached to actors and step scopes.
type Role string

const (
	RoleAdmin     Role = "ADMIN"
	RoleLawyer    Role = "LAWYER"
	RoleParalegal Role = "PARALEGAL"
	RoleClient    Role = "CLIENT"
	RoleSystem    Role = "SYSTEM"
)

// Actor is the identity invoking a runtime operation.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// SystemActor is the internal identity used for resolver-driven
// promotions and automation handlers.
var SystemActor = Actor{ID: "system", Role: RoleSystem}

// IsAdmin reports whether the actor carries the admin role.
func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }

// IsSystem reports whether the actor is the internal system identity.
func (a Actor) IsSystem() bool { return a.Role == RoleSystem }
