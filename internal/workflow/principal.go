package workflow

// Roles understood by the built-in workflows. admin implies editor, editor implies author.
const (
	RoleAuthor = "author"
	RoleEditor = "editor"
	RoleAdmin  = "admin"

	// SystemUserID identifies the principal that runs scheduled requests.
	SystemUserID = "system:workflow"
)

// Principal is the identity a workflow acts for.
type Principal struct {
	UserID string
	Roles  []string
}

// SystemPrincipal returns the administrative principal used by background jobs.
func SystemPrincipal() Principal {
	return Principal{UserID: SystemUserID, Roles: []string{RoleAdmin}}
}

// HasRole reports whether the principal holds role, directly or through a stronger role.
func (p Principal) HasRole(role string) bool {
	for _, held := range p.Roles {
		if held == role || implies(held, role) {
			return true
		}
	}
	return false
}

// CanEdit reports whether the principal may edit and request.
func (p Principal) CanEdit() bool {
	return p.HasRole(RoleAuthor)
}

// CanPublish reports whether the principal may publish and review requests.
func (p Principal) CanPublish() bool {
	return p.HasRole(RoleEditor)
}

func implies(held, role string) bool {
	switch held {
	case RoleAdmin:
		return role == RoleEditor || role == RoleAuthor
	case RoleEditor:
		return role == RoleAuthor
	default:
		return false
	}
}
