package domain

type Role string

const (
	RoleBuyer Role = "buyer"
	RoleAdmin Role = "admin"
)

// Identity is the authenticated caller as supplied by the identity service.
type Identity struct {
	UserID string
	Role   Role
}

func (i Identity) Authenticated() bool {
	return i.UserID != ""
}

func (i Identity) IsAdmin() bool {
	return i.Role == RoleAdmin
}

func (i Identity) IsBuyer() bool {
	return i.Role == RoleBuyer
}

// ParseRole maps the role labels used by upstream services. Unknown labels
// yield an empty role, which no policy accepts.
func ParseRole(s string) Role {
	switch s {
	case "buyer", "user", "customer":
		return RoleBuyer
	case "admin", "administrator":
		return RoleAdmin
	default:
		return ""
	}
}
