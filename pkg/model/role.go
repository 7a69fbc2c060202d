package model

// Role represents a user's permission level.
type Role int

const (
	RoleUser  Role = iota // Default role, can chat
	RoleAdmin             // Can list users, ban/mute, review reports
)

func (r Role) String() string {
	switch r {
	case RoleUser:
		return "user"
	case RoleAdmin:
		return "admin"
	default:
		return "unknown"
	}
}

// ParseRole converts a string to a Role. Unknown values become RoleUser,
// matching the registration endpoint which silently downgrades bad roles.
func ParseRole(s string) Role {
	if s == "admin" {
		return RoleAdmin
	}
	return RoleUser
}

// Valid returns true if the role is a recognised value.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAdmin
}

// MarshalJSON encodes the role as its string name ("user"/"admin"),
// which is the form the REST API speaks.
func (r Role) MarshalJSON() ([]byte, error) {
	return []byte(`"` + r.String() + `"`), nil
}

// UnmarshalJSON accepts the string form of a role.
func (r *Role) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	*r = ParseRole(s)
	return nil
}
