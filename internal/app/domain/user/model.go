package user

// Role is the coarse role of a CRM user.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleManager  Role = "manager"
	RoleEmployee Role = "employee"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleManager, RoleEmployee:
		return true
	}
	return false
}

// DefaultCapacityLimit applies to users created without an explicit limit.
const DefaultCapacityLimit = 50

// User is a salesperson or administrator known to the user directory.
type User struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Role          Role   `json:"role"`
	CapacityLimit int    `json:"capacityLimit"`
	Active        bool   `json:"active"`
}
