package types

// Role is the single role claim carried by a principal's credential. A
// principal has exactly one role at a time, fixed at token issuance.
type Role string

const (
	RoleProducer Role = "producer"
	RoleSeller   Role = "seller"
	RoleConsumer Role = "consumer"
	RoleAdmin    Role = "admin"
)

func ParseRole(s string) (Role, bool) {
	switch Role(s) {
	case RoleProducer, RoleSeller, RoleConsumer, RoleAdmin:
		return Role(s), true
	}
	return "", false
}

func (r Role) String() string { return string(r) }
