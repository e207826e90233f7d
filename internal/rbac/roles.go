package rbac

// Roles carried in operator tokens.
const (
	RoleViewer   = "viewer"
	RoleOperator = "operator"
	RoleAdmin    = "admin"
)

// AttemptReaders may look up call attempts.
var AttemptReaders = []string{RoleViewer, RoleOperator}

func IsAdmin(role string) bool { return role == RoleAdmin }
