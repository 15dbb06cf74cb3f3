package rbac

type Role string
type Action string

const (
	RoleViewer Role = "viewer"
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
	RoleOwner  Role = "owner"
)

const (
	ActionRead    Action = "read"
	ActionComment Action = "comment"
	ActionWrite   Action = "write"
	ActionExport  Action = "export"
	ActionAdmin   Action = "admin"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleOwner, RoleAdmin:
		return true
	case RoleMember:
		return action == ActionRead || action == ActionComment || action == ActionWrite || action == ActionExport
	case RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleMember, RoleAdmin, RoleOwner:
		return Role(role)
	default:
		return RoleViewer
	}
}
