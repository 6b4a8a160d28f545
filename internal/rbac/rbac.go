package rbac

import "strings"

type Role string
type Action string

const (
	RoleAdmin          Role = "Admin"
	RoleProjectManager Role = "Project Manager"
	RoleTeamMember     Role = "Team Member"
)

const (
	// ActionCollaborate covers chat and card work inside a project.
	ActionCollaborate   Action = "collaborate"
	ActionCreateProject Action = "create_project"
	ActionCreateMember  Action = "create_member"
	ActionCreateManager Action = "create_manager"
	ActionListUsers     Action = "list_users"
	ActionDeleteUser    Action = "delete_user"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleProjectManager:
		return action == ActionCollaborate || action == ActionCreateProject || action == ActionCreateMember || action == ActionListUsers
	case RoleTeamMember:
		return action == ActionCollaborate
	default:
		return false
	}
}

// Normalize maps a stored role string to a known role, or "" when the value
// is not recognised.
func Normalize(role string) Role {
	switch Role(strings.TrimSpace(role)) {
	case RoleAdmin:
		return RoleAdmin
	case RoleProjectManager:
		return RoleProjectManager
	case RoleTeamMember:
		return RoleTeamMember
	default:
		return ""
	}
}

// CanCreate reports whether creator may create an account with role target.
func CanCreate(creator, target Role) bool {
	switch target {
	case RoleProjectManager:
		return Can(creator, ActionCreateManager)
	case RoleTeamMember:
		return Can(creator, ActionCreateMember)
	default:
		return false
	}
}
