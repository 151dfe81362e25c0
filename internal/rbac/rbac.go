package rbac

type Role string
type Action string

const (
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
)

const (
	// ActionView covers joining a sketch, receiving its log and sending cursors.
	ActionView Action = "view"
	// ActionEdit covers sending commands and view state.
	ActionEdit   Action = "edit"
	ActionBranch Action = "branch"
	ActionCreate Action = "create"
	// ActionManage covers renaming and deleting a sketch.
	ActionManage Action = "manage"
	ActionAdmin  Action = "admin"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleOwner:
		return action != ActionAdmin
	case RoleEditor:
		return action == ActionView || action == ActionEdit || action == ActionBranch || action == ActionCreate
	case RoleViewer:
		return action == ActionView
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleEditor, RoleOwner, RoleAdmin:
		return Role(role)
	default:
		return RoleViewer
	}
}

// ForSketch is the effective role of a user on one sketch: the owner of a
// sketch manages it regardless of their global role.
func ForSketch(role string, userID, ownerID string) Role {
	r := Normalize(role)
	if userID != "" && userID == ownerID && r != RoleAdmin {
		return RoleOwner
	}
	return r
}
