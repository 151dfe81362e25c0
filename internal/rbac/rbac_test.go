package rbac

import "testing"

func TestCan(t *testing.T) {
	cases := []struct {
		name   string
		role   Role
		action Action
		allow  bool
	}{
		{name: "viewer view", role: RoleViewer, action: ActionView, allow: true},
		{name: "viewer edit", role: RoleViewer, action: ActionEdit, allow: false},
		{name: "viewer branch", role: RoleViewer, action: ActionBranch, allow: false},
		{name: "editor edit", role: RoleEditor, action: ActionEdit, allow: true},
		{name: "editor branch", role: RoleEditor, action: ActionBranch, allow: true},
		{name: "editor manage", role: RoleEditor, action: ActionManage, allow: false},
		{name: "owner manage", role: RoleOwner, action: ActionManage, allow: true},
		{name: "owner admin", role: RoleOwner, action: ActionAdmin, allow: false},
		{name: "admin admin", role: RoleAdmin, action: ActionAdmin, allow: true},
		{name: "unknown role", role: Role("guest"), action: ActionView, allow: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Can(tc.role, tc.action); got != tc.allow {
				t.Fatalf("Can(%q, %q) = %v, want %v", tc.role, tc.action, got, tc.allow)
			}
		})
	}
}

func TestForSketch(t *testing.T) {
	if got := ForSketch("editor", "u1", "u1"); got != RoleOwner {
		t.Fatalf("ForSketch(owner) = %q, want owner", got)
	}
	if got := ForSketch("viewer", "u1", "u2"); got != RoleViewer {
		t.Fatalf("ForSketch(other) = %q, want viewer", got)
	}
	if got := ForSketch("admin", "u1", "u1"); got != RoleAdmin {
		t.Fatalf("ForSketch(admin owner) = %q, want admin", got)
	}
	if got := ForSketch("bogus", "", ""); got != RoleViewer {
		t.Fatalf("ForSketch(empty ids) = %q, want viewer", got)
	}
}
