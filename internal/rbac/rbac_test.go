package rbac

import "testing"

func TestCan(t *testing.T) {
	cases := []struct {
		name   string
		role   Role
		action Action
		allow  bool
	}{
		{name: "viewer read", role: RoleViewer, action: ActionRead, allow: true},
		{name: "viewer write", role: RoleViewer, action: ActionWrite, allow: false},
		{name: "viewer comment", role: RoleViewer, action: ActionComment, allow: false},
		{name: "member write", role: RoleMember, action: ActionWrite, allow: true},
		{name: "member export", role: RoleMember, action: ActionExport, allow: true},
		{name: "member admin", role: RoleMember, action: ActionAdmin, allow: false},
		{name: "admin admin", role: RoleAdmin, action: ActionAdmin, allow: true},
		{name: "owner admin", role: RoleOwner, action: ActionAdmin, allow: true},
		{name: "unknown role", role: Role("nope"), action: ActionRead, allow: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Can(tc.role, tc.action); got != tc.allow {
				t.Fatalf("Can(%q, %q) = %v, want %v", tc.role, tc.action, got, tc.allow)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	if got := Normalize("owner"); got != RoleOwner {
		t.Fatalf("Normalize(owner) = %q", got)
	}
	if got := Normalize("garbage"); got != RoleViewer {
		t.Fatalf("Normalize(garbage) = %q, want viewer", got)
	}
}
