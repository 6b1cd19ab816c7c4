package domain

import "testing"

func TestPermissionLevelOrdering(t *testing.T) {
	if !PermissionAdmin.Allows(PermissionReadOnly) {
		t.Fatalf("admin must allow read_only capabilities")
	}
	if PermissionReadOnly.Allows(PermissionReadExecute) {
		t.Fatalf("read_only must not allow read_execute capabilities")
	}
	if !PermissionReadExecute.Allows(PermissionReadExecute) {
		t.Fatalf("a level must allow itself")
	}
	if PermissionLevel(0).Valid() || PermissionLevel(5).Valid() {
		t.Fatalf("out-of-range levels reported valid")
	}
}

func TestParsePermissionLevel(t *testing.T) {
	cases := []struct {
		in   string
		want PermissionLevel
	}{
		{"read_only", PermissionReadOnly},
		{"READ_EXECUTE", PermissionReadExecute},
		{" read_execute_write ", PermissionReadExecuteWrite},
		{"admin", PermissionAdmin},
		{"readexecute", PermissionReadExecute},
	}
	for _, tc := range cases {
		got, err := ParsePermissionLevel(tc.in)
		if err != nil {
			t.Fatalf("parse %q: %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("parse %q=%s want %s", tc.in, got, tc.want)
		}
	}
	if _, err := ParsePermissionLevel("root"); err == nil {
		t.Fatalf("unknown level accepted")
	}
}

func TestClampPriority(t *testing.T) {
	for in, want := range map[int]int{-1: MinPriority, 0: MinPriority, 1: 1, 2: 2, 3: 3, 4: MaxPriority, 99: MaxPriority} {
		if got := ClampPriority(in); got != want {
			t.Fatalf("clamp(%d)=%d want %d", in, got, want)
		}
	}
}

func TestRequestStatusTerminal(t *testing.T) {
	terminal := []RequestStatus{RequestStatusCompleted, RequestStatusFailed, RequestStatusDenied, RequestStatusUnroutable}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Fatalf("%s should be terminal", s)
		}
	}
	if RequestStatusQueued.Terminal() {
		t.Fatalf("queued must not be terminal")
	}
}
