package identity

import "testing"

func TestResolveFindsTaskspaceUnderSymposiumMarker(t *testing.T) {
	cwd := "/home/user/myproject.symposium/task-a1b2c3d4-e5f6-7890-abcd-ef0123456789/checkout/src"
	got := Resolve(cwd)
	if got == nil {
		t.Fatal("expected a taskspace uuid")
	}
	want := "a1b2c3d4-e5f6-7890-abcd-ef0123456789"
	if *got != want {
		t.Fatalf("got %s, want %s", *got, want)
	}
}

func TestResolveUsesLastUUIDBeforeMarker(t *testing.T) {
	// Nested task- directories: the one closest to the .symposium marker
	// (last one seen walking upward) wins.
	cwd := "/x/proj.symposium/task-11111111-1111-1111-1111-111111111111/sub/task-22222222-2222-2222-2222-222222222222/leaf"
	got := Resolve(cwd)
	if got == nil {
		t.Fatal("expected a taskspace uuid")
	}
	if *got != "11111111-1111-1111-1111-111111111111" {
		t.Fatalf("got %s, want the outer (last-seen-during-walk) uuid", *got)
	}
}

func TestResolveNoSymposiumMarkerReturnsNil(t *testing.T) {
	if got := Resolve("/home/user/some/random/project"); got != nil {
		t.Fatalf("expected nil, got %v", *got)
	}
}

func TestResolveSymposiumWithoutTaskDirReturnsNil(t *testing.T) {
	if got := Resolve("/home/user/proj.symposium/checkout"); got != nil {
		t.Fatalf("expected nil (no task- dir before marker), got %v", *got)
	}
}

func TestSenderFillsAbsoluteWorkingDirectory(t *testing.T) {
	s := Sender("/abs/path", nil)
	if s.WorkingDirectory != "/abs/path" {
		t.Fatalf("unexpected working directory: %s", s.WorkingDirectory)
	}
	if s.ShellPID != nil {
		t.Fatalf("expected nil shell pid, got %v", *s.ShellPID)
	}
}

func TestSenderStampsShellPID(t *testing.T) {
	pid := uint32(4242)
	s := Sender("/abs/path", &pid)
	if s.ShellPID == nil || *s.ShellPID != 4242 {
		t.Fatalf("expected shell pid 4242, got %v", s.ShellPID)
	}
}
