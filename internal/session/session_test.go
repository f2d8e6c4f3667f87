package session

import "testing"

func TestAuthenticateRequiresUsername(t *testing.T) {
	t.Parallel()
	s := New("sess-1", "10.0.0.5")
	if err := s.Authenticate(); err == nil {
		t.Fatal("expected error authenticating without a username")
	}

	s.ChangeUser("alice")
	if err := s.Authenticate(); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if !s.IsAuthenticated() {
		t.Fatal("expected session to be authenticated")
	}
}

func TestChangeUserInvalidatesAuth(t *testing.T) {
	t.Parallel()
	s := New("sess-1", "10.0.0.5")
	s.ChangeUser("alice")
	_ = s.Authenticate()
	s.SetRenameFrom("/a")

	s.ChangeUser("bob")
	if s.IsAuthenticated() {
		t.Fatal("expected ChangeUser to invalidate authentication")
	}
	if s.RenameFrom() != "" {
		t.Fatal("expected ChangeUser to clear pending rename")
	}
}

func TestPasvLifecycle(t *testing.T) {
	t.Parallel()
	s := New("sess-1", "10.0.0.5")
	if _, _, ok := s.PasvInfo(); ok {
		t.Fatal("expected no pasv info initially")
	}

	s.EnterPasv("10.0.0.9", 40000)
	ip, port, ok := s.PasvInfo()
	if !ok || ip != "10.0.0.9" || port != 40000 {
		t.Fatalf("PasvInfo = %q %d %v", ip, port, ok)
	}

	s.ClearPasv()
	if _, _, ok := s.PasvInfo(); ok {
		t.Fatal("expected pasv info cleared")
	}
}

func TestSetTransferTypeValidation(t *testing.T) {
	t.Parallel()
	s := New("sess-1", "10.0.0.5")
	if err := s.SetTransferType("I"); err != nil {
		t.Fatalf("SetTransferType(I): %v", err)
	}
	if s.TransferType() != "I" {
		t.Fatalf("TransferType() = %q, want I", s.TransferType())
	}
	if err := s.SetTransferType("Q"); err == nil {
		t.Fatal("expected error for invalid transfer type")
	}
}

func TestSnapshotAndUpdateRoundTrip(t *testing.T) {
	t.Parallel()
	s := New("sess-1", "10.0.0.5")
	s.ChangeUser("alice")
	_ = s.Authenticate()
	s.SetCwd("/docs")

	v := s.Snapshot()
	hydrated := FromView(v)
	if hydrated.Username() != "alice" || !hydrated.IsAuthenticated() || hydrated.Cwd() != "/docs" {
		t.Fatalf("hydrated session mismatch: %+v", hydrated.Snapshot())
	}

	changed := s.Update(View{SessionID: s.ID, Authenticated: true, Cwd: "/docs"})
	if changed {
		t.Fatal("expected no-op update to report no change")
	}
	changed = s.Update(View{SessionID: s.ID, Cwd: "/other"})
	if !changed || s.Cwd() != "/other" {
		t.Fatal("expected cwd update to apply and report change")
	}
}

func TestTableAddRemoveAndByIP(t *testing.T) {
	t.Parallel()
	tbl := NewTable()
	s1 := New("sess-1", "10.0.0.5")
	s2 := New("sess-2", "10.0.0.5")
	tbl.Add(s1)
	tbl.Add(s2)

	if got := tbl.ByIP("10.0.0.5"); len(got) != 2 {
		t.Fatalf("ByIP = %d sessions, want 2", len(got))
	}

	removed, ok := tbl.RemoveByID("sess-1")
	if !ok || removed.ID != "sess-1" {
		t.Fatal("expected RemoveByID to find sess-1")
	}
	if got := tbl.ByIP("10.0.0.5"); len(got) != 1 {
		t.Fatalf("ByIP after remove = %d sessions, want 1", len(got))
	}
	if _, ok := tbl.RemoveByID("sess-1"); ok {
		t.Fatal("expected second RemoveByID to report not found")
	}
}

func TestTableExportImport(t *testing.T) {
	t.Parallel()
	src := NewTable()
	s := New("sess-1", "10.0.0.5")
	s.ChangeUser("alice")
	src.Add(s)

	dst := NewTable()
	dst.Import(src.Export())

	got, ok := dst.ByID("sess-1")
	if !ok || got.Username() != "alice" {
		t.Fatal("expected imported session to carry over username")
	}
}
