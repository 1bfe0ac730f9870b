package auth

import "testing"

func TestStatic(t *testing.T) {
	tests := []struct {
		name   string
		s      Static
		wantID string
		wantOK bool
	}{
		{"signed in", Static("user-1"), "user-1", true},
		{"signed out", Static(""), "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, ok := tt.s.UserID()
			if id != tt.wantID || ok != tt.wantOK {
				t.Fatalf("UserID() = (%q, %v), want (%q, %v)", id, ok, tt.wantID, tt.wantOK)
			}
		})
	}
}

func TestSwitchable(t *testing.T) {
	s := NewSwitchable("")
	if _, ok := s.UserID(); ok {
		t.Fatal("new session without user should be signed out")
	}

	s.SignIn("user-2")
	if id, ok := s.UserID(); !ok || id != "user-2" {
		t.Fatalf("after SignIn got (%q, %v)", id, ok)
	}

	s.SignOut()
	if _, ok := s.UserID(); ok {
		t.Fatal("SignOut should clear the session")
	}
}
