package web

import "testing"

func TestIsValidUsername(t *testing.T) {
	tests := []struct {
		username string
		valid    bool
	}{
		{"alice", true},
		{"alice123", true},
		{"alice-bob_charlie.2", true},
		{"alice!$&'()*+,;=", true},
		{"", false},
		{"alice bob", false},
		{"alice@bob", false},
		{"alice/bob", false},
		{"alice#bob", false},
		{"alice\nbob", false},
		{"café", false},
	}
	for _, tt := range tests {
		if got := isValidUsername(tt.username); got != tt.valid {
			t.Errorf("isValidUsername(%q) = %v, want %v", tt.username, got, tt.valid)
		}
	}
}
