package apikey

import (
	"strings"
	"testing"
)

func TestRoleAllows(t *testing.T) {
	tests := []struct {
		name     string
		role     Role
		required Role
		want     bool
	}{
		{"operator satisfies operator", RoleOperator, RoleOperator, true},
		{"operator satisfies collaborator", RoleOperator, RoleCollaborator, true},
		{"collaborator satisfies collaborator", RoleCollaborator, RoleCollaborator, true},
		{"collaborator denied operator", RoleCollaborator, RoleOperator, false},
		{"unknown role denied", Role("guest"), RoleCollaborator, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.role.Allows(tt.required); got != tt.want {
				t.Errorf("Allows(%q) = %v, want %v", tt.required, got, tt.want)
			}
		})
	}
}

func TestHashKeyIsStableHex(t *testing.T) {
	h1 := HashKey("some-raw-key")
	h2 := HashKey("some-raw-key")
	if h1 != h2 {
		t.Error("same input hashed to different values")
	}
	if len(h1) != 64 {
		t.Errorf("hash length = %d, want 64 hex chars", len(h1))
	}
	if h1 == HashKey("other-raw-key") {
		t.Error("different inputs hashed to the same value")
	}
	if strings.ToLower(h1) != h1 {
		t.Error("hash is not lowercase hex")
	}
}

func TestGenerateRawKeyIsUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		k := generateRawKey()
		if len(k) != 64 {
			t.Fatalf("raw key length = %d, want 64", len(k))
		}
		if seen[k] {
			t.Fatal("generated a duplicate raw key")
		}
		seen[k] = true
	}
}
