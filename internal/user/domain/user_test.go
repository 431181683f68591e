package domain

import "testing"

func TestUser_Validate(t *testing.T) {
	u := &User{ID: "u1", Email: "a@example.com"}
	if err := u.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if u.Status != UserStatusActive {
		t.Errorf("Status = %q, want active", u.Status)
	}
	if u.Role != RoleCustomer {
		t.Errorf("Role = %q, want customer", u.Role)
	}

	if err := (&User{ID: "u1"}).Validate(); err == nil {
		t.Error("expected error for missing email")
	}
	if err := (&User{Email: "a@example.com"}).Validate(); err == nil {
		t.Error("expected error for missing id")
	}
	if err := (&User{ID: "u1", Email: "a@example.com", Role: "root"}).Validate(); err == nil {
		t.Error("expected error for unknown role")
	}
}

func TestUser_IsActive(t *testing.T) {
	var nilUser *User
	if nilUser.IsActive() {
		t.Error("nil user must not be active")
	}
	if (&User{Status: UserStatusDisabled}).IsActive() {
		t.Error("disabled user must not be active")
	}
	if !(&User{Status: UserStatusActive}).IsActive() {
		t.Error("active user should be active")
	}
}

func TestNormalizeEmail(t *testing.T) {
	if got := NormalizeEmail("  Ada@Example.COM "); got != "ada@example.com" {
		t.Errorf("NormalizeEmail = %q", got)
	}
}
