package backend

import (
	"errors"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func newTestDirectory() *Directory {
	d := NewDirectory()
	d.cost = bcrypt.MinCost
	return d
}

func TestRegisterAndAuthenticate(t *testing.T) {
	d := newTestDirectory()
	u, err := d.Register("carol", "Carol@Example.com", "Carol", "Secret123")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if u.Email != "carol@example.com" || u.AuthProvider != ProviderLocal {
		t.Fatalf("unexpected user %+v", u)
	}

	for _, id := range []string{"carol", "carol@example.com", "CAROL@example.com"} {
		got, err := d.Authenticate(id, "Secret123")
		if err != nil || got.ID != u.ID {
			t.Fatalf("Authenticate(%q) = %+v, %v", id, got, err)
		}
	}
	if _, err := d.Authenticate("carol", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
	if _, err := d.Authenticate("nobody", "Secret123"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("unknown user should look like a bad password, got %v", err)
	}
}

func TestRegisterConflicts(t *testing.T) {
	d := newTestDirectory()
	if _, err := d.Register("carol", "carol@example.com", "", "Secret123"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := d.Register("other", "carol@example.com", "", "Secret123"); !errors.Is(err, ErrEmailExists) {
		t.Fatalf("expected email conflict, got %v", err)
	}
	if _, err := d.Register("carol", "new@example.com", "", "Secret123"); !errors.Is(err, ErrUsernameTaken) {
		t.Fatalf("expected username conflict, got %v", err)
	}
}

func TestDisabledAccount(t *testing.T) {
	d := newTestDirectory()
	u, _ := d.Register("carol", "carol@example.com", "", "Secret123")
	d.Disable(u.ID)
	if _, err := d.Authenticate("carol", "Secret123"); !errors.Is(err, ErrAccountDisabled) {
		t.Fatalf("expected disabled account, got %v", err)
	}
}

func TestGoogleAccounts(t *testing.T) {
	d := newTestDirectory()
	id := GoogleIdentity{Subject: "g-1", Email: "alice@example.com", Name: "Alice"}

	if _, err := d.SignInGoogle(id); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected unknown user, got %v", err)
	}

	u, err := d.RegisterGoogle(id)
	if err != nil {
		t.Fatalf("RegisterGoogle: %v", err)
	}
	if u.Username != "alice" || u.AuthProvider != ProviderGoogle {
		t.Fatalf("unexpected user %+v", u)
	}
	if _, err := d.RegisterGoogle(id); !errors.Is(err, ErrEmailExists) {
		t.Fatalf("expected existing user, got %v", err)
	}

	id.Picture = "https://example.com/a.png"
	got, err := d.SignInGoogle(id)
	if err != nil || got.ID != u.ID || got.Picture != id.Picture {
		t.Fatalf("SignInGoogle = %+v, %v", got, err)
	}

	if _, err := d.Authenticate("alice", ""); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatal("google-only accounts have no password")
	}
}

func TestGoogleUsernameSuffix(t *testing.T) {
	d := newTestDirectory()
	if _, err := d.Register("alice", "alice@other.com", "", "Secret123"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := d.Register("alice1", "alice1@other.com", "", "Secret123"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	u, err := d.RegisterGoogle(GoogleIdentity{Subject: "g-2", Email: "alice@example.com"})
	if err != nil {
		t.Fatalf("RegisterGoogle: %v", err)
	}
	if u.Username != "alice2" {
		t.Fatalf("expected alice2, got %s", u.Username)
	}
}

func TestGoogleLinksExistingLocalAccount(t *testing.T) {
	d := newTestDirectory()
	local, _ := d.Register("bob", "bob@example.com", "", "Secret123")

	u, err := d.SignInGoogle(GoogleIdentity{Subject: "g-3", Email: "bob@example.com", Name: "Bob"})
	if err != nil || u.ID != local.ID {
		t.Fatalf("expected link to local account, got %+v %v", u, err)
	}
	if u.GoogleID != "g-3" || u.AuthProvider != ProviderGoogle {
		t.Fatalf("google id not linked: %+v", u)
	}
}
