package server

import (
	"context"
	"errors"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestStaticIdentityVerifier(t *testing.T) {
	v := NewStaticIdentityVerifierWithCost(bcrypt.MinCost)
	if err := v.AddUser("alice", "wonderland"); err != nil {
		t.Fatalf("AddUser() error = %v", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte("builder"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("GenerateFromPassword() error = %v", err)
	}
	if err := v.AddUserHash("bob", hash); err != nil {
		t.Fatalf("AddUserHash() error = %v", err)
	}

	tests := []struct {
		name     string
		username string
		password string
		wantID   string
		wantErr  bool
	}{
		{name: "alice", username: "alice", password: "wonderland", wantID: "alice"},
		{name: "bob from hash", username: "bob", password: "builder", wantID: "bob"},
		{name: "wrong password", username: "alice", password: "builder", wantErr: true},
		{name: "unknown user", username: "carol", password: "wonderland", wantErr: true},
		{name: "empty password", username: "alice", password: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := v.VerifyCredentials(context.Background(), tt.username, tt.password)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidCredentials) {
					t.Errorf("error = %v, want ErrInvalidCredentials", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("VerifyCredentials() error = %v", err)
			}
			if id != tt.wantID {
				t.Errorf("user id = %q, want %q", id, tt.wantID)
			}
		})
	}
}

func TestStaticIdentityVerifier_InvalidInput(t *testing.T) {
	v := NewStaticIdentityVerifier()

	if err := v.AddUser("", "password"); err == nil {
		t.Error("expected error for empty username")
	}
	if err := v.AddUserHash("alice", []byte("not-a-hash")); err == nil {
		t.Error("expected error for invalid hash")
	}
}
