package storage

import (
	"errors"
	"testing"

	"github.com/giantswarm/oauth-core/credentials"
)

func TestClient_CheckSecret(t *testing.T) {
	candidates := []string{"", "secret", "Secret", "secret ", "anything", "s3cr3t-with-more-bytes"}

	t.Run("unset secret accepts every candidate", func(t *testing.T) {
		c := &Client{ID: "1", RandomID: "abc"}
		for _, candidate := range candidates {
			if !c.CheckSecret(candidate) {
				t.Errorf("CheckSecret(%q) = false, want true for client without secret", candidate)
			}
		}
	})

	t.Run("stored secret accepts only the exact value", func(t *testing.T) {
		c := &Client{ID: "1", RandomID: "abc", Secret: "secret"}
		for _, candidate := range candidates {
			want := candidate == "secret"
			if got := c.CheckSecret(candidate); got != want {
				t.Errorf("CheckSecret(%q) = %v, want %v", candidate, got, want)
			}
		}
	})
}

func TestNewClient(t *testing.T) {
	gen := credentials.Sequence("random-id", "the-secret")

	c := NewClient(gen)
	if c.RandomID != "random-id" {
		t.Errorf("RandomID = %q, want %q", c.RandomID, "random-id")
	}
	if c.Secret != "the-secret" {
		t.Errorf("Secret = %q, want %q", c.Secret, "the-secret")
	}
	if !c.IsGrantTypeAllowed(GrantTypeAuthorizationCode) {
		t.Error("new client should allow authorization_code by default")
	}
	if c.IsGrantTypeAllowed(GrantTypeClientCredentials) {
		t.Error("new client should not allow client_credentials by default")
	}
}

func TestClient_PublicID(t *testing.T) {
	c := &Client{ID: "42", RandomID: "x_y-z"}
	if got := c.PublicID(); got != "42_x_y-z" {
		t.Errorf("PublicID() = %q, want %q", got, "42_x_y-z")
	}

	id, randomID, err := ParsePublicID(c.PublicID())
	if err != nil {
		t.Fatalf("ParsePublicID() error = %v", err)
	}
	if id != c.ID || randomID != c.RandomID {
		t.Errorf("ParsePublicID() = (%q, %q), want (%q, %q)", id, randomID, c.ID, c.RandomID)
	}
}

func TestParsePublicID_InvalidFormat(t *testing.T) {
	tests := []struct {
		name     string
		publicID string
	}{
		{name: "empty", publicID: ""},
		{name: "no separator", publicID: "abcdef"},
		{name: "missing id", publicID: "_abcdef"},
		{name: "missing random id", publicID: "abcdef_"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := ParsePublicID(tt.publicID)
			if !errors.Is(err, ErrInvalidPublicIDFormat) {
				t.Errorf("ParsePublicID(%q) error = %v, want ErrInvalidPublicIDFormat", tt.publicID, err)
			}
		})
	}
}

func TestClient_HasRedirectURI(t *testing.T) {
	c := &Client{RedirectURIs: []string{"https://app.example/cb"}}

	tests := []struct {
		uri  string
		want bool
	}{
		{uri: "https://app.example/cb", want: true},
		{uri: "https://app.example/cb/", want: false},
		{uri: "https://app.example/cb?x=1", want: false},
		{uri: "https://app.example", want: false},
		{uri: "http://app.example/cb", want: false},
	}

	for _, tt := range tests {
		if got := c.HasRedirectURI(tt.uri); got != tt.want {
			t.Errorf("HasRedirectURI(%q) = %v, want %v", tt.uri, got, tt.want)
		}
	}
}

func TestClient_Clone(t *testing.T) {
	c := &Client{ID: "1", RandomID: "r", RedirectURIs: []string{"https://a/cb"}, AllowedGrantTypes: []string{GrantTypePassword}}
	cp := c.Clone()
	cp.RedirectURIs[0] = "https://evil/cb"
	cp.AllowedGrantTypes[0] = GrantTypeClientCredentials

	if c.RedirectURIs[0] != "https://a/cb" {
		t.Error("Clone() shares RedirectURIs with the original")
	}
	if c.AllowedGrantTypes[0] != GrantTypePassword {
		t.Error("Clone() shares AllowedGrantTypes with the original")
	}
}

func TestClient_Validate(t *testing.T) {
	tests := []struct {
		name    string
		client  *Client
		wantErr bool
	}{
		{name: "nil", client: nil, wantErr: true},
		{name: "missing random id", client: &Client{}, wantErr: true},
		{name: "separator in id", client: &Client{ID: "a_b", RandomID: "r"}, wantErr: true},
		{name: "id not a uuid", client: &Client{ID: "dashboard", RandomID: "r"}, wantErr: true},
		{name: "uppercase uuid", client: &Client{ID: "5B0E6A3C-6F1E-4C8A-9A53-0C2F3D9E7B11", RandomID: "r"}, wantErr: true},
		{name: "urn uuid", client: &Client{ID: "urn:uuid:5b0e6a3c-6f1e-4c8a-9a53-0c2f3d9e7b11", RandomID: "r"}, wantErr: true},
		{name: "id assigned by store", client: &Client{RandomID: "r"}, wantErr: false},
		{name: "valid", client: &Client{ID: "5b0e6a3c-6f1e-4c8a-9a53-0c2f3d9e7b11", RandomID: "r"}, wantErr: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.client.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
