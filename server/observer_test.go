package server

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/giantswarm/oauth-core/security"
	"github.com/giantswarm/oauth-core/storage"
)

func newPendingAuthorization(t *testing.T, srv *Server) (*Authorization, *storage.Client) {
	t.Helper()

	client := createTestClient(t, srv)
	auth, err := srv.ValidateAuthorizationRequest(context.Background(), AuthorizationRequest{
		ResponseType: ResponseTypeCode,
		ClientID:     client.PublicID(),
	})
	if err != nil {
		t.Fatalf("ValidateAuthorizationRequest() error = %v", err)
	}
	return auth, client
}

func TestObservers_PreCanApprove(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	auth, client := newPendingAuthorization(t, srv)

	var post []AuthorizationEvent
	srv.RegisterAuthorizationObserver(AuthorizationObserverFuncs{
		Pre: func(_ context.Context, e *AuthorizationEvent) {
			if e.Client.PublicID() != client.PublicID() {
				t.Errorf("pre event client = %q", e.Client.PublicID())
			}
			// Trusted first-party client: skip the consent screen.
			e.IsAuthorizedClient = true
		},
		Post: func(_ context.Context, e AuthorizationEvent) {
			post = append(post, e)
		},
	})

	result, err := srv.FinalizeAuthorization(context.Background(), auth, "alice", false)
	if err != nil {
		t.Fatalf("FinalizeAuthorization() error = %v", err)
	}
	if !result.Approved || result.Code == nil {
		t.Fatal("observer approval was not applied")
	}
	if len(post) != 1 || !post[0].IsAuthorizedClient || post[0].UserID != "alice" {
		t.Errorf("post events = %+v", post)
	}
}

func TestObservers_PreCanDeny(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	auth, _ := newPendingAuthorization(t, srv)

	srv.RegisterAuthorizationObserver(AuthorizationObserverFuncs{
		Pre: func(_ context.Context, e *AuthorizationEvent) { e.IsAuthorizedClient = false },
	})

	result, err := srv.FinalizeAuthorization(context.Background(), auth, "alice", true)
	if err != nil {
		t.Fatalf("FinalizeAuthorization() error = %v", err)
	}
	if result.Approved {
		t.Error("observer denial was not applied")
	}
}

func TestObservers_OrderAndPostCopy(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	auth, client := newPendingAuthorization(t, srv)

	var order []string
	srv.RegisterAuthorizationObserver(AuthorizationObserverFuncs{
		Pre:  func(context.Context, *AuthorizationEvent) { order = append(order, "pre-1") },
		Post: func(_ context.Context, e AuthorizationEvent) { order = append(order, "post-1"); e.Client.Name = "mutated" },
	})
	srv.RegisterAuthorizationObserver(AuthorizationObserverFuncs{
		Pre:  func(context.Context, *AuthorizationEvent) { order = append(order, "pre-2") },
		Post: func(context.Context, AuthorizationEvent) { order = append(order, "post-2") },
	})
	srv.RegisterAuthorizationObserver(nil)

	if _, err := srv.FinalizeAuthorization(context.Background(), auth, "alice", true); err != nil {
		t.Fatalf("FinalizeAuthorization() error = %v", err)
	}

	want := []string{"pre-1", "pre-2", "post-1", "post-2"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
	if auth.Client.Name != client.Name {
		t.Error("post observer mutated the authorization's client")
	}
}

func TestObservers_PostRunsOnDenial(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	auth, _ := newPendingAuthorization(t, srv)

	calls := 0
	srv.RegisterAuthorizationObserver(AuthorizationObserverFuncs{
		Post: func(_ context.Context, e AuthorizationEvent) {
			calls++
			if e.IsAuthorizedClient {
				t.Error("post event should report the denial")
			}
		},
	})

	if _, err := srv.FinalizeAuthorization(context.Background(), auth, "alice", false); err != nil {
		t.Fatalf("FinalizeAuthorization() error = %v", err)
	}
	if calls != 1 {
		t.Errorf("post observer calls = %d, want 1", calls)
	}
}

func TestObservers_PostSeesDenialWhenIssuanceFails(t *testing.T) {
	ctx := context.Background()
	srv, _ := newTestServer(t, nil)
	auth, client := newPendingAuthorization(t, srv)

	var audit bytes.Buffer
	srv.SetAuditor(security.NewAuditor(slog.New(slog.NewJSONHandler(&audit, nil)), true))

	var post []AuthorizationEvent
	srv.RegisterAuthorizationObserver(AuthorizationObserverFuncs{
		Post: func(_ context.Context, e AuthorizationEvent) { post = append(post, e) },
	})

	// The client goes away while the user is on the consent screen.
	if _, err := srv.DeleteClient(ctx, client); err != nil {
		t.Fatalf("DeleteClient() error = %v", err)
	}
	audit.Reset()

	result, err := srv.FinalizeAuthorization(ctx, auth, "alice", true)
	assertKind(t, err, ErrInvalidClient)
	if result != nil {
		t.Errorf("result = %+v, want nil", result)
	}
	if len(post) != 1 || post[0].IsAuthorizedClient {
		t.Errorf("post events = %+v, want one denial", post)
	}
	if !strings.Contains(audit.String(), security.EventAuthorizationDenied) {
		t.Errorf("audit log = %q, want %s", audit.String(), security.EventAuthorizationDenied)
	}
	if strings.Contains(audit.String(), security.EventAuthorizationApproved) {
		t.Errorf("audit log records an approval: %q", audit.String())
	}
	if auth.State() != StateFinalized {
		t.Errorf("State() = %v, want finalized", auth.State())
	}
}
