package oauth

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/giantswarm/oauth-core/server"
)

// ErrDecisionPending is returned by an AuthorizationDecider that has
// written its own response, such as a login prompt or a consent page.
// The handler then leaves the request alone.
var ErrDecisionPending = errors.New("authorization decision pending")

// Decision is the resource owner's answer to an authorization request.
type Decision struct {
	UserID   string
	Approved bool
}

// AuthorizationDecider obtains the resource owner's decision for a
// validated authorization request. How the user is authenticated and
// asked for consent is up to the implementation.
type AuthorizationDecider interface {
	Decide(w http.ResponseWriter, r *http.Request, auth *server.Authorization) (*Decision, error)
}

// AuthorizationDeciderFunc adapts a function to AuthorizationDecider.
type AuthorizationDeciderFunc func(w http.ResponseWriter, r *http.Request, auth *server.Authorization) (*Decision, error)

// Decide calls f.
func (f AuthorizationDeciderFunc) Decide(w http.ResponseWriter, r *http.Request, auth *server.Authorization) (*Decision, error) {
	return f(w, r, auth)
}

// AcceptedParam is the request parameter carrying an explicit consent
// answer: "true" approves, "false" denies.
const AcceptedParam = "accepted"

// BasicAuthDecider authenticates the resource owner with HTTP Basic
// credentials checked by an IdentityVerifier.
//
// Without AutoApprove the request must carry accepted=true to be
// approved; accepted=false always denies.
type BasicAuthDecider struct {
	Verifier    server.IdentityVerifier
	Realm       string
	AutoApprove bool
}

var _ AuthorizationDecider = (*BasicAuthDecider)(nil)

// Decide implements AuthorizationDecider.
func (d *BasicAuthDecider) Decide(w http.ResponseWriter, r *http.Request, _ *server.Authorization) (*Decision, error) {
	if d.Verifier == nil {
		return nil, fmt.Errorf("basic auth decider has no identity verifier")
	}

	username, password, ok := r.BasicAuth()
	if !ok {
		d.challenge(w)
		return nil, ErrDecisionPending
	}

	userID, err := d.Verifier.VerifyCredentials(r.Context(), username, password)
	if errors.Is(err, server.ErrInvalidCredentials) {
		d.challenge(w)
		return nil, ErrDecisionPending
	}
	if err != nil {
		return nil, fmt.Errorf("failed to verify resource owner: %w", err)
	}

	approved := d.AutoApprove
	switch r.FormValue(AcceptedParam) {
	case "true":
		approved = true
	case "false":
		approved = false
	}
	return &Decision{UserID: userID, Approved: approved}, nil
}

func (d *BasicAuthDecider) challenge(w http.ResponseWriter) {
	realm := d.Realm
	if realm == "" {
		realm = "oauth"
	}
	w.Header().Set("WWW-Authenticate", fmt.Sprintf("Basic realm=%q, charset=\"UTF-8\"", realm))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:            ErrorCodeAccessDenied,
		ErrorDescription: "resource owner authentication required",
	})
}
