package server

import (
	"context"
	"errors"
	"net/url"
	"strconv"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/giantswarm/oauth-core/instrumentation"
	"github.com/giantswarm/oauth-core/security"
	"github.com/giantswarm/oauth-core/storage"
)

// Response types accepted at the authorization endpoint.
const (
	ResponseTypeCode  = "code"
	ResponseTypeToken = "token"
)

// TokenTypeBearer is the token_type of every access token issued.
const TokenTypeBearer = "bearer"

// AuthorizationState is the position of an authorization request in its lifecycle.
type AuthorizationState int

const (
	StateRequested AuthorizationState = iota
	StateAwaitingUserDecision
	StateApproved
	StateDenied
	StateFinalized
)

func (st AuthorizationState) String() string {
	switch st {
	case StateRequested:
		return "requested"
	case StateAwaitingUserDecision:
		return "awaiting_user_decision"
	case StateApproved:
		return "approved"
	case StateDenied:
		return "denied"
	case StateFinalized:
		return "finalized"
	}
	return "unknown"
}

// AuthorizationRequest holds the parameters of an authorization endpoint request.
type AuthorizationRequest struct {
	ResponseType string
	ClientID     string
	RedirectURI  string
	Scope        string
	State        string
}

// Authorization is a validated authorization request awaiting the
// resource owner's decision.
type Authorization struct {
	Request AuthorizationRequest
	Client  *storage.Client

	// RedirectURI is the verified redirect target. It equals
	// Request.RedirectURI, or the client's only registered URI when the
	// request omitted it.
	RedirectURI string

	// Scope is the normalized requested scope.
	Scope string

	state AuthorizationState
}

// State returns the current lifecycle state.
func (a *Authorization) State() AuthorizationState {
	return a.state
}

// AuthorizationResult is the outcome of FinalizeAuthorization.
type AuthorizationResult struct {
	Approved bool

	// RedirectURL is where the user agent is sent: the redirect URI with
	// the code (query), the access token (fragment) or an access_denied error.
	RedirectURL string

	// Code is set for an approved code request.
	Code *storage.Token

	// AccessToken is set for an approved token request.
	AccessToken *storage.Token
}

// ValidateAuthorizationRequest checks the client, redirect URI, response
// type and scope of req and moves it to StateAwaitingUserDecision.
//
// Errors of kind ErrInvalidClient and ErrInvalidRedirectURI must not be
// redirected. For any other error the returned Authorization carries the
// verified RedirectURI so the error can be sent to the client.
func (s *Server) ValidateAuthorizationRequest(ctx context.Context, req AuthorizationRequest) (auth *Authorization, err error) {
	ctx, span := s.startSpan(ctx, "server.validate_authorization")
	defer endSpan(span)
	defer func() {
		if err != nil {
			instrumentation.RecordError(span, err)
		} else {
			instrumentation.SetSpanSuccess(span)
		}
	}()

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, req.ClientID),
		attribute.String(instrumentation.AttrResponseType, req.ResponseType),
	)

	auth = &Authorization{Request: req, state: StateRequested}

	client, err := s.GetClient(ctx, req.ClientID)
	if err != nil {
		return nil, err
	}
	auth.Client = client

	switch {
	case req.RedirectURI == "" && len(client.RedirectURIs) == 1:
		auth.RedirectURI = client.RedirectURIs[0]
	case req.RedirectURI == "":
		return nil, newError(ErrInvalidRedirectURI, "redirect_uri is required")
	case !client.HasRedirectURI(req.RedirectURI):
		s.Logger.Warn("Authorization request with unregistered redirect_uri",
			"client_id", req.ClientID)
		s.Auditor.LogEvent(security.Event{
			Type:     security.EventInvalidRedirect,
			ClientID: req.ClientID,
		})
		return nil, newError(ErrInvalidRedirectURI, "redirect_uri is not registered for this client")
	default:
		auth.RedirectURI = req.RedirectURI
	}

	switch req.ResponseType {
	case ResponseTypeCode:
		if !client.IsGrantTypeAllowed(storage.GrantTypeAuthorizationCode) {
			return auth, newError(ErrUnauthorizedClient, "client is not allowed to request an authorization code")
		}
	case ResponseTypeToken:
		if !client.IsGrantTypeAllowed(storage.GrantTypeImplicit) {
			return auth, newError(ErrUnauthorizedClient, "client is not allowed to request an access token")
		}
	default:
		return auth, newError(ErrUnsupportedResponseType, "response_type %q is not supported", req.ResponseType)
	}

	scope, err := s.resolveScope(client, req.Scope)
	if err != nil {
		return auth, err
	}
	auth.Scope = scope

	auth.state = StateAwaitingUserDecision
	return auth, nil
}

// FinalizeAuthorization applies the resource owner's decision. Observers
// see the event before the decision is applied and may change it, and
// receive a copy of the final event afterwards.
func (s *Server) FinalizeAuthorization(ctx context.Context, auth *Authorization, userID string, approved bool) (result *AuthorizationResult, err error) {
	ctx, span := s.startSpan(ctx, "server.finalize_authorization")
	defer endSpan(span)

	if auth == nil || auth.state != StateAwaitingUserDecision {
		return nil, newError(ErrInvalidRequest, "authorization request is not awaiting a decision")
	}

	event := &AuthorizationEvent{
		UserID:             userID,
		Client:             auth.Client,
		IsAuthorizedClient: approved,
	}
	s.notifyPreAuthorization(ctx, event)

	if event.IsAuthorizedClient && event.UserID == "" {
		s.Logger.Warn("Authorization approved without a user, denying", "client_id", auth.Client.PublicID())
		event.IsAuthorizedClient = false
	}

	result = &AuthorizationResult{Approved: event.IsAuthorizedClient}
	if result.Approved {
		auth.state = StateApproved
		if err = s.approve(ctx, auth, event.UserID, result); err != nil {
			// Nothing was granted; observers and the audit trail see a denial.
			event.IsAuthorizedClient = false
			result.Approved = false
			auth.state = StateDenied
		}
	} else {
		auth.state = StateDenied
		result.RedirectURL = buildRedirect(auth, url.Values{"error": {ErrAccessDenied.Error()}})
	}

	decided := auth.state
	s.notifyPostAuthorization(ctx, *event)
	auth.state = StateFinalized

	clientID := auth.Client.PublicID()
	s.Auditor.LogAuthorizationDecision(clientID, event.UserID, auth.Request.ResponseType, result.Approved)
	if m := s.metrics(); m != nil {
		m.RecordAuthorizationFinalized(ctx, clientID, auth.Request.ResponseType, result.Approved)
	}
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, clientID),
		attribute.Bool(instrumentation.AttrApproved, result.Approved),
		attribute.String(instrumentation.AttrAuthState, decided.String()),
	)
	instrumentation.AddOAuthFlowAttributes(span, "", event.UserID, auth.Scope)

	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}
	instrumentation.SetSpanSuccess(span)
	return result, nil
}

func (s *Server) approve(ctx context.Context, auth *Authorization, userID string, result *AuthorizationResult) error {
	clientID := auth.Client.PublicID()

	switch auth.Request.ResponseType {
	case ResponseTypeCode:
		code, err := s.tokenStore.Issue(ctx, storage.IssueParams{
			Kind:        storage.KindAuthCode,
			ClientID:    clientID,
			UserID:      userID,
			Scope:       auth.Scope,
			RedirectURI: auth.Request.RedirectURI,
			FamilyID:    uuid.NewString(),
			TTL:         s.Config.codeTTL(),
		})
		if err != nil {
			return issueError(err, "failed to issue authorization code")
		}
		result.Code = code
		result.RedirectURL = buildRedirect(auth, url.Values{"code": {code.Token}})

	case ResponseTypeToken:
		access, err := s.tokenStore.Issue(ctx, storage.IssueParams{
			Kind:     storage.KindAccessToken,
			ClientID: clientID,
			UserID:   userID,
			Scope:    auth.Scope,
			FamilyID: uuid.NewString(),
			TTL:      s.Config.accessTTL(),
		})
		if err != nil {
			return issueError(err, "failed to issue access token")
		}
		result.AccessToken = access

		params := url.Values{
			"access_token": {access.Token},
			"token_type":   {TokenTypeBearer},
		}
		if expiresIn := expiresInSeconds(access, s.now()); expiresIn > 0 {
			params.Set("expires_in", strconv.FormatInt(expiresIn, 10))
		}
		if auth.Scope != "" {
			params.Set("scope", auth.Scope)
		}
		result.RedirectURL = buildRedirect(auth, params)
		if m := s.metrics(); m != nil {
			m.RecordTokenIssued(ctx, storage.GrantTypeImplicit, string(storage.KindAccessToken))
		}

	default:
		return errors.New("unexpected response type")
	}
	return nil
}

// ErrorRedirect builds the redirect carrying err for a request whose
// redirect URI has been verified. It returns "" when err must not be
// redirected.
func ErrorRedirect(auth *Authorization, err error) string {
	if auth == nil || auth.RedirectURI == "" {
		return ""
	}
	kind := ErrorKind(err)
	if errors.Is(kind, ErrInvalidClient) || errors.Is(kind, ErrInvalidRedirectURI) {
		return ""
	}
	params := url.Values{"error": {kind.Error()}}
	if desc := ErrorDescription(err); desc != "" {
		params.Set("error_description", desc)
	}
	return buildRedirect(auth, params)
}

// buildRedirect adds params and the echoed state to the redirect URI, in
// the query for code requests and in the fragment for token requests.
func buildRedirect(auth *Authorization, params url.Values) string {
	if auth.Request.State != "" {
		params.Set("state", auth.Request.State)
	}

	u, err := url.Parse(auth.RedirectURI)
	if err != nil {
		// Registered URIs are validated at registration.
		return ""
	}

	if auth.Request.ResponseType == ResponseTypeToken {
		u.Fragment = ""
		u.RawFragment = ""
		return u.String() + "#" + params.Encode()
	}

	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}
