package server

import (
	"context"

	"github.com/giantswarm/oauth-core/storage"
)

// AuthorizationEvent is passed to observers around an authorization decision.
type AuthorizationEvent struct {
	UserID string
	Client *storage.Client

	// IsAuthorizedClient is the decision. Pre-authorization observers may
	// change it; the value after the last observer is final.
	IsAuthorizedClient bool
}

// AuthorizationObserver is notified before and after every authorization decision.
type AuthorizationObserver interface {
	// PreAuthorization runs before the decision is applied and may modify event.
	PreAuthorization(ctx context.Context, event *AuthorizationEvent)

	// PostAuthorization receives a copy of the final event.
	PostAuthorization(ctx context.Context, event AuthorizationEvent)
}

// AuthorizationObserverFuncs adapts plain functions to AuthorizationObserver.
// Nil fields are skipped.
type AuthorizationObserverFuncs struct {
	Pre  func(ctx context.Context, event *AuthorizationEvent)
	Post func(ctx context.Context, event AuthorizationEvent)
}

// PreAuthorization calls f.Pre if set.
func (f AuthorizationObserverFuncs) PreAuthorization(ctx context.Context, event *AuthorizationEvent) {
	if f.Pre != nil {
		f.Pre(ctx, event)
	}
}

// PostAuthorization calls f.Post if set.
func (f AuthorizationObserverFuncs) PostAuthorization(ctx context.Context, event AuthorizationEvent) {
	if f.Post != nil {
		f.Post(ctx, event)
	}
}

// RegisterAuthorizationObserver adds an observer. Observers run in
// registration order.
func (s *Server) RegisterAuthorizationObserver(obs AuthorizationObserver) {
	if obs == nil {
		return
	}
	s.observersMu.Lock()
	defer s.observersMu.Unlock()
	s.observers = append(s.observers, obs)
}

func (s *Server) authorizationObservers() []AuthorizationObserver {
	s.observersMu.RLock()
	defer s.observersMu.RUnlock()
	return append([]AuthorizationObserver(nil), s.observers...)
}

func (s *Server) notifyPreAuthorization(ctx context.Context, event *AuthorizationEvent) {
	for _, obs := range s.authorizationObservers() {
		obs.PreAuthorization(ctx, event)
	}
}

func (s *Server) notifyPostAuthorization(ctx context.Context, event AuthorizationEvent) {
	for _, obs := range s.authorizationObservers() {
		cp := event
		cp.Client = event.Client.Clone()
		obs.PostAuthorization(ctx, cp)
	}
}
