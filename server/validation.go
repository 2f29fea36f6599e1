package server

import (
	"fmt"
	"net"
	"net/url"
	"slices"
	"strings"

	"github.com/giantswarm/oauth-core/internal/util"
	"github.com/giantswarm/oauth-core/security"
	"github.com/giantswarm/oauth-core/storage"
)

// URI scheme constants
const (
	SchemeHTTP  = "http"
	SchemeHTTPS = "https"
)

// DangerousSchemes lists URI schemes that are never accepted as redirect URIs.
var DangerousSchemes = []string{"javascript", "data", "file", "vbscript", "about"}

// validateHTTPSEnforcement rejects an http:// issuer on a non-loopback host
// unless AllowInsecureHTTP is set.
func (s *Server) validateHTTPSEnforcement() error {
	if s.Config.Issuer == "" {
		return nil
	}

	issuerURL, err := url.Parse(s.Config.Issuer)
	if err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}

	switch issuerURL.Scheme {
	case SchemeHTTPS:
		return nil
	case SchemeHTTP:
		hostname := issuerURL.Hostname()
		if isLocalhostHostname(hostname) {
			if !s.Config.AllowInsecureHTTP {
				s.Logger.Warn("DEVELOPMENT WARNING: Running OAuth over HTTP on localhost",
					"issuer", s.Config.Issuer,
					"to_suppress", "Set AllowInsecureHTTP=true in Config")
			}
			return nil
		}
		if !s.Config.AllowInsecureHTTP {
			return fmt.Errorf("issuer must use HTTPS (got %s://%s); set AllowInsecureHTTP=true to override",
				issuerURL.Scheme, hostname)
		}
		s.Logger.Error("CRITICAL SECURITY WARNING: Running OAuth server over HTTP",
			"issuer", s.Config.Issuer,
			"hostname", hostname,
			"risk", "All tokens and credentials exposed to network sniffing")
		return nil
	default:
		return fmt.Errorf("invalid issuer URL scheme: %s (must be http or https)", issuerURL.Scheme)
	}
}

// isLocalhostHostname reports whether hostname is localhost or a loopback address.
func isLocalhostHostname(hostname string) bool {
	if hostname == "localhost" || hostname == "0.0.0.0" {
		return true
	}
	hostname = strings.TrimSuffix(strings.TrimPrefix(hostname, "["), "]")
	if ip := net.ParseIP(hostname); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

// validateRedirectURIForRegistration checks a redirect URI before it is
// stored on a client: absolute, no fragment, no dangerous scheme.
func validateRedirectURIForRegistration(redirectURI string) error {
	parsed, err := url.Parse(redirectURI)
	if err != nil {
		return fmt.Errorf("invalid redirect_uri format: %w", err)
	}
	if !parsed.IsAbs() {
		return fmt.Errorf("redirect_uri must be an absolute URI: %s", redirectURI)
	}
	if parsed.Fragment != "" {
		return fmt.Errorf("redirect_uri must not contain a fragment: %s", redirectURI)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if slices.Contains(DangerousSchemes, scheme) {
		return fmt.Errorf("redirect_uri scheme %q is not allowed", scheme)
	}
	if (scheme == SchemeHTTP || scheme == SchemeHTTPS) && parsed.Host == "" {
		return fmt.Errorf("redirect_uri must include a host: %s", redirectURI)
	}
	return nil
}

// knownGrantTypes lists the grant types a client may be allowed.
var knownGrantTypes = []string{
	storage.GrantTypeAuthorizationCode,
	storage.GrantTypeRefreshToken,
	storage.GrantTypeClientCredentials,
	storage.GrantTypePassword,
	storage.GrantTypeImplicit,
}

func (s *Server) validateGrantTypes(grantTypes []string) error {
	for _, gt := range grantTypes {
		if _, ok := s.grants[gt]; ok {
			continue
		}
		if !slices.Contains(knownGrantTypes, gt) {
			return fmt.Errorf("unknown grant type %q", gt)
		}
	}
	return nil
}

// resolveScope normalizes a requested scope and checks it against the
// client's scopes, or the server's supported scopes when the client has none.
func (s *Server) resolveScope(client *storage.Client, requested string) (string, error) {
	scope := util.NormalizeScope(requested)

	allowed := client.Scopes
	if len(allowed) == 0 {
		allowed = s.Config.SupportedScopes
	}
	if !util.ScopeAllowed(scope, allowed) {
		s.Auditor.LogEvent(security.Event{
			Type:     security.EventScopeEscalationAttempt,
			ClientID: client.PublicID(),
			Details:  map[string]any{"requested_scope": scope},
		})
		return "", newError(ErrInvalidScope, "requested scope is not allowed")
	}
	return scope, nil
}
