package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/giantswarm/oauth-core/internal/util"
	"github.com/giantswarm/oauth-core/storage"
)

// tokenJSON is the stored representation of a token. Timestamps are
// RFC 3339 strings so the Lua scripts can copy them without precision loss;
// empty means unset.
type tokenJSON struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Token       string `json:"token"`
	ClientID    string `json:"client_id"`
	UserID      string `json:"user_id,omitempty"`
	Scope       string `json:"scope,omitempty"`
	RedirectURI string `json:"redirect_uri,omitempty"`
	FamilyID    string `json:"family_id,omitempty"`
	ExpiresAt   string `json:"expires_at,omitempty"`
	CreatedAt   string `json:"created_at"`
	RevokedAt   string `json:"revoked_at,omitempty"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

func toTokenJSON(t *storage.Token) tokenJSON {
	return tokenJSON{
		ID:          t.ID,
		Kind:        string(t.Kind),
		Token:       t.Token,
		ClientID:    t.ClientID,
		UserID:      t.UserID,
		Scope:       t.Scope,
		RedirectURI: t.RedirectURI,
		FamilyID:    t.FamilyID,
		ExpiresAt:   formatTime(t.ExpiresAt),
		CreatedAt:   formatTime(t.CreatedAt),
		RevokedAt:   formatTime(t.RevokedAt),
	}
}

func fromTokenJSON(data []byte) (*storage.Token, error) {
	var j tokenJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token: %w", err)
	}

	t := &storage.Token{
		ID:          j.ID,
		Kind:        storage.TokenKind(j.Kind),
		Token:       j.Token,
		ClientID:    j.ClientID,
		UserID:      j.UserID,
		Scope:       j.Scope,
		RedirectURI: j.RedirectURI,
		FamilyID:    j.FamilyID,
	}

	var err error
	if t.ExpiresAt, err = parseTime(j.ExpiresAt); err != nil {
		return nil, fmt.Errorf("invalid expires_at: %w", err)
	}
	if t.CreatedAt, err = parseTime(j.CreatedAt); err != nil {
		return nil, fmt.Errorf("invalid created_at: %w", err)
	}
	if t.RevokedAt, err = parseTime(j.RevokedAt); err != nil {
		return nil, fmt.Errorf("invalid revoked_at: %w", err)
	}
	return t, nil
}

// ============================================================
// Lua Scripts for Atomic Operations
// ============================================================

// revokeTokenScript atomically marks a token revoked.
//
// KEYS[1] = token key
// ARGV[1] = expected kind
// ARGV[2] = revocation timestamp (RFC 3339)
// ARGV[3] = retention in seconds for tokens without expiry
//
// Returns {status, json} with status "OK" when this call revoked the token or
// "REVOKED" when it already was; nil when the key is missing or the kind
// does not match.
var revokeTokenScript = goredis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data then
	return false
end
local tok = cjson.decode(data)
if tok.kind ~= ARGV[1] then
	return false
end
if tok.revoked_at then
	return {'REVOKED', data}
end
tok.revoked_at = ARGV[2]
local out = cjson.encode(tok)
redis.call('SET', KEYS[1], out, 'KEEPTTL')
if not tok.expires_at then
	redis.call('EXPIRE', KEYS[1], tonumber(ARGV[3]))
end
return {'OK', out}
`)

// revokeSetScript revokes every live token listed in an index set and prunes
// members whose token key has expired.
//
// KEYS[1] = index set key
// ARGV[1] = token key prefix
// ARGV[2] = revocation timestamp (RFC 3339)
// ARGV[3] = retention in seconds for tokens without expiry
//
// Returns the number of tokens revoked by this call.
var revokeSetScript = goredis.NewScript(`
local members = redis.call('SMEMBERS', KEYS[1])
local count = 0
for _, value in ipairs(members) do
	local key = ARGV[1] .. value
	local data = redis.call('GET', key)
	if not data then
		redis.call('SREM', KEYS[1], value)
	else
		local tok = cjson.decode(data)
		if not tok.revoked_at then
			tok.revoked_at = ARGV[2]
			redis.call('SET', key, cjson.encode(tok), 'KEEPTTL')
			if not tok.expires_at then
				redis.call('EXPIRE', key, tonumber(ARGV[3]))
			end
			count = count + 1
		end
	end
end
return count
`)

// issueTokenScript claims a token value and indexes it in one step. The
// client must still be registered, so a token is never written for a client
// removed concurrently. Each index set expires with its longest-lived member.
//
// KEYS[1] = client key
// KEYS[2] = token key
// KEYS[3..n] = index set keys
// ARGV[1] = client random id
// ARGV[2] = token value
// ARGV[3] = token JSON
// ARGV[4] = key lifetime in milliseconds, 0 for none
//
// Returns "OK", "NOCLIENT" or "COLLISION".
var issueTokenScript = goredis.NewScript(`
local client = redis.call('GET', KEYS[1])
if not client then
	return 'NOCLIENT'
end
if cjson.decode(client).random_id ~= ARGV[1] then
	return 'NOCLIENT'
end
local ttl = tonumber(ARGV[4])
local claimed
if ttl > 0 then
	claimed = redis.call('SET', KEYS[2], ARGV[3], 'NX', 'PX', ttl)
else
	claimed = redis.call('SET', KEYS[2], ARGV[3], 'NX')
end
if not claimed then
	return 'COLLISION'
end
for i = 3, #KEYS do
	local current = redis.call('PTTL', KEYS[i])
	redis.call('SADD', KEYS[i], ARGV[2])
	if ttl == 0 then
		redis.call('PERSIST', KEYS[i])
	elseif current == -2 or (current >= 0 and current < ttl) then
		redis.call('PEXPIRE', KEYS[i], ttl)
	end
end
return 'OK'
`)

// ============================================================
// TokenStore Implementation
// ============================================================

// Issue claims a fresh token value and indexes it in one script call,
// drawing again on collision.
func (s *Store) Issue(ctx context.Context, params storage.IssueParams) (*storage.Token, error) {
	if !params.Kind.Valid() {
		return nil, fmt.Errorf("invalid token kind %q", params.Kind)
	}
	if params.ClientID == "" {
		return nil, fmt.Errorf("token must belong to a client")
	}
	id, randomID, err := storage.ParsePublicID(params.ClientID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", storage.ErrClientNotFound, params.ClientID)
	}

	gen := s.getGenerator()
	for attempt := 1; attempt <= storage.MaxIssueAttempts; attempt++ {
		token := storage.NewToken(params, gen.GenerateToken(), s.now())
		token.ID = uuid.NewString()

		data, err := json.Marshal(toTokenJSON(token))
		if err != nil {
			return nil, fmt.Errorf("failed to marshal token: %w", err)
		}

		status, err := issueTokenScript.Run(ctx, s.client,
			s.issueKeys(id, token),
			randomID, token.Token, string(data), keyLifetimeMillis(s.ttlFor(token)),
		).Text()
		if err != nil {
			return nil, fmt.Errorf("failed to save token: %w", err)
		}

		switch status {
		case "OK":
			return token, nil
		case "NOCLIENT":
			return nil, fmt.Errorf("%w: %s", storage.ErrClientNotFound, params.ClientID)
		case "COLLISION":
			s.logger.Warn("Generated token value collided, regenerating",
				"attempt", attempt,
				"token_prefix", util.TokenPrefix(token.Token))
		default:
			return nil, fmt.Errorf("unexpected issue script reply: %q", status)
		}
	}

	return nil, fmt.Errorf("%w after %d attempts", storage.ErrTokenCollision, storage.MaxIssueAttempts)
}

// ttlFor returns the key lifetime for a freshly issued token: its remaining
// lifetime plus the clock skew grace period, or no expiry.
func (s *Store) ttlFor(token *storage.Token) time.Duration {
	if token.ExpiresAt.IsZero() {
		return 0
	}
	return token.ExpiresAt.Sub(s.now()) + s.gracePeriod
}

// keyLifetimeMillis converts a key lifetime for PX, where 0 means no expiry.
func keyLifetimeMillis(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	if ms := d.Milliseconds(); ms > 0 {
		return ms
	}
	return 1
}

// issueKeys lists the keys issueTokenScript touches, index sets last.
func (s *Store) issueKeys(clientID string, token *storage.Token) []string {
	keys := []string{
		s.clientKey(clientID),
		s.tokenKey(token.Token),
		s.clientTokensKey(token.ClientID),
	}
	if token.UserID != "" {
		keys = append(keys, s.userTokensKey(token.UserID))
	}
	if token.FamilyID != "" {
		keys = append(keys, s.familyKey(token.FamilyID))
	}
	return keys
}

// FindByToken looks up a token by kind and value.
func (s *Store) FindByToken(ctx context.Context, kind storage.TokenKind, value string) (*storage.Token, error) {
	if value == "" || len(value) > MaxTokenLength {
		return nil, fmt.Errorf("%w: %s", storage.ErrTokenNotFound, kind)
	}

	data, err := s.client.Get(ctx, s.tokenKey(value)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, fmt.Errorf("%w: %s", storage.ErrTokenNotFound, kind)
		}
		return nil, fmt.Errorf("failed to get token: %w", err)
	}

	token, err := fromTokenJSON(data)
	if err != nil {
		return nil, err
	}
	if token.Kind != kind {
		return nil, fmt.Errorf("%w: %s", storage.ErrTokenNotFound, kind)
	}
	if token.IsRevoked() {
		return token, storage.ErrTokenRevoked
	}
	return token, nil
}

// FindAndRevoke looks up and revokes a token in one script call.
func (s *Store) FindAndRevoke(ctx context.Context, kind storage.TokenKind, value string) (*storage.Token, error) {
	if value == "" || len(value) > MaxTokenLength {
		return nil, fmt.Errorf("%w: %s", storage.ErrTokenNotFound, kind)
	}

	status, token, err := s.runRevoke(ctx, kind, value)
	if err != nil {
		return nil, err
	}
	if status == "REVOKED" {
		return token, storage.ErrTokenRevoked
	}
	return token, nil
}

// Revoke marks a token as revoked.
func (s *Store) Revoke(ctx context.Context, token *storage.Token) error {
	if token == nil {
		return fmt.Errorf("token cannot be nil")
	}

	_, stored, err := s.runRevoke(ctx, token.Kind, token.Token)
	if err != nil {
		return err
	}
	token.RevokedAt = stored.RevokedAt
	return nil
}

func (s *Store) runRevoke(ctx context.Context, kind storage.TokenKind, value string) (string, *storage.Token, error) {
	res, err := revokeTokenScript.Run(ctx, s.client,
		[]string{s.tokenKey(value)},
		string(kind), formatTime(s.now()), int64(s.revokedRetention.Seconds()),
	).Slice()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return "", nil, fmt.Errorf("%w: %s", storage.ErrTokenNotFound, kind)
		}
		return "", nil, fmt.Errorf("failed to revoke token: %w", err)
	}
	if len(res) != 2 {
		return "", nil, fmt.Errorf("unexpected revoke script reply: %v", res)
	}

	status, _ := res[0].(string)
	data, _ := res[1].(string)
	token, err := fromTokenJSON([]byte(data))
	if err != nil {
		return "", nil, err
	}
	return status, token, nil
}

// RevokeFamily revokes every live token sharing familyID.
func (s *Store) RevokeFamily(ctx context.Context, familyID string) (int, error) {
	if familyID == "" {
		return 0, nil
	}
	return s.revokeSet(ctx, s.familyKey(familyID))
}

// RevokeAllForClient revokes every live token issued to client.
func (s *Store) RevokeAllForClient(ctx context.Context, client *storage.Client) (int, error) {
	if client == nil {
		return 0, fmt.Errorf("client cannot be nil")
	}
	return s.revokeSet(ctx, s.clientTokensKey(client.PublicID()))
}

// RevokeAllForUser revokes every live token issued on behalf of userID.
func (s *Store) RevokeAllForUser(ctx context.Context, userID string) (int, error) {
	if userID == "" {
		return 0, fmt.Errorf("userID cannot be empty")
	}
	return s.revokeSet(ctx, s.userTokensKey(userID))
}

func (s *Store) revokeSet(ctx context.Context, setKey string) (int, error) {
	n, err := revokeSetScript.Run(ctx, s.client,
		[]string{setKey},
		s.tokenKeyPrefix(), formatTime(s.now()), int64(s.revokedRetention.Seconds()),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to revoke tokens: %w", err)
	}
	return n, nil
}
