package server

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidCredentials is returned by an IdentityVerifier when the
// username or password is wrong.
var ErrInvalidCredentials = errors.New("invalid resource owner credentials")

// IdentityVerifier authenticates resource owners for the password grant
// and for authorization consent.
type IdentityVerifier interface {
	// VerifyCredentials returns the user id for valid credentials, or
	// ErrInvalidCredentials.
	VerifyCredentials(ctx context.Context, username, password string) (userID string, err error)
}

// StaticIdentityVerifier checks credentials against an in-memory table of
// bcrypt hashes. The user id is the username.
type StaticIdentityVerifier struct {
	mu    sync.RWMutex
	users map[string][]byte
	cost  int

	dummyOnce sync.Once
	dummyHash []byte
}

var _ IdentityVerifier = (*StaticIdentityVerifier)(nil)

// NewStaticIdentityVerifier creates an empty verifier hashing with bcrypt.DefaultCost.
func NewStaticIdentityVerifier() *StaticIdentityVerifier {
	return NewStaticIdentityVerifierWithCost(bcrypt.DefaultCost)
}

// NewStaticIdentityVerifierWithCost creates an empty verifier hashing new
// passwords with the given bcrypt cost.
func NewStaticIdentityVerifierWithCost(cost int) *StaticIdentityVerifier {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &StaticIdentityVerifier{
		users: make(map[string][]byte),
		cost:  cost,
	}
}

// AddUser hashes password and stores it for username.
func (v *StaticIdentityVerifier) AddUser(username, password string) error {
	if username == "" {
		return fmt.Errorf("username cannot be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), v.cost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.users[username] = hash
	return nil
}

// AddUserHash stores an existing bcrypt hash for username.
func (v *StaticIdentityVerifier) AddUserHash(username string, hash []byte) error {
	if username == "" {
		return fmt.Errorf("username cannot be empty")
	}
	if _, err := bcrypt.Cost(hash); err != nil {
		return fmt.Errorf("invalid bcrypt hash for %s: %w", username, err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.users[username] = append([]byte(nil), hash...)
	return nil
}

// VerifyCredentials implements IdentityVerifier. Unknown users are compared
// against a dummy hash so both failure paths take similar time.
func (v *StaticIdentityVerifier) VerifyCredentials(_ context.Context, username, password string) (string, error) {
	v.mu.RLock()
	hash, ok := v.users[username]
	v.mu.RUnlock()

	if !ok {
		_ = bcrypt.CompareHashAndPassword(v.dummy(), []byte(password))
		return "", ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}
	return username, nil
}

func (v *StaticIdentityVerifier) dummy() []byte {
	v.dummyOnce.Do(func() {
		v.dummyHash, _ = bcrypt.GenerateFromPassword([]byte("unused-dummy-password"), v.cost)
	})
	return v.dummyHash
}
