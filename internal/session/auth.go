package session

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrUnknownUser     = errors.New("unknown user")
	ErrBadCredentials  = errors.New("bad credentials")
	ErrCompIDMismatch  = errors.New("comp id not assigned to user")
	ErrMissingUsername = errors.New("missing username")
)

// User is the stored identity of a participant.
type User struct {
	Username     string
	PasswordHash []byte
	CompID       uint32
}

// UserStore looks up participants by username. Implementations return
// ErrUnknownUser when there is no such user.
type UserStore interface {
	FindUser(ctx context.Context, username string) (User, error)
}

// Authenticator checks logon credentials against salted bcrypt hashes.
type Authenticator struct {
	users UserStore
}

func NewAuthenticator(users UserStore) *Authenticator {
	return &Authenticator{users: users}
}

// Verify checks the password for username and that compID belongs to them.
// Unknown users and wrong passwords both surface as ErrBadCredentials.
func (a *Authenticator) Verify(ctx context.Context, username, password string, compID uint32) error {
	if username == "" {
		return ErrMissingUsername
	}
	user, err := a.users.FindUser(ctx, username)
	if errors.Is(err, ErrUnknownUser) {
		return fmt.Errorf("%w: %s", ErrBadCredentials, username)
	}
	if err != nil {
		return fmt.Errorf("finding user %s: %w", username, err)
	}

	if err := bcrypt.CompareHashAndPassword(user.PasswordHash, []byte(password)); err != nil {
		return fmt.Errorf("%w: %s", ErrBadCredentials, username)
	}
	if user.CompID != compID {
		return fmt.Errorf("%w: %s uses %d, logon carried %d", ErrCompIDMismatch, username, user.CompID, compID)
	}
	return nil
}

// HashPassword salts and hashes a password for storage.
func HashPassword(password string, cost int) ([]byte, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return bcrypt.GenerateFromPassword([]byte(password), cost)
}

// StaticUsers is a fixed set of participants, keyed by username.
type StaticUsers map[string]User

func (u StaticUsers) FindUser(_ context.Context, username string) (User, error) {
	user, ok := u[username]
	if !ok {
		return User{}, fmt.Errorf("%w: %s", ErrUnknownUser, username)
	}
	return user, nil
}
