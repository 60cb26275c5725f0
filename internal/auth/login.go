package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// bcrypt ignores everything past this length.
const maxPasswordBytes = 72

// HashPassword returns the bcrypt hash stored for an account.
func HashPassword(password string) (string, error) {
	switch {
	case password == "":
		return "", fmt.Errorf("%w: password is empty", ErrInvalidInput)
	case len(password) > maxPasswordBytes:
		return "", fmt.Errorf("%w: password exceeds %d bytes", ErrInvalidInput, maxPasswordBytes)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// Authenticate checks name and password against the directory. Every failure collapses to
// ErrUnauthorized except lookups that fail for infrastructure reasons.
func Authenticate(ctx context.Context, dir UserDirectory, name, password string) (User, error) {
	name = strings.TrimSpace(name)
	if name == "" || password == "" {
		return User{}, ErrUnauthorized
	}
	acct, err := dir.FindByName(ctx, name)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return User{}, ErrUnauthorized
		}
		return User{}, err
	}
	// accounts created through OAuth only carry no hash
	if acct.PasswordHash == "" {
		return User{}, ErrUnauthorized
	}
	if bcrypt.CompareHashAndPassword([]byte(acct.PasswordHash), []byte(password)) != nil {
		return User{}, ErrUnauthorized
	}
	if acct.Status != StatusEnabled {
		return User{}, ErrAccountLocked
	}
	u := acct.User
	u.AuthMethod = MethodPassword
	if u.Role == "" {
		u.Role = RoleUser
	}
	return u, nil
}
