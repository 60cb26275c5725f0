package auth

import "context"

// Account is a stored user together with its credential hash.
type Account struct {
	User
	PasswordHash string
}

// UserDirectory looks up accounts for credential based login.
type UserDirectory interface {
	FindByName(ctx context.Context, name string) (Account, error)
	FindByEmail(ctx context.Context, email string) (Account, error)
}
