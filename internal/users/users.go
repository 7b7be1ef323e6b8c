// Package users defines the user directory the auth flows look up,
// provision and update accounts in.
package users

import (
	"context"
	"errors"

	"github.com/dawasakhi/authgateway/pkg/models"
)

var (
	// ErrNotExist is returned when a user lookup finds nothing.
	ErrNotExist = errors.New("the user does not exist")

	// ErrTokenMismatch is returned by SwapRefreshToken when the stored
	// refresh token isn't the expected one.
	ErrTokenMismatch = errors.New("stored refresh token does not match")

	// ErrConflict is returned by Save when the phone number or e-mail
	// already belongs to another user.
	ErrConflict = errors.New("phone number or e-mail belongs to another user")
)

// Directory represents a storage backend for user accounts.
type Directory interface {
	// GetByID returns a user by ID or ErrNotExist.
	GetByID(ctx context.Context, id string) (models.User, error)

	// GetByPhone returns a user by phone number or ErrNotExist.
	GetByPhone(ctx context.Context, phone string) (models.User, error)

	// GetByEmail returns a user by (case-insensitive) e-mail or ErrNotExist.
	GetByEmail(ctx context.Context, email string) (models.User, error)

	// Save creates or updates a user. A user without an ID is created
	// and assigned one. The saved user is returned. Phone numbers and
	// e-mails are unique across users (ErrConflict).
	Save(ctx context.Context, u models.User) (models.User, error)

	// SwapRefreshToken atomically replaces the stored refresh token of
	// a user with next, only if the stored token equals cur.
	SwapRefreshToken(ctx context.Context, id, cur, next string) error
}
