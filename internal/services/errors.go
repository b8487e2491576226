package services

import (
	"errors"
	"fmt"

	"github.com/kitabu/kitabu-gobackend/internal/store"
)

var (
	// ErrNotFound covers both unknown records and records owned by someone
	// else, so callers cannot probe for other users' transactions.
	ErrNotFound = store.ErrNotFound

	ErrAlreadyPremium     = errors.New("account is already premium")
	ErrUserExists         = errors.New("user with this email or username already exists")
	ErrInvalidCredentials = errors.New("invalid email or password")
)

// ValidationError is a user-correctable input problem.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}
