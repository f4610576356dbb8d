package service

import (
	"errors"
	"fmt"

	"piquante-api/internal/auth"
	"piquante-api/internal/repository"
)

var (
	// ErrUnauthenticated covers missing, invalid or expired credentials.
	ErrUnauthenticated = auth.ErrUnauthenticated
	// ErrForbidden indicates an authenticated user acting on a sauce they do not own.
	ErrForbidden = errors.New("request not authorized")
	ErrNotFound  = errors.New("not found")
	// ErrInvalidRequest indicates a malformed payload or vote direction.
	ErrInvalidRequest = errors.New("invalid request")
	ErrConflict       = errors.New("conflict")
	// ErrStorage wraps failures of the underlying persistence or attachment storage.
	ErrStorage = errors.New("storage failure")

	// ErrInvalidCredentials indicates that provided login credentials are incorrect.
	ErrInvalidCredentials = fmt.Errorf("%w: invalid credentials", ErrUnauthenticated)
	// ErrEmailTaken is returned when signing up with an email already in use.
	ErrEmailTaken = fmt.Errorf("%w: email already registered", ErrInvalidRequest)
)

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// storeErr maps a repository error onto the service taxonomy.
func storeErr(op string, err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}
