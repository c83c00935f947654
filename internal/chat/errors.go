package chat

import (
	"errors"

	"github.com/iwork/iwork/internal/auth"
)

// Error taxonomy surfaced to transports. Service errors wrap exactly one
// of these; test with errors.Is.
var (
	ErrNotFound   = errors.New("not found")
	ErrForbidden  = errors.New("forbidden")
	ErrValidation = errors.New("validation error")

	ErrUnauthenticated = auth.ErrUnauthenticated
)
