package auth

import (
	"errors"
	"fmt"
)

// ErrAuthentication is returned for any invalid, expired, malformed or missing credential.
var ErrAuthentication = errors.New("authentication failed")

// ErrMissingCredential is an ErrAuthentication for requests that carry no credential at all.
var ErrMissingCredential = fmt.Errorf("%w: missing credential", ErrAuthentication)
