// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TIFPoint Contributors

package auth

import (
	"errors"
	"fmt"

	"github.com/samber/oops"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrAccountExists is returned by AccountRepository.Create when a unique
// field is already taken. The oops context carries the offending "field".
var ErrAccountExists = errors.New("account already exists")

// LockedError reports an account that is inside its lockout window.
type LockedError struct {
	SecondsRemaining int
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("account locked for %d more seconds", e.SecondsRemaining)
}

func errInvalidCredentials() error {
	return oops.Code("AUTH_INVALID_CREDENTIALS").Errorf("invalid credentials")
}

func errResetTokenInvalid() error {
	return oops.Code("RESET_TOKEN_INVALID").Errorf("invalid or expired reset token")
}
