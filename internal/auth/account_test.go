// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TIFPoint Contributors

package auth_test

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tifpoint/tifpoint/internal/auth"
	"github.com/tifpoint/tifpoint/pkg/errutil"
)

func TestNewAccount(t *testing.T) {
	tests := []struct {
		name     string
		username string
		email    string
		accName  string
		nim      string
		hash     string
		wantCode string
	}{
		{"valid", "rina_01", "rina@example.com", "Rina", "2210511001", "h", ""},
		{"valid without nim", "rina", "rina@example.com", "Rina", "", "h", ""},
		{"username too short", "ab", "rina@example.com", "Rina", "", "h", "AUTH_INVALID_USERNAME"},
		{"username too long", strings.Repeat("a", 21), "rina@example.com", "Rina", "", "h", "AUTH_INVALID_USERNAME"},
		{"username with dash", "rina-01", "rina@example.com", "Rina", "", "h", "AUTH_INVALID_USERNAME"},
		{"bad email", "rina", "rina.example.com", "Rina", "", "h", "AUTH_INVALID_EMAIL"},
		{"empty name", "rina", "rina@example.com", "  ", "", "h", "AUTH_INVALID_NAME"},
		{"name too long", "rina", "rina@example.com", strings.Repeat("n", 101), "", "h", "AUTH_INVALID_NAME"},
		{"empty hash", "rina", "rina@example.com", "Rina", "", "", "AUTH_INVALID_PASSWORD_HASH"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acct, err := auth.NewAccount(tt.username, tt.email, tt.accName, tt.nim, tt.hash)
			if tt.wantCode != "" {
				errutil.AssertErrorCode(t, err, tt.wantCode)
				assert.Nil(t, acct)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, auth.RoleStudent, acct.Role)
			assert.Zero(t, acct.FailedAttempts)
			assert.Nil(t, acct.LockedUntil)
			if tt.nim == "" {
				assert.Nil(t, acct.NIM)
			} else {
				require.NotNil(t, acct.NIM)
				assert.Equal(t, tt.nim, *acct.NIM)
			}
		})
	}
}

func TestValidatePassword(t *testing.T) {
	errutil.AssertErrorCode(t, auth.ValidatePassword("12345"), "VALIDATION_FAILED")
	assert.NoError(t, auth.ValidatePassword("123456"))
}

func TestAccount_IsLocked(t *testing.T) {
	now := time.Now()
	acct := &auth.Account{}
	assert.False(t, acct.IsLocked(now))

	future := now.Add(time.Second)
	acct.LockedUntil = &future
	assert.True(t, acct.IsLocked(now))

	assert.False(t, acct.IsLocked(future), "lock ends at the deadline")
}
