// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TIFPoint Contributors

package auth_test

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/tifpoint/tifpoint/internal/audit"
	"github.com/tifpoint/tifpoint/internal/auth"
)

// memAccounts is an in-memory AccountRepository mirroring the SQL semantics.
type memAccounts struct {
	mu       sync.Mutex
	byID     map[ulid.ULID]*auth.Account
	resets   map[ulid.ULID]resetFields
	failures int // RecordLoginFailure calls
	upgrades int // UpdatePasswordHash calls

	getErr     error
	failureErr error
	successErr error
	upgradeErr error
	createErr  error
}

type resetFields struct {
	digest    string
	expiresAt time.Time
}

func newMemAccounts(accounts ...*auth.Account) *memAccounts {
	m := &memAccounts{
		byID:   make(map[ulid.ULID]*auth.Account),
		resets: make(map[ulid.ULID]resetFields),
	}
	for _, a := range accounts {
		m.byID[a.ID] = a
	}
	return m
}

func (m *memAccounts) Create(_ context.Context, a *auth.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	for _, existing := range m.byID {
		if strings.EqualFold(existing.Email, a.Email) {
			return oops.Code("ACCOUNT_EXISTS").With("field", "email").Wrap(auth.ErrAccountExists)
		}
	}
	cp := *a
	m.byID[a.ID] = &cp
	return nil
}

func (m *memAccounts) GetByID(_ context.Context, id ulid.ULID) (*auth.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.byID[id]
	if !ok {
		return nil, oops.Code("ACCOUNT_NOT_FOUND").Wrap(auth.ErrNotFound)
	}
	cp := *a
	return &cp, nil
}

func (m *memAccounts) GetByEmail(_ context.Context, email string) (*auth.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	for _, a := range m.byID {
		if strings.EqualFold(a.Email, email) {
			cp := *a
			return &cp, nil
		}
	}
	return nil, oops.Code("ACCOUNT_NOT_FOUND").Wrap(auth.ErrNotFound)
}

func (m *memAccounts) RecordLoginFailure(_ context.Context, id ulid.ULID, n int, lockedUntil *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures++
	if m.failureErr != nil {
		return m.failureErr
	}
	a := m.byID[id]
	a.FailedAttempts = n
	if lockedUntil != nil {
		t := *lockedUntil
		a.LockedUntil = &t
	}
	return nil
}

func (m *memAccounts) RecordLoginSuccess(_ context.Context, id ulid.ULID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.successErr != nil {
		return m.successErr
	}
	a := m.byID[id]
	a.FailedAttempts = 0
	a.LockedUntil = nil
	return nil
}

func (m *memAccounts) UpdatePasswordHash(_ context.Context, id ulid.ULID, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upgrades++
	if m.upgradeErr != nil {
		return m.upgradeErr
	}
	m.byID[id].PasswordHash = hash
	return nil
}

func (m *memAccounts) SetResetToken(_ context.Context, id ulid.ULID, digest string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resets[id] = resetFields{digest: digest, expiresAt: expiresAt}
	return nil
}

func (m *memAccounts) RedeemResetToken(_ context.Context, digest, newHash string, now time.Time) (ulid.ULID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, r := range m.resets {
		if r.digest == digest && r.expiresAt.After(now) {
			m.byID[id].PasswordHash = newHash
			delete(m.resets, id)
			return id, nil
		}
	}
	return ulid.ULID{}, oops.Code("RESET_TOKEN_NOT_FOUND").Wrap(auth.ErrNotFound)
}

func (m *memAccounts) PurgeExpiredResetTokens(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, r := range m.resets {
		if !r.expiresAt.After(now) {
			delete(m.resets, id)
			n++
		}
	}
	return n, nil
}

func (m *memAccounts) get(id ulid.ULID) auth.Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.byID[id]
}

func (m *memAccounts) hasReset(id ulid.ULID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.resets[id]
	return ok
}

// plainHasher stores "plain$<password>" and treats "legacy$" as upgradeable.
type plainHasher struct {
	mu       sync.Mutex
	verifies int
}

func (h *plainHasher) Hash(password string) (string, error) {
	if password == "" {
		return "", auth.ErrEmptyPassword
	}
	return "plain$" + password, nil
}

func (h *plainHasher) Verify(password, hash string) (bool, error) {
	h.mu.Lock()
	h.verifies++
	h.mu.Unlock()
	switch {
	case strings.HasPrefix(hash, "plain$"):
		return hash == "plain$"+password, nil
	case strings.HasPrefix(hash, "legacy$"):
		return hash == "legacy$"+password, nil
	case strings.HasPrefix(hash, "$argon2id$"):
		return false, nil
	default:
		return false, oops.Code("AUTH_INVALID_HASH").Errorf("unrecognized hash format")
	}
}

func (h *plainHasher) NeedsUpgrade(hash string) bool {
	return strings.HasPrefix(hash, "legacy$")
}

func (h *plainHasher) verifyCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.verifies
}

// recorded is one captured audit call.
type recorded struct {
	ActorID     string
	Action      audit.Action
	Description string
}

// captureRecorder implements audit.Recorder synchronously.
type captureRecorder struct {
	mu      sync.Mutex
	entries []recorded
}

func (c *captureRecorder) Record(actorID string, action audit.Action, description string, _ *audit.RequestContext) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, recorded{ActorID: actorID, Action: action, Description: description})
}

func (c *captureRecorder) all() []recorded {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]recorded{}, c.entries...)
}

func (c *captureRecorder) last() recorded {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) == 0 {
		return recorded{}
	}
	return c.entries[len(c.entries)-1]
}

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newStudent(email, password string) *auth.Account {
	return &auth.Account{
		ID:           ulid.Make(),
		Username:     strings.Split(email, "@")[0],
		Email:        email,
		Name:         "Test Student",
		Role:         auth.RoleStudent,
		PasswordHash: "plain$" + password,
	}
}
