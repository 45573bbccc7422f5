// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TIFPoint Contributors

package auth_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tifpoint/tifpoint/internal/audit"
	"github.com/tifpoint/tifpoint/internal/auth"
	"github.com/tifpoint/tifpoint/pkg/errutil"
)

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) SendPasswordReset(ctx context.Context, msg auth.ResetMessage) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

type resetFixture struct {
	svc      *auth.ResetService
	repo     *memAccounts
	notifier *mockNotifier
	recorder *captureRecorder
	clock    *fakeClock
	logs     *bytes.Buffer
}

func newResetFixture(t *testing.T, expose bool, accounts ...*auth.Account) *resetFixture {
	t.Helper()
	f := &resetFixture{
		repo:     newMemAccounts(accounts...),
		notifier: &mockNotifier{},
		recorder: &captureRecorder{},
		clock:    newFakeClock(),
		logs:     &bytes.Buffer{},
	}
	svc, err := auth.NewResetService(f.repo, &plainHasher{}, f.notifier, f.recorder, auth.ResetOptions{
		ExposeTokenOnFailure: expose,
		Logger:               slog.New(slog.NewJSONHandler(f.logs, nil)),
		Clock:                f.clock.Now,
	})
	require.NoError(t, err)
	return f
}

func TestNewResetService_NilDependencies(t *testing.T) {
	repo := newMemAccounts()
	_, err := auth.NewResetService(nil, &plainHasher{}, &mockNotifier{}, &captureRecorder{}, auth.ResetOptions{})
	assert.ErrorContains(t, err, "account repository is required")
	_, err = auth.NewResetService(repo, nil, &mockNotifier{}, &captureRecorder{}, auth.ResetOptions{})
	assert.ErrorContains(t, err, "password hasher is required")
	_, err = auth.NewResetService(repo, &plainHasher{}, nil, &captureRecorder{}, auth.ResetOptions{})
	assert.ErrorContains(t, err, "notifier is required")
	_, err = auth.NewResetService(repo, &plainHasher{}, &mockNotifier{}, nil, auth.ResetOptions{})
	assert.ErrorContains(t, err, "audit recorder is required")
}

func TestGenerateResetToken(t *testing.T) {
	token, digest, err := auth.GenerateResetToken()
	require.NoError(t, err)
	assert.Len(t, token, 64)
	assert.Len(t, digest, 64)
	assert.NotEqual(t, token, digest)
	assert.Equal(t, digest, auth.DigestResetToken(token))

	token2, _, err := auth.GenerateResetToken()
	require.NoError(t, err)
	assert.NotEqual(t, token, token2)
}

func TestResetService_Issue(t *testing.T) {
	t.Run("unknown email issues nothing", func(t *testing.T) {
		f := newResetFixture(t, true)
		issued, err := f.svc.Issue(context.Background(), "ghost@example.com")
		require.NoError(t, err)
		assert.Nil(t, issued)
	})

	t.Run("stores digest with one hour expiry", func(t *testing.T) {
		acct := newStudent("rina@example.com", "secret1")
		f := newResetFixture(t, true, acct)

		issued, err := f.svc.Issue(context.Background(), "rina@example.com")
		require.NoError(t, err)
		require.NotNil(t, issued)
		assert.Len(t, issued.Token, 64)
		assert.Equal(t, f.clock.Now().Add(time.Hour), issued.ExpiresAt)
		assert.True(t, f.repo.hasReset(acct.ID))
	})

	t.Run("normalizes email like login", func(t *testing.T) {
		acct := newStudent("rina@example.com", "secret1")
		f := newResetFixture(t, true, acct)

		issued, err := f.svc.Issue(context.Background(), "  Rina@Example.com \n")
		require.NoError(t, err)
		require.NotNil(t, issued)
		assert.Equal(t, acct.ID, issued.Account.ID)
		assert.True(t, f.repo.hasReset(acct.ID))
	})
}

func TestResetService_RequestReset(t *testing.T) {
	t.Run("unknown email", func(t *testing.T) {
		f := newResetFixture(t, true)
		res, err := f.svc.RequestReset(context.Background(), "ghost@example.com", nil)
		require.NoError(t, err)
		assert.Equal(t, auth.DeliveryNone, res.Delivery)
		assert.Empty(t, res.Token)
		f.notifier.AssertNotCalled(t, "SendPasswordReset", mock.Anything, mock.Anything)
		assert.Empty(t, f.recorder.all())
	})

	t.Run("delivered token is not exposed", func(t *testing.T) {
		acct := newStudent("rina@example.com", "secret1")
		f := newResetFixture(t, true, acct)
		f.notifier.On("SendPasswordReset", mock.Anything, mock.MatchedBy(func(m auth.ResetMessage) bool {
			return m.Email == "rina@example.com" && len(m.Token) == 64 && m.Name == "Test Student"
		})).Return(nil).Once()

		res, err := f.svc.RequestReset(context.Background(), "rina@example.com", nil)
		require.NoError(t, err)
		assert.Equal(t, auth.DeliverySent, res.Delivery)
		assert.Empty(t, res.Token)
		f.notifier.AssertExpectations(t)

		last := f.recorder.last()
		assert.Equal(t, audit.ActionPasswordResetRequested, last.Action)
		assert.Equal(t, acct.ID.String(), last.ActorID)
	})

	t.Run("unconfigured delivery exposes token when enabled", func(t *testing.T) {
		acct := newStudent("rina@example.com", "secret1")
		f := newResetFixture(t, true, acct)
		f.notifier.On("SendPasswordReset", mock.Anything, mock.Anything).Return(auth.ErrDeliveryNotConfigured)

		res, err := f.svc.RequestReset(context.Background(), "rina@example.com", nil)
		require.NoError(t, err)
		assert.Equal(t, auth.DeliveryUnconfigured, res.Delivery)
		assert.Len(t, res.Token, 64)
	})

	t.Run("failed delivery keeps token valid and logs", func(t *testing.T) {
		acct := newStudent("rina@example.com", "secret1")
		f := newResetFixture(t, true, acct)
		f.notifier.On("SendPasswordReset", mock.Anything, mock.Anything).Return(errors.New("broker unreachable"))

		res, err := f.svc.RequestReset(context.Background(), "rina@example.com", nil)
		require.NoError(t, err)
		assert.Equal(t, auth.DeliveryFailed, res.Delivery)
		require.Len(t, res.Token, 64)

		var entry map[string]any
		require.NoError(t, json.Unmarshal(f.logs.Bytes(), &entry))
		assert.Equal(t, "WARN", entry["level"])
		assert.Contains(t, entry["error"], "broker unreachable")

		require.NoError(t, f.svc.Redeem(context.Background(), res.Token, "newsecret", nil))
	})

	t.Run("failed delivery hides token when exposure disabled", func(t *testing.T) {
		acct := newStudent("rina@example.com", "secret1")
		f := newResetFixture(t, false, acct)
		f.notifier.On("SendPasswordReset", mock.Anything, mock.Anything).Return(errors.New("broker unreachable"))

		res, err := f.svc.RequestReset(context.Background(), "rina@example.com", nil)
		require.NoError(t, err)
		assert.Equal(t, auth.DeliveryFailed, res.Delivery)
		assert.Empty(t, res.Token)
	})
}

func TestResetService_Redeem(t *testing.T) {
	issue := func(t *testing.T, f *resetFixture) string {
		t.Helper()
		issued, err := f.svc.Issue(context.Background(), "rina@example.com")
		require.NoError(t, err)
		require.NotNil(t, issued)
		return issued.Token
	}

	t.Run("replaces password and consumes token", func(t *testing.T) {
		acct := newStudent("rina@example.com", "secret1")
		f := newResetFixture(t, true, acct)
		token := issue(t, f)

		require.NoError(t, f.svc.Redeem(context.Background(), token, "brandnew", nil))
		assert.Equal(t, "plain$brandnew", f.repo.get(acct.ID).PasswordHash)
		assert.False(t, f.repo.hasReset(acct.ID))

		last := f.recorder.last()
		assert.Equal(t, audit.ActionPasswordReset, last.Action)
		assert.Equal(t, acct.ID.String(), last.ActorID)

		err := f.svc.Redeem(context.Background(), token, "another1", nil)
		errutil.AssertErrorCode(t, err, "RESET_TOKEN_INVALID")
		assert.Equal(t, audit.ActionPasswordResetFailed, f.recorder.last().Action)
	})

	t.Run("expired token", func(t *testing.T) {
		f := newResetFixture(t, true, newStudent("rina@example.com", "secret1"))
		token := issue(t, f)
		f.clock.Advance(time.Hour)

		err := f.svc.Redeem(context.Background(), token, "brandnew", nil)
		errutil.AssertErrorCode(t, err, "RESET_TOKEN_INVALID")
	})

	t.Run("reissue invalidates earlier token", func(t *testing.T) {
		f := newResetFixture(t, true, newStudent("rina@example.com", "secret1"))
		first := issue(t, f)
		second := issue(t, f)

		err := f.svc.Redeem(context.Background(), first, "brandnew", nil)
		errutil.AssertErrorCode(t, err, "RESET_TOKEN_INVALID")
		require.NoError(t, f.svc.Redeem(context.Background(), second, "brandnew", nil))
	})

	t.Run("wrong token", func(t *testing.T) {
		f := newResetFixture(t, true, newStudent("rina@example.com", "secret1"))
		issue(t, f)

		err := f.svc.Redeem(context.Background(), "deadbeef", "brandnew", nil)
		errutil.AssertErrorCode(t, err, "RESET_TOKEN_INVALID")
	})

	t.Run("short password is rejected before lookup", func(t *testing.T) {
		acct := newStudent("rina@example.com", "secret1")
		f := newResetFixture(t, true, acct)
		token := issue(t, f)

		err := f.svc.Redeem(context.Background(), token, "12345", nil)
		errutil.AssertErrorCode(t, err, "VALIDATION_FAILED")
		assert.True(t, f.repo.hasReset(acct.ID))
	})

	t.Run("empty token", func(t *testing.T) {
		f := newResetFixture(t, true)
		err := f.svc.Redeem(context.Background(), "", "brandnew", nil)
		errutil.AssertErrorCode(t, err, "VALIDATION_FAILED")
	})
}

func TestResetService_PurgeExpired(t *testing.T) {
	acct := newStudent("rina@example.com", "secret1")
	f := newResetFixture(t, true, acct)
	_, err := f.svc.Issue(context.Background(), "rina@example.com")
	require.NoError(t, err)

	n, err := f.svc.PurgeExpired(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Advance(2 * time.Hour)
	n, err = f.svc.PurgeExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.False(t, f.repo.hasReset(acct.ID))
}
