// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TIFPoint Contributors

package auth

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/samber/oops"
	"go.opentelemetry.io/otel/attribute"

	"github.com/tifpoint/tifpoint/internal/audit"
)

// ErrDeliveryNotConfigured is returned by a ResetNotifier that has no
// delivery channel behind it.
var ErrDeliveryNotConfigured = errors.New("reset delivery not configured")

// ResetMessage is handed to the delivery channel.
type ResetMessage struct {
	Email     string    `json:"email"`
	Token     string    `json:"token"`
	Name      string    `json:"name"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// ResetNotifier delivers raw reset tokens to account holders.
type ResetNotifier interface {
	SendPasswordReset(ctx context.Context, msg ResetMessage) error
}

// ResetDelivery describes what happened to an issued token.
type ResetDelivery int

// Delivery results.
const (
	// DeliveryNone means no token was issued (unknown email).
	DeliveryNone ResetDelivery = iota
	DeliverySent
	DeliveryUnconfigured
	DeliveryFailed
)

// ResetRequestResult is returned by RequestReset. Token is only set when
// delivery did not happen and token exposure is enabled.
type ResetRequestResult struct {
	Delivery ResetDelivery
	Token    string
}

// ResetOptions configures a ResetService.
type ResetOptions struct {
	// ExposeTokenOnFailure returns the raw token to the caller when
	// delivery is unconfigured or fails. Development fallback.
	ExposeTokenOnFailure bool
	Logger               *slog.Logger
	Clock                func() time.Time
}

// ResetService issues and redeems password reset tokens.
type ResetService struct {
	accounts AccountRepository
	hasher   PasswordHasher
	notifier ResetNotifier
	recorder audit.Recorder
	expose   bool
	logger   *slog.Logger
	now      func() time.Time
}

// NewResetService creates a ResetService.
func NewResetService(
	accounts AccountRepository,
	hasher PasswordHasher,
	notifier ResetNotifier,
	recorder audit.Recorder,
	opts ResetOptions,
) (*ResetService, error) {
	if accounts == nil {
		return nil, oops.Code("RESET_INVALID_CONFIG").Errorf("account repository is required")
	}
	if hasher == nil {
		return nil, oops.Code("RESET_INVALID_CONFIG").Errorf("password hasher is required")
	}
	if notifier == nil {
		return nil, oops.Code("RESET_INVALID_CONFIG").Errorf("notifier is required")
	}
	if recorder == nil {
		return nil, oops.Code("RESET_INVALID_CONFIG").Errorf("audit recorder is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &ResetService{
		accounts: accounts,
		hasher:   hasher,
		notifier: notifier,
		recorder: recorder,
		expose:   opts.ExposeTokenOnFailure,
		logger:   opts.Logger,
		now:      opts.Clock,
	}, nil
}

// IssuedReset is a freshly stored reset token.
type IssuedReset struct {
	Token     string
	ExpiresAt time.Time
	Account   *Account
}

// Issue generates a reset token for the account with email and stores its
// digest, replacing any earlier token. Unknown emails return nil without
// error.
func (s *ResetService) Issue(ctx context.Context, email string) (*IssuedReset, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	account, err := s.accounts.GetByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, oops.Code("RESET_REQUEST_FAILED").
			With("operation", "get account by email").
			Wrap(err)
	}

	token, digest, err := GenerateResetToken()
	if err != nil {
		return nil, oops.Code("RESET_REQUEST_FAILED").
			With("operation", "generate reset token").
			Wrap(err)
	}

	expiresAt := s.now().Add(ResetTokenExpiry)
	if err := s.accounts.SetResetToken(ctx, account.ID, digest, expiresAt); err != nil {
		return nil, oops.Code("RESET_REQUEST_FAILED").
			With("operation", "store reset token").
			With("account_id", account.ID.String()).
			Wrap(err)
	}
	return &IssuedReset{Token: token, ExpiresAt: expiresAt, Account: account}, nil
}

// RequestReset issues a token and hands it to the delivery channel.
// A failed delivery leaves the token valid.
func (s *ResetService) RequestReset(ctx context.Context, email string, rc *audit.RequestContext) (result *ResetRequestResult, err error) {
	ctx, span := tracer.Start(ctx, "auth.request_reset")
	defer func() { endSpan(span, err) }()

	issued, err := s.Issue(ctx, email)
	if err != nil {
		return nil, err
	}
	if issued == nil {
		span.SetAttributes(attribute.Bool("auth.account_found", false))
		return &ResetRequestResult{Delivery: DeliveryNone}, nil
	}
	account := issued.Account
	span.SetAttributes(attribute.String("auth.account_id", account.ID.String()))

	msg := ResetMessage{
		Email:     account.Email,
		Token:     issued.Token,
		Name:      account.Name,
		ExpiresAt: issued.ExpiresAt,
	}
	result = &ResetRequestResult{Delivery: DeliverySent}
	if sendErr := s.notifier.SendPasswordReset(ctx, msg); sendErr != nil {
		result.Delivery = DeliveryFailed
		if errors.Is(sendErr, ErrDeliveryNotConfigured) {
			result.Delivery = DeliveryUnconfigured
		} else {
			s.logger.WarnContext(ctx, "password reset delivery failed",
				"account_id", account.ID.String(),
				"error", sendErr.Error(),
			)
		}
		if s.expose {
			result.Token = issued.Token
		}
	}

	s.recorder.Record(account.ID.String(), audit.ActionPasswordResetRequested,
		"Password reset requested", rc)
	return result, nil
}

// Redeem replaces the password of the account holding token. Wrong,
// expired, and already used tokens all yield RESET_TOKEN_INVALID.
func (s *ResetService) Redeem(ctx context.Context, token, newPassword string, rc *audit.RequestContext) (err error) {
	ctx, span := tracer.Start(ctx, "auth.redeem_reset")
	defer func() { endSpan(span, err) }()

	if err := ValidatePassword(newPassword); err != nil {
		return err
	}
	if token == "" {
		return oops.Code("VALIDATION_FAILED").Errorf("token and new password are required")
	}

	newHash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return oops.Code("RESET_PASSWORD_FAILED").With("operation", "hash password").Wrap(err)
	}

	id, err := s.accounts.RedeemResetToken(ctx, DigestResetToken(token), newHash, s.now())
	if errors.Is(err, ErrNotFound) {
		s.recorder.Record("", audit.ActionPasswordResetFailed, "Invalid or expired reset token", rc)
		return errResetTokenInvalid()
	}
	if err != nil {
		return oops.Code("RESET_PASSWORD_FAILED").With("operation", "redeem reset token").Wrap(err)
	}

	span.SetAttributes(attribute.String("auth.account_id", id.String()))
	s.recorder.Record(id.String(), audit.ActionPasswordReset, "Password reset", rc)
	return nil
}

// PurgeExpired clears reset fields whose expiry has passed.
func (s *ResetService) PurgeExpired(ctx context.Context) (int64, error) {
	n, err := s.accounts.PurgeExpiredResetTokens(ctx, s.now())
	if err != nil {
		return 0, oops.Code("RESET_PURGE_FAILED").Wrap(err)
	}
	return n, nil
}
