// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TIFPoint Contributors

// Package auth provides authentication for TIFPoint accounts.
//
// # Domain Types
//
// Accounts are created with NewAccount, which validates the username, email,
// and name and assigns the student role. Repository implementations receive
// pre-validated accounts.
//
// # Services
//
//   - Guard - per-attempt lockout evaluation (failure counter, lock deadline)
//   - Service - registration, login, and profile lookup
//   - ResetService - password reset token issuance and redemption
//   - JWTIssuer - signs and verifies bearer session tokens
//
// Services are created with New* constructors that validate dependencies.
// Every service records its security-relevant outcomes through an
// audit.Recorder without waiting for the write.
package auth
