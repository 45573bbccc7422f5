// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TIFPoint Contributors

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/samber/oops"

	"github.com/tifpoint/tifpoint/internal/auth"
	"github.com/tifpoint/tifpoint/pkg/errutil"
)

const maxBodyBytes = 1 << 20

type messageResponse struct {
	Message string `json:"message"`
}

type retryResponse struct {
	Message    string `json:"message"`
	RetryAfter int    `json:"retryAfter"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	//nolint:errcheck // client may have gone away
	json.NewEncoder(w).Encode(payload)
}

func writeMessage(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, messageResponse{Message: message})
}

func writeRetry(w http.ResponseWriter, message string, retryAfter int) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	writeJSON(w, http.StatusTooManyRequests, retryResponse{Message: message, RetryAfter: retryAfter})
}

// decodeBody reads a JSON body into dst and checks its validate tags.
// It writes the 400 response itself and reports false on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any, missingMessage string) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	if err := validate.Struct(dst); err != nil {
		writeMessage(w, http.StatusBadRequest, missingMessage)
		return false
	}
	return true
}

var validationMessages = map[string]string{
	"VALIDATION_FAILED":     fmt.Sprintf("Password must be at least %d characters long", auth.MinPasswordLength),
	"AUTH_INVALID_USERNAME": "Username must be 3-20 characters and contain only letters, numbers, and underscores",
	"AUTH_INVALID_EMAIL":    "Invalid email format",
	"AUTH_INVALID_NAME":     fmt.Sprintf("Name must be 1 to %d characters", auth.MaxNameLength),
}

var fieldLabels = map[string]string{
	"username": "Username",
	"email":    "Email",
	"nim":      "NIM",
}

// writeError maps a service error to its HTTP response. Unrecognized codes
// are logged and reported as a generic 500.
func writeError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	code := errutil.Code(err)

	if msg, ok := validationMessages[code]; ok {
		writeMessage(w, http.StatusBadRequest, msg)
		return
	}

	switch code {
	case "AUTH_INVALID_CREDENTIALS":
		writeMessage(w, http.StatusBadRequest, "Invalid credentials")
	case "AUTH_ACCOUNT_LOCKED":
		var locked *auth.LockedError
		seconds := 0
		if errors.As(err, &locked) {
			seconds = locked.SecondsRemaining
		}
		writeRetry(w, fmt.Sprintf("Too many failed attempts. Account locked for %d more seconds.", seconds), seconds)
	case "RATE_LIMITED":
		seconds := 0
		if oopsErr, ok := oops.AsOops(err); ok {
			seconds, _ = oopsErr.Context()["retry_after"].(int)
		}
		writeRetry(w, "Too many requests, please try again later.", seconds)
	case "RESET_TOKEN_INVALID":
		writeMessage(w, http.StatusBadRequest, "Invalid or expired reset token")
	case "AUTH_TOKEN_INVALID":
		writeMessage(w, http.StatusUnauthorized, "Token is not valid")
	case "ACCOUNT_EXISTS":
		writeMessage(w, http.StatusBadRequest, existsMessage(err))
	case "ACCOUNT_NOT_FOUND":
		writeMessage(w, http.StatusNotFound, "User not found")
	default:
		errutil.LogErrorContext(r.Context(), logger, "request failed", err)
		writeMessage(w, http.StatusInternalServerError, "Server error")
	}
}

func existsMessage(err error) string {
	if oopsErr, ok := oops.AsOops(err); ok {
		if field, ok := oopsErr.Context()["field"].(string); ok {
			if label, ok := fieldLabels[field]; ok {
				return label + " already in use"
			}
		}
	}
	return "Account already exists"
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
