// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TIFPoint Contributors

package api

import (
	"net/http"
	"time"

	"github.com/tifpoint/tifpoint/internal/audit"
	"github.com/tifpoint/tifpoint/internal/auth"
)

type userResponse struct {
	ID        string     `json:"id"`
	Username  string     `json:"username"`
	Email     string     `json:"email"`
	Name      string     `json:"name"`
	NIM       *string    `json:"nim"`
	Role      auth.Role  `json:"role"`
	CreatedAt *time.Time `json:"createdAt,omitempty"`
}

func newUserResponse(a *auth.Account, withCreated bool) userResponse {
	u := userResponse{
		ID:       a.ID.String(),
		Username: a.Username,
		Email:    a.Email,
		Name:     a.Name,
		NIM:      a.NIM,
		Role:     a.Role,
	}
	if withCreated {
		created := a.CreatedAt.UTC()
		u.CreatedAt = &created
	}
	return u
}

type registerRequest struct {
	Username string `json:"username" validate:"required"`
	Email    string `json:"email" validate:"required"`
	Password string `json:"password" validate:"required"`
	Name     string `json:"name" validate:"required"`
	NIM      string `json:"nim"`
}

type registerResponse struct {
	Message string       `json:"message"`
	User    userResponse `json:"user"`
}

func (h *handlers) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeBody(w, r, &req, "All fields are required") {
		return
	}

	account, err := h.accounts.Register(r.Context(), auth.Registration{
		Username: req.Username,
		Email:    req.Email,
		Password: req.Password,
		Name:     req.Name,
		NIM:      req.NIM,
	}, audit.FromRequest(r))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, registerResponse{
		Message: "User registered successfully",
		User:    newUserResponse(account, true),
	})
}

type loginRequest struct {
	Email    string `json:"email" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type loginResponse struct {
	Message string       `json:"message"`
	Token   string       `json:"token"`
	User    userResponse `json:"user"`
}

func (h *handlers) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeBody(w, r, &req, "Please provide email and password") {
		return
	}

	result, err := h.accounts.Login(r.Context(), req.Email, req.Password, audit.FromRequest(r))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{
		Message: "Login successful",
		Token:   result.Token,
		User:    newUserResponse(result.Account, false),
	})
}

func (h *handlers) profile(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		writeMessage(w, http.StatusUnauthorized, "User not authenticated")
		return
	}

	account, err := h.accounts.Profile(r.Context(), claims.ID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, newUserResponse(account, true))
}

type forgotPasswordRequest struct {
	Email string `json:"email" validate:"required"`
}

type forgotPasswordResponse struct {
	Message    string `json:"message"`
	ResetToken string `json:"resetToken,omitempty"`
	Note       string `json:"note,omitempty"`
}

const genericResetMessage = "If your email is registered, you will receive a password reset link"

func (h *handlers) forgotPassword(w http.ResponseWriter, r *http.Request) {
	var req forgotPasswordRequest
	if !decodeBody(w, r, &req, "Email is required") {
		return
	}

	result, err := h.resets.RequestReset(r.Context(), req.Email, audit.FromRequest(r))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	// Sent, unknown, and unexposed failures share one body so the response
	// does not reveal whether the email is registered.
	resp := forgotPasswordResponse{Message: genericResetMessage}
	switch {
	case result.Delivery == auth.DeliverySent, result.Token == "":
	case result.Delivery == auth.DeliveryUnconfigured:
		resp = forgotPasswordResponse{
			Message:    "Email service not configured. Here is your reset token for development:",
			ResetToken: result.Token,
			Note:       "Configure AMQP_URL to enable reset delivery",
		}
	case result.Delivery == auth.DeliveryFailed:
		resp = forgotPasswordResponse{
			Message:    "Email service error. Here is your reset token for development:",
			ResetToken: result.Token,
			Note:       "Token is still valid for password reset",
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type resetPasswordRequest struct {
	Token       string `json:"token" validate:"required"`
	NewPassword string `json:"newPassword" validate:"required"`
}

func (h *handlers) resetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if !decodeBody(w, r, &req, "Token and new password are required") {
		return
	}

	if err := h.resets.Redeem(r.Context(), req.Token, req.NewPassword, audit.FromRequest(r)); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeMessage(w, http.StatusOK, "Password has been reset successfully")
}
