// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TIFPoint Contributors

package audit

import (
	"net"
	"net/http"
	"time"
)

// Action identifies the kind of event an entry records.
type Action string

// Actions emitted by the auth surface.
const (
	ActionLoginSuccess           Action = "LOGIN_SUCCESS"
	ActionLoginFailed            Action = "LOGIN_FAILED"
	ActionAccountLocked          Action = "ACCOUNT_LOCKED"
	ActionCreateUser             Action = "CREATE_USER"
	ActionPasswordResetRequested Action = "PASSWORD_RESET_REQUESTED"
	ActionPasswordReset          Action = "PASSWORD_RESET"
	ActionPasswordResetFailed    Action = "PASSWORD_RESET_FAILED"
)

// Entry is a single activity log row. Empty strings are stored as NULL.
type Entry struct {
	ID          string    `json:"id"`
	ActorID     string    `json:"userId,omitempty"`
	Action      Action    `json:"action"`
	Description string    `json:"description,omitempty"`
	IPAddress   string    `json:"ipAddress,omitempty"`
	UserAgent   string    `json:"userAgent,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// RequestContext carries the client details attached to an entry.
type RequestContext struct {
	RemoteAddr string
	UserAgent  string
}

// FromRequest extracts the client address and agent from r.
// The port is stripped from the remote address when present.
func FromRequest(r *http.Request) *RequestContext {
	if r == nil {
		return nil
	}
	addr := r.RemoteAddr
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	return &RequestContext{
		RemoteAddr: addr,
		UserAgent:  r.UserAgent(),
	}
}

// Filter narrows a List query. Zero fields match everything.
type Filter struct {
	ActorID string
	Action  Action
}

// Pagination describes the page returned by List.
type Pagination struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Total int `json:"total"`
}

// Paging limits for List.
const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

// NormalizePage clamps page to >= 1 and limit to [1, MaxPageSize].
// Non-positive values fall back to the defaults.
func NormalizePage(page, limit int) (normalizedPage, normalizedLimit int) {
	if page < 1 {
		page = 1
	}
	switch {
	case limit < 1:
		limit = DefaultPageSize
	case limit > MaxPageSize:
		limit = MaxPageSize
	}
	return page, limit
}
