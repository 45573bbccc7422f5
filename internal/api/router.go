// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TIFPoint Contributors

package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/samber/oops"

	"github.com/tifpoint/tifpoint/internal/audit"
	"github.com/tifpoint/tifpoint/internal/auth"
	"github.com/tifpoint/tifpoint/internal/logging"
	"github.com/tifpoint/tifpoint/internal/throttle"
)

var validate = validator.New()

// Authenticator is the account side of the auth service.
type Authenticator interface {
	Register(ctx context.Context, reg auth.Registration, rc *audit.RequestContext) (*auth.Account, error)
	Login(ctx context.Context, email, password string, rc *audit.RequestContext) (*auth.LoginResult, error)
	Profile(ctx context.Context, id string) (*auth.Account, error)
}

// PasswordResetter issues and redeems reset tokens.
type PasswordResetter interface {
	RequestReset(ctx context.Context, email string, rc *audit.RequestContext) (*auth.ResetRequestResult, error)
	Redeem(ctx context.Context, token, newPassword string, rc *audit.RequestContext) error
}

// AuditLister reads the audit log.
type AuditLister interface {
	List(ctx context.Context, filter audit.Filter, page, limit int) ([]audit.Entry, audit.Pagination, error)
}

// TokenVerifier validates bearer tokens.
type TokenVerifier interface {
	Verify(token string) (*auth.Claims, error)
}

// Deps are the collaborators the router needs.
type Deps struct {
	Accounts Authenticator
	Resets   PasswordResetter
	Audit    AuditLister
	Sessions TokenVerifier
	Throttle *throttle.Limiter

	// Perimeter wraps every route. See Perimeter; nil means none.
	Perimeter func(http.Handler) http.Handler
	// Instrument records request metrics. Optional.
	Instrument  func(http.Handler) http.Handler
	CORSOrigins []string
	// TrustedProxies are IPs or CIDRs whose forwarding headers are honored.
	// Requests from any other peer keep the socket address.
	TrustedProxies []string
	Logger         *slog.Logger
}

type handlers struct {
	accounts Authenticator
	resets   PasswordResetter
	audit    AuditLister
	logger   *slog.Logger
}

// NewRouter builds the HTTP handler.
func NewRouter(deps Deps) (http.Handler, error) {
	switch {
	case deps.Accounts == nil:
		return nil, oops.Code("API_INVALID_CONFIG").Errorf("account service is required")
	case deps.Resets == nil:
		return nil, oops.Code("API_INVALID_CONFIG").Errorf("reset service is required")
	case deps.Audit == nil:
		return nil, oops.Code("API_INVALID_CONFIG").Errorf("audit lister is required")
	case deps.Sessions == nil:
		return nil, oops.Code("API_INVALID_CONFIG").Errorf("token verifier is required")
	case deps.Throttle == nil:
		return nil, oops.Code("API_INVALID_CONFIG").Errorf("throttle is required")
	}
	trusted, err := ParseTrustedProxies(deps.TrustedProxies)
	if err != nil {
		return nil, oops.Code("API_INVALID_CONFIG").Wrap(err)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if len(deps.CORSOrigins) == 0 {
		deps.CORSOrigins = []string{"*"}
	}

	h := &handlers{
		accounts: deps.Accounts,
		resets:   deps.Resets,
		audit:    deps.Audit,
		logger:   deps.Logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(realIPFromTrusted(trusted))
	r.Use(logging.RequestLogger(deps.Logger))
	r.Use(middleware.Recoverer)
	if deps.Instrument != nil {
		r.Use(deps.Instrument)
	}
	if deps.Perimeter != nil {
		r.Use(deps.Perimeter)
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: deps.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders: []string{"Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		MaxAge:         300,
	}))
	r.Use(blockSourcePaths)

	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		writeMessage(w, http.StatusOK, "Welcome to TIFPoint API")
	})

	r.Route("/api/auth", func(r chi.Router) {
		r.Use(throttleRequests(deps.Throttle))

		r.Post("/register", h.register)
		r.Post("/login", h.login)
		r.Post("/forgot-password", h.forgotPassword)
		r.Post("/reset-password", h.resetPassword)
		r.With(requireAuth(deps.Sessions)).Get("/profile", h.profile)
	})

	r.Route("/api/activity-logs", func(r chi.Router) {
		r.Use(requireAuth(deps.Sessions), requireRole(auth.RoleAdmin))
		r.Get("/", h.listActivityLogs)
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeMessage(w, http.StatusNotFound, "Halaman tidak ditemukan")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeMessage(w, http.StatusMethodNotAllowed, "Method not allowed")
	})

	return r, nil
}
