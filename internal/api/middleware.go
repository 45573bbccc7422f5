// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TIFPoint Contributors

package api

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"slices"
	"strconv"
	"strings"

	"github.com/didip/tollbooth/v6"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/samber/oops"
	"github.com/unrolled/secure"

	"github.com/tifpoint/tifpoint/internal/auth"
	"github.com/tifpoint/tifpoint/internal/throttle"
)

var blockedPrefixes = []string{
	"/src",
	"/routes",
	"/controllers",
	"/middleware",
	"/prisma",
	"/config",
	"/node_modules",
	"/dist",
}

var blockedSuffixes = []string{".ts", ".js", ".map"}

// blockSourcePaths rejects requests for source trees and source files.
func blockSourcePaths(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		for _, prefix := range blockedPrefixes {
			if strings.HasPrefix(path, prefix) {
				writeMessage(w, http.StatusForbidden, "Access to this directory is forbidden")
				return
			}
		}
		for _, suffix := range blockedSuffixes {
			if strings.HasSuffix(path, suffix) {
				writeMessage(w, http.StatusForbidden, "Direct file access forbidden")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// Perimeter returns the optional security middleware: security headers and
// a coarse per-address limiter in front of every route. When disabled it
// returns the identity middleware.
func Perimeter(enabled bool, requestsPerSecond float64) func(http.Handler) http.Handler {
	if !enabled {
		return func(next http.Handler) http.Handler { return next }
	}

	headers := secure.New(secure.Options{
		FrameDeny:             true,
		ContentTypeNosniff:    true,
		BrowserXssFilter:      true,
		ReferrerPolicy:        "no-referrer",
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'",
	})

	lmt := tollbooth.NewLimiter(requestsPerSecond, nil)
	lmt.SetIPLookups([]string{"RemoteAddr"})
	lmt.SetMessageContentType("application/json; charset=utf-8")
	lmt.SetMessage(`{"message":"Too many requests, please try again later."}`)

	return func(next http.Handler) http.Handler {
		return headers.Handler(tollbooth.LimitHandler(lmt, next))
	}
}

// ParseTrustedProxies parses IP addresses and CIDR prefixes.
func ParseTrustedProxies(entries []string) ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if prefix, err := netip.ParsePrefix(entry); err == nil {
			prefixes = append(prefixes, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, oops.Code("INVALID_TRUSTED_PROXY").With("entry", entry).Errorf("not an IP or CIDR: %q", entry)
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

// realIPFromTrusted applies chi's RealIP only for requests whose socket peer
// is a trusted proxy. With no proxies configured, forwarding headers are
// ignored.
func realIPFromTrusted(trusted []netip.Prefix) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if len(trusted) == 0 {
			return next
		}
		forwarded := middleware.RealIP(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isTrustedPeer(r.RemoteAddr, trusted) {
				forwarded.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func isTrustedPeer(remoteAddr string, trusted []netip.Prefix) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, prefix := range trusted {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// clientAddress is the request's peer IP without the port. Forwarding
// headers have already been applied for trusted proxies.
func clientAddress(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// throttleRequests applies the per-client fixed window limiter.
func throttleRequests(limiter *throttle.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d := limiter.Admit(clientAddress(r))

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))

			if !d.Allowed {
				writeRetry(w, "Too many requests, please try again later.", d.RetryAfter)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type claimsKey struct{}

// ClaimsFromContext returns the verified bearer claims, if any.
func ClaimsFromContext(ctx context.Context) (*auth.Claims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*auth.Claims)
	return claims, ok
}

// requireAuth rejects requests without a valid bearer token.
func requireAuth(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				writeMessage(w, http.StatusUnauthorized, "No token, authorization denied")
				return
			}
			claims, err := verifier.Verify(token)
			if err != nil {
				writeMessage(w, http.StatusUnauthorized, "Token is not valid")
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
		})
	}
}

// requireRole admits only callers holding one of roles. It must run after
// requireAuth.
func requireRole(roles ...auth.Role) func(http.Handler) http.Handler {
	label := make([]string, len(roles))
	for i, role := range roles {
		label[i] = string(role)
	}
	denied := "Access denied. Only " + strings.Join(label, ", ") + "."

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := ClaimsFromContext(r.Context())
			if !ok {
				writeMessage(w, http.StatusUnauthorized, "Unauthorized")
				return
			}
			if !slices.Contains(roles, claims.Role) {
				writeMessage(w, http.StatusForbidden, denied)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
