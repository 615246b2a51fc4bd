// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package auth checks the management token of HTTP requests.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// TokenFromRequest returns the token given in the Authorization
// header ("Bearer TOKEN" or "OAuth2 TOKEN"), or in the "token" query
// parameter, or "".
func TokenFromRequest(r *http.Request) string {
	if ah := r.Header.Get("Authorization"); ah != "" {
		for _, scheme := range []string{"Bearer ", "OAuth2 "} {
			if tok, ok := strings.CutPrefix(ah, scheme); ok {
				return strings.TrimSpace(tok)
			}
		}
		return ""
	}
	// Ignore surrounding spaces and newlines pasted along with
	// the token.
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// RequireLiteralToken wraps the next handler, rejecting any request
// that doesn't supply the given token. If the given token is empty,
// RequireLiteralToken returns next (i.e., no auth checks are
// performed).
func RequireLiteralToken(token string, next http.Handler) http.Handler {
	if token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := TokenFromRequest(r)
		if got == "" {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
