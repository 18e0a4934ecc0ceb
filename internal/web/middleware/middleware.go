// Package middleware provides the HTTP middleware stack mounted in front of
// resource routes.
package middleware

import "net/http"

// Middleware wraps an http.Handler. Middleware registered first sees the
// request first.
type Middleware func(http.Handler) http.Handler
