// Package httputil provides HTTP utilities for standardized request/response handling.
//
// # Response Helpers
//
//	httputil.WriteJSON(w, http.StatusOK, data)
//	httputil.WriteBadRequest(w, "Invalid input")
//	httputil.WriteErrorReason(w, http.StatusForbidden, "forbidden", "not_a_member")
//
// Every error body has the same shape:
//
//	{"error": "forbidden", "reason": "not_a_member"}
//
// # Request Parsing
//
//	var req UpsertMemberRequest
//	if !httputil.ParseJSONOrError(w, r, &req) {
//		return // Error response already written
//	}
//
//	slug, ok := httputil.ParsePathStringOrError(w, r, "tenant_slug")
//
// # Middleware
//
//	httputil.Chain(
//		httputil.RequestIDMiddleware(logger),
//		httputil.RecoveryMiddleware,
//		httputil.LoggingMiddleware,
//		httputil.MaxBytesMiddleware(1<<20),
//	)
//
// # Related Packages
//
//   - pkg/middleware: Authentication and authorization middleware
package httputil
