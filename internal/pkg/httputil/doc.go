// Package httputil writes the uniform response envelope used by every
// endpoint, webhook intake included: {"success":true,"data":...} on
// success, {"success":false,"error":"..."} on failure.
//
// Handlers should go through these helpers instead of raw
// http.ResponseWriter calls so status mapping and error sanitization
// stay consistent across the surface.
package httputil
