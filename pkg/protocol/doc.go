// Package protocol defines the gateway wire format: request, response and
// event frames, the closed sets of methods, event names and error codes, and
// the pure helpers the router builds on (frame validation, idempotency
// fingerprints, HTTP compatibility filtering).
//
// Usage:
//
//	req, perr := protocol.ParseRequest(raw)
//	if perr != nil {
//		return protocol.ErrorResponse(req.ID, perr)
//	}
//	if req.Method.SideEffecting() {
//		key, perr := req.RequireIdempotencyKey()
//		...
//	}
package protocol
