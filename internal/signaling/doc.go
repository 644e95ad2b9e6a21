// Package signaling serves the browser-facing WebSocket routes.
//
// Two routes share one session implementation:
//
//   - GET /one2many: one presenter broadcasting to many viewers per room
//     (presenter, viewer, stop, onIceCandidate).
//   - GET /one2one: registered users calling each other by name
//     (register, call, incomingCallResponse, stop, onIceCandidate).
//
// Every frame is a JSON text message discriminated by its "id" field (see
// package protocol). A message that cannot be parsed, or whose id is not
// served on the route, is answered with {"id":"error"} and the connection
// stays open. Authentication failures, rate limit violations and binary
// frames close the connection with a policy close code.
//
// When AUTH_MODE is not none, the credential is taken from the ?apiKey= or
// ?token= query parameter. If neither is present the client must send
// {"id":"auth","apiKey":"..."} (or "token") as its first message within the
// auth timeout.
//
// Once a session is authorized the server pings it every ping interval and
// closes it when no pong or message arrives within the idle timeout.
package signaling
