// Package http provides HTTP handlers and middleware for the assistant API.
//
// The router exposes the following endpoints:
//   - POST /messages: submits one user message (text or voice) for parsing.
//     The response carries a confirmation prompt with the pending draft, a
//     clarification question, or a queued notice when transcription was
//     deferred. Payloads are defined in message_handler.go.
//   - GET /conversations/{id}/session: returns the conversation's pending
//     draft session.
//   - POST /conversations/{id}/confirm: finalises the draft and enqueues the
//     provider write. Repeating the call replays the stored outcome.
//   - POST /conversations/{id}/edit: rewrites draft fields and re-arms the
//     confirmation.
//   - POST /conversations/{id}/reselect: swaps the draft's time for one of
//     the suggested free slots. Body: {"slot_index"}.
//   - DELETE /conversations/{id}/session: cancels the pending draft.
//   - GET /availability: merged busy intervals plus ranked free slots for a
//     window. Query: user_id, start, end (RFC 3339), duration_minutes.
//   - GET /integrations, POST /integrations, DELETE /integrations/{provider}:
//     provider connection management exchanging the `integrationDTO` payload
//     defined in integration_handler.go.
//   - PUT /integrations/calendars/{id}/primary: marks the calendar as the
//     default write target.
//   - PUT /integrations/calendars/{id}: enables or disables the calendar for
//     availability aggregation. Body: {"enabled"}.
//   - GET /healthz: liveness probe, always 200.
//
// Request/response DTOs live alongside their respective handlers so tests and
// documentation share the same ground truth.
package http
