// Package hooks dispatches host lifecycle events to the workflow components.
//
// The host runs `forge hook <category>` with a JSON payload on stdin for
// session-start, pre-action, post-action, user-input and session-end. The
// Manager routes each payload to the handlers registered for its category
// under a per-event timeout and turns the result into the host contract:
// exit 0 to allow, exit 2 with a reason on stderr to deny.
package hooks
