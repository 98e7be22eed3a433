// Package bosherr defines the error-kind taxonomy from spec.md §7: the
// same underlying failure (a closed socket, a terminated session, a
// malformed stanza) drives a different disposition at the bot loop
// depending on which of these it's wrapped in, following the sentinel
// wrapper-type idiom mellium.im/xmpp's own error.go/errors.go use rather
// than string-matching on error text.
package bosherr

import "fmt"

// Transport wraps a connect/write/read failure at the socket layer. It is
// never fatal on its own: the next keep-alive opens a fresh socket.
type Transport struct{ Err error }

func (e *Transport) Error() string { return fmt.Sprintf("transport error: %v", e.Err) }
func (e *Transport) Unwrap() error { return e.Err }

// Session wraps a BOSH-level session failure: a <body type='terminate'>
// or an "invalid sid" error. It drives an immediate disconnect without a
// clean terminate, and restarts the SID-retry machine.
type Session struct{ Err error }

func (e *Session) Error() string { return fmt.Sprintf("session error: %v", e.Err) }
func (e *Session) Unwrap() error { return e.Err }

// Protocol wraps a malformed-XML or unexpected-structure failure. It
// forces a disconnect; the offending payload should be logged by the
// caller before wrapping.
type Protocol struct{ Err error }

func (e *Protocol) Error() string { return fmt.Sprintf("protocol error: %v", e.Err) }
func (e *Protocol) Unwrap() error { return e.Err }

// Fatal wraps a failure that should end the owning bot (engine spawn
// failure, or an engine declaring setboard=0).
type Fatal struct{ Err error }

func (e *Fatal) Error() string { return fmt.Sprintf("fatal: %v", e.Err) }
func (e *Fatal) Unwrap() error { return e.Err }
