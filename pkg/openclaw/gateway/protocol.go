// Package gateway exposes the websocket RPC surface: chat history,
// send, abort, inject, and mesh dispatch. One request frame yields one
// response frame; chat events fan out to every connected client with a
// monotone sequence number.
package gateway

import (
	"encoding/json"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Error codes.
const (
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeUnavailable    = "UNAVAILABLE"
)

// Request is the inbound RPC frame.
type Request struct {
	Type   string          `json:"type"` // "req"
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response answers one request.
type Response struct {
	Type    string  `json:"type"` // "res"
	ID      string  `json:"id"`
	OK      bool    `json:"ok"`
	Payload any     `json:"payload,omitempty"`
	Error   *Error  `json:"error,omitempty"`
}

// Error is the structured RPC error.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string { return e.Code + ": " + e.Message }

func invalidRequest(msg string) *Error {
	return &Error{Code: CodeInvalidRequest, Message: msg}
}

func unavailable(msg string) *Error {
	return &Error{Code: CodeUnavailable, Message: msg}
}

// Event is the broadcast frame for run and chat state changes.
type Event struct {
	Type         string `json:"type"` // "event"
	State        string `json:"state"`
	RunID        string `json:"runId,omitempty"`
	SessionKey   string `json:"sessionKey"`
	Seq          int64  `json:"seq"`
	Message      string `json:"message,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// sanitizeMessage normalizes to NFC and strips NUL plus C0 controls,
// keeping tab, newline, and carriage return.
func sanitizeMessage(s string) string {
	s = norm.NFC.String(s)
	return strings.Map(func(r rune) rune {
		if r == '\t' || r == '\n' || r == '\r' {
			return r
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
}

// isStopCommand matches /stop after compatibility folding, so
// full-width or styled variants still trigger.
func isStopCommand(s string) bool {
	folded := strings.ToLower(strings.TrimSpace(norm.NFKC.String(s)))
	return folded == "/stop" || strings.HasPrefix(folded, "/stop ")
}
