// Package provider provides a uniform chat-completion gateway over the supported AI backends.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"

	"github.com/terrachat/terrachat/pkg/types"
)

// DefaultTemperature is the sampling temperature used for analysis turns.
const DefaultTemperature = 0.7

// ChatMessage is one provider-neutral conversation entry.
type ChatMessage struct {
	Role    types.Role `json:"role"`
	Content string     `json:"content"`
}

// Gateway sends a conversation to one backend and returns the reply text.
// Every failure is returned as *Error.
type Gateway interface {
	// ID returns the provider identifier.
	ID() types.AIProvider

	// Chat performs a single non-streaming completion.
	Chat(ctx context.Context, messages []ChatMessage, temperature float64) (string, error)
}

// Error is a backend failure: bad credentials, network failure, non-2xx
// status or an unusable response body.
type Error struct {
	Provider   types.AIProvider
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ConfigError reports a provider that cannot be used as configured, such
// as a missing API key. It is raised before any network call.
type ConfigError struct {
	Provider types.AIProvider
	Message  string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

func statusError(p types.AIProvider, status int, detail string) *Error {
	msg := fmt.Sprintf("API request failed: %d %s", status, http.StatusText(status))
	if detail != "" {
		msg = fmt.Sprintf("API request failed (%d): %s", status, detail)
	}
	return &Error{Provider: p, StatusCode: status, Message: msg}
}

func networkError(p types.AIProvider, err error) *Error {
	return &Error{Provider: p, Message: "Network error: " + err.Error(), Err: err}
}

func invalidResponse(p types.AIProvider, detail string) *Error {
	return &Error{Provider: p, Message: "Invalid response: " + detail}
}

// wrap normalizes any error leaving a variant into *Error.
func wrap(p types.AIProvider, err error) error {
	if err == nil {
		return nil
	}
	var perr *Error
	if errors.As(err, &perr) {
		return perr
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &Error{Provider: p, Message: "Request cancelled: " + err.Error(), Err: err}
	}
	return &Error{Provider: p, StatusCode: embeddedStatus(err), Message: "API request failed: " + err.Error(), Err: err}
}

// statusPattern finds the HTTP status the OpenAI client library writes
// into its error text.
var statusPattern = regexp.MustCompile(`status code: (\d{3})`)

func embeddedStatus(err error) int {
	m := statusPattern.FindStringSubmatch(err.Error())
	if m == nil {
		return 0
	}
	status, _ := strconv.Atoi(m[1])
	return status
}
