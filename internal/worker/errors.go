package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/terrachat/terrachat/internal/provider"
	"github.com/terrachat/terrachat/pkg/types"
)

// Failure categories recorded in the payload of a failure message.
const (
	CategoryConfiguration = "configuration_error"
	CategoryProvider      = "provider_error"
	CategoryValidation    = "validation_error"
	CategoryTimeout       = "timeout"
	CategoryInternal      = "internal_error"
)

// panicError is a recovered panic from inside a turn.
type panicError struct {
	value any
}

func (e *panicError) Error() string {
	return fmt.Sprintf("unexpected panic: %v", e.value)
}

// Categorize maps a turn error onto its failure category.
func Categorize(err error) string {
	var (
		cerr *provider.ConfigError
		perr *provider.Error
		verr *types.ValidationError
	)
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return CategoryTimeout
	case errors.As(err, &cerr):
		return CategoryConfiguration
	case errors.As(err, &perr):
		return CategoryProvider
	case errors.As(err, &verr):
		return CategoryValidation
	default:
		return CategoryInternal
	}
}

// failureText is the human-readable part of a failure message.
func failureText(err error) string {
	var perr *provider.Error
	if errors.As(err, &perr) {
		return perr.Message
	}
	return err.Error()
}

// retryable reports whether a provider failure is worth another attempt:
// network errors, rate limiting and server-side statuses.
func retryable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	var perr *provider.Error
	if !errors.As(err, &perr) {
		return false
	}
	switch {
	case perr.StatusCode == http.StatusTooManyRequests:
		return true
	case perr.StatusCode >= http.StatusInternalServerError:
		return true
	}
	var nerr net.Error
	return perr.StatusCode == 0 && errors.As(perr.Err, &nerr)
}
