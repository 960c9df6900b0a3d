package types

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Error codes for categorizing indexer errors
const (
	ErrCodeAuthentication = "AUTH_ERROR"
	ErrCodeSearch         = "SEARCH_ERROR"
	ErrCodeConfiguration  = "CONFIG_ERROR"
	ErrCodeRequestLimit   = "REQUEST_LIMIT_ERROR"
	ErrCodeNetwork        = "NETWORK_ERROR"
	ErrCodeTimeout        = "TIMEOUT_ERROR"
	ErrCodeParse          = "PARSE_ERROR"
	ErrCodeCloudflare     = "CLOUDFLARE_ERROR"
	ErrCodeUnsupported    = "UNSUPPORTED_ERROR"
)

// IndexerError represents a categorized error from an indexer operation.
type IndexerError struct {
	Code        string        // Error category code
	Message     string        // Human-readable message
	IndexerID   int64         // ID of the affected indexer (0 if not applicable)
	IndexerName string        // Name of the affected indexer
	Retryable   bool          // Whether the operation can be retried
	RetryAfter  time.Duration // Server supplied back-pressure hint, request limit errors only
	Response    *HTTPResponse // Offending response, if any
	Cause       error         // Underlying error
}

// Error implements the error interface.
func (e *IndexerError) Error() string {
	msg := e.Message
	if e.Cause != nil {
		msg = msg + ": " + e.Cause.Error()
	}
	if e.IndexerName != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.IndexerName, msg)
	}
	return fmt.Sprintf("[%s] %s", e.Code, msg)
}

// Unwrap returns the underlying error.
func (e *IndexerError) Unwrap() error {
	return e.Cause
}

// Is implements error matching for errors.Is().
func (e *IndexerError) Is(target error) bool {
	var t *IndexerError
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// WithIndexer returns a copy attributed to the given indexer.
func (e *IndexerError) WithIndexer(id int64, name string) *IndexerError {
	c := *e
	c.IndexerID = id
	c.IndexerName = name
	return &c
}

// Common error instances for comparison
var (
	ErrAuthentication = &IndexerError{Code: ErrCodeAuthentication, Message: "authentication failed"}
	ErrSearch         = &IndexerError{Code: ErrCodeSearch, Message: "search failed"}
	ErrConfiguration  = &IndexerError{Code: ErrCodeConfiguration, Message: "configuration error"}
	ErrRequestLimit   = &IndexerError{Code: ErrCodeRequestLimit, Message: "request limit reached"}
	ErrNetwork        = &IndexerError{Code: ErrCodeNetwork, Message: "network error"}
	ErrTimeout        = &IndexerError{Code: ErrCodeTimeout, Message: "request timed out"}
	ErrParse          = &IndexerError{Code: ErrCodeParse, Message: "parse error"}
	ErrCloudflare     = &IndexerError{Code: ErrCodeCloudflare, Message: "blocked by cloudflare protection"}
	ErrUnsupported    = &IndexerError{Code: ErrCodeUnsupported, Message: "unsupported indexer implementation"}
)

// NewAuthError creates an authentication error.
func NewAuthError(indexerID int64, indexerName string, message string, cause error) *IndexerError {
	if message == "" {
		message = "authentication failed"
	}
	return &IndexerError{
		Code:        ErrCodeAuthentication,
		Message:     message,
		IndexerID:   indexerID,
		IndexerName: indexerName,
		Retryable:   false, // Auth errors usually need credential fixes
		Cause:       cause,
	}
}

// NewSearchError creates a search error.
func NewSearchError(indexerID int64, indexerName string, message string, cause error) *IndexerError {
	if message == "" {
		message = "search failed"
	}
	return &IndexerError{
		Code:        ErrCodeSearch,
		Message:     message,
		IndexerID:   indexerID,
		IndexerName: indexerName,
		Retryable:   true,
		Cause:       cause,
	}
}

// NewConfigError creates a configuration error.
func NewConfigError(indexerID int64, indexerName string, message string) *IndexerError {
	return &IndexerError{
		Code:        ErrCodeConfiguration,
		Message:     message,
		IndexerID:   indexerID,
		IndexerName: indexerName,
		Retryable:   false,
	}
}

// NewRequestLimitError creates a request limit error carrying the offending response.
func NewRequestLimitError(indexerID int64, indexerName string, resp *HTTPResponse) *IndexerError {
	return &IndexerError{
		Code:        ErrCodeRequestLimit,
		Message:     "request limit reached",
		IndexerID:   indexerID,
		IndexerName: indexerName,
		Retryable:   true, // Can retry after backoff
		RetryAfter:  retryAfter(resp),
		Response:    resp,
	}
}

// NewNetworkError creates a network error.
func NewNetworkError(indexerID int64, indexerName string, cause error) *IndexerError {
	return &IndexerError{
		Code:        ErrCodeNetwork,
		Message:     "network error",
		IndexerID:   indexerID,
		IndexerName: indexerName,
		Retryable:   true,
		Cause:       cause,
	}
}

// NewTimeoutError creates a timeout error.
func NewTimeoutError(indexerID int64, indexerName string, cause error) *IndexerError {
	return &IndexerError{
		Code:        ErrCodeTimeout,
		Message:     "request timed out",
		IndexerID:   indexerID,
		IndexerName: indexerName,
		Retryable:   true,
		Cause:       cause,
	}
}

// NewParseError creates a parsing error.
func NewParseError(indexerID int64, indexerName string, message string, cause error) *IndexerError {
	return &IndexerError{
		Code:        ErrCodeParse,
		Message:     message,
		IndexerID:   indexerID,
		IndexerName: indexerName,
		Retryable:   false, // Parse errors are usually definition bugs
		Cause:       cause,
	}
}

func retryAfter(resp *HTTPResponse) time.Duration {
	if resp == nil || resp.Headers == nil {
		return 0
	}
	v := resp.Headers.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := time.Parse(time.RFC1123, v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// IsRetryable returns whether the error is retryable.
func IsRetryable(err error) bool {
	var indexerErr *IndexerError
	if errors.As(err, &indexerErr) {
		return indexerErr.Retryable
	}
	return false
}

// IsAuthError returns whether the error is an authentication error.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrAuthentication)
}

// IsRequestLimitError returns whether the error is a request limit error.
func IsRequestLimitError(err error) bool {
	return errors.Is(err, ErrRequestLimit)
}

// IsNetworkError returns whether the error is a network error.
func IsNetworkError(err error) bool {
	return errors.Is(err, ErrNetwork) || errors.Is(err, ErrTimeout)
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) string {
	var indexerErr *IndexerError
	if errors.As(err, &indexerErr) {
		return indexerErr.Code
	}
	return ""
}
