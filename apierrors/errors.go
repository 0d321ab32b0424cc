// Package apierrors holds the error taxonomy shared by the client packages.
//
// Every error type matches ErrNuxeo with errors.Is, plus the sentinel of its own kind,
// so callers can branch on the kind without knowing the concrete type.
package apierrors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

var (
	ErrNuxeo                = errors.New("nuxeo error")
	ErrBadQuery             = errors.New("bad query")
	ErrHTTP                 = errors.New("http error")
	ErrUnauthorized         = errors.New("unauthorized")
	ErrForbidden            = errors.New("forbidden")
	ErrConflict             = errors.New("conflict")
	ErrOngoingRequest       = errors.New("ongoing request")
	ErrInvalidBatch         = errors.New("invalid batch")
	ErrInvalidUploadHandler = errors.New("invalid upload handler")
	ErrUpload               = errors.New("upload error")
	ErrCorruptedFile        = errors.New("corrupted file")
	ErrUnavailable          = errors.New("unavailable convertor")
	ErrNotRegistered        = errors.New("convertor not registered")
	ErrBogusConvertor       = errors.New("bogus convertor")
	ErrOAuth2               = errors.New("oauth2 error")
	ErrUnknownDigest        = errors.New("unknown digest")
)

// BadQuery reports malformed client input: unknown operation, missing or mistyped parameter,
// invalid HTTP method and the like.
type BadQuery struct {
	Message string
}

func (e *BadQuery) Error() string { return e.Message }

func (e *BadQuery) Is(target error) bool {
	return target == ErrNuxeo || target == ErrBadQuery
}

// NewBadQuery ...
func NewBadQuery(format string, v ...interface{}) *BadQuery {
	return &BadQuery{Message: fmt.Sprintf(format, v...)}
}

// HTTPError is any non successful response from the server.
type HTTPError struct {
	Status     int
	Message    string
	Stacktrace string

	kind error
}

type errorPayload struct {
	Message    string      `json:"message"`
	Stacktrace string      `json:"stacktrace"`
	Status     interface{} `json:"status"`
}

// NewHTTPError builds an HTTPError from a status code and a raw response body.
// JSON bodies of the form {message, stacktrace, status} are decoded, anything else is
// used verbatim as the message.
func NewHTTPError(status int, body []byte) *HTTPError {
	e := &HTTPError{Status: status}

	var payload errorPayload
	if err := json.Unmarshal(body, &payload); err == nil && (payload.Message != "" || payload.Stacktrace != "") {
		e.Message = payload.Message
		e.Stacktrace = payload.Stacktrace
	} else {
		e.Message = strings.TrimSpace(string(body))
	}
	if e.Message == "" {
		e.Message = http.StatusText(status)
	}

	e.kind = classify(status, e.Message)
	return e
}

func classify(status int, message string) error {
	switch status {
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusConflict:
		return ErrConflict
	}

	if status >= 500 {
		switch {
		case strings.Contains(message, "is not registered"):
			return ErrNotRegistered
		case strings.Contains(message, "is not available"):
			return ErrUnavailable
		case strings.Contains(message, "Internal error while converting"):
			return ErrBogusConvertor
		}
	}
	return nil
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
}

func (e *HTTPError) Is(target error) bool {
	if target == ErrNuxeo || target == ErrHTTP {
		return true
	}
	return e.kind != nil && target == e.kind
}

// Kind returns the most specific sentinel matching this error.
func (e *HTTPError) Kind() error {
	if e.kind != nil {
		return e.kind
	}
	return ErrHTTP
}

// OngoingRequest is returned when the server is still processing a request sharing the same
// idempotency key.
type OngoingRequest struct {
	Key string
}

func (e *OngoingRequest) Error() string {
	return fmt.Sprintf("a request with the idempotency key %q is already being processed", e.Key)
}

func (e *OngoingRequest) Is(target error) bool {
	return target == ErrNuxeo || target == ErrOngoingRequest
}

// InvalidBatch is returned for operations against a cancelled or unknown batch.
type InvalidBatch struct {
	BatchID string
}

func (e *InvalidBatch) Error() string {
	if e.BatchID == "" {
		return "batch is not valid anymore (cancelled)"
	}
	return fmt.Sprintf("batch %q is not valid", e.BatchID)
}

func (e *InvalidBatch) Is(target error) bool {
	return target == ErrNuxeo || target == ErrInvalidBatch
}

// InvalidUploadHandler is returned when a handler is not advertised by the server.
type InvalidUploadHandler struct {
	Handler  string
	Handlers []string
}

func (e *InvalidUploadHandler) Error() string {
	handlers := append([]string(nil), e.Handlers...)
	sort.Strings(handlers)
	return fmt.Sprintf("invalid upload handler %q, available handlers: %s", e.Handler, strings.Join(handlers, ", "))
}

func (e *InvalidUploadHandler) Is(target error) bool {
	return target == ErrNuxeo || target == ErrInvalidUploadHandler
}

// UploadError wraps any failure happening while sending blob bytes.
// Chunk is -1 when the failure is not related to a given chunk.
type UploadError struct {
	Name  string
	Chunk int
	Info  string

	Err error
}

// NewUploadError ...
func NewUploadError(name string, chunk int, err error) *UploadError {
	info := ""
	if err != nil {
		info = err.Error()
	}
	return &UploadError{Name: name, Chunk: chunk, Info: info, Err: err}
}

func (e *UploadError) Error() string {
	msg := fmt.Sprintf("unable to upload file %q", e.Name)
	if e.Chunk >= 0 {
		msg += fmt.Sprintf(" (chunk %d)", e.Chunk)
	}
	if e.Info != "" {
		msg += ": " + e.Info
	}
	return msg
}

func (e *UploadError) Unwrap() error { return e.Err }

func (e *UploadError) Is(target error) bool {
	return target == ErrNuxeo || target == ErrUpload
}

// CorruptedFile is returned when the digest of a downloaded file differs from the expected one.
type CorruptedFile struct {
	Filename     string
	ServerDigest string
	LocalDigest  string
}

func (e *CorruptedFile) Error() string {
	return fmt.Sprintf("corrupted file %q: server digest is %s, local digest is %s", e.Filename, e.ServerDigest, e.LocalDigest)
}

func (e *CorruptedFile) Is(target error) bool {
	return target == ErrNuxeo || target == ErrCorruptedFile
}

// UnknownDigest is returned for unsupported digest algorithms or malformed digests.
type UnknownDigest struct {
	Digest string
}

func (e *UnknownDigest) Error() string {
	return fmt.Sprintf("unknown digest %q", e.Digest)
}

func (e *UnknownDigest) Is(target error) bool {
	return target == ErrNuxeo || target == ErrUnknownDigest
}

// OAuth2Error wraps a failure of the OAuth2 provider.
type OAuth2Error struct {
	Status  int
	Message string

	Err error
}

// NewOAuth2Error ...
func NewOAuth2Error(err error) *OAuth2Error {
	e := &OAuth2Error{Status: http.StatusBadRequest, Err: err}
	if err != nil {
		e.Message = err.Error()
	}
	return e
}

func (e *OAuth2Error) Error() string {
	return fmt.Sprintf("oauth2 error (%d): %s", e.Status, e.Message)
}

func (e *OAuth2Error) Unwrap() error { return e.Err }

func (e *OAuth2Error) Is(target error) bool {
	return target == ErrNuxeo || target == ErrOAuth2
}
