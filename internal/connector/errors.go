package connector

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	ErrNotImplemented            ErrorKind = "not_implemented"
	ErrFailedToObtainAuthType    ErrorKind = "failed_to_obtain_auth_type"
	ErrWebhookSignatureNotFound  ErrorKind = "webhook_signature_not_found"
	ErrWebhookSignatureInvalid   ErrorKind = "webhook_signature_invalid"
	ErrWebhookBodyDecodingFailed ErrorKind = "webhook_body_decoding_failed"
	ErrUnexpectedResponse        ErrorKind = "unexpected_response"
	ErrMissingRequiredField      ErrorKind = "missing_required_field"
)

// Error is a classified connector-level failure. It never carries transport
// errors; those are classified separately by the dispatcher.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("connector error [%s]: %s", e.Kind, e.Message)
}

func newError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func NewNotImplemented(connectorName string, flow Flow) *Error {
	return newError(ErrNotImplemented, fmt.Sprintf("connector %s does not implement flow %s", connectorName, flow))
}

func NewMissingRequiredField(field string) *Error {
	return newError(ErrMissingRequiredField, "missing required field "+field)
}

func NewWebhookSignatureNotFound(header string) *Error {
	return newError(ErrWebhookSignatureNotFound, "missing signature header "+header)
}

func NewWebhookSignatureInvalid() *Error {
	return newError(ErrWebhookSignatureInvalid, "webhook signature verification failed")
}

func NewWebhookBodyDecodingFailed(cause error) *Error {
	return newError(ErrWebhookBodyDecodingFailed, cause.Error())
}

func NewUnexpectedResponse(message string) *Error {
	return newError(ErrUnexpectedResponse, message)
}

// KindOf extracts the error kind, or empty when err is not a connector error.
func KindOf(err error) ErrorKind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
