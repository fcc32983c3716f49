package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

type Code string

const (
	CSValidationFailed    Code = "CS_VALIDATION_FAILED"
	CSValidationManifest  Code = "CS_VALIDATION_MANIFEST_INVALID"
	CSValidationBundle    Code = "CS_VALIDATION_BUNDLE_INVALID"
	CSValidationName      Code = "CS_VALIDATION_NAME_INVALID"
	CSValidationEvent     Code = "CS_VALIDATION_EVENT_INVALID"
	CSConfigInvalid       Code = "CS_CONFIG_INVALID"
	CSReportNotFound      Code = "CS_REPORT_NOT_FOUND"
	CSKVUnavailable       Code = "CS_KVROCKS_UNAVAILABLE"
	CSKVWriteFailed       Code = "CS_KVROCKS_WRITE_FAILED"
	CSKVReadFailed        Code = "CS_KVROCKS_READ_FAILED"
	CSCodeQPublishFailed  Code = "CS_CODEQ_PUBLISH_FAILED"
	CSCodeQSubFailed      Code = "CS_CODEQ_SUBSCRIBE_FAILED"
	CSBadgerWriteFailed   Code = "CS_BADGER_WRITE_FAILED"
	CSBadgerReadFailed    Code = "CS_BADGER_READ_FAILED"
	CSSinkUnknown         Code = "CS_SINK_UNKNOWN_DRIVER"
	CSExpectationMismatch Code = "CS_EXPECTATION_MISMATCH"
	CSHandlerException    Code = "CS_HANDLER_EXCEPTION"
	CSHandlerTimeout      Code = "CS_HANDLER_TIMEOUT"
	CSResourceLeak        Code = "CS_RESOURCE_LEAK"
	CSVerifierFailed      Code = "CS_VERIFIER_FAILED"
)

// CSError is the error type shared by the tester's infrastructure: stores,
// sinks, the gateway and the CLI.
type CSError struct {
	Code      Code
	Message   string
	RequestID string
	Cause     error
}

func (e *CSError) Error() string {
	if e == nil {
		return ""
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *CSError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

func New(code Code, message string) *CSError {
	return &CSError{Code: code, Message: message}
}

func Wrap(code Code, message string, err error) *CSError {
	return &CSError{Code: code, Message: message, Cause: err}
}

func WithRequestID(err error, requestID string) error {
	var csErr *CSError
	if errors.As(err, &csErr) {
		clone := *csErr
		clone.RequestID = requestID
		return &clone
	}
	return err
}

// StatusCode maps a code onto the HTTP status the gateway answers with.
func StatusCode(code Code) int {
	switch {
	case strings.HasPrefix(string(code), "CS_VALIDATION_"), strings.HasPrefix(string(code), "CS_CONFIG_"):
		return http.StatusBadRequest
	case strings.HasSuffix(string(code), "_NOT_FOUND"):
		return http.StatusNotFound
	case code == CSExpectationMismatch, code == CSResourceLeak, code == CSVerifierFailed:
		return http.StatusUnprocessableEntity
	case code == CSHandlerTimeout:
		return http.StatusGatewayTimeout
	case strings.HasSuffix(string(code), "_UNAVAILABLE"):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type HTTPErrorEnvelope struct {
	Error struct {
		Code      Code   `json:"code"`
		Message   string `json:"message"`
		RequestID string `json:"request_id,omitempty"`
	} `json:"error"`
}

func Encode(err error, requestID string) (int, []byte) {
	var csErr *CSError
	if !errors.As(err, &csErr) {
		csErr = Wrap(CSValidationFailed, err.Error(), err)
	}
	if csErr.RequestID == "" {
		csErr.RequestID = requestID
	}
	env := HTTPErrorEnvelope{}
	env.Error.Code = csErr.Code
	env.Error.Message = csErr.Message
	env.Error.RequestID = csErr.RequestID
	b, marshalErr := json.Marshal(env)
	if marshalErr != nil {
		fallback := []byte(`{"error":{"code":"CS_VALIDATION_FAILED","message":"failed to encode error"}}`)
		return http.StatusInternalServerError, fallback
	}
	return StatusCode(csErr.Code), b
}

func WriteHTTP(w http.ResponseWriter, err error, requestID string) {
	status, body := Encode(err, requestID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
