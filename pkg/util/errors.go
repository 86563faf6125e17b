// Package util provides the shared logger and common error types.
package util

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Sentinel errors for the error kinds surfaced by the engine
var (
	ErrNotFound           = errors.New("resource not found")
	ErrInvalidParams      = errors.New("invalid parameters")
	ErrInUse              = errors.New("resource in use")
	ErrPreconditionFailed = errors.New("precondition failed")
	ErrSubnetFull         = errors.New("no free IP addresses found")
	ErrConflict           = errors.New("store precondition conflict")
	ErrInternal           = errors.New("internal error")
)

// Error codes used in field-level validation errors.
const (
	CodeMissingParam = "MissingParameter"
	CodeUnknownParam = "UnknownParameter"
	CodeInvalidParam = "InvalidParameter"
	CodeDuplicate    = "Duplicate"
	CodeUsedBy       = "UsedBy"
)

// UsedBy identifies a record that holds a reference to a resource.
type UsedBy struct {
	Type string `json:"type"`
	UUID string `json:"uuid"`
}

// FieldError is a single parameter failure inside an InvalidParamsError.
type FieldError struct {
	Field   string   `json:"field"`
	Code    string   `json:"code"`
	Message string   `json:"message"`
	UsedBy  []UsedBy `json:"usedBy,omitempty"`
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Field, e.Message, e.Code)
}

// InvalidParamsError collects every field failure from one validation pass.
// Entries are kept sorted by field name.
type InvalidParamsError struct {
	Errors []FieldError
}

func (e *InvalidParamsError) Error() string {
	if len(e.Errors) == 1 {
		return "invalid parameters: " + e.Errors[0].Error()
	}
	msgs := make([]string, len(e.Errors))
	for i, fe := range e.Errors {
		msgs[i] = fe.Error()
	}
	return "invalid parameters:\n  - " + strings.Join(msgs, "\n  - ")
}

func (e *InvalidParamsError) Unwrap() error {
	return ErrInvalidParams
}

// Sort orders the entries by field name, then code.
func (e *InvalidParamsError) Sort() {
	sort.Slice(e.Errors, func(i, j int) bool {
		if e.Errors[i].Field != e.Errors[j].Field {
			return e.Errors[i].Field < e.Errors[j].Field
		}
		return e.Errors[i].Code < e.Errors[j].Code
	})
}

// NewInvalidParamsError builds a sorted InvalidParamsError.
func NewInvalidParamsError(errs ...FieldError) *InvalidParamsError {
	e := &InvalidParamsError{Errors: errs}
	e.Sort()
	return e
}

// MissingParam is shorthand for a MissingParameter field error.
func MissingParam(field string) FieldError {
	return FieldError{Field: field, Code: CodeMissingParam, Message: "missing parameter"}
}

// InvalidParam is shorthand for an InvalidParameter field error.
func InvalidParam(field, message string) FieldError {
	return FieldError{Field: field, Code: CodeInvalidParam, Message: message}
}

// DuplicateParam is shorthand for a Duplicate field error.
func DuplicateParam(field, message string) FieldError {
	return FieldError{Field: field, Code: CodeDuplicate, Message: message}
}

// UnknownParam is shorthand for an UnknownParameter field error.
func UnknownParam(field string) FieldError {
	return FieldError{Field: field, Code: CodeUnknownParam, Message: "unknown parameter"}
}

// NotFoundError names the missing resource.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s '%s' not found", e.Resource, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// NewNotFoundError creates a not-found error for a resource instance.
func NewNotFoundError(resource, id string) *NotFoundError {
	return &NotFoundError{Resource: resource, ID: id}
}

// InUseError blocks a mutation and names the dependents holding references.
type InUseError struct {
	Resource string
	UsedBy   []UsedBy
}

func (e *InUseError) Error() string {
	deps := make([]string, len(e.UsedBy))
	for i, u := range e.UsedBy {
		deps[i] = u.Type + " " + u.UUID
	}
	return fmt.Sprintf("%s is in use by: %s", e.Resource, strings.Join(deps, ", "))
}

func (e *InUseError) Unwrap() error {
	return ErrInUse
}

// NewInUseError creates an in-use error listing the blocking dependents.
func NewInUseError(resource string, usedBy ...UsedBy) *InUseError {
	return &InUseError{Resource: resource, UsedBy: usedBy}
}

// PreconditionFailedError reports an If-Match mismatch. No retry is attempted.
type PreconditionFailedError struct {
	Etag     string
	Incoming string
}

func (e *PreconditionFailedError) Error() string {
	return fmt.Sprintf("etag mismatch: current %q, if-match %q", e.Etag, e.Incoming)
}

func (e *PreconditionFailedError) Unwrap() error {
	return ErrPreconditionFailed
}

// SubnetFullError reports an exhausted provision range.
type SubnetFullError struct {
	NetworkUUID string
}

func (e *SubnetFullError) Error() string {
	if e.NetworkUUID == "" {
		return ErrSubnetFull.Error()
	}
	return fmt.Sprintf("no free IP addresses found on network %s", e.NetworkUUID)
}

func (e *SubnetFullError) Unwrap() error {
	return ErrSubnetFull
}

// ConflictError reports a store precondition failure, naming the bucket whose
// precondition failed so retry loops can tell their conflicts from others'.
type ConflictError struct {
	Bucket string
	Key    string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("precondition conflict on %s|%s", e.Bucket, e.Key)
}

func (e *ConflictError) Unwrap() error {
	return ErrConflict
}

// InternalError wraps an unrecoverable failure (exhausted retries, store
// errors) behind the ErrInternal sentinel.
type InternalError struct {
	Message string
	Cause   error
}

func (e *InternalError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *InternalError) Unwrap() error {
	return ErrInternal
}

// NewInternalError creates an internal error with an optional cause.
func NewInternalError(message string, cause error) *InternalError {
	return &InternalError{Message: message, Cause: cause}
}
