package engine

import (
	"errors"
	"fmt"
)

// ErrorKind identifies a class of engine error. Kinds are part of the host
// boundary contract: hosts dispatch on the kind, not the message text.
type ErrorKind string

const (
	KindUnknownCollection    ErrorKind = "unknownCollection"
	KindMissingRequiredField ErrorKind = "missingRequiredField"
	KindTypeMismatch         ErrorKind = "typeMismatch"
	KindNotFound             ErrorKind = "notFound"
	KindAlreadyExists        ErrorKind = "alreadyExists"
	KindVersionMismatch      ErrorKind = "versionMismatch"
	KindMalformed            ErrorKind = "malformed"
	KindUnsupportedFormat    ErrorKind = "unsupportedFormat"
	KindInternal             ErrorKind = "internal"
)

// Error is the engine error type. Every failure surfaced across the host
// boundary is one of these; the zero-value fields are unused for kinds that
// do not need them.
type Error struct {
	Kind ErrorKind `json:"kind"`

	// Collection and RecordID locate the failing target where applicable.
	Collection string `json:"collection,omitempty"`
	RecordID   string `json:"recordId,omitempty"`

	// Field names the offending payload field for validation kinds.
	Field string `json:"field,omitempty"`

	// Expected and Actual carry the version pair for KindVersionMismatch.
	Expected uint64 `json:"expected,omitempty"`
	Actual   uint64 `json:"actual,omitempty"`

	// FormatVersion is set for KindUnsupportedFormat.
	FormatVersion uint32 `json:"formatVersion,omitempty"`

	// Detail is free-form context for logs, never for dispatch.
	Detail string `json:"detail,omitempty"`
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindUnknownCollection:
		return fmt.Sprintf("unknown collection: %s", e.Collection)
	case KindMissingRequiredField:
		return fmt.Sprintf("missing required field: %s", e.Field)
	case KindTypeMismatch:
		return fmt.Sprintf("type mismatch for field %q: %s", e.Field, e.Detail)
	case KindNotFound:
		return fmt.Sprintf("record not found: %s/%s", e.Collection, e.RecordID)
	case KindAlreadyExists:
		return fmt.Sprintf("record already exists: %s/%s", e.Collection, e.RecordID)
	case KindVersionMismatch:
		return fmt.Sprintf("version mismatch: expected %d, got %d", e.Expected, e.Actual)
	case KindMalformed:
		return fmt.Sprintf("malformed operation: %s", e.Detail)
	case KindUnsupportedFormat:
		return fmt.Sprintf("unsupported snapshot format version: %d", e.FormatVersion)
	case KindInternal:
		return fmt.Sprintf("internal error: %s", e.Detail)
	default:
		return string(e.Kind)
	}
}

// KindOf extracts the engine error kind from err, or an empty kind when err
// did not originate in the engine.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func errUnknownCollection(name string) *Error {
	return &Error{Kind: KindUnknownCollection, Collection: name}
}

func errMissingField(field string) *Error {
	return &Error{Kind: KindMissingRequiredField, Field: field}
}

func errTypeMismatch(field string, want FieldType, got string) *Error {
	return &Error{
		Kind:   KindTypeMismatch,
		Field:  field,
		Detail: fmt.Sprintf("expected %s, got %s", want, got),
	}
}

func errNotFound(collection, id string) *Error {
	return &Error{Kind: KindNotFound, Collection: collection, RecordID: id}
}

func errAlreadyExists(collection, id string) *Error {
	return &Error{Kind: KindAlreadyExists, Collection: collection, RecordID: id}
}

func errVersionMismatch(expected, actual uint64) *Error {
	return &Error{Kind: KindVersionMismatch, Expected: expected, Actual: actual}
}

func errMalformed(detail string) *Error {
	return &Error{Kind: KindMalformed, Detail: detail}
}

func errUnsupportedFormat(version uint32) *Error {
	return &Error{Kind: KindUnsupportedFormat, FormatVersion: version}
}
