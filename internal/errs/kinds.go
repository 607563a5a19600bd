// Package errs defines the error kinds shared across the anonymization
// core so that callers can distinguish quarantine categories from fatal
// conditions without string matching.
package errs

import "errors"

// Kind identifies one of the error categories from the de-identification
// pipeline's error handling design.
type Kind string

const (
	InvalidDICOM         Kind = "INVALID_DICOM"
	DICOMReadError       Kind = "DICOM_READ_ERROR"
	MissingAttributes    Kind = "MISSING_ATTRIBUTES"
	InvalidStorageClass  Kind = "INVALID_STORAGE_CLASS"
	CapturePHIError      Kind = "CAPTURE_PHI_ERROR"
	StorageError         Kind = "STORAGE_ERROR"
	AlreadyPresent       Kind = "ALREADY_PRESENT"
	CapacityExceeded     Kind = "CAPACITY_EXCEEDED"
	ModelVersionMismatch Kind = "MODEL_VERSION_MISMATCH"
	NetworkTimeout       Kind = "NETWORK_TIMEOUT"
	AssociationRejected  Kind = "ASSOCIATION_REJECTED"
	PeerAbort            Kind = "PEER_ABORT"
	Cancelled            Kind = "CANCELLED"
	CredentialsExpired   Kind = "CREDENTIALS_EXPIRED"
)

// QuarantineCategories are the kinds that route a source file into a
// quarantine sub-directory rather than aborting the caller.
var QuarantineCategories = map[Kind]string{
	InvalidDICOM:       "Invalid_DICOM",
	DICOMReadError:      "DICOM_Read_Error",
	MissingAttributes:   "Missing_Attributes",
	InvalidStorageClass: "Invalid_Storage_Class",
	CapturePHIError:     "Capture_PHI_Error",
	StorageError:        "Storage_Error",
}

// Error wraps a Kind with context and an optional underlying cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return string(e.Kind) + ": " + e.Message + ": " + e.Cause.Error()
	}
	return string(e.Kind) + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, errs.New(SomeKind, "")) match on Kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New constructs an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an *Error of the given kind wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *Error, returning ok=false otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Sentinel returns a comparable sentinel value for use with errors.Is
// when callers only care about the kind, not the message.
func Sentinel(kind Kind) error { return &Error{Kind: kind} }
