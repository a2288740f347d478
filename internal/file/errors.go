package file

import "errors"

var (
	// ErrDuplicateRecord signals that a record with the same id already exists.
	ErrDuplicateRecord = errors.New("duplicate upload record")
	// ErrMissingPayload signals an upload request without a file part.
	ErrMissingPayload = errors.New("missing file payload")
)
