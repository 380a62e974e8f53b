package document

import "errors"

var (
	// ErrInvalidKey reports a document key that starts with '$' or contains '.'.
	// Callers should use errors.Is(err, ErrInvalidKey).
	ErrInvalidKey = errors.New("invalid document key")

	// ErrInvalidModifier reports an update query that mixes modifiers with raw
	// fields, or applies a modifier to an incompatible value.
	// Callers should use errors.Is(err, ErrInvalidModifier).
	ErrInvalidModifier = errors.New("invalid modifier")

	// ErrUnknownOperator reports an unrecognized query or update operator.
	// Callers should use errors.Is(err, ErrUnknownOperator).
	ErrUnknownOperator = errors.New("unknown operator")
)
