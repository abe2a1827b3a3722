package knowledge

import "errors"

// Sentinel errors for the knowledge package.
// Use errors.Is to check: errors.Is(err, knowledge.ErrInvalidInput)
var (
	ErrInvalidInput = errors.New("knowledge: invalid input")
)
