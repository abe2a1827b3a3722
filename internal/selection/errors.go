package selection

import "errors"

// Sentinel errors for the selection package.
var (
	// ErrNoQuestion means no unused (template, params) pair could be found
	// within the resample budget — the concept is out of fresh content.
	ErrNoQuestion = errors.New("selection: no unused question available")
)
