package domain

import "errors"

// User input errors. The dispatcher replies with a corrective message for each.
var (
	ErrPrompt = errors.New("prompt body required: use --inject followed by a prompt")
	ErrSeries = errors.New("invalid series: brace groups missing or of unequal length, or more than one seed file")
)
