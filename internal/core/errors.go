package core

import "errors"

// Task failures fall into a small set of kinds that determine what the
// transport layer does with the message: validation failures go to the
// dead-letter queue, everything else is requeued for redelivery.
var (
	ErrValidation = errors.New("validation error")
	ErrGenerator  = errors.New("generator error")
	ErrStructural = errors.New("structural error")
	ErrStorage    = errors.New("storage error")
)

// ErrorType returns the metric dimension value for a task error.
func ErrorType(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "Validation"
	case errors.Is(err, ErrGenerator):
		return "Generator"
	case errors.Is(err, ErrStructural):
		return "Structural"
	case errors.Is(err, ErrStorage):
		return "Storage"
	default:
		return "Unknown"
	}
}
