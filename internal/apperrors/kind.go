package apperrors

import "errors"

// Kind maps an error to a short label for metrics and events.
func Kind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrMissingInput):
		return "missing_input"
	case errors.Is(err, ErrEngineUnavailable):
		return "engine_unavailable"
	case errors.Is(err, ErrProcessDeath):
		return "process_death"
	case errors.Is(err, ErrCompletionCheck):
		return "completion_check"
	case errors.Is(err, ErrDiscovery):
		return "discovery"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrInterrupted):
		return "interrupted"
	case errors.Is(err, ErrIncomplete):
		return "incomplete"
	default:
		return "internal"
	}
}
