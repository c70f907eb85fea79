package domain

import "errors"

var (
	// ErrStoreUnavailable marks transient store failures (timeouts, lost
	// connections). Callers retry these with backoff.
	ErrStoreUnavailable = errors.New("task store unavailable")

	// ErrStaleReport is returned when a report names a task that is not
	// currently assigned to the reporting worker for the reported attempt.
	ErrStaleReport = errors.New("stale or duplicate report")

	// ErrIntegrity is returned when stored rows reference entities that do
	// not exist. The offending task is left untouched.
	ErrIntegrity = errors.New("task store integrity violation")

	ErrUnknownCorpus   = errors.New("unknown corpus")
	ErrUnknownService  = errors.New("unknown service")
	ErrTaskNotFound    = errors.New("task not found")
	ErrSessionNotFound = errors.New("worker session not found")
	ErrInvalidStatus   = errors.New("invalid task status")
	ErrAlreadyExists   = errors.New("already exists")
	ErrInvalidFilter   = errors.New("invalid filter")

	// ErrInflightLimit is returned when a worker asks for more tasks than
	// it may hold at once.
	ErrInflightLimit = errors.New("worker in-flight limit reached")
)

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}
