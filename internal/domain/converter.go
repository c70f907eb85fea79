package domain

import "context"

// Conversion is the outcome of running a converter on one assignment.
type Conversion struct {
	Status   TaskStatus
	Messages []Message
	// Log is the raw converter log, parsed by the sink when Messages is empty.
	Log string
}

// Converter runs a service's conversion for one assigned document. It is
// implemented by the reference worker's executors.
type Converter interface {
	Convert(ctx context.Context, a *Assignment) (*Conversion, error)
}
