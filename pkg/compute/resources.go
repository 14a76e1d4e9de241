package compute

import (
	"fmt"

	"github.com/rs/zerolog"
)

// Resources is what the surrounding application hands to operators and
// solvers at setup: the context to acquire kernels from, the one queue all
// work of a reconstruction runs on, and a logger.
type Resources struct {
	Context Context
	Queue   *Queue
	Logger  zerolog.Logger
}

// Validate returns ErrConfiguration when the context or queue is missing
func (r *Resources) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: no resources", ErrConfiguration)
	}
	if r.Context == nil {
		return fmt.Errorf("%w: no compute context", ErrConfiguration)
	}
	if r.Queue == nil {
		return fmt.Errorf("%w: no compute queue", ErrConfiguration)
	}
	return nil
}
