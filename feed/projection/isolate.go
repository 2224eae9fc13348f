package projection

import (
	"errors"
	"fmt"
)

// ErrPanicRecovered marks failures that were panics rather than returned errors.
var ErrPanicRecovered = errors.New("panic recovered")

// isolate executes fn and converts a panic into a returned error, so that one
// malformed record cannot abort the transition it is part of.
func isolate(fn func() error) (err error) {
	defer func() {
		recovered := recover()
		if recovered == nil {
			return
		}
		err = fmt.Errorf("%w: %v", ErrPanicRecovered, recovered)
	}()

	return fn()
}
