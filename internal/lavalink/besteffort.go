package lavalink

import (
	"errors"
	"fmt"
)

// Failure is one error swallowed by a cleanup path.
type Failure struct {
	Op  string
	Err error
}

func (f Failure) Error() string {
	return fmt.Sprintf("%s: %v", f.Op, f.Err)
}

func (f Failure) Unwrap() error { return f.Err }

// BestEffort is returned by operations that always complete, such as
// destroying a player or disconnecting a node. It lists what went wrong
// along the way.
type BestEffort struct {
	Failures []Failure
}

func (b *BestEffort) Record(op string, err error) {
	if err == nil {
		return
	}
	b.Failures = append(b.Failures, Failure{Op: op, Err: err})
}

func (b *BestEffort) Merge(other BestEffort) {
	b.Failures = append(b.Failures, other.Failures...)
}

func (b BestEffort) OK() bool {
	return len(b.Failures) == 0
}

// Err joins every recorded failure, or returns nil.
func (b BestEffort) Err() error {
	if b.OK() {
		return nil
	}
	errs := make([]error, len(b.Failures))
	for i, f := range b.Failures {
		errs[i] = f
	}
	return errors.Join(errs...)
}

// Failed reports whether op was recorded.
func (b BestEffort) Failed(op string) bool {
	for _, f := range b.Failures {
		if f.Op == op {
			return true
		}
	}
	return false
}
