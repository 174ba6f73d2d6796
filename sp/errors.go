package sp

import (
	"errors"
	"fmt"
	"strings"
)

// Category classifies a fatal run failure. Every error that escapes the
// orchestrator carries exactly one category so the exit path can name the
// failing subsystem. No category is ever retried: a skipped coupling
// exchange would silently corrupt the physical result.
type Category string

const (
	// CategoryConfig marks invalid run parameters, detected before any
	// process group is spawned.
	CategoryConfig Category = "configuration"

	// CategoryMapping marks polygon-to-grid mapping failures (empty
	// footprint, overlapping regions), detected before any spawn.
	CategoryMapping Category = "mapping"

	// CategorySpawn marks a process group that failed to start.
	CategorySpawn Category = "spawn"

	// CategoryChannel marks a coupling-channel timeout or disconnect.
	CategoryChannel Category = "channel"

	// CategoryCoupling marks a failure inside the coupled loop itself
	// (clock drift between groups, exchange or output failure).
	CategoryCoupling Category = "coupling"
)

// RunError is the single error type surfaced by the orchestrator. Component
// names the subsystem (launcher, mapper, scheduler, exchanger, output) and
// Group names the process group involved, when there is one.
type RunError struct {
	Category  Category
	Component string
	Group     string
	Err       error
}

func (e *RunError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s error in %s", e.Category, e.Component)
	if e.Group != "" {
		fmt.Fprintf(&b, " (group %s)", e.Group)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *RunError) Unwrap() error { return e.Err }

// Errorf builds a RunError wrapping a formatted cause.
func Errorf(cat Category, component, group, format string, args ...interface{}) *RunError {
	return &RunError{
		Category:  cat,
		Component: component,
		Group:     group,
		Err:       fmt.Errorf(format, args...),
	}
}

// WrapError attaches a category to an existing error, preserving the chain.
// A nil cause yields nil.
func WrapError(cat Category, component, group string, err error) error {
	if err == nil {
		return nil
	}
	var re *RunError
	if errors.As(err, &re) {
		return err
	}
	return &RunError{Category: cat, Component: component, Group: group, Err: err}
}

// CategoryOf reports the category of err, or the empty string if err carries
// no RunError.
func CategoryOf(err error) Category {
	var re *RunError
	if errors.As(err, &re) {
		return re.Category
	}
	return ""
}

// Aggregate folds several failures into one top-level report. Teardown after
// a failed spawn or a failed step can produce secondary errors; the report
// keeps them all but stays a single error value. Nil entries are dropped.
func Aggregate(errs ...error) error {
	var kept []error
	for _, err := range errs {
		if err != nil {
			kept = append(kept, err)
		}
	}
	switch len(kept) {
	case 0:
		return nil
	case 1:
		return kept[0]
	}
	msgs := make([]string, len(kept)-1)
	for i, err := range kept[1:] {
		msgs[i] = err.Error()
	}
	return fmt.Errorf("%d failures: %w; %s", len(kept), kept[0], strings.Join(msgs, "; "))
}
