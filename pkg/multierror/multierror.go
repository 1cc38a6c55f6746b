package multierror

import (
	"errors"
	"slices"
	"strings"
)

// MultiError collects independent failures, e.g. closing several backends.
type MultiError struct {
	errors []error
}

func (m *MultiError) Error() string {
	msgs := make([]string, 0, len(m.errors))
	for _, err := range m.errors {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

func (m *MultiError) Unwrap() []error {
	return m.errors
}

func (m *MultiError) Errors() []error {
	return m.errors
}

// Append adds the non-nil errs to err. It returns nil if nothing non-nil
// was given and the plain error if only one was.
func Append(err error, errs ...error) error {
	var all []error

	if me, ok := err.(*MultiError); ok {
		all = slices.Clone(me.errors)
	} else if err != nil {
		all = append(all, err)
	}

	for _, e := range errs {
		if e != nil {
			all = append(all, e)
		}
	}

	switch len(all) {
	case 0:
		return nil
	case 1:
		return all[0]
	}

	return &MultiError{errors: all}
}

// As reports whether any collected error matches target.
func (m *MultiError) As(target any) bool {
	for _, e := range m.errors {
		if errors.As(e, target) {
			return true
		}
	}
	return false
}
