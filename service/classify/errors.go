package classify

import (
	"errors"
	"fmt"
)

// Error is an error that has already been classified at a component
// boundary. Callers further up use From to read the classification back
// instead of re-classifying the text.
type Error struct {
	Classification Classification
	Err            error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Classification.String()
	}
	return fmt.Sprintf("%s: %v", e.Classification.Category, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Wrap classifies err and returns it as an *Error. A nil err stays nil and an
// err that is already classified is returned unchanged.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return err
	}
	return &Error{Classification: Classify(err), Err: err}
}

// WithCategory builds a classified error with a fixed category, used where
// the caller knows better than the pattern table (our own validation, for
// instance).
func WithCategory(category Category, err error) error {
	c := Classify(err)
	if c.Category != category {
		c.Category = category
		c.Severity = SeverityMedium
		c.Message = defaultMessage(category)
		c.Suggestion = ""
		for _, r := range rules {
			if r.category == category {
				c.Severity = r.severity
				c.Suggestion = r.suggestion
			}
		}
	}
	c.Retryable = category != CategoryInput && category != CategoryConfiguration && c.Severity != SeverityCritical
	return &Error{Classification: c, Err: err}
}

// Inputf is shorthand for an INPUT-category error.
func Inputf(format string, args ...any) error {
	return WithCategory(CategoryInput, fmt.Errorf(format, args...))
}

// From returns the classification carried by err, or classifies it.
func From(err error) Classification {
	return Classify(err)
}

// AsNetwork classifies a transport failure. The category is forced to
// NETWORK; severity and retryability follow the NETWORK defaults.
func AsNetwork(err error) Classification {
	c := Classify(err)
	if c.Category == CategoryNetwork {
		return c
	}
	return Classification{
		Category:   CategoryNetwork,
		Severity:   SeverityMedium,
		Retryable:  true,
		Message:    defaultMessage(CategoryNetwork),
		Suggestion: "check connectivity to the RPC endpoint and retry",
		RawDetail:  c.RawDetail,
	}
}

// IsPermanent reports whether a failure indicates a configuration problem
// that no amount of waiting will fix. Enclosing loops stop only on these.
func IsPermanent(c Classification) bool {
	return c.Category == CategoryConfiguration
}

func defaultMessage(category Category) string {
	for _, r := range rules {
		if r.category == category {
			return r.message
		}
	}
	return "unrecognized failure"
}
